package objectspace

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
)

// Serialized layout (little endian):
//
//	u8  object type
//	u32 dimension
//	i32 distance type
//	u32 max id
//	u32 tombstone bitmap length, followed by the portable roaring encoding
//	live payloads in ascending id order, dimension elements each
type spaceHeader struct {
	ObjectType   uint8
	Dimension    uint32
	DistanceType int32
	MaxID        uint32
}

func (s *store[T]) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	hdr := spaceHeader{
		ObjectType:   uint8(s.otype),
		Dimension:    uint32(s.dim),
		DistanceType: int32(s.dtype),
		MaxID:        s.MaxID(),
	}
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	var bm bytes.Buffer
	if _, err := s.removed.WriteTo(&bm); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(bm.Len())); err != nil {
		return nil, err
	}
	buf.Write(bm.Bytes())

	buf.Grow(s.live * s.dim * s.otype.Size())
	var werr error
	s.ForEachLive(func(id uint32) bool {
		werr = binary.Write(&buf, binary.LittleEndian, s.objects[id])
		return werr == nil
	})
	if werr != nil {
		return nil, werr
	}
	return buf.Bytes(), nil
}

func (s *store[T]) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var hdr spaceHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	if ObjectType(hdr.ObjectType) != s.otype || int(hdr.Dimension) != s.dim || int(hdr.DistanceType) != int(s.dtype) {
		return fmt.Errorf("%w: stored %s/%d/%d does not match configured %s/%d/%d", ErrCorrupt,
			ObjectType(hdr.ObjectType), hdr.Dimension, hdr.DistanceType, s.otype, s.dim, int(s.dtype))
	}

	var bmLen uint32
	if err := binary.Read(r, binary.LittleEndian, &bmLen); err != nil {
		return fmt.Errorf("%w: tombstones: %w", ErrCorrupt, err)
	}
	if int64(bmLen) > int64(r.Len()) {
		return fmt.Errorf("%w: tombstone section truncated", ErrCorrupt)
	}
	bm := make([]byte, bmLen)
	if _, err := io.ReadFull(r, bm); err != nil {
		return fmt.Errorf("%w: tombstones: %w", ErrCorrupt, err)
	}
	removed := roaring.New()
	if err := removed.UnmarshalBinary(bm); err != nil {
		return fmt.Errorf("%w: tombstones: %w", ErrCorrupt, err)
	}
	tombstones := removed.GetCardinality()
	if tombstones > 0 && (removed.Minimum() == 0 || removed.Maximum() > hdr.MaxID) {
		return fmt.Errorf("%w: tombstone outside 1..%d", ErrCorrupt, hdr.MaxID)
	}
	// Tombstones are added one by one, so their encoding holds at most eight
	// ids per byte. Together with the payload length this bounds MaxID
	// before anything is sized by it.
	if tombstones > 8*uint64(bmLen) {
		return fmt.Errorf("%w: %d tombstones in %d bytes", ErrCorrupt, tombstones, bmLen)
	}
	rowBytes := uint64(s.dim * s.otype.Size())
	if live := uint64(hdr.MaxID) - tombstones; live*rowBytes != uint64(r.Len()) {
		return fmt.Errorf("%w: %d live objects need %d bytes, have %d", ErrCorrupt, live, live*rowBytes, r.Len())
	}

	objects := make([][]T, int(hdr.MaxID)+1)
	live := 0
	for id := uint32(1); id <= hdr.MaxID; id++ {
		if removed.Contains(id) {
			continue
		}
		vec := make([]T, s.dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("%w: object %d: %w", ErrCorrupt, id, err)
		}
		objects[id] = vec
		live++
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}

	s.objects = objects
	s.removed = removed
	s.live = live
	return nil
}
