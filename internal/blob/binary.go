package blob

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/hupe1980/graphann/internal/quantization"
)

// Serialized layout (little endian):
//
//	u32 dimension, u32 blobs, u32 id slots
//	blobs x dimension f32 centroids
//	product quantizer (quantization.WriteTo)
//	id slots x i32 blob number, -1 for unassigned ids
//	id slots x subvectors code bytes
//	u32 length, then the routing graph
type header struct {
	Dimension uint32
	Blobs     uint32
	Slots     uint32
}

// MarshalBinary encodes the partition, the codes and the routing graph.
func (x *Index) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	hdr := header{Dimension: uint32(x.dim), Blobs: uint32(len(x.members)), Slots: uint32(len(x.blobOf))}
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, x.centroids); err != nil {
		return nil, err
	}
	if _, err := x.pq.WriteTo(&buf); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, x.blobOf); err != nil {
		return nil, err
	}
	buf.Write(x.codes[:len(x.blobOf)*x.pq.NumSubvectors()])

	routes, err := x.graph.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(routes))); err != nil {
		return nil, err
	}
	buf.Write(routes)
	return buf.Bytes(), nil
}

// Decode reads an index written by MarshalBinary. Ids above maxID are
// rejected before anything is sized by them.
func Decode(data []byte, dim int, maxID uint32) (*Index, error) {
	r := bytes.NewReader(data)
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	switch {
	case int(hdr.Dimension) != dim:
		return nil, fmt.Errorf("%w: dimension %d, want %d", ErrCorrupt, hdr.Dimension, dim)
	case hdr.Blobs == 0 || hdr.Blobs > MaxBlobs:
		return nil, fmt.Errorf("%w: blob count %d", ErrCorrupt, hdr.Blobs)
	case hdr.Slots > maxID+1:
		return nil, fmt.Errorf("%w: %d id slots beyond the object store", ErrCorrupt, hdr.Slots)
	case uint64(hdr.Blobs)*uint64(dim)*4+uint64(hdr.Slots)*4 > uint64(r.Len()):
		return nil, fmt.Errorf("%w: %d blobs and %d ids in %d bytes", ErrCorrupt, hdr.Blobs, hdr.Slots, r.Len())
	}

	centroids := make([]float32, int(hdr.Blobs)*dim)
	if err := binary.Read(r, binary.LittleEndian, centroids); err != nil {
		return nil, fmt.Errorf("%w: centroids: %w", ErrCorrupt, err)
	}
	for _, v := range centroids {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite centroid", ErrCorrupt)
		}
	}
	pq, err := quantization.ReadProductQuantizer(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if pq.Dimension() != dim {
		return nil, fmt.Errorf("%w: quantizer dimension %d", ErrCorrupt, pq.Dimension())
	}

	blobOf := make([]int32, hdr.Slots)
	if err := binary.Read(r, binary.LittleEndian, blobOf); err != nil {
		return nil, fmt.Errorf("%w: assignments: %w", ErrCorrupt, err)
	}
	m := pq.NumSubvectors()
	codes := make([]byte, int(hdr.Slots)*m)
	if _, err := io.ReadFull(r, codes); err != nil {
		return nil, fmt.Errorf("%w: codes: %w", ErrCorrupt, err)
	}

	var routesLen uint32
	if err := binary.Read(r, binary.LittleEndian, &routesLen); err != nil {
		return nil, fmt.Errorf("%w: routing graph: %w", ErrCorrupt, err)
	}
	if int64(routesLen) != int64(r.Len()) {
		return nil, fmt.Errorf("%w: routing graph of %d bytes, %d left", ErrCorrupt, routesLen, r.Len())
	}
	routes := make([]byte, routesLen)
	if _, err := io.ReadFull(r, routes); err != nil {
		return nil, fmt.Errorf("%w: routing graph: %w", ErrCorrupt, err)
	}

	x, err := assemble(dim, centroids, pq)
	if err != nil {
		return nil, err
	}
	if err := x.graph.Decode(routes, x.routes.MaxID()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if x.graph.CountIndexed() != int(hdr.Blobs) {
		return nil, fmt.Errorf("%w: routing graph covers %d of %d blobs", ErrCorrupt, x.graph.CountIndexed(), hdr.Blobs)
	}

	x.blobOf = blobOf
	x.codes = codes
	for id, b := range blobOf {
		switch {
		case b == unassigned:
		case id == 0 || b < 0 || b >= int32(hdr.Blobs):
			return nil, fmt.Errorf("%w: id %d in blob %d", ErrCorrupt, id, b)
		default:
			for _, c := range codes[id*m : (id+1)*m] {
				if int(c) >= pq.NumCentroids() {
					return nil, fmt.Errorf("%w: id %d has code %d of %d centroids", ErrCorrupt, id, c, pq.NumCentroids())
				}
			}
			x.members[b] = append(x.members[b], uint32(id))
		}
	}
	return x, nil
}
