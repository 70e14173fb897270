package graph

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
)

// ErrCorrupt is returned when a serialized graph cannot be decoded.
var ErrCorrupt = errors.New("corrupt graph")

// Serialized layout (little endian):
//
//	u32 edge size
//	u32 node slots
//	u32 indexed bitmap length, followed by the portable roaring encoding
//	per indexed id ascending: u16 degree, then degree x (u32 id, f32 distance)
//	u8  seed tree present
//	if present: u32 size, u32 node count, then per node
//	    u32 vantage, f32 median, i32 inner, i32 outer, u16 leaf length,
//	    leaf length x u32 id
type graphHeader struct {
	EdgeSize uint32
	Slots    uint32
}

type vpNodeHeader struct {
	Vantage uint32
	Median  float32
	Inner   int32
	Outer   int32
	LeafLen uint16
}

// vpNodeSize is the encoded size of vpNodeHeader.
const vpNodeSize = 18

// MarshalBinary encodes the graph together with its seed tree, so that a
// decoded graph starts every search from the same entry points.
func (g *Graph) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	hdr := graphHeader{EdgeSize: uint32(g.edgeSize), Slots: uint32(len(g.nodes))}
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	bm, err := g.indexed.ToBytes()
	if err != nil {
		return nil, err
	}
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(bm)))
	buf.Write(bm)

	var scratch [8]byte
	it := g.indexed.Iterator()
	for it.HasNext() {
		edges := g.nodes[it.Next()]
		if len(edges) > math.MaxUint16 {
			return nil, fmt.Errorf("degree %d exceeds format limit", len(edges))
		}
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(edges)))
		buf.Write(scratch[:2])
		for _, e := range edges {
			binary.LittleEndian.PutUint32(scratch[0:4], e.ID)
			binary.LittleEndian.PutUint32(scratch[4:8], math.Float32bits(e.Distance))
			buf.Write(scratch[:8])
		}
	}

	tree := g.seedIndex.tree.Load()
	if tree == nil {
		buf.WriteByte(0)
		return buf.Bytes(), nil
	}
	buf.WriteByte(1)
	_ = binary.Write(&buf, binary.LittleEndian, [2]uint32{uint32(tree.size), uint32(len(tree.nodes))})
	for _, n := range tree.nodes {
		_ = binary.Write(&buf, binary.LittleEndian, vpNodeHeader{
			Vantage: n.vantage,
			Median:  n.median,
			Inner:   n.inner,
			Outer:   n.outer,
			LeafLen: uint16(len(n.leaf)),
		})
		if len(n.leaf) > 0 {
			_ = binary.Write(&buf, binary.LittleEndian, n.leaf)
		}
	}
	return buf.Bytes(), nil
}

// Decode replaces g with a graph produced by MarshalBinary. Node ids above
// maxID are rejected before anything is sized by them, so a damaged header
// cannot make Decode allocate beyond the id range of the object store.
func (g *Graph) Decode(data []byte, maxID uint32) error {
	r := bytes.NewReader(data)
	var hdr graphHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	if hdr.EdgeSize == 0 || hdr.EdgeSize > math.MaxUint16 {
		return fmt.Errorf("%w: edge size %d", ErrCorrupt, hdr.EdgeSize)
	}

	var bmLen uint32
	if err := binary.Read(r, binary.LittleEndian, &bmLen); err != nil {
		return fmt.Errorf("%w: indexed set: %w", ErrCorrupt, err)
	}
	if int64(bmLen) > int64(r.Len()) {
		return fmt.Errorf("%w: indexed set truncated", ErrCorrupt)
	}
	bm := make([]byte, bmLen)
	if _, err := io.ReadFull(r, bm); err != nil {
		return fmt.Errorf("%w: indexed set: %w", ErrCorrupt, err)
	}
	indexed := roaring.New()
	if err := indexed.UnmarshalBinary(bm); err != nil {
		return fmt.Errorf("%w: indexed set: %w", ErrCorrupt, err)
	}
	if !indexed.IsEmpty() {
		if indexed.Minimum() == 0 || indexed.Maximum() > maxID || indexed.Maximum() >= hdr.Slots {
			return fmt.Errorf("%w: node ids %d..%d outside 1..%d", ErrCorrupt, indexed.Minimum(), indexed.Maximum(), maxID)
		}
		// Every node takes at least its degree field.
		if indexed.GetCardinality()*2 > uint64(r.Len()) {
			return fmt.Errorf("%w: %d nodes in %d bytes", ErrCorrupt, indexed.GetCardinality(), r.Len())
		}
	}

	fresh := New(int(hdr.EdgeSize))
	fresh.seedCount = g.seedCount
	fresh.ensure(min(max(hdr.Slots, 1)-1, maxID))

	var scratch [8]byte
	it := indexed.Iterator()
	for it.HasNext() {
		id := it.Next()
		if _, err := io.ReadFull(r, scratch[:2]); err != nil {
			return fmt.Errorf("%w: node %d: %w", ErrCorrupt, id, err)
		}
		degree := int(binary.LittleEndian.Uint16(scratch[:2]))
		if degree > fresh.edgeSize {
			return fmt.Errorf("%w: node %d has %d edges, cap %d", ErrCorrupt, id, degree, fresh.edgeSize)
		}
		edges := make([]Edge, degree)
		for i := range edges {
			if _, err := io.ReadFull(r, scratch[:8]); err != nil {
				return fmt.Errorf("%w: node %d: %w", ErrCorrupt, id, err)
			}
			edges[i] = Edge{
				ID:       binary.LittleEndian.Uint32(scratch[0:4]),
				Distance: math.Float32frombits(binary.LittleEndian.Uint32(scratch[4:8])),
			}
			if edges[i].ID == 0 || edges[i].ID > maxID || int(edges[i].ID) >= len(fresh.nodes) {
				return fmt.Errorf("%w: node %d links to invalid id %d", ErrCorrupt, id, edges[i].ID)
			}
		}
		fresh.nodes[id] = edges
	}

	tree, err := decodeSeedTree(r, maxID)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}

	// Rebuild derived state.
	fresh.indexed = indexed
	it = indexed.Iterator()
	for it.HasNext() {
		for _, e := range fresh.nodes[it.Next()] {
			fresh.inDegree[e.ID]++
		}
	}
	it = indexed.Iterator()
	for it.HasNext() {
		id := it.Next()
		if fresh.inDegree[id] == 0 {
			fresh.orphans.Add(id)
		}
	}
	fresh.refreshSeeds()
	if tree != nil {
		fresh.seedIndex.tree.Store(tree)
	}

	*g = *fresh
	return nil
}

func decodeSeedTree(r *bytes.Reader, maxID uint32) (*seedTree, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: seed tree: %w", ErrCorrupt, err)
	}
	switch present {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("%w: seed tree flag %d", ErrCorrupt, present)
	}

	var counts [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &counts); err != nil {
		return nil, fmt.Errorf("%w: seed tree: %w", ErrCorrupt, err)
	}
	size, count := counts[0], counts[1]
	if uint64(count)*vpNodeSize > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: seed tree of %d nodes in %d bytes", ErrCorrupt, count, r.Len())
	}

	t := &seedTree{size: int(size), nodes: make([]vpNode, count)}
	for i := range t.nodes {
		var h vpNodeHeader
		if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
			return nil, fmt.Errorf("%w: seed tree node %d: %w", ErrCorrupt, i, err)
		}
		n := vpNode{vantage: h.Vantage, median: h.Median, inner: h.Inner, outer: h.Outer}
		switch {
		case h.Inner < 0:
			if h.Inner != -1 || h.Outer != -1 || h.LeafLen > seedLeafSize {
				return nil, fmt.Errorf("%w: seed tree leaf %d", ErrCorrupt, i)
			}
			n.leaf = make([]uint32, h.LeafLen)
			if h.LeafLen > 0 {
				if err := binary.Read(r, binary.LittleEndian, n.leaf); err != nil {
					return nil, fmt.Errorf("%w: seed tree leaf %d: %w", ErrCorrupt, i, err)
				}
			}
			for _, id := range n.leaf {
				if id == 0 || id > maxID {
					return nil, fmt.Errorf("%w: seed tree leaf %d holds id %d", ErrCorrupt, i, id)
				}
			}
		default:
			// Children follow their parent, which rules out cycles.
			if h.LeafLen != 0 || h.Vantage == 0 || h.Vantage > maxID ||
				h.Inner <= int32(i) || h.Outer <= int32(i) ||
				int64(h.Inner) >= int64(count) || int64(h.Outer) >= int64(count) {
				return nil, fmt.Errorf("%w: seed tree node %d", ErrCorrupt, i)
			}
		}
		t.nodes[i] = n
	}
	return t, nil
}
