// Package visited provides a reusable node-visited set for graph traversal.
package visited

import "sync"

// Set tracks visited node ids using a bitset and a dirty list for fast reset.
type Set struct {
	bits  []uint64
	dirty []uint32
}

// New creates a set sized for ids in [0, capacity).
func New(capacity int) *Set {
	return &Set{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks id as visited and reports whether it was newly marked.
func (s *Set) Visit(id uint32) bool {
	word := int(id >> 6)
	mask := uint64(1) << (id & 63)

	if word >= len(s.bits) {
		s.grow(word + 1)
	}
	if s.bits[word]&mask != 0 {
		return false
	}
	s.bits[word] |= mask
	s.dirty = append(s.dirty, id)
	return true
}

// Visited reports whether id has been visited since the last reset.
func (s *Set) Visited(id uint32) bool {
	word := int(id >> 6)
	if word >= len(s.bits) {
		return false
	}
	return s.bits[word]&(uint64(1)<<(id&63)) != 0
}

// Len returns the number of ids visited since the last reset.
func (s *Set) Len() int {
	return len(s.dirty)
}

// Reset clears only the words touched since the previous reset.
func (s *Set) Reset() {
	for _, id := range s.dirty {
		s.bits[id>>6] &^= uint64(1) << (id & 63)
	}
	s.dirty = s.dirty[:0]
}

func (s *Set) grow(minWords int) {
	n := len(s.bits) * 2
	if n < minWords {
		n = minWords
	}
	bits := make([]uint64, n)
	copy(bits, s.bits)
	s.bits = bits
}

// Pool recycles sets across concurrent searches.
type Pool struct {
	pool sync.Pool
}

// Get returns a cleared set able to hold ids below capacity without growing.
func (p *Pool) Get(capacity int) *Set {
	if v := p.pool.Get(); v != nil {
		s := v.(*Set)
		if words := (capacity + 63) / 64; words > len(s.bits) {
			s.grow(words)
		}
		return s
	}
	return New(capacity)
}

// Put resets s and returns it to the pool.
func (p *Pool) Put(s *Set) {
	s.Reset()
	p.pool.Put(s)
}
