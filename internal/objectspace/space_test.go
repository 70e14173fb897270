package objectspace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/graphann/distance"
)

func TestSpace_AppendGetRemove(t *testing.T) {
	s, err := New(3, Float32, distance.L2)
	require.NoError(t, err)

	id1, err := s.Append([]float32{1, 2, 3})
	require.NoError(t, err)
	id2, err := s.Append([]float32{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id1)
	assert.Equal(t, uint32(2), id2)
	assert.Equal(t, 2, s.CountLive())
	assert.Equal(t, uint32(2), s.MaxID())

	v, err := s.Get(id1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v)

	require.NoError(t, s.Remove(id1))
	_, err = s.Get(id1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Remove(id1), ErrNotFound)
	assert.ErrorIs(t, s.Remove(99), ErrNotFound)
	assert.Equal(t, 1, s.CountLive())

	// Ids are never reused.
	id3, err := s.Append([]float32{7, 8, 9})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id3)

	_, err = s.Get(0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSpace_DimensionMismatch(t *testing.T) {
	s, err := New(3, Float32, distance.L2)
	require.NoError(t, err)

	_, err = s.Append([]float32{1, 2})
	var dm *ErrDimensionMismatch
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)
	assert.Zero(t, s.CountLive())

	_, err = s.NewQuery([]float32{1, 2, 3, 4})
	assert.True(t, errors.As(err, &dm))
}

func TestSpace_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		dim  int
		ot   ObjectType
		dt   distance.Type
	}{
		{"ZeroDim", 0, Float32, distance.L2},
		{"UnknownType", 3, ObjectType(9), distance.L2},
		{"UnknownDistance", 3, Float32, distance.Type(55)},
		{"HammingOnFloat", 3, Float32, distance.Hamming},
		{"JaccardOnFloat16", 3, Float16, distance.Jaccard},
		{"NormalizedOnUint8", 3, Uint8, distance.NormalizedCosine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.dim, tt.ot, tt.dt)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestSpace_Comparators(t *testing.T) {
	for _, ot := range []ObjectType{Float32, Float16, Uint8} {
		t.Run(ot.String(), func(t *testing.T) {
			s, err := New(2, ot, distance.L1)
			require.NoError(t, err)
			a, _ := s.Append([]float32{1, 1})
			b, _ := s.Append([]float32{4, 5})

			cmp, err := s.NewQuery([]float32{1, 1})
			require.NoError(t, err)
			assert.InDelta(t, 0, cmp(a), 1e-3)
			assert.InDelta(t, 7, cmp(b), 1e-3)

			byID, err := s.NewQueryByID(b)
			require.NoError(t, err)
			assert.InDelta(t, 7, byID(a), 1e-3)
			assert.InDelta(t, 7, s.Distance(a, b), 1e-3)

			require.NoError(t, s.Remove(b))
			_, err = s.NewQueryByID(b)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSpace_Uint8Clamp(t *testing.T) {
	s, err := New(4, Uint8, distance.L2)
	require.NoError(t, err)
	id, err := s.Append([]float32{-3, 2.6, 300, 17})
	require.NoError(t, err)
	v, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3, 255, 17}, v)
}

func TestSpace_Float16Roundtrip(t *testing.T) {
	s, err := New(3, Float16, distance.L2)
	require.NoError(t, err)
	id, err := s.Append([]float32{0.5, -1.25, 1024})
	require.NoError(t, err)
	v, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1.25, 1024}, v)
}

func TestSpace_Hamming(t *testing.T) {
	s, err := New(2, Uint8, distance.Hamming)
	require.NoError(t, err)
	a, _ := s.Append([]float32{0xFF, 0x00})
	b, _ := s.Append([]float32{0x0F, 0x01})
	assert.Equal(t, float32(5), s.Distance(a, b))
}

func TestSpace_NormalizedStorage(t *testing.T) {
	s, err := New(2, Float32, distance.NormalizedCosine)
	require.NoError(t, err)
	id, err := s.Append([]float32{3, 4})
	require.NoError(t, err)
	v, _ := s.Get(id)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	cmp, err := s.NewQuery([]float32{30, 40})
	require.NoError(t, err)
	assert.InDelta(t, 0, cmp(id), 1e-6)
}

func TestSpace_ForEachLiveAndCompact(t *testing.T) {
	s, err := New(1, Float32, distance.L2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.Append([]float32{float32(i)})
		require.NoError(t, err)
	}
	require.NoError(t, s.Remove(2))
	require.NoError(t, s.Remove(4))

	var ids []uint32
	s.ForEachLive(func(id uint32) bool {
		ids = append(ids, id)
		return true
	})
	assert.Equal(t, []uint32{1, 3, 5}, ids)

	var first []uint32
	s.ForEachLive(func(id uint32) bool {
		first = append(first, id)
		return false
	})
	assert.Equal(t, []uint32{1}, first)

	assert.Equal(t, 2, s.Compact())
	assert.Equal(t, 0, s.Compact())
	assert.Equal(t, uint64(2), s.Tombstones().GetCardinality())
	assert.False(t, s.Exists(2))
	assert.True(t, s.Exists(3))
}

func TestSpace_BinaryRoundtrip(t *testing.T) {
	for _, ot := range []ObjectType{Float32, Float16, Uint8} {
		t.Run(ot.String(), func(t *testing.T) {
			s, err := New(3, ot, distance.L2)
			require.NoError(t, err)
			for i := 0; i < 10; i++ {
				_, err := s.Append([]float32{float32(i), float32(i + 1), float32(i + 2)})
				require.NoError(t, err)
			}
			require.NoError(t, s.Remove(4))
			require.NoError(t, s.Remove(10))

			data, err := s.MarshalBinary()
			require.NoError(t, err)

			restored, err := New(3, ot, distance.L2)
			require.NoError(t, err)
			require.NoError(t, restored.UnmarshalBinary(data))

			assert.Equal(t, s.CountLive(), restored.CountLive())
			assert.Equal(t, s.MaxID(), restored.MaxID())
			_, err = restored.Get(4)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = restored.Get(10)
			assert.ErrorIs(t, err, ErrNotFound)
			for _, id := range []uint32{1, 5, 9} {
				want, _ := s.Get(id)
				got, err := restored.Get(id)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}

			next, err := restored.Append([]float32{0, 0, 0})
			require.NoError(t, err)
			assert.Equal(t, uint32(11), next)
		})
	}
}

func TestSpace_UnmarshalCorrupt(t *testing.T) {
	s, err := New(3, Float32, distance.L2)
	require.NoError(t, err)
	_, _ = s.Append([]float32{1, 2, 3})
	data, err := s.MarshalBinary()
	require.NoError(t, err)

	other, err := New(4, Float32, distance.L2)
	require.NoError(t, err)
	assert.ErrorIs(t, other.UnmarshalBinary(data), ErrCorrupt)

	same, err := New(3, Float32, distance.L2)
	require.NoError(t, err)
	assert.ErrorIs(t, same.UnmarshalBinary(data[:len(data)-2]), ErrCorrupt)
	assert.ErrorIs(t, same.UnmarshalBinary(append(data, 0)), ErrCorrupt)
	assert.ErrorIs(t, same.UnmarshalBinary(nil), ErrCorrupt)

	// The max id sits after the type, dimension and distance fields. A value
	// the payload cannot back is rejected before the id table is sized.
	huge := bytes.Clone(data)
	binary.LittleEndian.PutUint32(huge[9:13], 0xfffffff0)
	assert.ErrorIs(t, same.UnmarshalBinary(huge), ErrCorrupt)
}

func TestObjectType(t *testing.T) {
	assert.Equal(t, 1, Uint8.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 4, Float32.Size())
	assert.False(t, ObjectType(0).Valid())

	ot, err := ParseObjectType("float16")
	require.NoError(t, err)
	assert.Equal(t, Float16, ot)
	_, err = ParseObjectType("int64")
	assert.Error(t, err)
}
