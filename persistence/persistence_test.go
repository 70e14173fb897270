package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repetitivePayload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 7)
	}
	return out
}

func TestSectionRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			payload := repetitivePayload(64 * 1024)

			var buf bytes.Buffer
			require.NoError(t, WriteSection(&buf, SectionGraph, payload, c))
			if c != CompressionNone {
				assert.Less(t, buf.Len(), len(payload))
			}

			got, err := ReadSection(&buf, SectionGraph)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestSectionIncompressibleStoredVerbatim(t *testing.T) {
	payload := []byte{0x01, 0x9f, 0x33}
	var buf bytes.Buffer
	require.NoError(t, WriteSection(&buf, SectionObjects, payload, CompressionZSTD))
	assert.Equal(t, headerSize+len(payload), buf.Len())

	got, err := ReadSection(&buf, SectionObjects)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSectionErrors(t *testing.T) {
	payload := repetitivePayload(1024)
	var buf bytes.Buffer
	require.NoError(t, WriteSection(&buf, SectionObjects, payload, CompressionNone))
	raw := buf.Bytes()

	t.Run("wrong kind", func(t *testing.T) {
		_, err := ReadSection(bytes.NewReader(raw), SectionGraph)
		assert.ErrorIs(t, err, ErrSectionKind)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := bytes.Clone(raw)
		bad[0] ^= 0xff
		_, err := ReadSection(bytes.NewReader(bad), SectionObjects)
		assert.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("bad version", func(t *testing.T) {
		bad := bytes.Clone(raw)
		bad[4] ^= 0xff
		_, err := ReadSection(bytes.NewReader(bad), SectionObjects)
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := ReadSection(bytes.NewReader(raw[:len(raw)-10]), SectionObjects)
		assert.ErrorIs(t, err, ErrTruncated)

		_, err = ReadSection(bytes.NewReader(raw[:10]), SectionObjects)
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("stored size beyond input", func(t *testing.T) {
		bad := bytes.Clone(raw)
		binary.LittleEndian.PutUint64(bad[16:24], 1<<30)
		binary.LittleEndian.PutUint64(bad[24:32], 1<<30)
		_, err := ReadSection(bytes.NewReader(bad), SectionObjects)
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("impossible sizes", func(t *testing.T) {
		huge := bytes.Clone(raw)
		binary.LittleEndian.PutUint64(huge[24:32], 1<<39)
		_, err := ReadSection(bytes.NewReader(huge), SectionObjects)
		assert.ErrorIs(t, err, ErrSectionSize)

		mismatch := bytes.Clone(raw)
		binary.LittleEndian.PutUint64(mismatch[16:24], binary.LittleEndian.Uint64(raw[24:32])+1)
		_, err = ReadSection(bytes.NewReader(mismatch), SectionObjects)
		assert.ErrorIs(t, err, ErrSectionSize, "uncompressed raw and stored sizes differ")
	})

	t.Run("bit flip", func(t *testing.T) {
		bad := bytes.Clone(raw)
		bad[len(bad)-1] ^= 0x01
		_, err := ReadSection(bytes.NewReader(bad), SectionObjects)
		var mismatch *ChecksumMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.NotEqual(t, mismatch.Expected, mismatch.Actual)
	})
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	got, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, got)

	_, err = ParseCompression("snappy")
	assert.Error(t, err)
}

func TestSaveAndLoadSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, GraphFile)
	payload := repetitivePayload(4096)

	require.NoError(t, SaveSection(path, SectionGraph, payload, CompressionLZ4))
	got, err := LoadSection(path, SectionGraph)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must be cleaned up")
}

func TestAtomicSaveToDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")

	props := &PropertyFile{
		FormatVersion:    FormatVersion,
		Generation:       "gen-1",
		Dimension:        3,
		CreationEdgeSize: 10,
		SearchEdgeSize:   40,
		ObjectType:       "Float32",
		DistanceType:     "L2",
		BuildEpsilon:     0.1,
		BatchChunkSize:   100,
	}
	err := AtomicSaveToDir(dir, []NamedWriter{
		SectionFile(ObjectsFile, SectionObjects, []byte("objects"), CompressionNone),
		SectionFile(GraphFile, SectionGraph, []byte("graph"), CompressionNone),
		PropertiesEntry(props),
	})
	require.NoError(t, err)

	ok, err := Exists(dir)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := ReadProperties(dir)
	require.NoError(t, err)
	assert.Equal(t, props, got)

	objects, err := LoadSection(filepath.Join(dir, ObjectsFile), SectionObjects)
	require.NoError(t, err)
	assert.Equal(t, []byte("objects"), objects)
}

func TestAtomicSaveToDirFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, AtomicSaveToDir(dir, []NamedWriter{
		SectionFile(GraphFile, SectionGraph, []byte("v1"), CompressionNone),
	}))

	boom := errors.New("boom")
	err := AtomicSaveToDir(dir, []NamedWriter{
		SectionFile(GraphFile, SectionGraph, []byte("v2"), CompressionNone),
		{Name: ObjectsFile, Write: func(w io.Writer) error { return boom }},
	})
	require.ErrorIs(t, err, boom)

	got, err := LoadSection(filepath.Join(dir, GraphFile), SectionGraph)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadPropertiesErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadProperties(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	ok, err := Exists(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(dir, PropertiesFile), []byte("dimension: [oops"), 0o644))
	_, err = ReadProperties(dir)
	assert.ErrorIs(t, err, ErrInvalidProperties)

	require.NoError(t, os.WriteFile(filepath.Join(dir, PropertiesFile), []byte("format_version: 1\ndimension: 0\n"), 0o644))
	_, err = ReadProperties(dir)
	assert.ErrorIs(t, err, ErrInvalidProperties)

	require.NoError(t, os.WriteFile(filepath.Join(dir, PropertiesFile), []byte("format_version: 1\nunknown_key: 3\n"), 0o644))
	_, err = ReadProperties(dir)
	assert.ErrorIs(t, err, ErrInvalidProperties)
}

func TestQuantizedPropertiesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := &QuantizedPropertyFile{
		FormatVersion:      FormatVersion,
		SourceGeneration:   "abc",
		Dimension:          8,
		DistanceType:       "L2",
		SubvectorDimension: 2,
		MaxEdges:           50,
		Centroids:          16,
	}
	require.NoError(t, WriteQuantizedProperties(dir, p))
	got, err := ReadQuantizedProperties(dir)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestBlobProperties(t *testing.T) {
	dir := t.TempDir()
	p := &BlobPropertyFile{
		FormatVersion: FormatVersion,
		Kind:          BlobKind,
		Generation:    "gen-2",
		Dimension:     8,
		ObjectType:    "Float32",
		DistanceType:  "L2",
		Subvectors:    4,
		Blobs:         16,
		Trained:       true,
	}
	require.NoError(t, AtomicSaveToDir(dir, []NamedWriter{
		SectionFile(BlobsFile, SectionBlobs, []byte("blobs"), CompressionNone),
		BlobPropertiesEntry(p),
	}))
	got, err := ReadBlobProperties(dir)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = LoadSection(filepath.Join(dir, BlobsFile), SectionGraph)
	assert.ErrorIs(t, err, ErrSectionKind)

	// A graph index directory is not a blob index.
	graphDir := t.TempDir()
	require.NoError(t, WriteProperties(graphDir, &PropertyFile{
		FormatVersion: FormatVersion, Generation: "g", Dimension: 2,
		CreationEdgeSize: 10, SearchEdgeSize: 40, ObjectType: "Float32", DistanceType: "L2",
	}))
	_, err = ReadBlobProperties(graphDir)
	assert.ErrorIs(t, err, ErrInvalidProperties)

	bad := *p
	bad.Subvectors = 3
	require.NoError(t, AtomicSaveToDir(dir, []NamedWriter{BlobPropertiesEntry(&bad)}))
	_, err = ReadBlobProperties(dir)
	assert.ErrorIs(t, err, ErrInvalidProperties)
}
