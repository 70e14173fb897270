package persistence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File names inside an index directory.
const (
	PropertiesFile = "properties.yaml"
	ObjectsFile    = "objects.bin"
	GraphFile      = "graph.bin"
	CodesFile      = "codes.bin"
	BlobsFile      = "blobs.bin"
	QuantizedDir   = "qg"
)

// Exists reports whether dir holds an index, i.e. a property file.
func Exists(dir string) (bool, error) {
	_, err := os.Stat(filepath.Join(dir, PropertiesFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// AtomicSaveToDir writes several files into dir. Each file is written to a
// temp file first; all renames happen only after every write succeeded, so a
// failed save leaves the previous files untouched.
//
// Files are renamed in the order given. Callers put the property file last so
// that a crash mid-rename never pairs new properties with old sections.
func AtomicSaveToDir(dir string, files []NamedWriter) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("persistence: failed to create directory %s: %w", dir, err)
	}

	tempFiles := make([]string, 0, len(files))
	defer func() {
		for _, tmp := range tempFiles {
			_ = os.Remove(tmp)
		}
	}()

	type fileMapping struct {
		temp   string
		target string
	}
	mappings := make([]fileMapping, 0, len(files))

	for _, f := range files {
		tmp, err := os.CreateTemp(dir, f.Name+".tmp-*")
		if err != nil {
			return fmt.Errorf("persistence: failed to create temp file for %s: %w", f.Name, err)
		}
		tempFiles = append(tempFiles, tmp.Name())
		_ = tmp.Chmod(0644)

		if err := f.Write(tmp); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("persistence: failed to write %s: %w", f.Name, err)
		}
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("persistence: failed to sync %s: %w", f.Name, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("persistence: failed to close %s: %w", f.Name, err)
		}
		mappings = append(mappings, fileMapping{temp: tmp.Name(), target: filepath.Join(dir, f.Name)})
	}

	for i, m := range mappings {
		if err := os.Rename(m.temp, m.target); err != nil {
			return fmt.Errorf("persistence: failed to rename %s: %w", m.target, err)
		}
		tempFiles[i] = ""
	}
	tempFiles = tempFiles[:0]

	syncDir(dir)
	return nil
}

// NamedWriter is one file of an AtomicSaveToDir call.
type NamedWriter struct {
	Name  string
	Write func(w io.Writer) error
}

// SectionFile returns a NamedWriter that writes payload as a section.
func SectionFile(name string, kind SectionKind, payload []byte, c Compression) NamedWriter {
	return NamedWriter{
		Name: name,
		Write: func(w io.Writer) error {
			return WriteSection(w, kind, payload, c)
		},
	}
}
