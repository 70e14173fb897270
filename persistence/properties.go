package persistence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PropertyFile is the YAML document stored as properties.yaml.
//
// Object and distance types are stored by name so the file stays readable
// and independent of enum ordering.
type PropertyFile struct {
	FormatVersion    int     `yaml:"format_version"`
	Generation       string  `yaml:"generation"`
	Dimension        int     `yaml:"dimension"`
	CreationEdgeSize int     `yaml:"creation_edge_size"`
	SearchEdgeSize   int     `yaml:"search_edge_size"`
	ObjectType       string  `yaml:"object_type"`
	DistanceType     string  `yaml:"distance_type"`
	BuildEpsilon     float32 `yaml:"build_epsilon"`
	BatchChunkSize   int     `yaml:"insert_batch_chunk_size"`
	Compression      string  `yaml:"compression,omitempty"`

	// Built is true when every live object was indexed at persist time.
	Built bool `yaml:"built"`

	Tuning *Tuning `yaml:"tuning,omitempty"`
}

// Tuning holds search defaults chosen by the optimizer.
type Tuning struct {
	SearchEdgeSize int     `yaml:"search_edge_size"`
	Epsilon        float32 `yaml:"epsilon"`
	// FastEpsilon trades accuracy for speed within the low accuracy band.
	FastEpsilon    float32 `yaml:"fast_epsilon,omitempty"`
	// Recall is the accuracy measured with these coefficients.
	Recall         float64 `yaml:"recall"`
}

// QuantizedPropertyFile is the YAML document stored as qg/properties.yaml.
type QuantizedPropertyFile struct {
	FormatVersion      int    `yaml:"format_version"`
	SourceGeneration   string `yaml:"source_generation"`
	Dimension          int    `yaml:"dimension"`
	DistanceType       string `yaml:"distance_type"`
	SubvectorDimension int    `yaml:"subvector_dimension"`
	MaxEdges           int    `yaml:"max_edges"`
	Centroids          int    `yaml:"centroids"`
}

// BlobPropertyFile is the YAML document of a blob-partitioned index.
type BlobPropertyFile struct {
	FormatVersion int    `yaml:"format_version"`
	Kind          string `yaml:"kind"`
	Generation    string `yaml:"generation"`
	Dimension     int    `yaml:"dimension"`
	ObjectType    string `yaml:"object_type"`
	DistanceType  string `yaml:"distance_type"`
	Subvectors    int    `yaml:"subvectors"`
	Blobs         int    `yaml:"blobs"`
	Compression   string `yaml:"compression,omitempty"`

	// Trained is true when blobs.bin holds a partition.
	Trained bool `yaml:"trained"`
}

// BlobKind is the Kind of every BlobPropertyFile.
const BlobKind = "blob"

// Validate checks the structural fields every index needs.
func (p *PropertyFile) Validate() error {
	if p.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: format version %d", ErrInvalidProperties, p.FormatVersion)
	}
	if p.Dimension <= 0 {
		return fmt.Errorf("%w: dimension %d", ErrInvalidProperties, p.Dimension)
	}
	if p.CreationEdgeSize <= 0 || p.SearchEdgeSize <= 0 {
		return fmt.Errorf("%w: edge sizes %d/%d", ErrInvalidProperties, p.CreationEdgeSize, p.SearchEdgeSize)
	}
	if p.ObjectType == "" || p.DistanceType == "" {
		return fmt.Errorf("%w: missing object or distance type", ErrInvalidProperties)
	}
	return nil
}

// WriteProperties atomically writes properties.yaml into dir.
func WriteProperties(dir string, p *PropertyFile) error {
	return SaveToFile(filepath.Join(dir, PropertiesFile), propertiesWriter(p))
}

// PropertiesEntry returns a NamedWriter for use with AtomicSaveToDir.
func PropertiesEntry(p *PropertyFile) NamedWriter {
	return NamedWriter{Name: PropertiesFile, Write: propertiesWriter(p)}
}

func propertiesWriter(v any) func(io.Writer) error {
	return func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to marshal properties: %w", err)
		}
		return enc.Close()
	}
}

// ReadProperties reads and validates properties.yaml from dir. A missing
// file is reported with an error matching os.ErrNotExist.
func ReadProperties(dir string) (*PropertyFile, error) {
	var p PropertyFile
	if err := readYAML(filepath.Join(dir, PropertiesFile), &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// WriteQuantizedProperties atomically writes the quantized property file into dir.
func WriteQuantizedProperties(dir string, p *QuantizedPropertyFile) error {
	return SaveToFile(filepath.Join(dir, PropertiesFile), propertiesWriter(p))
}

// QuantizedPropertiesEntry returns a NamedWriter for the quantized property file.
func QuantizedPropertiesEntry(p *QuantizedPropertyFile) NamedWriter {
	return NamedWriter{Name: PropertiesFile, Write: propertiesWriter(p)}
}

// ReadQuantizedProperties reads the quantized property file from dir.
func ReadQuantizedProperties(dir string) (*QuantizedPropertyFile, error) {
	var p QuantizedPropertyFile
	if err := readYAML(filepath.Join(dir, PropertiesFile), &p); err != nil {
		return nil, err
	}
	if p.FormatVersion != FormatVersion || p.Dimension <= 0 || p.SubvectorDimension <= 0 || p.SourceGeneration == "" {
		return nil, fmt.Errorf("%w: quantized properties", ErrInvalidProperties)
	}
	return &p, nil
}

// BlobPropertiesEntry returns a NamedWriter for a blob index property file.
func BlobPropertiesEntry(p *BlobPropertyFile) NamedWriter {
	return NamedWriter{Name: PropertiesFile, Write: propertiesWriter(p)}
}

// ReadBlobProperties reads and validates the blob index property file in dir.
func ReadBlobProperties(dir string) (*BlobPropertyFile, error) {
	var p BlobPropertyFile
	if err := readYAML(filepath.Join(dir, PropertiesFile), &p); err != nil {
		return nil, err
	}
	switch {
	case p.FormatVersion != FormatVersion || p.Kind != BlobKind:
		return nil, fmt.Errorf("%w: not a blob index", ErrInvalidProperties)
	case p.Dimension <= 0 || p.Subvectors <= 0 || p.Dimension%p.Subvectors != 0:
		return nil, fmt.Errorf("%w: dimension %d with %d subvectors", ErrInvalidProperties, p.Dimension, p.Subvectors)
	case p.Blobs < 0 || p.ObjectType == "" || p.DistanceType == "" || p.Generation == "":
		return nil, fmt.Errorf("%w: blob properties", ErrInvalidProperties)
	}
	return &p, nil
}

func readYAML(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty file", ErrInvalidProperties)
		}
		return fmt.Errorf("%w: %w", ErrInvalidProperties, err)
	}
	return nil
}
