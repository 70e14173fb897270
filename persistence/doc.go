// Package persistence implements the on-disk layout of an index directory.
//
// An index directory holds:
//
//	properties.yaml  build and search parameters (YAML)
//	objects.bin      the object space section
//	graph.bin        the graph section
//	qg/              an optional quantized companion index
//
// Every .bin file is a section: a 32-byte little-endian FileHeader followed
// by the (optionally LZ4 or ZSTD compressed) payload. The header carries a
// CRC32-C checksum of the stored payload so truncation and bit rot are
// detected on load.
//
// Files are replaced atomically: content goes to a temp file in the same
// directory which is fsynced and renamed over the target.
package persistence
