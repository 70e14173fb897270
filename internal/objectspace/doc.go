// Package objectspace stores the vectors of an index.
//
// Payloads are kept in one of three element types (Uint8, Float32, Float16)
// chosen when the space is created; the float16 encoding uses
// github.com/x448/float16. Removed ids are tracked in a roaring bitmap and
// are never handed out again.
package objectspace
