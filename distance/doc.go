// Package distance provides the pairwise distance functions an index can be
// configured with.
//
// Float32 kernels use the gonum BLAS implementation for dot products and
// axpy; bitwise kernels operate on packed bytes with math/bits popcounts.
//
// # Supported Types
//
//   - L1, L2: Manhattan and Euclidean distance
//   - Angle, Cosine: angular distance and 1 - cosine similarity
//   - NormalizedAngle, NormalizedCosine, NormalizedL2: the same on unit-length vectors
//   - Hamming, Jaccard: bit-level distances over 8-bit payloads
//   - SparseJaccard: Jaccard over sets of integer element ids
//   - Poincare, Lorentz: hyperbolic distances
//
// # Usage
//
//	fn, err := distance.Provider(distance.L2)
//	d := fn(a, b)
package distance
