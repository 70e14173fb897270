// Package testutil provides testing utilities for graphann.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for generating seeded random vectors, computing exact
// nearest neighbors, and verifying search recall.
//
// # Random Vector Generation
//
//	rng := testutil.NewRNG(seed)
//	vecs := rng.UniformVectors(1000, 128) // uniform [0, 1)
//	unit := rng.UnitVectors(1000, 128)    // on the unit sphere
//
// # Exact Search (Ground Truth)
//
//	truth := testutil.ExactTopK(query, vecs, k, distance.EuclideanDistance)
//
// # Recall Verification
//
//	recall := testutil.ComputeRecall(truth, approx)
package testutil
