// Package quantization implements product quantization (PQ) for quantized
// graph indexes.
//
// A vector of dimension D is split into M = D / subDim subvectors. Each
// subspace gets its own codebook of up to 256 centroids trained with
// k-means, and a vector is stored as M one-byte centroid indices.
//
// Distances are asymmetric (ADC): the query stays in full precision.
// BuildDistanceTable precomputes the squared distance from every query
// subvector to every centroid once per query, after which the distance to
// any encoded vector is M table lookups:
//
//	table, _ := pq.BuildDistanceTable(query)
//	d := pq.AdcDistance(table, codes)
package quantization
