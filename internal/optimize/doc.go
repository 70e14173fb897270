// Package optimize holds the offline passes that tune a proximity graph:
// ONNG conversion, edge-count selection, search-coefficient sweeps and
// paced refinement. Every pass measures accuracy as recall against exact
// nearest neighbors of sampled stored objects.
package optimize
