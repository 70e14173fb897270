// Package graph implements the approximate nearest neighbor graph (ANNG):
// bounded per-node edge lists, batched parallel construction, epsilon-bounded
// best-first search, exact linear search and removal repair.
//
// # Construction
//
// Build processes pending ids in fixed-size batches. Each batch is searched
// against the graph as it stood before the batch, spread across workers with
// golang.org/x/sync/errgroup; edges are then committed sequentially. The
// resulting graph depends only on the insertion order and the batch size.
//
// # Search
//
// Traversal starts from the nodes a vantage-point seed tree routes the query
// to, a stride sample of indexed nodes and every node without incoming
// edges. The tree is built on the first search and rebuilt once the indexed
// node count has drifted by a quarter. A candidate is expanded while its distance is
// within (1+epsilon) times the current k-th best distance.
package graph
