// Package blob implements a blob-partitioned quantized index.
//
// Training clusters the objects into blobs with k-means. Each object is
// stored as the product-quantized residual to its blob centroid. A search
// routes the query to its nearest blobs through a graph over the centroids,
// ranks the members of those blobs by asymmetric distance and re-ranks the
// shortlist exactly.
package blob
