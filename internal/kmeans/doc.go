// Package kmeans implements k-means clustering for product quantizer
// codebook training and blob partitioning.
package kmeans
