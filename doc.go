// Package graphann provides an embedded approximate nearest neighbor index
// built on a neighborhood graph.
//
// Vectors are appended to an object store and receive dense ids starting at
// 1. Build links every new vector to its nearest indexed neighbors; searches
// then walk the graph from entry points a vantage-point tree picks near the
// query, plus a stride sample of indexed nodes. An index lives
// in a directory and is persisted explicitly.
//
// # Quick Start
//
//	idx, _ := graphann.Create("./data", graphann.NewProperties(128))
//	defer idx.Close()
//
//	ids, _ := idx.InsertBatch(vectors)
//	_ = idx.Build(0)     // index with GOMAXPROCS workers
//	_ = idx.Persist()    // durable after this
//
//	res, _ := idx.Search(query, 10, 0.1, 0)
//	for _, r := range res {
//	    fmt.Println(r.ID, r.Distance)
//	}
//
// InsertCommit and InsertBatchCommit combine insert, build and persist.
//
// # Distances and Object Types
//
// Vectors are stored as Float32, Float16 or Uint8. L1, L2, Angle and Cosine
// work with every type; Hamming and Jaccard compare the raw bytes of Uint8
// vectors. The Normalized distance types store unit-length vectors.
//
// # Search Policy
//
// Vectors inserted after the last Build are not searchable. Under
// PolicyStrict (the default) Search and Remove fail with ErrInvalidState
// until Build has run; PolicyPartial searches the indexed part only.
//
// # Optimization
//
// Optimizer converts an over-provisioned graph into an ONNG and stores
// tuned search coefficients next to the index. Queries with a zero Epsilon
// pick them up automatically. Index.Refine re-searches node neighborhoods
// in place.
//
// # Quantization
//
// Quantize derives a product-quantized graph from a built index. Searches
// traverse it with table lookups and re-rank the shortlist exactly:
//
//	q, _ := graphann.Quantize(idx, graphann.QuantizationParams{MaxEdges: 64})
//	res, _ := q.Search(graphann.QuantizedQuery{Vector: query, Size: 10})
//
// Quantized indexes require AVX2 or NEON.
//
// # Errors
//
// Every error is an *Error whose Kind is one of the sentinel errors, so
// callers match failures with errors.Is:
//
//	if errors.Is(err, graphann.ErrNotFound) { ... }
package graphann
