package graphann_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/hupe1980/graphann"
)

// Example demonstrates the basic insert, build and search cycle.
func Example() {
	dir, _ := os.MkdirTemp("", "graphann")
	defer os.RemoveAll(dir)

	idx, err := graphann.Create(filepath.Join(dir, "index"), graphann.NewProperties(3))
	if err != nil {
		log.Fatal(err)
	}
	defer idx.Close()

	if _, err := idx.InsertBatch([][]float32{{1, 2, 3}, {4, 5, 6}}); err != nil {
		log.Fatal(err)
	}
	if err := idx.Build(2); err != nil {
		log.Fatal(err)
	}

	res, err := idx.Search([]float32{1.1, 2.1, 3.1}, 1, 0.1, 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("id=%d distance=%.4f\n", res[0].ID, res[0].Distance)
	// Output: id=1 distance=0.1732
}

// Example_remove shows that removed ids disappear from results and lookups.
func Example_remove() {
	dir, _ := os.MkdirTemp("", "graphann")
	defer os.RemoveAll(dir)

	idx, err := graphann.Create(filepath.Join(dir, "index"), graphann.NewProperties(3))
	if err != nil {
		log.Fatal(err)
	}
	defer idx.Close()

	ids, err := idx.InsertBatchCommit([][]float32{{1, 2, 3}, {4, 5, 6}}, 1)
	if err != nil {
		log.Fatal(err)
	}
	if err := idx.Remove(ids[0]); err != nil {
		log.Fatal(err)
	}

	res, _ := idx.Search([]float32{1.1, 2.1, 3.1}, 1, 0.1, 0)
	fmt.Println("nearest:", res[0].ID)

	_, err = idx.Get(ids[0])
	fmt.Println("removed:", errors.Is(err, graphann.ErrNotFound))
	// Output:
	// nearest: 2
	// removed: true
}

// Example_persist shows reopening a persisted index.
func Example_persist() {
	dir, _ := os.MkdirTemp("", "graphann")
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "index")

	idx, err := graphann.Create(path, graphann.NewProperties(2).WithDistanceType(graphann.L1))
	if err != nil {
		log.Fatal(err)
	}
	if _, err := idx.InsertBatchCommit([][]float32{{0, 0}, {3, 4}}, 1); err != nil {
		log.Fatal(err)
	}
	_ = idx.Close()

	r, err := graphann.OpenReadOnly(path)
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()

	res, _ := r.Search([]float32{3, 3}, 2, 0.1, 0)
	for _, hit := range res {
		fmt.Println(hit.ID, hit.Distance)
	}
	// Output:
	// 2 1
	// 1 6
}

// Example_optimizer tunes the search coefficients of a built index.
func Example_optimizer() {
	dir, _ := os.MkdirTemp("", "graphann")
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "index")

	idx, err := graphann.Create(path, graphann.NewProperties(2).WithCreationEdgeSize(20))
	if err != nil {
		log.Fatal(err)
	}
	vectors := make([][]float32, 200)
	for i := range vectors {
		vectors[i] = []float32{float32(i % 20), float32(i / 20)}
	}
	if _, err := idx.InsertBatchCommit(vectors, 2); err != nil {
		log.Fatal(err)
	}
	_ = idx.Close()

	opt, err := graphann.NewOptimizer(graphann.DefaultOptimizerParams())
	if err != nil {
		log.Fatal(err)
	}
	if err := opt.AdjustSearchCoefficients(context.Background(), path); err != nil {
		log.Fatal(err)
	}

	tuned, err := graphann.Open(path)
	if err != nil {
		log.Fatal(err)
	}
	defer tuned.Close()
	fmt.Println("tuned:", tuned.Tuning() != nil)
	// Output: tuned: true
}
