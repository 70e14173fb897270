package benchmark_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hupe1980/graphann"
	"github.com/hupe1980/graphann/testutil"
)

const benchDim = 128

func openBench(b *testing.B, props graphann.Properties) *graphann.Index {
	b.Helper()
	idx, err := graphann.Create(filepath.Join(b.TempDir(), "index"), props)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = idx.Close() })
	return idx
}

func builtBench(b *testing.B, n int, props graphann.Properties) (*graphann.Index, [][]float32) {
	b.Helper()
	idx := openBench(b, props)
	rng := testutil.NewRNG(1)
	if _, err := idx.InsertBatch(rng.UniformVectors(n, props.Dimension())); err != nil {
		b.Fatal(err)
	}
	if err := idx.Build(0); err != nil {
		b.Fatal(err)
	}
	return idx, rng.UniformVectors(256, props.Dimension())
}

func BenchmarkInsert(b *testing.B) {
	b.ReportAllocs()
	idx := openBench(b, graphann.NewProperties(benchDim))

	rng := testutil.NewRNG(1)
	vec := make([]float32, benchDim)
	rng.FillUniform(vec)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := idx.Insert(vec); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBuild(b *testing.B) {
	for _, threads := range []int{1, 4} {
		b.Run(fmt.Sprintf("threads=%d", threads), func(b *testing.B) {
			vectors := testutil.NewRNG(1).UniformVectors(2000, benchDim)
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				idx := openBench(b, graphann.NewProperties(benchDim))
				if _, err := idx.InsertBatch(vectors); err != nil {
					b.Fatal(err)
				}
				b.StartTimer()
				if err := idx.Build(threads); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkSearch(b *testing.B) {
	idx, queries := builtBench(b, 5000, graphann.NewProperties(benchDim))
	for _, eps := range []float32{0, 0.1, 0.3} {
		b.Run(fmt.Sprintf("eps=%.1f", eps), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := idx.Search(queries[i%len(queries)], 10, eps, 0); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkSearch_Parallel(b *testing.B) {
	idx, queries := builtBench(b, 5000, graphann.NewProperties(benchDim))
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := idx.Search(queries[i%len(queries)], 10, 0.1, 0); err != nil {
				b.Fatal(err)
			}
			i++
		}
	})
}

func BenchmarkLinearSearch(b *testing.B) {
	idx, queries := builtBench(b, 5000, graphann.NewProperties(benchDim))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := idx.LinearSearch(queries[i%len(queries)], 10); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkQuantizedSearch(b *testing.B) {
	if !graphann.QuantizationSupported() {
		b.Skip("host lacks AVX2/NEON")
	}
	idx, queries := builtBench(b, 5000, graphann.NewProperties(benchDim))
	if err := idx.Persist(); err != nil {
		b.Fatal(err)
	}
	q, err := graphann.Quantize(idx, graphann.QuantizationParams{SubvectorDimension: 8, MaxEdges: 64})
	if err != nil {
		b.Fatal(err)
	}
	defer q.Close()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := q.Search(graphann.QuantizedQuery{Vector: queries[i%len(queries)], Size: 10}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPersist(b *testing.B) {
	idx, _ := builtBench(b, 5000, graphann.NewProperties(benchDim))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := idx.Persist(); err != nil {
			b.Fatal(err)
		}
	}
}
