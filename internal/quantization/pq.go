package quantization

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/graphann/distance"
	"github.com/hupe1980/graphann/internal/kmeans"
)

// MaxCentroids is the codebook size limit imposed by one-byte codes.
const MaxCentroids = 256

var (
	// ErrNotTrained is returned when encoding before Train.
	ErrNotTrained = errors.New("product quantizer not trained")
	// ErrCorrupt is returned when a serialized quantizer cannot be decoded.
	ErrCorrupt = errors.New("corrupt product quantizer")
)

// ProductQuantizer splits vectors into subvectors and quantizes each
// independently against its own codebook.
type ProductQuantizer struct {
	dimension     int
	subvectorDim  int
	numSubvectors int
	numCentroids  int
	// codebooks holds M * K * subvectorDim centroid coordinates.
	codebooks []float32
	trained   bool
}

// NewProductQuantizer creates an untrained quantizer. dimension must be a
// multiple of subvectorDim; numCentroids must be in [1, 256].
func NewProductQuantizer(dimension, subvectorDim, numCentroids int) (*ProductQuantizer, error) {
	if dimension <= 0 || subvectorDim <= 0 {
		return nil, errors.New("dimension and subvector dimension must be positive")
	}
	if dimension%subvectorDim != 0 {
		return nil, fmt.Errorf("dimension %d is not a multiple of subvector dimension %d", dimension, subvectorDim)
	}
	if numCentroids <= 0 || numCentroids > MaxCentroids {
		return nil, fmt.Errorf("centroid count must be in [1, %d], got %d", MaxCentroids, numCentroids)
	}
	return &ProductQuantizer{
		dimension:     dimension,
		subvectorDim:  subvectorDim,
		numSubvectors: dimension / subvectorDim,
		numCentroids:  numCentroids,
	}, nil
}

// Train learns one codebook per subspace. Subspaces are trained in parallel.
// Fewer training vectors than centroids shrink the codebooks.
func (pq *ProductQuantizer) Train(ctx context.Context, vectors [][]float32, seed uint64) error {
	if len(vectors) == 0 {
		return errors.New("no vectors provided for training")
	}
	for _, v := range vectors {
		if len(v) != pq.dimension {
			return fmt.Errorf("vector dimension mismatch: expected %d, got %d", pq.dimension, len(v))
		}
	}

	k := min(pq.numCentroids, len(vectors))
	books := make([][]float32, pq.numSubvectors)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(1, min(pq.numSubvectors, 8)))
	for m := range pq.numSubvectors {
		eg.Go(func() error {
			lo := m * pq.subvectorDim
			centroids, err := kmeans.Train(ctx, vectors, lo, lo+pq.subvectorDim, kmeans.Config{
				K:       k,
				MaxIter: 25,
				Seed:    seed + uint64(m),
				Workers: 1,
			})
			if err != nil {
				return err
			}
			books[m] = centroids
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	pq.numCentroids = k
	pq.codebooks = make([]float32, 0, pq.numSubvectors*k*pq.subvectorDim)
	for _, b := range books {
		pq.codebooks = append(pq.codebooks, b...)
	}
	pq.trained = true
	return nil
}

func (pq *ProductQuantizer) codebook(m int) []float32 {
	size := pq.numCentroids * pq.subvectorDim
	return pq.codebooks[m*size : (m+1)*size]
}

// Encode quantizes vec into M centroid indices.
func (pq *ProductQuantizer) Encode(vec []float32) ([]byte, error) {
	codes := make([]byte, pq.numSubvectors)
	return codes, pq.EncodeTo(codes, vec)
}

// EncodeTo writes the codes of vec into dst, which must have length M.
func (pq *ProductQuantizer) EncodeTo(dst []byte, vec []float32) error {
	if !pq.trained {
		return ErrNotTrained
	}
	if len(vec) != pq.dimension {
		return fmt.Errorf("vector dimension mismatch: expected %d, got %d", pq.dimension, len(vec))
	}
	for m := range pq.numSubvectors {
		lo := m * pq.subvectorDim
		dst[m] = byte(kmeans.Nearest(vec[lo:lo+pq.subvectorDim], pq.codebook(m), pq.subvectorDim))
	}
	return nil
}

// Decode reconstructs an approximate vector from codes.
func (pq *ProductQuantizer) Decode(codes []byte) ([]float32, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(codes) != pq.numSubvectors {
		return nil, errors.New("invalid code length")
	}
	out := make([]float32, pq.dimension)
	for m, c := range codes {
		book := pq.codebook(m)
		copy(out[m*pq.subvectorDim:], book[int(c)*pq.subvectorDim:(int(c)+1)*pq.subvectorDim])
	}
	return out, nil
}

// BuildDistanceTable precomputes distances from a query to all centroids.
// table[m*K+k] is the squared distance from query subvector m to centroid k.
func (pq *ProductQuantizer) BuildDistanceTable(query []float32) ([]float32, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(query) != pq.dimension {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", pq.dimension, len(query))
	}
	table := make([]float32, pq.numSubvectors*pq.numCentroids)
	for m := range pq.numSubvectors {
		sub := query[m*pq.subvectorDim : (m+1)*pq.subvectorDim]
		book := pq.codebook(m)
		out := table[m*pq.numCentroids : (m+1)*pq.numCentroids]
		for k := range out {
			out[k] = distance.SquaredL2(sub, book[k*pq.subvectorDim:(k+1)*pq.subvectorDim])
		}
	}
	return table, nil
}

// AdcDistance returns the approximate squared L2 distance between the query
// behind table and the vector behind codes.
func (pq *ProductQuantizer) AdcDistance(table []float32, codes []byte) float32 {
	var sum float32
	for m, c := range codes {
		sum += table[m*pq.numCentroids+int(c)]
	}
	return sum
}

// Dimension returns the full vector dimension.
func (pq *ProductQuantizer) Dimension() int { return pq.dimension }

// NumSubvectors returns M.
func (pq *ProductQuantizer) NumSubvectors() int { return pq.numSubvectors }

// NumCentroids returns the codebook size per subspace.
func (pq *ProductQuantizer) NumCentroids() int { return pq.numCentroids }

// SubvectorDim returns the dimension of each subvector.
func (pq *ProductQuantizer) SubvectorDim() int { return pq.subvectorDim }

// IsTrained returns whether the quantizer has been trained.
func (pq *ProductQuantizer) IsTrained() bool { return pq.trained }

// CompressionRatio returns the size of a float32 vector over its code size.
func (pq *ProductQuantizer) CompressionRatio() float64 {
	return float64(pq.dimension*4) / float64(pq.numSubvectors)
}

// Serialized layout (little endian):
//
//	u32 dimension, u32 subvector dim, u32 centroids
//	M*K*subvectorDim f32 codebook coordinates
type pqHeader struct {
	Dimension    uint32
	SubvectorDim uint32
	Centroids    uint32
}

// WriteTo writes the trained codebooks.
func (pq *ProductQuantizer) WriteTo(w io.Writer) (int64, error) {
	if !pq.trained {
		return 0, ErrNotTrained
	}
	hdr := pqHeader{
		Dimension:    uint32(pq.dimension),
		SubvectorDim: uint32(pq.subvectorDim),
		Centroids:    uint32(pq.numCentroids),
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, pq.codebooks); err != nil {
		return 12, err
	}
	return int64(12 + 4*len(pq.codebooks)), nil
}

// ReadProductQuantizer reads codebooks written by WriteTo.
func ReadProductQuantizer(r *bytes.Reader) (*ProductQuantizer, error) {
	var hdr pqHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	pq, err := NewProductQuantizer(int(hdr.Dimension), int(hdr.SubvectorDim), int(hdr.Centroids))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	n := pq.numSubvectors * pq.numCentroids * pq.subvectorDim
	if int64(n)*4 > int64(r.Len()) {
		return nil, fmt.Errorf("%w: codebooks truncated", ErrCorrupt)
	}
	pq.codebooks = make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, pq.codebooks); err != nil {
		return nil, fmt.Errorf("%w: codebooks: %w", ErrCorrupt, err)
	}
	for _, v := range pq.codebooks {
		if math.IsNaN(float64(v)) {
			return nil, fmt.Errorf("%w: NaN centroid", ErrCorrupt)
		}
	}
	pq.trained = true
	return pq, nil
}
