package embed

import (
	"context"
	"encoding/binary"
	"math"

	"golang.org/x/crypto/blake2b"
)

// Mock is a deterministic offline embedder. The vector is derived from a
// BLAKE2b stream over the text, so the same text always produces the same
// unit-length vector and different texts land elsewhere on the sphere.
// Useful for tests and for running the engine without a provider.
type Mock struct {
	dims int
}

// NewMock returns a mock emitting vectors of the given width. Widths
// below 1 fall back to 64.
func NewMock(dims int) *Mock {
	if dims < 1 {
		dims = 64
	}
	return &Mock{dims: dims}
}

func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	seed := blake2b.Sum256([]byte(text))

	vec := make([]float32, m.dims)
	var block [32]byte
	var counter [8]byte
	norm := 0.0
	for i := 0; i < m.dims; i++ {
		if i%8 == 0 {
			binary.BigEndian.PutUint64(counter[:], uint64(i/8))
			block = blake2b.Sum256(append(seed[:], counter[:]...))
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4:])
		// Map the 32 hash bits onto [-1, 1).
		v := float64(int64(bits)-1<<31) / float64(1<<31)
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (m *Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (m *Mock) Dimensions() int { return m.dims }

func (m *Mock) Model() string { return "mock" }
