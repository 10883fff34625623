package index

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
)

func testID(i int) concept.ConceptID {
	return concept.DeriveID(fmt.Sprintf("index-test-%d", i))
}

func axisVector(dims, axis int) []float32 {
	v := make([]float32, dims)
	v[axis] = 1.0
	return v
}

func TestIndexAdd(t *testing.T) {
	t.Run("rejects_dimension_mismatch", func(t *testing.T) {
		idx := New(4, DefaultConfig())
		err := idx.Add(testID(1), []float32{1, 2})
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("size_counts_live_entries", func(t *testing.T) {
		idx := New(3, DefaultConfig())
		require.NoError(t, idx.Add(testID(1), axisVector(3, 0)))
		require.NoError(t, idx.Add(testID(2), axisVector(3, 1)))
		assert.Equal(t, 2, idx.Size())
	})

	t.Run("zero_config_falls_back_to_defaults", func(t *testing.T) {
		idx := New(3, Config{})
		require.NoError(t, idx.Add(testID(1), axisVector(3, 0)))
		assert.Equal(t, 1, idx.Size())
	})
}

func TestIndexSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("finds_exact_match_first", func(t *testing.T) {
		idx := New(3, DefaultConfig())
		require.NoError(t, idx.Add(testID(1), axisVector(3, 0)))
		require.NoError(t, idx.Add(testID(2), axisVector(3, 1)))
		require.NoError(t, idx.Add(testID(3), axisVector(3, 2)))

		results, err := idx.Search(ctx, axisVector(3, 1), 2, 0.0)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, testID(2), results[0].ID)
		assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	})

	t.Run("min_similarity_filters_results", func(t *testing.T) {
		idx := New(2, DefaultConfig())
		require.NoError(t, idx.Add(testID(1), []float32{1, 0}))
		require.NoError(t, idx.Add(testID(2), []float32{0, 1}))

		results, err := idx.Search(ctx, []float32{1, 0}, 10, 0.9)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, testID(1), results[0].ID)
	})

	t.Run("empty_index_returns_empty", func(t *testing.T) {
		idx := New(2, DefaultConfig())
		results, err := idx.Search(ctx, []float32{1, 0}, 5, 0.0)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("rejects_dimension_mismatch", func(t *testing.T) {
		idx := New(4, DefaultConfig())
		_, err := idx.Search(ctx, []float32{1}, 5, 0.0)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("results_sorted_by_descending_score", func(t *testing.T) {
		idx := New(8, DefaultConfig())
		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 64; i++ {
			vec := make([]float32, 8)
			for d := range vec {
				vec[d] = rng.Float32()
			}
			require.NoError(t, idx.Add(testID(i), vec))
		}

		query := make([]float32, 8)
		for d := range query {
			query[d] = rng.Float32()
		}
		results, err := idx.Search(ctx, query, 10, 0.0)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
	})

	t.Run("recall_on_seeded_cluster", func(t *testing.T) {
		idx := New(16, DefaultConfig())
		rng := rand.New(rand.NewSource(7))
		vectors := make([][]float32, 50)
		for i := range vectors {
			vec := make([]float32, 16)
			for d := range vec {
				vec[d] = rng.Float32()*2 - 1
			}
			vectors[i] = vec
			require.NoError(t, idx.Add(testID(i), vec))
		}

		// Querying with a stored vector must return that vector first.
		for _, probe := range []int{0, 13, 49} {
			results, err := idx.Search(ctx, vectors[probe], 5, 0.0)
			require.NoError(t, err)
			require.NotEmpty(t, results)
			assert.Equal(t, testID(probe), results[0].ID)
		}
	})
}

func TestIndexTombstones(t *testing.T) {
	ctx := context.Background()

	t.Run("deleted_ids_never_appear_in_results", func(t *testing.T) {
		idx := New(2, DefaultConfig())
		require.NoError(t, idx.Add(testID(1), []float32{1, 0}))
		require.NoError(t, idx.Add(testID(2), []float32{0.9, 0.1}))

		idx.Delete(testID(1))

		results, err := idx.Search(ctx, []float32{1, 0}, 5, 0.0)
		require.NoError(t, err)
		for _, r := range results {
			assert.NotEqual(t, testID(1), r.ID)
		}
	})

	t.Run("delete_updates_size_and_contains", func(t *testing.T) {
		idx := New(2, DefaultConfig())
		require.NoError(t, idx.Add(testID(1), []float32{1, 0}))
		require.True(t, idx.Contains(testID(1)))

		idx.Delete(testID(1))
		assert.False(t, idx.Contains(testID(1)))
		assert.Equal(t, 0, idx.Size())
		assert.Equal(t, uint64(1), idx.Tombstoned())
	})

	t.Run("delete_unknown_id_is_noop", func(t *testing.T) {
		idx := New(2, DefaultConfig())
		idx.Delete(testID(404))
		assert.Equal(t, uint64(0), idx.Tombstoned())
	})

	t.Run("re_add_clears_tombstone", func(t *testing.T) {
		idx := New(2, DefaultConfig())
		require.NoError(t, idx.Add(testID(1), []float32{1, 0}))
		idx.Delete(testID(1))
		require.NoError(t, idx.Add(testID(1), []float32{0, 1}))

		assert.True(t, idx.Contains(testID(1)))
		results, err := idx.Search(ctx, []float32{0, 1}, 1, 0.5)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, testID(1), results[0].ID)
	})
}
