package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/learn"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/semantic"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
)

func newTestStore(t *testing.T, shards int) *storage.Store {
	t.Helper()
	cfg := storage.DefaultConfig(t.TempDir())
	cfg.ShardCount = shards
	cfg.CheckpointInterval = 0
	cfg.CheckpointAppends = 0
	store, err := storage.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	store := newTestStore(t, 4)
	eng, err := New(Config{Store: store})
	require.NoError(t, err)
	return eng, store
}

func seed(t *testing.T, store *storage.Store, content string, mutate ...func(*concept.ConceptNode)) concept.ConceptID {
	t.Helper()
	node := concept.NewNode(content)
	for _, m := range mutate {
		m(node)
	}
	_, err := store.CommitLearn(context.Background(), node, nil, nil)
	require.NoError(t, err)
	return node.ID
}

func connect(t *testing.T, store *storage.Store, src, dst concept.ConceptID, at concept.AssociationType, confidence float64) {
	t.Helper()
	_, err := store.Link(context.Background(), src, dst, at, 1, confidence)
	require.NoError(t, err)
}

func TestFindPath(t *testing.T) {
	ctx := context.Background()

	t.Run("ranks_by_total_confidence", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		b := seed(t, store, "bravo")
		c := seed(t, store, "charlie")
		connect(t, store, a, b, concept.RelatedTo, 0.9)
		connect(t, store, b, c, concept.RelatedTo, 0.8)
		connect(t, store, a, c, concept.RelatedTo, 0.5)

		paths, err := eng.FindPath(ctx, a, c, 3)
		require.NoError(t, err)
		require.Len(t, paths, 2)

		assert.Equal(t, 2, paths[0].Length())
		assert.InDelta(t, 0.72, paths[0].Confidence, 1e-9)
		assert.Equal(t, []concept.ConceptID{a, b, c}, paths[0].IDs())

		assert.Equal(t, 1, paths[1].Length())
		assert.InDelta(t, 0.5, paths[1].Confidence, 1e-9)
	})

	t.Run("respects_max_depth", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		b := seed(t, store, "bravo")
		c := seed(t, store, "charlie")
		connect(t, store, a, b, concept.RelatedTo, 0.9)
		connect(t, store, b, c, concept.RelatedTo, 0.8)
		connect(t, store, a, c, concept.RelatedTo, 0.5)

		paths, err := eng.FindPath(ctx, a, c, 1)
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, 1, paths[0].Length())
	})

	t.Run("diamond_yields_both_arms", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		b := seed(t, store, "bravo")
		c := seed(t, store, "charlie")
		d := seed(t, store, "delta")
		connect(t, store, a, b, concept.RelatedTo, 0.9)
		connect(t, store, a, c, concept.RelatedTo, 0.9)
		connect(t, store, b, d, concept.RelatedTo, 0.9)
		connect(t, store, c, d, concept.RelatedTo, 0.9)

		paths, err := eng.FindPath(ctx, a, d, 2)
		require.NoError(t, err)
		require.Len(t, paths, 2)

		middles := map[concept.ConceptID]bool{}
		for _, p := range paths {
			require.Equal(t, 2, p.Length())
			middles[p.Steps[0].Node.ID] = true
		}
		assert.True(t, middles[b])
		assert.True(t, middles[c])
	})

	t.Run("absent_endpoint_is_empty_not_error", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		ghost := concept.DeriveID("never learned")

		paths, err := eng.FindPath(ctx, a, ghost, 3)
		require.NoError(t, err)
		assert.Empty(t, paths)

		paths, err = eng.FindPath(ctx, ghost, a, 3)
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("zero_depth_rejected", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		_, err := eng.FindPath(ctx, a, a, 0)
		var verr *concept.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("start_equals_end_is_empty", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		paths, err := eng.FindPath(ctx, a, a, 3)
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("returned_paths_refresh_usage", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		b := seed(t, store, "bravo")
		c := seed(t, store, "charlie")
		connect(t, store, a, b, concept.RelatedTo, 0.9)
		connect(t, store, b, c, concept.RelatedTo, 0.8)

		_, err := eng.FindPath(ctx, a, c, 3)
		require.NoError(t, err)

		for _, id := range []concept.ConceptID{a, b, c} {
			node, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, int64(1), node.UseCount, node.Content)
		}
	})

	t.Run("canceled_context_abandons_search", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		b := seed(t, store, "bravo")
		connect(t, store, a, b, concept.RelatedTo, 0.9)

		canceled, cancel := context.WithCancel(ctx)
		cancel()
		paths, err := eng.FindPath(canceled, a, b, 3)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, paths)
	})
}

func TestFindPathSemantic(t *testing.T) {
	ctx := context.Background()

	medicalFact := func(n *concept.ConceptNode) {
		n.Meta.Type = concept.Fact
		n.Meta.Domains = []string{"medical"}
		n.Confidence = 0.8
	}

	t.Run("filter_prunes_branches", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha", medicalFact)
		b := seed(t, store, "bravo", medicalFact)
		d := seed(t, store, "delta", func(n *concept.ConceptNode) {
			n.Meta.Type = concept.Fact
			n.Meta.Domains = []string{"legal"}
			n.Confidence = 0.8
		})
		c := seed(t, store, "charlie", medicalFact)
		connect(t, store, a, b, concept.RelatedTo, 0.9)
		connect(t, store, b, c, concept.RelatedTo, 0.9)
		connect(t, store, a, d, concept.RelatedTo, 0.9)
		connect(t, store, d, c, concept.RelatedTo, 0.9)

		filter := &semantic.Filter{Domains: []string{"medical"}}
		paths, err := eng.FindPathSemantic(ctx, a, c, 3, filter)
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, b, paths[0].Steps[0].Node.ID)

		for _, p := range paths {
			assert.LessOrEqual(t, p.Length(), 3)
			start, err := store.Get(ctx, p.Start)
			require.NoError(t, err)
			assert.True(t, filter.Matches(start))
			for _, step := range p.Steps {
				assert.True(t, filter.Matches(step.Node))
			}
		}
	})

	t.Run("filter_applies_to_endpoints", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		b := seed(t, store, "bravo", medicalFact)
		connect(t, store, a, b, concept.RelatedTo, 0.9)

		paths, err := eng.FindPathSemantic(ctx, a, b, 2, &semantic.Filter{MinConfidence: 0.7})
		require.NoError(t, err)
		assert.Empty(t, paths, "default-confidence start cannot satisfy the filter")
	})

	t.Run("nil_filter_means_unfiltered", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		b := seed(t, store, "bravo")
		connect(t, store, a, b, concept.RelatedTo, 0.9)

		paths, err := eng.FindPathSemantic(ctx, a, b, 2, nil)
		require.NoError(t, err)
		assert.Len(t, paths, 1)
	})

	t.Run("invalid_filter_rejected", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		_, err := eng.FindPathSemantic(ctx, a, a, 2, &semantic.Filter{MinConfidence: 2})
		var verr *concept.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestFindTemporalChain(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	window := func(from, until time.Time) func(*concept.ConceptNode) {
		return func(n *concept.ConceptNode) {
			n.Meta.ValidFrom = from
			n.Meta.ValidUntil = until
		}
	}

	t.Run("expired_intermediate_prunes_chain", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		expired := seed(t, store, "expired policy", window(base.AddDate(-2, 0, 0), base.AddDate(-1, 0, 0)))
		current := seed(t, store, "current policy", window(base.AddDate(-1, 0, 0), time.Time{}))
		c := seed(t, store, "charlie")
		connect(t, store, a, expired, concept.Precedes, 0.9)
		connect(t, store, expired, c, concept.Precedes, 0.9)
		connect(t, store, a, current, concept.Precedes, 0.8)
		connect(t, store, current, c, concept.Precedes, 0.8)

		paths, err := eng.FindTemporalChain(ctx, a, c, 3, base, time.Time{})
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, current, paths[0].Steps[0].Node.ID)
	})

	t.Run("open_window_passes_everything", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		b := seed(t, store, "bravo", window(base, base.AddDate(1, 0, 0)))
		connect(t, store, a, b, concept.Precedes, 0.9)

		paths, err := eng.FindTemporalChain(ctx, a, b, 2, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Len(t, paths, 1)
	})

	t.Run("inverted_window_rejected", func(t *testing.T) {
		eng, store := newTestEngine(t)
		a := seed(t, store, "alpha")
		_, err := eng.FindTemporalChain(ctx, a, a, 2, base, base.AddDate(0, 0, -1))
		var verr *concept.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestFindCausalChain(t *testing.T) {
	ctx := context.Background()

	causal := func(n *concept.ConceptNode) { n.Meta.Type = concept.Causal }

	t.Run("follows_causes_edges_only", func(t *testing.T) {
		eng, store := newTestEngine(t)
		smoking := seed(t, store, "smoking", causal)
		cancer := seed(t, store, "cancer", causal)
		death := seed(t, store, "death", causal)
		connect(t, store, smoking, cancer, concept.Causes, 0.85)
		connect(t, store, cancer, death, concept.Causes, 0.7)
		connect(t, store, smoking, death, concept.RelatedTo, 0.95)

		paths, err := eng.FindCausalChain(ctx, smoking, death, 3)
		require.NoError(t, err)
		require.Len(t, paths, 1, "the RelatedTo shortcut must not count as causal")
		assert.Equal(t, 2, paths[0].Length())
		assert.InDelta(t, 0.85*0.7, paths[0].Confidence, 1e-9)
	})

	t.Run("non_causal_node_blocks_expansion", func(t *testing.T) {
		eng, store := newTestEngine(t)
		smoking := seed(t, store, "smoking", causal)
		note := seed(t, store, "a plain note")
		death := seed(t, store, "death", causal)
		connect(t, store, smoking, note, concept.Causes, 0.9)
		connect(t, store, note, death, concept.Causes, 0.9)

		paths, err := eng.FindCausalChain(ctx, smoking, death, 3)
		require.NoError(t, err)
		assert.Empty(t, paths)
	})
}

func TestFindContradictions(t *testing.T) {
	ctx := context.Background()

	t.Run("contradicts_edge_reported", func(t *testing.T) {
		eng, store := newTestEngine(t)
		x := seed(t, store, "the sky is blue")
		y := seed(t, store, "the sky is not blue")
		connect(t, store, x, y, concept.Contradicts, 0.9)

		pairs, err := eng.FindContradictions(ctx, x, 2, 0.5)
		require.NoError(t, err)
		require.Len(t, pairs, 1)
		assert.InDelta(t, 0.9, pairs[0].Confidence, 1e-9)

		got := map[concept.ConceptID]bool{pairs[0].A: true, pairs[0].B: true}
		assert.True(t, got[x])
		assert.True(t, got[y])
	})

	t.Run("negation_opposes_assertion", func(t *testing.T) {
		eng, store := newTestEngine(t)
		fact := seed(t, store, "the service is running", func(n *concept.ConceptNode) {
			n.Meta.Type = concept.Fact
			n.Confidence = 0.8
		})
		negation := seed(t, store, "the service is not running", func(n *concept.ConceptNode) {
			n.Meta.Type = concept.Negation
			n.Confidence = 0.9
		})
		connect(t, store, fact, negation, concept.RelatedTo, 0.6)

		pairs, err := eng.FindContradictions(ctx, fact, 2, 0.5)
		require.NoError(t, err)
		require.Len(t, pairs, 1)
		assert.InDelta(t, 0.72, pairs[0].Confidence, 1e-9)

		pairs, err = eng.FindContradictions(ctx, fact, 2, 0.8)
		require.NoError(t, err)
		assert.Empty(t, pairs, "below the confidence threshold")
	})

	t.Run("no_negating_neighbors_is_empty", func(t *testing.T) {
		eng, store := newTestEngine(t)
		x := seed(t, store, "water is wet", func(n *concept.ConceptNode) { n.Meta.Type = concept.Fact })
		y := seed(t, store, "rain is water", func(n *concept.ConceptNode) { n.Meta.Type = concept.Fact })
		connect(t, store, x, y, concept.RelatedTo, 0.9)

		pairs, err := eng.FindContradictions(ctx, x, 2, 0.1)
		require.NoError(t, err)
		assert.Empty(t, pairs)
	})

	t.Run("absent_id_is_empty", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		pairs, err := eng.FindContradictions(ctx, concept.DeriveID("ghost"), 2, 0.5)
		require.NoError(t, err)
		assert.Empty(t, pairs)
	})

	t.Run("zero_depth_rejected", func(t *testing.T) {
		eng, store := newTestEngine(t)
		x := seed(t, store, "alpha")
		_, err := eng.FindContradictions(ctx, x, 0, 0.5)
		var verr *concept.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestQueryBySemanticRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("single_shard_scan", func(t *testing.T) {
		store := newTestStore(t, 1)
		eng, err := New(Config{Store: store})
		require.NoError(t, err)

		seed(t, store, "patients must fast before surgery", func(n *concept.ConceptNode) {
			n.Meta.Type = concept.Rule
			n.Meta.Domains = []string{"medical"}
			n.Confidence = 0.85
		})
		seed(t, store, "the invoice is due", func(n *concept.ConceptNode) {
			n.Meta.Type = concept.Fact
			n.Meta.Domains = []string{"financial"}
		})

		nodes, err := eng.QueryBySemantic(ctx, &semantic.Filter{
			Types:   []concept.SemanticType{concept.Rule},
			Domains: []string{"medical"},
		}, 10)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, concept.Rule, nodes[0].Meta.Type)
		assert.True(t, nodes[0].Meta.HasDomain("medical"))
	})

	t.Run("multi_shard_is_unsupported", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		_, err := eng.QueryBySemantic(ctx, &semantic.Filter{Domains: []string{"medical"}}, 10)
		assert.ErrorIs(t, err, storage.ErrShardUnsupported)
	})
}

func TestLearnedGraphPathfinding(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	pipe, err := learn.New(learn.Config{Store: store})
	require.NoError(t, err)

	_, err = pipe.Learn(ctx, "Paris is the capital of France", learn.Options{})
	require.NoError(t, err)
	second, err := pipe.Learn(ctx, "France is in Europe", learn.Options{})
	require.NoError(t, err)

	t.Run("two_hop_with_multiplied_confidence", func(t *testing.T) {
		paths, err := eng.FindPath(ctx, concept.DeriveID("paris"), concept.DeriveID("europe"), 3)
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, 2, paths[0].Length())
		assert.InDelta(t, 0.8*0.8, paths[0].Confidence, 1e-9)
		assert.Equal(t, concept.DeriveID("france"), paths[0].Steps[0].Node.ID)
	})

	t.Run("mention_edges_join_content_to_terms", func(t *testing.T) {
		paths, err := eng.FindPath(ctx, second.ID, concept.DeriveID("europe"), 3)
		require.NoError(t, err)
		require.Len(t, paths, 2)

		assert.Equal(t, 1, paths[0].Length())
		assert.InDelta(t, 0.5, paths[0].Confidence, 1e-9, "direct mention hop")
		assert.Equal(t, 2, paths[1].Length())
		assert.InDelta(t, 0.5*0.8, paths[1].Confidence, 1e-9, "mention then part_of")
	})
}
