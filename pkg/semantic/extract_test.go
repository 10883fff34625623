package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
)

func TestExtractCandidates(t *testing.T) {
	t.Run("capital_of_yields_part_of", func(t *testing.T) {
		cands := ExtractCandidates("Paris is the capital of France", 8)
		require.Len(t, cands, 1)
		assert.Equal(t, "paris", cands[0].Source)
		assert.Equal(t, "france", cands[0].Target)
		assert.Equal(t, concept.PartOf, cands[0].Type)
	})

	t.Run("is_in_yields_part_of", func(t *testing.T) {
		cands := ExtractCandidates("France is in Europe", 8)
		require.Len(t, cands, 1)
		assert.Equal(t, "france", cands[0].Source)
		assert.Equal(t, "europe", cands[0].Target)
		assert.Equal(t, concept.PartOf, cands[0].Type)
	})

	t.Run("causes_yields_causal_edge", func(t *testing.T) {
		cands := ExtractCandidates("Smoking causes cancer", 8)
		require.Len(t, cands, 1)
		assert.Equal(t, "smoking", cands[0].Source)
		assert.Equal(t, "cancer", cands[0].Target)
		assert.Equal(t, concept.Causes, cands[0].Type)
	})

	t.Run("caused_by_reverses_direction", func(t *testing.T) {
		cands := ExtractCandidates("Flooding caused by rainfall", 8)
		require.Len(t, cands, 1)
		assert.Equal(t, "rainfall", cands[0].Source)
		assert.Equal(t, "flooding", cands[0].Target)
		assert.Equal(t, concept.Causes, cands[0].Type)
	})

	t.Run("is_a_yields_hierarchy", func(t *testing.T) {
		cands := ExtractCandidates("A sparrow is a bird", 8)
		require.Len(t, cands, 1)
		assert.Equal(t, "sparrow", cands[0].Source)
		assert.Equal(t, "bird", cands[0].Target)
		assert.Equal(t, concept.IsA, cands[0].Type)
	})

	t.Run("before_yields_precedence", func(t *testing.T) {
		cands := ExtractCandidates("Boiling before simmering", 8)
		require.Len(t, cands, 1)
		assert.Equal(t, "boiling", cands[0].Source)
		assert.Equal(t, "simmering", cands[0].Target)
		assert.Equal(t, concept.Precedes, cands[0].Type)
	})

	t.Run("multi_word_terms_survive", func(t *testing.T) {
		cands := ExtractCandidates("The New York subway is in North America", 8)
		require.Len(t, cands, 1)
		assert.Equal(t, "new york subway", cands[0].Source)
		assert.Equal(t, "north america", cands[0].Target)
	})

	t.Run("one_candidate_per_sentence", func(t *testing.T) {
		cands := ExtractCandidates("Paris is the capital of France. France is in Europe.", 8)
		require.Len(t, cands, 2)
		assert.Equal(t, "paris", cands[0].Source)
		assert.Equal(t, "france", cands[1].Source)
	})

	t.Run("cap_limits_output", func(t *testing.T) {
		content := "Lyon is in France. Rome is in Italy. Oslo is in Norway."
		cands := ExtractCandidates(content, 2)
		assert.Len(t, cands, 2)
	})

	t.Run("zero_cap_yields_nothing", func(t *testing.T) {
		assert.Nil(t, ExtractCandidates("Paris is the capital of France", 0))
	})

	t.Run("duplicate_pairs_keep_first_pattern", func(t *testing.T) {
		cands := ExtractCandidates("Paris is in France. Paris is the capital of France.", 8)
		require.Len(t, cands, 1)
		assert.Equal(t, concept.PartOf, cands[0].Type)
	})

	t.Run("no_cue_extracts_nothing", func(t *testing.T) {
		assert.Empty(t, ExtractCandidates("blue seven lamp", 8))
	})

	t.Run("self_reference_is_dropped", func(t *testing.T) {
		assert.Empty(t, ExtractCandidates("Paris is in Paris", 8))
	})

	t.Run("extraction_is_deterministic", func(t *testing.T) {
		content := "Paris is the capital of France. Smoking causes cancer."
		first := ExtractCandidates(content, 8)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, ExtractCandidates(content, 8))
		}
	})

	t.Run("confidence_in_unit_interval", func(t *testing.T) {
		cands := ExtractCandidates("Paris is the capital of France. Smoking causes cancer.", 8)
		for _, c := range cands {
			assert.GreaterOrEqual(t, c.Confidence, 0.0)
			assert.LessOrEqual(t, c.Confidence, 1.0)
		}
	})
}

func TestCandidateTerms(t *testing.T) {
	t.Run("distinct_terms_in_first_seen_order", func(t *testing.T) {
		cands := []Candidate{
			{Source: "paris", Target: "france"},
			{Source: "france", Target: "europe"},
		}
		assert.Equal(t, []string{"paris", "france", "europe"}, CandidateTerms(cands))
	})

	t.Run("empty_candidates_yield_nil", func(t *testing.T) {
		assert.Nil(t, CandidateTerms(nil))
	})
}
