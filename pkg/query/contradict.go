package query

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
)

// asserting reports whether a semantic type states something a Negation can
// oppose.
func asserting(t concept.SemanticType) bool {
	switch t {
	case concept.Fact, concept.Rule, concept.Definition, concept.Causal:
		return true
	}
	return false
}

// FindContradictions explores the neighborhood of id up to maxDepth edges in
// both directions and reports concept pairs that oppose each other above
// minConfidence: pairs linked by a Contradicts edge, and Negation-typed
// nodes linked to asserting ones. A concept with no negating neighbors
// yields an empty list, as does an absent id.
func (e *Engine) FindContradictions(ctx context.Context, id concept.ConceptID, maxDepth int, minConfidence float64) ([]Contradiction, error) {
	if maxDepth <= 0 {
		return nil, &concept.ValidationError{Field: "max_depth", Reason: "must be positive"}
	}
	if maxDepth > e.depthCeil {
		maxDepth = e.depthCeil
	}
	if id.IsZero() {
		return nil, storage.ErrInvalidID
	}
	minConfidence = concept.Clamp01(minConfidence)
	e.store.Counters().Queries.Add(1)

	root, err := e.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	// Collect the local neighborhood: nodes by undirected BFS, edges as
	// encountered, both capped.
	nodes := map[concept.ConceptID]*concept.ConceptNode{id: root}
	edges := make(map[concept.AssocKey]*concept.Association)
	visited := map[concept.ConceptID]struct{}{id: {}}
	queue := []concept.ConceptID{id}
	depth := map[concept.ConceptID]int{id: 0}

	for len(queue) > 0 && len(nodes) < e.maxHood {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]

		refs, err := e.store.Neighbors(ctx, cur)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			edges[ref.Assoc.Key()] = ref.Assoc
			other := ref.Other
			if _, seen := visited[other]; seen {
				continue
			}
			if depth[cur]+1 > maxDepth {
				continue
			}
			node, err := e.store.Get(ctx, other)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			visited[other] = struct{}{}
			nodes[other] = node
			depth[other] = depth[cur] + 1
			if len(nodes) >= e.maxHood {
				break
			}
			queue = append(queue, other)
		}
	}

	// Score opposing pairs. A pair linked both ways keeps its strongest
	// evidence.
	best := make(map[[2]concept.ConceptID]float64)
	for _, assoc := range edges {
		a, okA := nodes[assoc.Source]
		b, okB := nodes[assoc.Target]
		if !okA || !okB {
			continue
		}
		var confidence float64
		switch {
		case assoc.Type == concept.Contradicts:
			confidence = assoc.Confidence
		case a.Meta.Type == concept.Negation && asserting(b.Meta.Type),
			b.Meta.Type == concept.Negation && asserting(a.Meta.Type):
			confidence = a.Confidence * b.Confidence
		default:
			continue
		}
		if confidence < minConfidence {
			continue
		}
		first, second := orderPair(assoc.Source, assoc.Target)
		key := [2]concept.ConceptID{first, second}
		if confidence > best[key] {
			best[key] = confidence
		}
	}

	out := make([]Contradiction, 0, len(best))
	for key, confidence := range best {
		out = append(out, Contradiction{A: key[0], B: key[1], Confidence: confidence})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if cmp := bytes.Compare(out[i].A[:], out[j].A[:]); cmp != 0 {
			return cmp < 0
		}
		return bytes.Compare(out[i].B[:], out[j].B[:]) < 0
	})
	return out, nil
}
