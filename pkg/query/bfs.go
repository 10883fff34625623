package query

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/semantic"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
)

// frontier is one BFS queue entry. Each entry carries its own path, so a
// diamond subgraph yields both of its arms as distinct results; cycle
// prevention is per path, not per search.
type frontier struct {
	id         concept.ConceptID
	steps      []Step
	confidence float64
}

func (f *frontier) onPath(id concept.ConceptID) bool {
	for _, step := range f.steps {
		if step.Node.ID == id {
			return true
		}
	}
	return false
}

// traverse is the shared BFS skeleton. The filter, when non-nil, must hold
// at every node on a returned path, start included; candidates failing it
// are pruned before they are enqueued. edgeOK, when non-nil, restricts which
// associations expand. Absent endpoints yield an empty result, not an error.
func (e *Engine) traverse(ctx context.Context, start, end concept.ConceptID, maxDepth int, filter *semantic.Filter, edgeOK func(*concept.Association) bool) ([]Path, error) {
	if maxDepth <= 0 {
		return nil, &concept.ValidationError{Field: "max_depth", Reason: "must be positive"}
	}
	if maxDepth > e.depthCeil {
		maxDepth = e.depthCeil
	}
	if start.IsZero() || end.IsZero() {
		return nil, storage.ErrInvalidID
	}
	if start == end {
		return nil, nil
	}
	e.store.Counters().Queries.Add(1)

	startNode, err := e.store.Get(ctx, start)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	endNode, err := e.store.Get(ctx, end)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if !filter.Matches(startNode) || !filter.Matches(endNode) {
		return nil, nil
	}

	var found []Path
	queue := []frontier{{id: start, confidence: 1}}
	for len(queue) > 0 && len(found) < e.maxResults {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]
		if len(cur.steps) == maxDepth {
			continue
		}

		refs, err := e.store.Neighbors(ctx, cur.id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}

		for _, ref := range refs {
			if !ref.Out {
				continue
			}
			if edgeOK != nil && !edgeOK(ref.Assoc) {
				continue
			}
			next := ref.Other
			if next == start || cur.onPath(next) {
				continue
			}

			node, err := e.store.Get(ctx, next)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			if next != end && !filter.Matches(node) {
				continue
			}

			steps := make([]Step, len(cur.steps), len(cur.steps)+1)
			copy(steps, cur.steps)
			steps = append(steps, Step{Assoc: ref.Assoc, Node: node})
			confidence := cur.confidence * ref.Assoc.Confidence

			if next == end {
				found = append(found, Path{Start: start, Steps: steps, Confidence: confidence})
				if len(found) >= e.maxResults {
					break
				}
				continue
			}
			queue = append(queue, frontier{id: next, steps: steps, confidence: confidence})
		}
	}

	rankPaths(found)
	e.refresh(ctx, found)
	return found, nil
}

// refresh bumps last_used on every concept of the returned paths, after the
// read has completed. A refresh failure degrades silently; the query result
// is already correct.
func (e *Engine) refresh(ctx context.Context, paths []Path) {
	if len(paths) == 0 {
		return
	}
	seen := make(map[concept.ConceptID]struct{})
	var ids []concept.ConceptID
	for i := range paths {
		for _, id := range paths[i].IDs() {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if err := e.store.Touch(ctx, ids); err != nil {
		e.logger.Warn("path usage refresh failed", zap.Int("concepts", len(ids)), zap.Error(err))
	}
}
