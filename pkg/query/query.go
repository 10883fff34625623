// Package query implements bounded graph traversal over the concept store:
// breadth-first pathfinding with inline semantic pruning, temporal and
// causal chain variants, contradiction detection over a local neighborhood,
// and single-shard semantic scans.
//
// Every search terminates structurally, by depth bound and result cap,
// never by wall clock. A canceled connection context abandons the traversal
// at the next expansion and partial results are discarded. Returned paths
// are deterministic: expansion order follows the store's sorted neighbor
// order and results rank by descending confidence, then fewer hops, then
// discovery order.
//
// Example Usage:
//
//	eng, err := query.New(query.Config{Store: store})
//	paths, err := eng.FindPath(ctx, parisID, europeID, 3)
//	// paths[0].Confidence == product of its edge confidences
package query

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/semantic"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
)

const (
	// DefaultMaxResults caps how many paths one search returns.
	DefaultMaxResults = 8
	// DefaultDepthCeiling is the hard bound on requested search depth.
	DefaultDepthCeiling = 12
	// DefaultMaxNeighborhood caps how many nodes a contradiction scan
	// visits.
	DefaultMaxNeighborhood = 256
)

// Config wires an Engine.
type Config struct {
	Store *storage.Store

	// MaxResults caps returned paths per search.
	MaxResults int
	// DepthCeiling clamps caller-requested max_depth.
	DepthCeiling int
	// MaxNeighborhood caps the node count a contradiction scan collects.
	MaxNeighborhood int

	Logger *zap.Logger
}

// Step is one hop of a path: the association taken and the node it reached.
type Step struct {
	Assoc *concept.Association `json:"assoc"`
	Node  *concept.ConceptNode `json:"node"`
}

// Path is a start concept plus the ordered steps that reach the destination.
// Confidence is the product of the step associations' confidences.
type Path struct {
	Start      concept.ConceptID `json:"start"`
	Steps      []Step            `json:"steps"`
	Confidence float64           `json:"confidence"`
}

// Length returns the number of edges traversed.
func (p *Path) Length() int { return len(p.Steps) }

// IDs returns every concept on the path, start first.
func (p *Path) IDs() []concept.ConceptID {
	ids := make([]concept.ConceptID, 0, len(p.Steps)+1)
	ids = append(ids, p.Start)
	for _, step := range p.Steps {
		ids = append(ids, step.Node.ID)
	}
	return ids
}

// Contradiction is a pair of concepts whose content mutually negates, with
// the confidence of the opposition.
type Contradiction struct {
	A          concept.ConceptID `json:"a"`
	B          concept.ConceptID `json:"b"`
	Confidence float64           `json:"confidence"`
}

// Engine runs traversals against one store.
type Engine struct {
	store      *storage.Store
	maxResults int
	depthCeil  int
	maxHood    int
	logger     *zap.Logger
}

// New validates the config and builds an Engine.
func New(config Config) (*Engine, error) {
	if config.Store == nil {
		return nil, errors.New("query: store is required")
	}
	if config.MaxResults <= 0 {
		config.MaxResults = DefaultMaxResults
	}
	if config.DepthCeiling <= 0 {
		config.DepthCeiling = DefaultDepthCeiling
	}
	if config.MaxNeighborhood <= 0 {
		config.MaxNeighborhood = DefaultMaxNeighborhood
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Engine{
		store:      config.Store,
		maxResults: config.MaxResults,
		depthCeil:  config.DepthCeiling,
		maxHood:    config.MaxNeighborhood,
		logger:     config.Logger,
	}, nil
}

// FindPath returns up to MaxResults directed paths from start to end within
// maxDepth edges, unfiltered. Absent endpoints yield an empty result.
func (e *Engine) FindPath(ctx context.Context, start, end concept.ConceptID, maxDepth int) ([]Path, error) {
	return e.traverse(ctx, start, end, maxDepth, nil, nil)
}

// FindPathSemantic is FindPath with a filter every node on the path,
// start included, must satisfy.
func (e *Engine) FindPathSemantic(ctx context.Context, start, end concept.ConceptID, maxDepth int, filter *semantic.Filter) ([]Path, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return e.traverse(ctx, start, end, maxDepth, filter, nil)
}

// FindTemporalChain returns paths whose every node's validity window
// overlaps [after, before]. Zero bounds leave that side open.
func (e *Engine) FindTemporalChain(ctx context.Context, start, end concept.ConceptID, maxDepth int, after, before time.Time) ([]Path, error) {
	filter := &semantic.Filter{After: after, Before: before}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return e.traverse(ctx, start, end, maxDepth, filter, nil)
}

// FindCausalChain returns paths that expand only Causal-typed nodes over
// Causes edges.
func (e *Engine) FindCausalChain(ctx context.Context, start, end concept.ConceptID, maxDepth int) ([]Path, error) {
	filter := &semantic.Filter{CausalOnly: true}
	edgeOK := func(assoc *concept.Association) bool {
		return assoc.Type == concept.Causes
	}
	return e.traverse(ctx, start, end, maxDepth, filter, edgeOK)
}

// QueryBySemantic scans concepts matching the filter. Routing is
// single-shard: in multi-shard deployments the store answers
// ErrShardUnsupported rather than a silently partial result.
func (e *Engine) QueryBySemantic(ctx context.Context, filter *semantic.Filter, limit int) ([]*concept.ConceptNode, error) {
	return e.store.QueryBySemantic(ctx, filter, limit)
}

// rankPaths orders by descending confidence, then fewer hops, then
// discovery order.
func rankPaths(paths []Path) {
	sort.SliceStable(paths, func(i, j int) bool {
		if paths[i].Confidence != paths[j].Confidence {
			return paths[i].Confidence > paths[j].Confidence
		}
		return len(paths[i].Steps) < len(paths[j].Steps)
	})
}

func orderPair(a, b concept.ConceptID) (concept.ConceptID, concept.ConceptID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}
