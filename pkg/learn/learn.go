// Package learn implements the ingestion pipeline: content in, graph out.
//
// Per unit of content the pipeline derives the ConceptID, acquires an
// embedding from the provider (best-effort, never holding a storage lock),
// classifies the text, extracts candidate associations from cue phrases,
// creates stub nodes for terms the graph has not seen, and commits the lot
// atomically per shard. Only the commit can fail the learn; a dead provider
// or an extraction that finds nothing degrade the result, they do not abort
// it. The Result flags let callers tell a degraded success from a failure.
//
// Example Usage:
//
//	pipe, err := learn.New(learn.Config{Store: store, Embedder: emb})
//	res, err := pipe.Learn(ctx, "Paris is the capital of France", learn.Options{})
//	// res.New == true, res.Associations == 3 (paris→france plus two mentions)
package learn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/embed"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/semantic"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
)

// DefaultMaxAssociations caps extraction candidates per unit of content so
// dense documents cannot flood the graph.
const DefaultMaxAssociations = 8

const (
	defaultEmbedTimeout = 10 * time.Second
	defaultConcurrency  = 4

	// mentionConfidence is deliberately below every extraction pattern's
	// confidence so term-to-term chains outrank mention hops in path
	// ranking.
	mentionConfidence = 0.5
)

// Config wires a Pipeline.
type Config struct {
	Store *storage.Store

	// Embedder supplies vectors. Nil disables embedding entirely; learns
	// then commit without vectors and the backfill worker picks them up
	// once a provider appears.
	Embedder embed.Embedder

	// MaxAssociations caps extraction candidates per learned unit.
	MaxAssociations int
	// EmbedTimeout bounds one provider call. The provider is consulted
	// before the commit step, with no storage lock held.
	EmbedTimeout time.Duration
	// Concurrency bounds LearnBatch workers.
	Concurrency int

	Logger *zap.Logger
}

// Options carries per-call knobs for Learn.
type Options struct {
	// Vector is a caller-supplied embedding; when set the provider is not
	// consulted. It must match the store's dimensions.
	Vector []float32
	// Strength overrides the initial strength when positive. Ignored when
	// the content already exists (re-learning reinforces instead).
	Strength float64
	// Confidence overrides the classifier's confidence when positive,
	// clamped to [0,1].
	Confidence float64
}

// Result reports what one learn actually did.
type Result struct {
	ID concept.ConceptID `json:"id"`
	// New is false when identical content existed and was reinforced.
	New bool `json:"new"`
	// Embedded reports whether the commit carried a vector.
	Embedded bool `json:"embedded"`
	// Associations counts edges this learn created, mentions included.
	Associations int `json:"associations"`
}

// Pipeline turns raw content into committed graph state.
type Pipeline struct {
	store    *storage.Store
	embedder embed.Embedder
	maxAssoc int
	timeout  time.Duration
	workers  int
	logger   *zap.Logger
}

// New validates the config and builds a Pipeline.
func New(config Config) (*Pipeline, error) {
	if config.Store == nil {
		return nil, errors.New("learn: store is required")
	}
	if config.MaxAssociations <= 0 {
		config.MaxAssociations = DefaultMaxAssociations
	}
	if config.EmbedTimeout <= 0 {
		config.EmbedTimeout = defaultEmbedTimeout
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Pipeline{
		store:    config.Store,
		embedder: config.Embedder,
		maxAssoc: config.MaxAssociations,
		timeout:  config.EmbedTimeout,
		workers:  config.Concurrency,
		logger:   config.Logger,
	}, nil
}

// Learn runs the full pipeline on one unit of content. Identical content
// always yields the same id; learning it again reinforces the stored node.
func (p *Pipeline) Learn(ctx context.Context, content string, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Result{}, &concept.ValidationError{Field: "content", Reason: "empty"}
	}

	node := concept.NewNode(content)
	node.Meta = semantic.Classify(content)
	node.Confidence = node.Meta.Confidence
	if opts.Strength > 0 {
		node.Strength = opts.Strength
	}
	if opts.Confidence > 0 {
		node.Confidence = concept.Clamp01(opts.Confidence)
	}

	switch {
	case len(opts.Vector) > 0:
		if want := p.store.Dimensions(); want > 0 && len(opts.Vector) != want {
			return Result{}, &concept.ValidationError{
				Field:  "vector",
				Reason: fmt.Sprintf("expected %d dimensions, got %d", want, len(opts.Vector)),
			}
		}
		node.Embedding = opts.Vector
	case p.embedder != nil:
		node.Embedding = p.requestVector(ctx, node.ID, content)
	}

	stubs, assocs := p.expand(node, time.Now().UTC())

	committed, err := p.store.CommitLearn(ctx, node, stubs, assocs)
	if err != nil {
		return Result{}, err
	}
	return Result{
		ID:           node.ID,
		New:          committed.New,
		Embedded:     len(node.Embedding) > 0,
		Associations: committed.Associations,
	}, nil
}

// LearnBatch applies the pipeline to every item with bounded concurrency.
// Results are positional. The first hard failure cancels the remaining
// items and is returned; Options apply to every item, except Vector, which
// is meaningless across distinct contents and ignored.
func (p *Pipeline) LearnBatch(ctx context.Context, contents []string, opts Options) ([]Result, error) {
	if len(contents) == 0 {
		return nil, nil
	}
	opts.Vector = nil

	results := make([]Result, len(contents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, content := range contents {
		g.Go(func() error {
			res, err := p.Learn(gctx, content, opts)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// requestVector asks the provider for an embedding. Failures are logged and
// absorbed; re-learned content skips the call because the stored node either
// has a vector already or is queued for backfill.
func (p *Pipeline) requestVector(ctx context.Context, id concept.ConceptID, content string) []float32 {
	if _, err := p.store.Get(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil
	}

	ectx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	vec, err := p.embedder.Embed(ectx, content)
	if err != nil {
		p.logger.Warn("embedding unavailable, learning without a vector",
			zap.String("id", id.String()),
			zap.String("model", p.embedder.Model()),
			zap.Error(err))
		return nil
	}
	if want := p.store.Dimensions(); want > 0 && len(vec) != want {
		p.logger.Warn("provider returned wrong dimensions, dropping vector",
			zap.String("model", p.embedder.Model()),
			zap.Int("got", len(vec)),
			zap.Int("want", want))
		return nil
	}
	return vec
}

// expand turns extraction candidates into stub nodes and associations. Each
// distinct term becomes a stub (created only if absent) plus a Mentions edge
// from the learned node; each candidate becomes a term-to-term edge. Terms
// appearing in a Causes candidate are typed Causal so causal chains can
// traverse them, and stubs inherit the unit's domains.
func (p *Pipeline) expand(node *concept.ConceptNode, now time.Time) ([]*concept.ConceptNode, []*concept.Association) {
	cands := semantic.ExtractCandidates(node.Content, p.maxAssoc)
	if len(cands) == 0 {
		return nil, nil
	}

	ids := make(map[string]concept.ConceptID, len(cands)*2)
	causal := make(map[string]bool)
	for _, c := range cands {
		ids[c.Source] = concept.DeriveID(c.Source)
		ids[c.Target] = concept.DeriveID(c.Target)
		if c.Type == concept.Causes {
			causal[c.Source] = true
			causal[c.Target] = true
		}
	}

	var stubs []*concept.ConceptNode
	var assocs []*concept.Association
	for _, term := range semantic.CandidateTerms(cands) {
		id := ids[term]
		if id == node.ID {
			continue
		}
		stub := concept.NewNode(term)
		stub.Meta = semantic.Classify(term)
		if causal[term] {
			stub.Meta.Type = concept.Causal
		}
		stub.Meta.Domains = append(stub.Meta.Domains, node.Meta.Domains...)
		stub.Meta.NormalizeDomains()
		stubs = append(stubs, stub)

		assocs = append(assocs, &concept.Association{
			Source:     node.ID,
			Target:     id,
			Type:       concept.Mentions,
			Weight:     1,
			Confidence: mentionConfidence,
			Created:    now,
			LastUsed:   now,
		})
	}
	for _, c := range cands {
		assocs = append(assocs, &concept.Association{
			Source:     ids[c.Source],
			Target:     ids[c.Target],
			Type:       c.Type,
			Weight:     1,
			Confidence: c.Confidence,
			Created:    now,
			LastUsed:   now,
		})
	}
	return stubs, assocs
}
