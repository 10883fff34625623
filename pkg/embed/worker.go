package embed

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
)

// Target is the slice of the graph store the worker needs: list concepts
// without vectors and attach vectors to them.
type Target interface {
	MissingEmbeddings(ctx context.Context, limit int) ([]*concept.ConceptNode, error)
	SetEmbedding(ctx context.Context, id concept.ConceptID, vec []float32) error
}

// WorkerConfig wires the backfill worker.
type WorkerConfig struct {
	Embedder Embedder
	Target   Target

	// Interval between sweeps. A sweep also starts on Trigger, and a
	// full batch immediately schedules another sweep to drain backlog.
	Interval time.Duration
	// BatchSize is how many concepts one sweep embeds.
	BatchSize int

	Logger *zap.Logger
}

// WorkerStats is a snapshot of the worker's counters.
type WorkerStats struct {
	Sweeps   uint64 `json:"sweeps"`
	Scanned  uint64 `json:"scanned"`
	Embedded uint64 `json:"embedded"`
	Failed   uint64 `json:"failed"`
}

// Worker backfills embeddings for concepts that were learned while the
// provider was down or before one was configured. It sweeps on an interval
// and on demand, embedding one bounded batch per sweep so a huge backlog
// never monopolizes the provider.
type Worker struct {
	embedder Embedder
	target   Target
	interval time.Duration
	batch    int
	logger   *zap.Logger

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}

	sweeps   atomic.Uint64
	scanned  atomic.Uint64
	embedded atomic.Uint64
	failed   atomic.Uint64
}

// NewWorker builds a worker; call Start to run it.
func NewWorker(config WorkerConfig) *Worker {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.BatchSize < 1 {
		config.BatchSize = 64
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Worker{
		embedder: config.Embedder,
		target:   config.Target,
		interval: config.Interval,
		batch:    config.BatchSize,
		logger:   config.Logger,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (w *Worker) Start() {
	go w.run()
}

// Trigger requests a sweep without waiting for the interval. Safe to call
// from any goroutine; triggers coalesce while a sweep is pending.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (w *Worker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

// Stats returns the worker's counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Sweeps:   w.sweeps.Load(),
		Scanned:  w.scanned.Load(),
		Embedded: w.embedded.Load(),
		Failed:   w.failed.Load(),
	}
}

func (w *Worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep()
		case <-w.trigger:
			w.sweep()
		}
	}
}

func (w *Worker) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()
	w.sweeps.Add(1)

	nodes, err := w.target.MissingEmbeddings(ctx, w.batch)
	if err != nil {
		w.logger.Warn("embedding backfill scan failed", zap.Error(err))
		return
	}
	if len(nodes) == 0 {
		return
	}
	w.scanned.Add(uint64(len(nodes)))

	for _, node := range nodes {
		select {
		case <-w.stop:
			return
		default:
		}

		vec, err := w.embedder.Embed(ctx, node.Content)
		if err != nil {
			w.failed.Add(1)
			w.logger.Debug("embedding backfill failed for concept",
				zap.String("id", node.ID.String()),
				zap.Error(err))
			continue
		}
		if err := w.target.SetEmbedding(ctx, node.ID, vec); err != nil {
			w.failed.Add(1)
			w.logger.Warn("storing backfilled embedding failed",
				zap.String("id", node.ID.String()),
				zap.Error(err))
			continue
		}
		w.embedded.Add(1)
	}

	// A full batch suggests more backlog behind it.
	if len(nodes) == w.batch {
		w.Trigger()
	}
}
