package embed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
)

type fakeTarget struct {
	mu      sync.Mutex
	pending []*concept.ConceptNode
	stored  map[concept.ConceptID][]float32
	scanErr error
}

func newFakeTarget(contents ...string) *fakeTarget {
	ft := &fakeTarget{stored: make(map[concept.ConceptID][]float32)}
	for _, c := range contents {
		ft.pending = append(ft.pending, concept.NewNode(c))
	}
	return ft
}

func (f *fakeTarget) MissingEmbeddings(_ context.Context, limit int) ([]*concept.ConceptNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var out []*concept.ConceptNode
	for _, node := range f.pending {
		if _, done := f.stored[node.ID]; done {
			continue
		}
		out = append(out, node)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeTarget) SetEmbedding(_ context.Context, id concept.ConceptID, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[id] = vec
	return nil
}

func (f *fakeTarget) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func (f *fakeTarget) add(content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, concept.NewNode(content))
}

func TestWorkerBackfill(t *testing.T) {
	t.Run("backfills_every_missing_concept", func(t *testing.T) {
		target := newFakeTarget("one", "two", "three")
		w := NewWorker(WorkerConfig{
			Embedder:  NewMock(4),
			Target:    target,
			Interval:  time.Hour,
			BatchSize: 10,
		})
		w.Start()
		defer w.Stop()

		require.Eventually(t, func() bool { return target.storedCount() == 3 },
			2*time.Second, 5*time.Millisecond)

		target.mu.Lock()
		for id, vec := range target.stored {
			assert.Len(t, vec, 4, id.String())
		}
		target.mu.Unlock()

		stats := w.Stats()
		assert.Equal(t, uint64(3), stats.Embedded)
		assert.Zero(t, stats.Failed)
	})

	t.Run("full_batch_schedules_followup_sweep", func(t *testing.T) {
		target := newFakeTarget("a", "b", "c", "d", "e")
		w := NewWorker(WorkerConfig{
			Embedder:  NewMock(4),
			Target:    target,
			Interval:  time.Hour,
			BatchSize: 2,
		})
		w.Start()
		defer w.Stop()

		require.Eventually(t, func() bool { return target.storedCount() == 5 },
			2*time.Second, 5*time.Millisecond)
		assert.GreaterOrEqual(t, w.Stats().Sweeps, uint64(3))
	})

	t.Run("trigger_runs_sweep_on_demand", func(t *testing.T) {
		target := newFakeTarget()
		w := NewWorker(WorkerConfig{
			Embedder:  NewMock(4),
			Target:    target,
			Interval:  time.Hour,
			BatchSize: 10,
		})
		w.Start()
		defer w.Stop()

		require.Eventually(t, func() bool { return w.Stats().Sweeps >= 1 },
			time.Second, time.Millisecond)

		target.add("learned while provider was idle")
		w.Trigger()
		require.Eventually(t, func() bool { return target.storedCount() == 1 },
			2*time.Second, 5*time.Millisecond)
	})

	t.Run("provider_failures_are_counted_not_fatal", func(t *testing.T) {
		target := newFakeTarget("x", "y")
		w := NewWorker(WorkerConfig{
			Embedder:  &scripted{failures: 1000, err: errors.New("provider down")},
			Target:    target,
			Interval:  time.Hour,
			BatchSize: 10,
		})
		w.Start()
		defer w.Stop()

		require.Eventually(t, func() bool { return w.Stats().Failed == 2 },
			2*time.Second, 5*time.Millisecond)
		assert.Zero(t, target.storedCount())
	})

	t.Run("scan_errors_do_not_kill_the_loop", func(t *testing.T) {
		target := newFakeTarget("later")
		target.scanErr = errors.New("store busy")
		w := NewWorker(WorkerConfig{
			Embedder:  NewMock(4),
			Target:    target,
			Interval:  time.Hour,
			BatchSize: 10,
		})
		w.Start()
		defer w.Stop()

		require.Eventually(t, func() bool { return w.Stats().Sweeps >= 1 },
			time.Second, time.Millisecond)

		target.mu.Lock()
		target.scanErr = nil
		target.mu.Unlock()
		w.Trigger()
		require.Eventually(t, func() bool { return target.storedCount() == 1 },
			2*time.Second, 5*time.Millisecond)
	})

	t.Run("stop_is_idempotent", func(t *testing.T) {
		w := NewWorker(WorkerConfig{
			Embedder: NewMock(4),
			Target:   newFakeTarget(),
			Interval: time.Hour,
		})
		w.Start()
		w.Stop()
		w.Stop()
	})
}
