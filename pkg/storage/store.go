package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/index"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/semantic"
)

// Config controls a Store. Zero values fall back to DefaultConfig numbers
// during Open, except Dir which is required.
type Config struct {
	// Dir is the data directory. Each shard keeps its WAL segments and
	// checkpoints in a subdirectory of it.
	Dir string
	// ShardCount fixes the number of lock domains. It cannot change for
	// the life of the data directory.
	ShardCount int
	// Dimensions is the embedding vector width. Zero disables vector
	// indexing; nodes may still carry unindexed embeddings.
	Dimensions int

	// SyncMode, BatchInterval, and MaxSegmentSize pass through to each
	// shard's WAL.
	SyncMode       SyncMode
	BatchInterval  time.Duration
	MaxSegmentSize int64

	// CheckpointInterval and CheckpointAppends schedule automatic
	// checkpoints: every interval, or once a shard accumulates that many
	// WAL appends, whichever comes first. Zero disables that trigger.
	CheckpointInterval time.Duration
	CheckpointAppends  uint64
	// CheckpointKeep is how many checkpoint generations to retain.
	CheckpointKeep int

	// HalfLife is the decay half-life for effective strength.
	HalfLife time.Duration

	// Index configures the per-shard vector index.
	Index index.Config

	// Archiver, when set, receives pruned nodes before removal.
	Archiver Archiver
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns the settings a config file overrides.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		ShardCount:         4,
		Dimensions:         0,
		SyncMode:           SyncImmediate,
		BatchInterval:      50 * time.Millisecond,
		MaxSegmentSize:     64 << 20,
		CheckpointInterval: 5 * time.Minute,
		CheckpointAppends:  10000,
		CheckpointKeep:     2,
		HalfLife:           30 * 24 * time.Hour,
		Index:              index.DefaultConfig(),
	}
}

func (c *Config) normalize() error {
	if c.Dir == "" {
		return errors.New("storage: config: empty data directory")
	}
	if c.ShardCount < 1 {
		c.ShardCount = 1
	}
	if c.Dimensions < 0 {
		return fmt.Errorf("storage: config: negative dimensions %d", c.Dimensions)
	}
	def := DefaultConfig(c.Dir)
	if c.BatchInterval <= 0 {
		c.BatchInterval = def.BatchInterval
	}
	if c.MaxSegmentSize <= 0 {
		c.MaxSegmentSize = def.MaxSegmentSize
	}
	if c.CheckpointKeep < 1 {
		c.CheckpointKeep = def.CheckpointKeep
	}
	if c.HalfLife <= 0 {
		c.HalfLife = def.HalfLife
	}
	if c.Index.M == 0 {
		c.Index = def.Index
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// storeMeta pins the parameters that must not change between runs of the
// same data directory.
type storeMeta struct {
	FormatVersion int       `json:"format_version"`
	ShardCount    int       `json:"shard_count"`
	Dimensions    int       `json:"dimensions"`
	CreatedAt     time.Time `json:"created_at"`
}

const metaFileName = "meta.json"

// Store is the sharded, durable concept graph. All methods are safe for
// concurrent use; operations on concepts in different shards proceed in
// parallel.
type Store struct {
	config Config
	logger *zap.Logger
	shards []*shard
	lambda float64

	counters  Counters
	startedAt time.Time
	recovered bool

	closed atomic.Bool

	ckptTrigger chan struct{}
	ckptStop    chan struct{}
	ckptDone    chan struct{}
}

// Open loads or creates the store at config.Dir. Shards recover in
// parallel: latest readable checkpoint first, then WAL replay of every
// intact record past it. After all shards load, incoming adjacency is
// rebuilt across shards and associations with a missing endpoint are
// dropped, so neighbor symmetry holds before the first caller sees the
// store.
func Open(config Config) (*Store, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data directory: %w", err)
	}
	if err := checkMeta(config); err != nil {
		return nil, err
	}

	s := &Store{
		config:    config,
		logger:    config.Logger,
		lambda:    concept.LambdaForHalfLife(config.HalfLife),
		startedAt: time.Now(),
		shards:    make([]*shard, config.ShardCount),
	}

	replayed := make([]int, config.ShardCount)
	var group errgroup.Group
	for i := 0; i < config.ShardCount; i++ {
		i := i
		group.Go(func() error {
			sh := newShard(i, config.Dimensions, config.Index)
			sh.dir = filepath.Join(config.Dir, fmt.Sprintf("shard-%03d", i))
			n, err := s.recoverShard(sh)
			if err != nil {
				return err
			}
			replayed[i] = n
			s.shards[i] = sh
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		for _, sh := range s.shards {
			if sh != nil && sh.wal != nil {
				sh.wal.Close()
			}
		}
		return nil, err
	}

	for _, n := range replayed {
		if n > 0 {
			s.recovered = true
		}
	}

	if dropped := resymmetrize(s.shards, config.ShardCount); dropped > 0 {
		s.logger.Warn("dropped dangling associations during recovery",
			zap.Int("count", dropped))
	}

	if config.CheckpointInterval > 0 || config.CheckpointAppends > 0 {
		s.ckptTrigger = make(chan struct{}, 1)
		s.ckptStop = make(chan struct{})
		s.ckptDone = make(chan struct{})
		go s.checkpointLoop()
	}

	s.logger.Info("store open",
		zap.Int("shards", config.ShardCount),
		zap.Int("dimensions", config.Dimensions),
		zap.Bool("recovered", s.recovered))
	return s, nil
}

func checkMeta(config Config) error {
	path := filepath.Join(config.Dir, metaFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("storage: read meta: %w", err)
		}
		meta := storeMeta{
			FormatVersion: 1,
			ShardCount:    config.ShardCount,
			Dimensions:    config.Dimensions,
			CreatedAt:     time.Now().UTC(),
		}
		data, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return fmt.Errorf("storage: encode meta: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("storage: write meta: %w", err)
		}
		return nil
	}
	var meta storeMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("storage: decode meta: %w", err)
	}
	if meta.ShardCount != config.ShardCount {
		return fmt.Errorf("storage: data directory has %d shards, config says %d", meta.ShardCount, config.ShardCount)
	}
	if meta.Dimensions != config.Dimensions {
		return fmt.Errorf("storage: data directory uses %d dimensions, config says %d", meta.Dimensions, config.Dimensions)
	}
	return nil
}

// recoverShard loads one shard from disk and opens its WAL for writing.
// It returns the number of WAL records replayed past the checkpoint.
func (s *Store) recoverShard(sh *shard) (int, error) {
	image, err := loadLatestCheckpoint(sh.dir)
	if err != nil {
		return 0, fmt.Errorf("shard %d: %w", sh.id, err)
	}
	var after uint64
	if image != nil {
		if image.Shard != sh.id {
			return 0, fmt.Errorf("shard %d: checkpoint belongs to shard %d", sh.id, image.Shard)
		}
		sh.restore(image)
		sh.lastCheckpointSeq = image.Sequence
		after = image.Sequence
	}

	replayed := 0
	last, corrupted, err := ReplayWAL(sh.dir, after, func(rt RecordType, seq uint64, payload []byte) error {
		if rt == RecordCheckpoint {
			var marker checkpointMarker
			if json.Unmarshal(payload, &marker) == nil && marker.Sequence > sh.lastCheckpointSeq {
				sh.lastCheckpointSeq = marker.Sequence
			}
			return nil
		}
		if err := sh.applyRecordLocked(rt, payload); err != nil {
			return fmt.Errorf("shard %d: sequence %d: %w", sh.id, seq, err)
		}
		replayed++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if corrupted {
		// The torn record would end every future replay at the same
		// spot, hiding anything logged after this recovery. Persist
		// the recovered state as a checkpoint and retire the damaged
		// log entirely; the lost tail is already gone either way.
		s.logger.Warn("wal tail truncated at corrupt record",
			zap.Int("shard", sh.id),
			zap.Uint64("last_sequence", last))
		image := sh.snapshotLocked()
		image.Sequence = last
		image.CreatedAt = time.Now().UTC()
		if _, err := writeCheckpoint(sh.dir, image); err != nil {
			return 0, fmt.Errorf("shard %d: persist repaired state: %w", sh.id, err)
		}
		sh.lastCheckpointSeq = last
		segs, err := listSegments(sh.dir)
		if err != nil {
			return 0, fmt.Errorf("shard %d: %w", sh.id, err)
		}
		for _, seg := range segs {
			if err := os.Remove(seg.path); err != nil {
				return 0, fmt.Errorf("shard %d: retire damaged segment: %w", sh.id, err)
			}
		}
	}

	wal, err := OpenWAL(WALConfig{
		Dir:            sh.dir,
		SyncMode:       s.config.SyncMode,
		BatchInterval:  s.config.BatchInterval,
		MaxSegmentSize: s.config.MaxSegmentSize,
	}, last)
	if err != nil {
		return 0, fmt.Errorf("shard %d: %w", sh.id, err)
	}
	sh.wal = wal
	return replayed, nil
}

// resymmetrize rebuilds incoming adjacency from scratch and drops
// associations that lost an endpoint, returning how many were dropped.
// It runs before the store is visible, single-threaded.
func resymmetrize(shards []*shard, shardCount int) int {
	for _, sh := range shards {
		sh.incoming = make(map[concept.ConceptID]map[concept.AssocKey]struct{})
	}
	dropped := 0
	for _, sh := range shards {
		var drops []concept.AssocKey
		for key := range sh.assocs {
			if _, ok := sh.nodes[key.Source]; !ok {
				drops = append(drops, key)
				continue
			}
			target := shards[shardFor(key.Target, shardCount)]
			if _, ok := target.nodes[key.Target]; !ok {
				drops = append(drops, key)
				continue
			}
			target.attachIncomingLocked(key)
		}
		for _, key := range drops {
			sh.dropAssocLocked(key)
		}
		dropped += len(drops)
	}
	return dropped
}

func (s *Store) shardOf(id concept.ConceptID) *shard {
	return s.shards[shardFor(id, s.config.ShardCount)]
}

// appendLocked encodes and appends one record to the shard's WAL. The
// caller holds the shard write lock and applies the in-memory change
// only after this returns nil.
func (s *Store) appendLocked(sh *shard, rt RecordType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s record: %w", rt, err)
	}
	if _, err := sh.wal.Append(rt, payload); err != nil {
		return fmt.Errorf("storage: append %s record: %w", rt, err)
	}
	if n := sh.appendsSince.Add(1); s.ckptTrigger != nil &&
		s.config.CheckpointAppends > 0 && n >= s.config.CheckpointAppends {
		select {
		case s.ckptTrigger <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Store) checkEmbedding(vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	if s.config.Dimensions > 0 && len(vec) != s.config.Dimensions {
		return &concept.ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("dimension %d does not match store dimension %d", len(vec), s.config.Dimensions),
		}
	}
	return nil
}

// Get returns a clone of the node, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id concept.ConceptID) (*concept.ConceptNode, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, ErrInvalidID
	}
	s.counters.Gets.Add(1)

	sh := s.shardOf(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	node, ok := sh.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return node.Clone(), nil
}

// Put upserts a node wholesale. Callers that only refresh usage should
// prefer Strengthen or Touch, which log compact records.
func (s *Store) Put(ctx context.Context, node *concept.ConceptNode) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if node == nil {
		return ErrInvalidData
	}
	if err := node.Validate(); err != nil {
		return err
	}
	if err := s.checkEmbedding(node.Embedding); err != nil {
		return err
	}

	clone := node.Clone()
	sh := s.shardOf(clone.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if err := s.appendLocked(sh, RecordNode, nodeRecord{Node: clone}); err != nil {
		return err
	}
	sh.putNodeLocked(clone)
	return nil
}

// CommitResult reports what a CommitLearn changed: whether the node was
// created rather than reinforced, and how many of the submitted
// associations did not already exist.
type CommitResult struct {
	New          bool
	Associations int
}

// CommitLearn commits a learned node, the stub nodes its extraction
// produced, and the associations among them. The node and the
// associations it owns land in one WAL record in the node's shard; stubs
// and foreign-owned associations land as separate records ordered before
// it in their own shards. Re-learning existing content reinforces the
// stored node instead of replacing it.
func (s *Store) CommitLearn(ctx context.Context, node *concept.ConceptNode, stubs []*concept.ConceptNode, assocs []*concept.Association) (CommitResult, error) {
	if s.closed.Load() {
		return CommitResult{}, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}
	if node == nil {
		return CommitResult{}, ErrInvalidData
	}
	if err := node.Validate(); err != nil {
		return CommitResult{}, err
	}
	if err := s.checkEmbedding(node.Embedding); err != nil {
		return CommitResult{}, err
	}

	known := map[concept.ConceptID]struct{}{node.ID: {}}
	var liveStubs []*concept.ConceptNode
	for _, stub := range stubs {
		if stub == nil || stub.ID == node.ID {
			continue
		}
		if err := stub.Validate(); err != nil {
			return CommitResult{}, err
		}
		if err := s.checkEmbedding(stub.Embedding); err != nil {
			return CommitResult{}, err
		}
		if _, dup := known[stub.ID]; dup {
			continue
		}
		known[stub.ID] = struct{}{}
		liveStubs = append(liveStubs, stub)
	}
	for _, assoc := range assocs {
		if assoc == nil {
			return CommitResult{}, ErrInvalidAssociation
		}
		if err := assoc.Validate(); err != nil {
			return CommitResult{}, err
		}
	}

	// Endpoints outside the node and its stubs must already exist. The
	// check runs with no other lock held; see resymmetrize for how the
	// rare lose-the-race dangling edge is cleaned up.
	for _, assoc := range assocs {
		for _, end := range [2]concept.ConceptID{assoc.Source, assoc.Target} {
			if _, ok := known[end]; ok {
				continue
			}
			sh := s.shardOf(end)
			sh.mu.RLock()
			_, ok := sh.nodes[end]
			sh.mu.RUnlock()
			if !ok {
				return CommitResult{}, fmt.Errorf("%w: %s", ErrInvalidAssociation, end)
			}
		}
	}

	now := time.Now()

	// Stubs first, grouped by shard, so extracted relations always point
	// at a node that exists.
	byShard := make(map[int][]*concept.ConceptNode)
	for _, stub := range liveStubs {
		idx := shardFor(stub.ID, s.config.ShardCount)
		byShard[idx] = append(byShard[idx], stub)
	}
	for idx, group := range byShard {
		sh := s.shards[idx]
		sh.mu.Lock()
		for _, stub := range group {
			if _, exists := sh.nodes[stub.ID]; exists {
				continue
			}
			clone := stub.Clone()
			if err := s.appendLocked(sh, RecordNode, nodeRecord{Node: clone}); err != nil {
				sh.mu.Unlock()
				return CommitResult{}, err
			}
			sh.putNodeLocked(clone)
		}
		sh.mu.Unlock()
	}

	// Primary commit: the node plus the associations it owns, one record.
	var owned, foreign []*concept.Association
	for _, assoc := range assocs {
		if assoc.Source == node.ID {
			owned = append(owned, assoc)
		} else {
			foreign = append(foreign, assoc)
		}
	}

	main := s.shardOf(node.ID)
	main.mu.Lock()
	isNew := true
	var commit *concept.ConceptNode
	if existing, ok := main.nodes[node.ID]; ok {
		isNew = false
		commit = existing.Clone()
		commit.Reinforce(concept.DefaultReinforcement, now)
		if len(commit.Embedding) == 0 && len(node.Embedding) > 0 {
			commit.Embedding = append([]float32(nil), node.Embedding...)
		}
	} else {
		commit = node.Clone()
	}
	var newOwned []*concept.Association
	for _, assoc := range owned {
		if _, exists := main.assocs[assoc.Key()]; exists {
			continue
		}
		newOwned = append(newOwned, assoc.Clone())
	}
	if err := s.appendLocked(main, RecordLearn, learnRecord{Node: commit, Assocs: newOwned}); err != nil {
		main.mu.Unlock()
		return CommitResult{}, err
	}
	main.putNodeLocked(commit)
	for _, assoc := range newOwned {
		main.putAssocLocked(assoc)
	}
	main.mu.Unlock()

	// Associations owned by other nodes (stub-to-stub relations).
	committed := newOwned
	foreignByShard := make(map[int][]*concept.Association)
	for _, assoc := range foreign {
		idx := shardFor(assoc.Source, s.config.ShardCount)
		foreignByShard[idx] = append(foreignByShard[idx], assoc)
	}
	for idx, group := range foreignByShard {
		sh := s.shards[idx]
		sh.mu.Lock()
		for _, assoc := range group {
			if _, exists := sh.assocs[assoc.Key()]; exists {
				continue
			}
			clone := assoc.Clone()
			if err := s.appendLocked(sh, RecordAssoc, assocRecord{Assoc: clone}); err != nil {
				sh.mu.Unlock()
				return CommitResult{}, err
			}
			sh.putAssocLocked(clone)
			committed = append(committed, clone)
		}
		sh.mu.Unlock()
	}

	// Incoming adjacency last, grouped by target shard. Derived state:
	// never logged, rebuilt on recovery.
	inByShard := make(map[int][]concept.AssocKey)
	for _, assoc := range committed {
		idx := shardFor(assoc.Target, s.config.ShardCount)
		inByShard[idx] = append(inByShard[idx], assoc.Key())
	}
	for idx, keys := range inByShard {
		sh := s.shards[idx]
		sh.mu.Lock()
		for _, key := range keys {
			sh.attachIncomingLocked(key)
		}
		sh.mu.Unlock()
	}

	s.counters.Learns.Add(1)
	return CommitResult{New: isNew, Associations: len(committed)}, nil
}

// Link creates or updates one directed association. Both endpoints must
// exist. The record lands in the source's shard; when the target lives
// elsewhere both shard locks are held in ascending index order so the
// incoming side is attached atomically with the edge.
func (s *Store) Link(ctx context.Context, source, target concept.ConceptID, at concept.AssociationType, weight, confidence float64) (*concept.Association, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if source.IsZero() || target.IsZero() {
		return nil, ErrInvalidID
	}
	if source == target {
		return nil, &concept.ValidationError{Field: "target", Reason: "association cannot link a concept to itself"}
	}
	if !at.Valid() {
		return nil, &concept.ValidationError{Field: "type", Reason: "unknown association type"}
	}
	if weight < 0 {
		return nil, &concept.ValidationError{Field: "weight", Reason: "negative weight"}
	}

	si := shardFor(source, s.config.ShardCount)
	ti := shardFor(target, s.config.ShardCount)
	src, tgt := s.shards[si], s.shards[ti]

	lockBoth := func() {
		if si == ti {
			src.mu.Lock()
			return
		}
		if si < ti {
			src.mu.Lock()
			tgt.mu.Lock()
		} else {
			tgt.mu.Lock()
			src.mu.Lock()
		}
	}
	unlockBoth := func() {
		src.mu.Unlock()
		if si != ti {
			tgt.mu.Unlock()
		}
	}

	lockBoth()
	defer unlockBoth()

	if _, ok := src.nodes[source]; !ok {
		return nil, fmt.Errorf("%w: source %s", ErrNotFound, source)
	}
	if _, ok := tgt.nodes[target]; !ok {
		return nil, fmt.Errorf("%w: target %s", ErrNotFound, target)
	}

	now := time.Now()
	key := concept.AssocKey{Source: source, Target: target, Type: at}
	var assoc *concept.Association
	if existing, ok := src.assocs[key]; ok {
		assoc = existing.Clone()
		assoc.Weight = weight
		assoc.Confidence = concept.Clamp01(confidence)
		assoc.LastUsed = now
	} else {
		assoc = &concept.Association{
			Source:     source,
			Target:     target,
			Type:       at,
			Weight:     weight,
			Confidence: concept.Clamp01(confidence),
			Created:    now,
			LastUsed:   now,
		}
	}

	if err := s.appendLocked(src, RecordAssoc, assocRecord{Assoc: assoc}); err != nil {
		return nil, err
	}
	src.putAssocLocked(assoc)
	tgt.attachIncomingLocked(key)

	s.counters.Links.Add(1)
	return assoc.Clone(), nil
}

// Strengthen adds the standard reinforcement increment to a node and
// refreshes its usage fields, returning the updated state.
func (s *Store) Strengthen(ctx context.Context, id concept.ConceptID) (*concept.ConceptNode, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, ErrInvalidID
	}

	sh := s.shardOf(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	node, ok := sh.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}

	clone := node.Clone()
	clone.Reinforce(concept.DefaultReinforcement, time.Now())
	rec := touchRecord{Items: []touchItem{{
		ID:         clone.ID,
		Strength:   clone.Strength,
		Confidence: clone.Confidence,
		LastUsed:   clone.LastUsed,
		UseCount:   clone.UseCount,
	}}}
	if err := s.appendLocked(sh, RecordTouch, rec); err != nil {
		return nil, err
	}
	sh.putNodeLocked(clone)

	s.counters.Strengthens.Add(1)
	return clone.Clone(), nil
}

// Touch refreshes last-used and use-count on a batch of nodes, one WAL
// record per shard. Absent ids are skipped; a zero id is rejected.
func (s *Store) Touch(ctx context.Context, ids []concept.ConceptID) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	byShard := make(map[int][]concept.ConceptID)
	for _, id := range ids {
		if id.IsZero() {
			return ErrInvalidID
		}
		idx := shardFor(id, s.config.ShardCount)
		byShard[idx] = append(byShard[idx], id)
	}

	now := time.Now()
	touched := 0
	for idx, group := range byShard {
		sh := s.shards[idx]
		sh.mu.Lock()
		var rec touchRecord
		var clones []*concept.ConceptNode
		seen := make(map[concept.ConceptID]struct{}, len(group))
		for _, id := range group {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			node, ok := sh.nodes[id]
			if !ok {
				continue
			}
			clone := node.Clone()
			clone.Touch(now)
			clones = append(clones, clone)
			rec.Items = append(rec.Items, touchItem{
				ID:         clone.ID,
				Strength:   clone.Strength,
				Confidence: clone.Confidence,
				LastUsed:   clone.LastUsed,
				UseCount:   clone.UseCount,
			})
		}
		if len(rec.Items) > 0 {
			if err := s.appendLocked(sh, RecordTouch, rec); err != nil {
				sh.mu.Unlock()
				return err
			}
			for _, clone := range clones {
				sh.putNodeLocked(clone)
			}
			touched += len(clones)
		}
		sh.mu.Unlock()
	}
	s.counters.Touches.Add(uint64(touched))
	return nil
}

// Neighbors returns every association incident to id, outgoing and
// incoming, in a deterministic order: the other endpoint's id bytes,
// then type, outgoing before incoming. Incoming edges owned by other
// shards are resolved after the local lock is released; edges whose
// owner has since dropped them are skipped.
func (s *Store) Neighbors(ctx context.Context, id concept.ConceptID) ([]NeighborRef, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, ErrInvalidID
	}

	sh := s.shardOf(id)
	sh.mu.RLock()
	if _, ok := sh.nodes[id]; !ok {
		sh.mu.RUnlock()
		return nil, ErrNotFound
	}
	refs := make([]NeighborRef, 0, len(sh.outgoing[id])+len(sh.incoming[id]))
	for _, key := range sh.outgoingKeysLocked(id) {
		if assoc, ok := sh.assocs[key]; ok {
			refs = append(refs, NeighborRef{Assoc: assoc.Clone(), Other: key.Target, Out: true})
		}
	}
	inKeys := sh.incomingKeysLocked(id)
	sh.mu.RUnlock()

	byShard := make(map[int][]concept.AssocKey)
	for _, key := range inKeys {
		idx := shardFor(key.Source, s.config.ShardCount)
		byShard[idx] = append(byShard[idx], key)
	}
	for idx, keys := range byShard {
		owner := s.shards[idx]
		owner.mu.RLock()
		for _, key := range keys {
			if assoc, ok := owner.assocs[key]; ok {
				refs = append(refs, NeighborRef{Assoc: assoc.Clone(), Other: key.Source, Out: false})
			}
		}
		owner.mu.RUnlock()
	}

	sort.Slice(refs, func(i, j int) bool {
		if cmp := bytes.Compare(refs[i].Other[:], refs[j].Other[:]); cmp != 0 {
			return cmp < 0
		}
		if refs[i].Assoc.Type != refs[j].Assoc.Type {
			return refs[i].Assoc.Type < refs[j].Assoc.Type
		}
		return refs[i].Out && !refs[j].Out
	})
	return refs, nil
}

// QueryBySemantic scans for nodes matching the filter, ordered by
// descending confidence then id, capped at limit. The scan is routed to
// a single shard; a deployment with more than one shard cannot answer
// it consistently and returns ErrShardUnsupported rather than a
// silently partial result.
func (s *Store) QueryBySemantic(ctx context.Context, filter *semantic.Filter, limit int) ([]*concept.ConceptNode, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if filter != nil {
		if err := filter.Validate(); err != nil {
			return nil, err
		}
	}
	if s.config.ShardCount > 1 {
		return nil, fmt.Errorf("%w: semantic scan requires a single shard, store has %d", ErrShardUnsupported, s.config.ShardCount)
	}
	s.counters.Queries.Add(1)

	sh := s.shards[0]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.matchingNodesLocked(filter, limit), nil
}

// SearchVectors returns the k nearest indexed embeddings across all
// shards, by descending cosine similarity.
func (s *Store) SearchVectors(ctx context.Context, query []float32, k int, minSimilarity float64) ([]index.Result, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if s.config.Dimensions == 0 {
		return nil, nil
	}
	if len(query) != s.config.Dimensions {
		return nil, index.ErrDimensionMismatch
	}

	var merged []index.Result
	for _, sh := range s.shards {
		results, err := sh.vectors.Search(ctx, query, k, minSimilarity)
		if err != nil {
			return nil, err
		}
		merged = append(merged, results...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return bytes.Compare(merged[i].ID[:], merged[j].ID[:]) < 0
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// SetEmbedding attaches a vector to an existing node. Used by the
// backfill worker; unlike Put it cannot resurrect a pruned node.
func (s *Store) SetEmbedding(ctx context.Context, id concept.ConceptID, vec []float32) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if id.IsZero() {
		return ErrInvalidID
	}
	if err := s.checkEmbedding(vec); err != nil {
		return err
	}

	sh := s.shardOf(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	node, ok := sh.nodes[id]
	if !ok {
		return ErrNotFound
	}
	clone := node.Clone()
	clone.Embedding = append([]float32(nil), vec...)
	if err := s.appendLocked(sh, RecordNode, nodeRecord{Node: clone}); err != nil {
		return err
	}
	sh.putNodeLocked(clone)
	return nil
}

// MissingEmbeddings returns up to limit nodes that have no vector yet,
// ordered by id for a stable backfill sweep.
func (s *Store) MissingEmbeddings(ctx context.Context, limit int) ([]*concept.ConceptNode, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*concept.ConceptNode
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, node := range sh.nodes {
			if len(node.Embedding) == 0 {
				out = append(out, node.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune removes nodes that fall below every criterion and have no
// remaining adjacency. Victims are archived before removal when an
// archiver is configured; an archive failure keeps the node alive. The
// pass holds each shard's read lock to scan and its write lock to
// remove, with archival in between under no lock at all.
func (s *Store) Prune(ctx context.Context, criteria PruneCriteria) (PruneResult, error) {
	var result PruneResult
	if s.closed.Load() {
		return result, ErrStoreClosed
	}
	now := criteria.Now
	if now.IsZero() {
		now = time.Now()
	}

	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		sh.mu.RLock()
		result.Scanned += len(sh.nodes)
		var victims []*concept.ConceptNode
		for id, node := range sh.nodes {
			if node.EffectiveStrength(now, s.lambda) > criteria.MaxEffectiveStrength {
				continue
			}
			if node.Confidence > criteria.MaxConfidence {
				continue
			}
			if now.Sub(node.LastUsed) < criteria.MinIdle {
				continue
			}
			if len(sh.outgoing[id]) > 0 || len(sh.incoming[id]) > 0 {
				continue
			}
			victims = append(victims, node.Clone())
		}
		sh.mu.RUnlock()
		if len(victims) == 0 {
			continue
		}

		archived := make(map[concept.ConceptID]*concept.ConceptNode, len(victims))
		for _, victim := range victims {
			if s.config.Archiver != nil {
				if err := s.config.Archiver.Archive(victim); err != nil {
					s.logger.Warn("archive failed, keeping node",
						zap.String("id", victim.ID.String()), zap.Error(err))
					continue
				}
				result.Archived++
			}
			archived[victim.ID] = victim
		}
		if len(archived) == 0 {
			continue
		}

		sh.mu.Lock()
		rec := pruneRecord{}
		for id, snapshot := range archived {
			node, ok := sh.nodes[id]
			if !ok {
				continue
			}
			// Anything that was used or linked since the scan stays.
			if !node.LastUsed.Equal(snapshot.LastUsed) {
				continue
			}
			if len(sh.outgoing[id]) > 0 || len(sh.incoming[id]) > 0 {
				continue
			}
			rec.IDs = append(rec.IDs, id)
		}
		if len(rec.IDs) > 0 {
			sort.Slice(rec.IDs, func(i, j int) bool {
				return bytes.Compare(rec.IDs[i][:], rec.IDs[j][:]) < 0
			})
			if err := s.appendLocked(sh, RecordPrune, rec); err != nil {
				sh.mu.Unlock()
				return result, err
			}
			for _, id := range rec.IDs {
				sh.removeNodeLocked(id)
			}
			result.Pruned += len(rec.IDs)
		}
		sh.mu.Unlock()
	}

	s.counters.Prunes.Add(1)
	return result, nil
}

// Checkpoint writes one shard's state to a compressed checkpoint file,
// then deletes WAL segments and older checkpoints it supersedes.
// Serialization happens after the shard lock is released, so writers
// block only for the in-memory clone.
func (s *Store) Checkpoint(ctx context.Context, shardID int) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.checkpointShard(ctx, shardID)
}

func (s *Store) checkpointShard(ctx context.Context, shardID int) error {
	if shardID < 0 || shardID >= len(s.shards) {
		return fmt.Errorf("storage: no shard %d", shardID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shards[shardID]

	sh.mu.RLock()
	image := sh.snapshotLocked()
	seq := sh.wal.LastSequence()
	prev := sh.lastCheckpointSeq
	sh.mu.RUnlock()

	image.Sequence = seq
	image.CreatedAt = time.Now().UTC()

	path, err := writeCheckpoint(sh.dir, image)
	if err != nil {
		return err
	}

	marker, err := json.Marshal(checkpointMarker{Sequence: seq})
	if err == nil {
		_, err = sh.wal.Append(RecordCheckpoint, marker)
	}
	if err != nil {
		s.logger.Warn("checkpoint marker append failed", zap.Int("shard", shardID), zap.Error(err))
	}

	// Segments are pruned only up to the PREVIOUS checkpoint, so if the
	// file just written turns out unreadable, the older checkpoint plus
	// the retained log still reconstruct everything.
	if _, err := PruneSegments(sh.dir, prev); err != nil {
		s.logger.Warn("wal segment cleanup failed", zap.Int("shard", shardID), zap.Error(err))
	}
	if _, err := pruneCheckpoints(sh.dir, s.config.CheckpointKeep); err != nil {
		s.logger.Warn("old checkpoint cleanup failed", zap.Int("shard", shardID), zap.Error(err))
	}

	sh.mu.Lock()
	if seq > sh.lastCheckpointSeq {
		sh.lastCheckpointSeq = seq
	}
	sh.mu.Unlock()
	sh.appendsSince.Store(0)

	s.counters.Checkpoints.Add(1)
	s.logger.Info("checkpoint written",
		zap.Int("shard", shardID),
		zap.Uint64("sequence", seq),
		zap.String("path", path))
	return nil
}

// CheckpointAll checkpoints every shard, in parallel.
func (s *Store) CheckpointAll(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	var group errgroup.Group
	for i := range s.shards {
		i := i
		group.Go(func() error { return s.checkpointShard(ctx, i) })
	}
	return group.Wait()
}

func (s *Store) checkpointLoop() {
	defer close(s.ckptDone)
	var tickC <-chan time.Time
	if s.config.CheckpointInterval > 0 {
		ticker := time.NewTicker(s.config.CheckpointInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}
	for {
		select {
		case <-s.ckptStop:
			return
		case <-tickC:
			if err := s.CheckpointAll(context.Background()); err != nil && !errors.Is(err, ErrStoreClosed) {
				s.logger.Warn("scheduled checkpoint failed", zap.Error(err))
			}
		case <-s.ckptTrigger:
			for i, sh := range s.shards {
				if sh.appendsSince.Load() < s.config.CheckpointAppends {
					continue
				}
				if err := s.Checkpoint(context.Background(), i); err != nil && !errors.Is(err, ErrStoreClosed) {
					s.logger.Warn("triggered checkpoint failed", zap.Int("shard", i), zap.Error(err))
				}
			}
		}
	}
}

// Counters exposes the operation counters for collaborating packages to
// bump; the fields are atomics.
func (s *Store) Counters() *Counters {
	return &s.counters
}

// ShardCount returns the number of shards the store was opened with.
func (s *Store) ShardCount() int {
	return s.config.ShardCount
}

// Dimensions returns the embedding width the store was opened with.
func (s *Store) Dimensions() int {
	return s.config.Dimensions
}

// DecayLambda returns the decay constant derived from the configured
// half-life, for callers computing effective strength themselves.
func (s *Store) DecayLambda() float64 {
	return s.lambda
}

// Stats assembles a snapshot of totals, per-shard detail, and counters.
func (s *Store) Stats() StatsSnapshot {
	snap := StatsSnapshot{
		ByType:    make(map[string]int),
		Counters:  s.counters.snapshot(),
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt),
		Recovered: s.recovered,
	}
	for _, sh := range s.shards {
		sh.mu.RLock()
		stats := ShardStats{
			ID:             sh.id,
			Concepts:       len(sh.nodes),
			Associations:   len(sh.assocs),
			IndexedVectors: sh.vectors.Size(),
			Tombstones:     sh.vectors.Tombstoned(),
			CheckpointSeq:  sh.lastCheckpointSeq,
		}
		if sh.wal != nil {
			stats.LastSequence = sh.wal.LastSequence()
			stats.WAL = sh.wal.Metrics()
		}
		for _, node := range sh.nodes {
			snap.ByType[node.Meta.Type.String()]++
		}
		sh.mu.RUnlock()
		snap.Concepts += stats.Concepts
		snap.Associations += stats.Associations
		snap.Shards = append(snap.Shards, stats)
	}
	return snap
}

// Close stops the checkpoint scheduler, writes a final checkpoint per
// shard so the next open replays nothing, and closes the logs. Close is
// idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ckptStop != nil {
		close(s.ckptStop)
		<-s.ckptDone
	}

	ctx := context.Background()
	for i := range s.shards {
		if err := s.checkpointShard(ctx, i); err != nil {
			s.logger.Warn("final checkpoint failed", zap.Int("shard", i), zap.Error(err))
		}
	}

	var firstErr error
	for _, sh := range s.shards {
		if sh.wal == nil {
			continue
		}
		if err := sh.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.logger.Info("store closed")
	return firstErr
}
