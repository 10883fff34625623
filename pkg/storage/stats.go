package storage

import (
	"sync/atomic"
	"time"
)

// Counters tracks operation totals across the store's lifetime. Fields
// are atomics so hot paths bump them without taking any shard lock.
type Counters struct {
	Learns      atomic.Uint64
	Gets        atomic.Uint64
	Links       atomic.Uint64
	Strengthens atomic.Uint64
	Touches     atomic.Uint64
	Queries     atomic.Uint64
	Prunes      atomic.Uint64
	Checkpoints atomic.Uint64
}

// CountersSnapshot is a point-in-time copy of Counters.
type CountersSnapshot struct {
	Learns      uint64 `json:"learns"`
	Gets        uint64 `json:"gets"`
	Links       uint64 `json:"links"`
	Strengthens uint64 `json:"strengthens"`
	Touches     uint64 `json:"touches"`
	Queries     uint64 `json:"queries"`
	Prunes      uint64 `json:"prunes"`
	Checkpoints uint64 `json:"checkpoints"`
}

func (c *Counters) snapshot() CountersSnapshot {
	return CountersSnapshot{
		Learns:      c.Learns.Load(),
		Gets:        c.Gets.Load(),
		Links:       c.Links.Load(),
		Strengthens: c.Strengthens.Load(),
		Touches:     c.Touches.Load(),
		Queries:     c.Queries.Load(),
		Prunes:      c.Prunes.Load(),
		Checkpoints: c.Checkpoints.Load(),
	}
}

// ShardStats describes one shard's live footprint.
type ShardStats struct {
	ID             int        `json:"id"`
	Concepts       int        `json:"concepts"`
	Associations   int        `json:"associations"`
	IndexedVectors int        `json:"indexed_vectors"`
	Tombstones     uint64     `json:"tombstones"`
	LastSequence   uint64     `json:"last_sequence"`
	CheckpointSeq  uint64     `json:"checkpoint_seq"`
	WAL            WALMetrics `json:"wal"`
}

// StatsSnapshot is the store's answer to a stats request: totals,
// per-semantic-type concept counts, per-shard detail, and operation
// counters since open.
type StatsSnapshot struct {
	Concepts     int              `json:"concepts"`
	Associations int              `json:"associations"`
	ByType       map[string]int   `json:"by_type"`
	Shards       []ShardStats     `json:"shards"`
	Counters     CountersSnapshot `json:"counters"`
	StartedAt    time.Time        `json:"started_at"`
	Uptime       time.Duration    `json:"uptime"`
	Recovered    bool             `json:"recovered"`
}
