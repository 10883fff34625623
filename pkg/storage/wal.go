package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SyncMode controls when appended records are forced to physical media.
type SyncMode int

const (
	// SyncImmediate fsyncs after every append. Slowest, loses nothing.
	SyncImmediate SyncMode = iota
	// SyncBatch flushes every append to the OS and fsyncs on a timer.
	// A crash loses at most one batch interval of writes.
	SyncBatch
	// SyncNone flushes to the OS and never fsyncs explicitly. A power
	// failure can lose everything the kernel had not written back.
	SyncNone
)

// String returns the config-file spelling of the mode.
func (m SyncMode) String() string {
	switch m {
	case SyncImmediate:
		return "immediate"
	case SyncBatch:
		return "batch"
	case SyncNone:
		return "none"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode converts a config-file spelling into a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "immediate", "":
		return SyncImmediate, nil
	case "batch":
		return SyncBatch, nil
	case "none":
		return SyncNone, nil
	default:
		return SyncImmediate, fmt.Errorf("unknown sync mode %q", s)
	}
}

// WALConfig controls durability and segment rotation for one shard's log.
type WALConfig struct {
	// Dir is the directory holding this log's segment files.
	Dir string
	// SyncMode picks the fsync policy. Defaults to SyncImmediate.
	SyncMode SyncMode
	// BatchInterval is the fsync period under SyncBatch.
	BatchInterval time.Duration
	// MaxSegmentSize triggers rotation once a segment grows past it.
	MaxSegmentSize int64
}

// DefaultWALConfig returns the settings used when a config file says nothing.
func DefaultWALConfig(dir string) WALConfig {
	return WALConfig{
		Dir:            dir,
		SyncMode:       SyncImmediate,
		BatchInterval:  50 * time.Millisecond,
		MaxSegmentSize: 64 << 20,
	}
}

// Record framing, all integers big-endian:
//
//	[CRC32-IEEE 4][Type 1][Sequence 8][PayloadLen 4][Payload N]
//
// The checksum covers everything after itself. Replay treats a bad
// checksum, a short read, or a non-increasing sequence as the torn
// tail of the log and stops there.
const (
	walHeaderSize     = 4 + 1 + 8 + 4
	walMaxPayloadSize = 64 << 20

	walSegmentPattern = "wal-%08d.log"
	walSegmentPrefix  = "wal-"
	walSegmentSuffix  = ".log"
)

// WAL is a single shard's write-ahead log. Appends are serialized by an
// internal mutex; one WAL is safe for concurrent use.
type WAL struct {
	config WALConfig

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	lastSeq  uint64
	segStart uint64
	written  int64
	dirty    bool
	closed   bool

	appends   atomic.Uint64
	syncs     atomic.Uint64
	rotations atomic.Uint64

	stopBatch chan struct{}
	batchDone chan struct{}
}

// WALMetrics is a point-in-time read of the log's counters.
type WALMetrics struct {
	Appends   uint64
	Syncs     uint64
	Rotations uint64
}

// OpenWAL opens a log for writing. It always starts a fresh segment at
// lastSequence+1 rather than appending to an existing file: after a
// crash the previous segment may end in a torn record, and appending
// past garbage would hide it from every future replay. Overwriting a
// segment file with the same start sequence is only possible when that
// file held no valid records, which is exactly the case where
// discarding it is correct.
func OpenWAL(config WALConfig, lastSequence uint64) (*WAL, error) {
	if config.Dir == "" {
		return nil, errors.New("wal: empty directory")
	}
	if config.BatchInterval <= 0 {
		config.BatchInterval = DefaultWALConfig("").BatchInterval
	}
	if config.MaxSegmentSize <= 0 {
		config.MaxSegmentSize = DefaultWALConfig("").MaxSegmentSize
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	w := &WAL{
		config:  config,
		lastSeq: lastSequence,
	}
	if err := w.openSegment(lastSequence + 1); err != nil {
		return nil, err
	}

	if config.SyncMode == SyncBatch {
		w.stopBatch = make(chan struct{})
		w.batchDone = make(chan struct{})
		go w.batchSyncLoop()
	}
	return w, nil
}

func (w *WAL) openSegment(start uint64) error {
	path := filepath.Join(w.config.Dir, fmt.Sprintf(walSegmentPattern, start))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriterSize(file, 256<<10)
	w.segStart = start
	w.written = 0
	return nil
}

// Append writes one record and returns its sequence number. The record
// is durable according to the configured sync mode by the time Append
// returns; under SyncImmediate that means it survived a crash.
func (w *WAL) Append(rt RecordType, payload []byte) (uint64, error) {
	if len(payload) > walMaxPayloadSize {
		return 0, fmt.Errorf("wal: payload %d bytes exceeds limit", len(payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrStoreClosed
	}

	seq := w.lastSeq + 1

	var header [walHeaderSize]byte
	header[4] = byte(rt)
	binary.BigEndian.PutUint64(header[5:13], seq)
	binary.BigEndian.PutUint32(header[13:17], uint32(len(payload)))

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(payload)
	binary.BigEndian.PutUint32(header[0:4], crc.Sum32())

	if _, err := w.writer.Write(header[:]); err != nil {
		return 0, fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return 0, fmt.Errorf("wal: write payload: %w", err)
	}

	w.lastSeq = seq
	w.written += int64(walHeaderSize + len(payload))
	w.appends.Add(1)

	switch w.config.SyncMode {
	case SyncImmediate:
		if err := w.flushAndSyncLocked(); err != nil {
			return 0, err
		}
	default:
		if err := w.writer.Flush(); err != nil {
			return 0, fmt.Errorf("wal: flush: %w", err)
		}
		w.dirty = true
	}

	if w.written >= w.config.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

func (w *WAL) flushAndSyncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	w.dirty = false
	w.syncs.Add(1)
	return nil
}

func (w *WAL) rotateLocked() error {
	if err := w.flushAndSyncLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close segment: %w", err)
	}
	w.rotations.Add(1)
	return w.openSegment(w.lastSeq + 1)
}

func (w *WAL) batchSyncLoop() {
	defer close(w.batchDone)
	ticker := time.NewTicker(w.config.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed && w.dirty {
				// A sync failure here surfaces on the next Append
				// or on Close; the timer itself has no caller.
				_ = w.flushAndSyncLocked()
			}
			w.mu.Unlock()
		case <-w.stopBatch:
			return
		}
	}
}

// Sync forces buffered records to physical media regardless of mode.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrStoreClosed
	}
	return w.flushAndSyncLocked()
}

// LastSequence returns the sequence of the most recent append.
func (w *WAL) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Metrics returns the log's counters.
func (w *WAL) Metrics() WALMetrics {
	return WALMetrics{
		Appends:   w.appends.Load(),
		Syncs:     w.syncs.Load(),
		Rotations: w.rotations.Load(),
	}
}

// Close flushes, fsyncs, and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.flushAndSyncLocked()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.mu.Unlock()

	if w.stopBatch != nil {
		close(w.stopBatch)
		<-w.batchDone
	}
	return err
}

type walSegment struct {
	path  string
	start uint64
}

func listSegments(dir string) ([]walSegment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: read directory: %w", err)
	}
	var segs []walSegment
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, walSegmentPrefix) || !strings.HasSuffix(name, walSegmentSuffix) {
			continue
		}
		numeric := strings.TrimSuffix(strings.TrimPrefix(name, walSegmentPrefix), walSegmentSuffix)
		start, err := strconv.ParseUint(numeric, 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, walSegment{path: filepath.Join(dir, name), start: start})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].start < segs[j].start })
	return segs, nil
}

// ReplayWAL reads every segment in dir in sequence order and invokes fn
// for each intact record with sequence greater than after. Records at
// or below after sit in segments a checkpoint already covers; they are
// skipped, not redelivered. The returned sequence is the highest intact
// sequence seen anywhere (at least after), which is where the next
// OpenWAL must continue.
//
// Corruption is not an error: the tail of the most recent segment is
// expected to be torn after a crash. Everything before the first bad
// record is trusted, everything at and after it is discarded.
func ReplayWAL(dir string, after uint64, fn func(rt RecordType, seq uint64, payload []byte) error) (uint64, bool, error) {
	segs, err := listSegments(dir)
	if err != nil {
		return after, false, err
	}

	var seen uint64
	for _, seg := range segs {
		corrupted, err := replaySegment(seg.path, after, &seen, fn)
		if err != nil {
			return max(after, seen), false, err
		}
		if corrupted {
			return max(after, seen), true, nil
		}
	}
	return max(after, seen), false, nil
}

// replaySegment streams one segment file, delivering records with
// sequence greater than after and advancing seen past every intact
// record. corrupted=true stops the whole replay, since anything after
// the damage is untrustworthy.
func replaySegment(path string, after uint64, seen *uint64, fn func(RecordType, uint64, []byte) error) (corrupted bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("wal: open segment: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 256<<10)
	var header [walHeaderSize]byte
	for {
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if err == io.EOF {
				return false, nil
			}
			// Partial header: torn tail.
			return true, nil
		}

		storedCRC := binary.BigEndian.Uint32(header[0:4])
		rt := RecordType(header[4])
		seq := binary.BigEndian.Uint64(header[5:13])
		payloadLen := binary.BigEndian.Uint32(header[13:17])
		if payloadLen > walMaxPayloadSize {
			return true, nil
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return true, nil
		}

		crc := crc32.NewIEEE()
		crc.Write(header[4:])
		crc.Write(payload)
		if crc.Sum32() != storedCRC {
			return true, nil
		}
		if seq <= *seen {
			// Sequences only move forward; a repeat or regression
			// means the file is stale or damaged.
			return true, nil
		}
		*seen = seq

		if seq <= after {
			continue
		}
		if err := fn(rt, seq, payload); err != nil {
			return false, err
		}
	}
}

// PruneSegments removes segment files whose records all have sequence
// numbers at or below upTo. A segment qualifies when the next segment
// starts at upTo+1 or earlier; the newest segment is always kept.
func PruneSegments(dir string, upTo uint64) (int, error) {
	segs, err := listSegments(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := 0; i+1 < len(segs); i++ {
		if segs[i+1].start > upTo+1 {
			break
		}
		if err := os.Remove(segs[i].path); err != nil {
			return removed, fmt.Errorf("wal: remove segment: %w", err)
		}
		removed++
	}
	return removed, nil
}
