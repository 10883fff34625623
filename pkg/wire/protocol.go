// Package wire implements the engine's binary TCP protocol: the handshake,
// the length-prefixed framing, the request and response codecs, a
// goroutine-per-connection server, and the client the CLI and tests use.
//
// Protocol Flow:
//
//	client: magic "SUTR" + four uint32 proposed versions
//	server: highest supported version, or 0 followed by close
//	then:   frames of uint32 length + payload, both directions
//
// A request payload is one opcode byte followed by the operation body. A
// response payload is one status byte, StatusSuccess or StatusFailure,
// followed by the result body or by a failure code and message. Unknown
// opcodes and malformed bodies get a typed protocol failure and cost the
// client its connection, never the server its process.
//
// All integers are big-endian. Strings and byte slices carry a uint32
// length prefix. ConceptIDs are 16 raw bytes. Floats are IEEE-754 bits,
// float32 in a uint32 and float64 in a uint64. Times are int64 Unix
// nanoseconds with zero meaning unset. Bools are one byte. Lists carry a
// uint32 element count.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/learn"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/query"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/semantic"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
)

// ProtocolVersion is the only version this build speaks.
const ProtocolVersion uint32 = 1

// MaxFrame bounds a single frame payload. Frames announcing more are
// rejected before any body byte is read.
const MaxFrame = 16 << 20

// handshakeMagic opens every connection: 0x53 0x55 0x54 0x52, "SUTR".
var handshakeMagic = [4]byte{'S', 'U', 'T', 'R'}

// handshakeSize is magic plus four proposed versions.
const handshakeSize = 4 + 4*4

// Request opcodes.
const (
	OpLearnConcept       byte = 0x01
	OpLearnBatch         byte = 0x02
	OpFindPath           byte = 0x10
	OpFindPathSemantic   byte = 0x11
	OpFindTemporalChain  byte = 0x12
	OpFindCausalChain    byte = 0x13
	OpFindContradictions byte = 0x14
	OpQueryBySemantic    byte = 0x20
	OpStats              byte = 0x30
)

// Response status bytes.
const (
	StatusSuccess byte = 0x70
	StatusFailure byte = 0x7F
)

// Failure codes carried in failure responses.
const (
	CodeValidation       uint16 = 1
	CodeNotFound         uint16 = 2
	CodeStorage          uint16 = 3
	CodeProvider         uint16 = 4
	CodeProtocol         uint16 = 5
	CodeShardUnsupported uint16 = 6
	CodeInternal         uint16 = 7
)

// Common errors
var (
	ErrProtocol        = errors.New("wire: protocol violation")
	ErrVersionMismatch = errors.New("wire: no common protocol version")
	ErrFrameTooLarge   = errors.New("wire: frame exceeds maximum size")
	ErrServerClosed    = errors.New("wire: server closed")
	ErrClientClosed    = errors.New("wire: client closed")
)

// Failure is a decoded failure response. The server maps its error taxonomy
// onto Code; clients branch on it with errors.As.
type Failure struct {
	Code    uint16
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("wire: %s failure: %s", codeName(f.Code), f.Message)
}

func codeName(code uint16) string {
	switch code {
	case CodeValidation:
		return "validation"
	case CodeNotFound:
		return "not found"
	case CodeStorage:
		return "storage"
	case CodeProvider:
		return "provider"
	case CodeProtocol:
		return "protocol"
	case CodeShardUnsupported:
		return "shard unsupported"
	case CodeInternal:
		return "internal"
	default:
		return fmt.Sprintf("code %d", code)
	}
}

// writeFrame sends one length-prefixed payload and flushes.
func writeFrame(w *bufio.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// readFrame reads one length-prefixed payload. Oversized announcements fail
// before the body is read so a hostile peer cannot make the server allocate.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes announced", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// encoder appends big-endian scalars to a growing payload.
type encoder struct {
	buf []byte
}

func (e *encoder) U8(v byte) {
	e.buf = append(e.buf, v)
}

func (e *encoder) U16(v uint16) {
	e.buf = append(e.buf, byte(v>>8), byte(v))
}

func (e *encoder) U32(v uint32) {
	e.buf = append(e.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (e *encoder) U64(v uint64) {
	e.buf = append(e.buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (e *encoder) F32(v float32) {
	e.U32(math.Float32bits(v))
}

func (e *encoder) F64(v float64) {
	e.U64(math.Float64bits(v))
}

func (e *encoder) Bool(v bool) {
	if v {
		e.U8(1)
		return
	}
	e.U8(0)
}

func (e *encoder) Bytes(b []byte) {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) String(s string) {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) ID(id concept.ConceptID) {
	e.buf = append(e.buf, id[:]...)
}

// Time encodes t as Unix nanoseconds, zero time as 0.
func (e *encoder) Time(t time.Time) {
	if t.IsZero() {
		e.U64(0)
		return
	}
	e.U64(uint64(t.UnixNano()))
}

// decoder consumes a payload with a sticky first error, so handlers decode
// a whole body and check once. Every failure wraps ErrProtocol.
type decoder struct {
	buf []byte
	off int
	err error
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) fail(reason string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s at offset %d", ErrProtocol, reason, d.off)
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.fail("truncated payload")
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) U8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) U16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) F32() float32 {
	return math.Float32frombits(d.U32())
}

func (d *decoder) F64() float64 {
	return math.Float64frombits(d.U64())
}

func (d *decoder) Bool() bool {
	return d.U8() != 0
}

func (d *decoder) Bytes() []byte {
	n := d.U32()
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) String() string {
	n := d.U32()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *decoder) ID() concept.ConceptID {
	var id concept.ConceptID
	b := d.take(len(id))
	if b != nil {
		copy(id[:], b)
	}
	return id
}

func (d *decoder) Time() time.Time {
	nanos := int64(d.U64())
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// Count reads a list length and rejects counts that could not fit in the
// remaining bytes at minSize bytes per element, so a forged count cannot
// drive a huge allocation.
func (d *decoder) Count(minSize int) int {
	n := int(d.U32())
	if d.err != nil {
		return 0
	}
	if minSize > 0 && n*minSize > len(d.buf)-d.off {
		d.fail("list count exceeds payload")
		return 0
	}
	return n
}

// finish rejects trailing bytes and returns the first decode error.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		d.fail(fmt.Sprintf("%d trailing bytes", len(d.buf)-d.off))
	}
	return d.err
}

// Composite codecs. Field order on the wire matches field order here; both
// sides are generated from these functions and nothing else.

func encodeOptions(e *encoder, opts learn.Options) {
	e.U32(uint32(len(opts.Vector)))
	for _, v := range opts.Vector {
		e.F32(v)
	}
	e.F64(opts.Strength)
	e.F64(opts.Confidence)
}

func decodeOptions(d *decoder) learn.Options {
	var opts learn.Options
	n := d.Count(4)
	if n > 0 {
		opts.Vector = make([]float32, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			opts.Vector = append(opts.Vector, d.F32())
		}
	}
	opts.Strength = d.F64()
	opts.Confidence = d.F64()
	return opts
}

func encodeFilter(e *encoder, f *semantic.Filter) {
	if f == nil {
		f = &semantic.Filter{}
	}
	e.U32(uint32(len(f.Types)))
	for _, t := range f.Types {
		e.U8(byte(t))
	}
	e.U32(uint32(len(f.Domains)))
	for _, dom := range f.Domains {
		e.String(dom)
	}
	e.F64(f.MinConfidence)
	e.Bool(f.CausalOnly)
	e.U32(uint32(len(f.Terms)))
	for _, term := range f.Terms {
		e.String(term)
	}
	e.Time(f.After)
	e.Time(f.Before)
}

// decodeFilter returns nil for a filter that constrains nothing, so the
// engine's nil-means-unfiltered convention survives the round trip.
func decodeFilter(d *decoder) *semantic.Filter {
	var f semantic.Filter
	nTypes := d.Count(1)
	if nTypes > 0 {
		f.Types = make([]concept.SemanticType, 0, nTypes)
		for i := 0; i < nTypes && d.err == nil; i++ {
			f.Types = append(f.Types, concept.SemanticType(d.U8()))
		}
	}
	nDomains := d.Count(4)
	if nDomains > 0 {
		f.Domains = make([]string, 0, nDomains)
		for i := 0; i < nDomains && d.err == nil; i++ {
			f.Domains = append(f.Domains, d.String())
		}
	}
	f.MinConfidence = d.F64()
	f.CausalOnly = d.Bool()
	nTerms := d.Count(4)
	if nTerms > 0 {
		f.Terms = make([]string, 0, nTerms)
		for i := 0; i < nTerms && d.err == nil; i++ {
			f.Terms = append(f.Terms, d.String())
		}
	}
	f.After = d.Time()
	f.Before = d.Time()
	if d.err != nil || f.Empty() {
		return nil
	}
	return &f
}

func encodeMeta(e *encoder, m concept.SemanticMetadata) {
	e.U8(byte(m.Type))
	e.U32(uint32(len(m.Domains)))
	for _, dom := range m.Domains {
		e.String(dom)
	}
	e.Time(m.ValidFrom)
	e.Time(m.ValidUntil)
	e.F64(m.Confidence)
}

func decodeMeta(d *decoder) concept.SemanticMetadata {
	var m concept.SemanticMetadata
	m.Type = concept.SemanticType(d.U8())
	n := d.Count(4)
	if n > 0 {
		m.Domains = make([]string, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			m.Domains = append(m.Domains, d.String())
		}
	}
	m.ValidFrom = d.Time()
	m.ValidUntil = d.Time()
	m.Confidence = d.F64()
	return m
}

// encodeNode writes the reasoning-relevant fields of a node. Embeddings
// stay server-side; they are provider plumbing, not query results.
func encodeNode(e *encoder, n *concept.ConceptNode) {
	e.ID(n.ID)
	e.String(n.Content)
	e.F64(n.Strength)
	e.F64(n.Confidence)
	e.Time(n.Created)
	e.Time(n.LastUsed)
	e.U64(uint64(n.UseCount))
	encodeMeta(e, n.Meta)
}

func decodeNode(d *decoder) *concept.ConceptNode {
	n := &concept.ConceptNode{}
	n.ID = d.ID()
	n.Content = d.String()
	n.Strength = d.F64()
	n.Confidence = d.F64()
	n.Created = d.Time()
	n.LastUsed = d.Time()
	n.UseCount = int64(d.U64())
	n.Meta = decodeMeta(d)
	return n
}

func encodeAssoc(e *encoder, a *concept.Association) {
	e.ID(a.Source)
	e.ID(a.Target)
	e.U8(byte(a.Type))
	e.F64(a.Weight)
	e.F64(a.Confidence)
	e.Time(a.Created)
	e.Time(a.LastUsed)
}

func decodeAssoc(d *decoder) *concept.Association {
	a := &concept.Association{}
	a.Source = d.ID()
	a.Target = d.ID()
	a.Type = concept.AssociationType(d.U8())
	a.Weight = d.F64()
	a.Confidence = d.F64()
	a.Created = d.Time()
	a.LastUsed = d.Time()
	return a
}

func encodePath(e *encoder, p query.Path) {
	e.ID(p.Start)
	e.F64(p.Confidence)
	e.U32(uint32(len(p.Steps)))
	for _, step := range p.Steps {
		encodeAssoc(e, step.Assoc)
		encodeNode(e, step.Node)
	}
}

func decodePath(d *decoder) query.Path {
	var p query.Path
	p.Start = d.ID()
	p.Confidence = d.F64()
	n := d.Count(16)
	if n > 0 {
		p.Steps = make([]query.Step, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			assoc := decodeAssoc(d)
			node := decodeNode(d)
			p.Steps = append(p.Steps, query.Step{Assoc: assoc, Node: node})
		}
	}
	return p
}

func encodePaths(e *encoder, paths []query.Path) {
	e.U32(uint32(len(paths)))
	for _, p := range paths {
		encodePath(e, p)
	}
}

func decodePaths(d *decoder) []query.Path {
	n := d.Count(16)
	if n == 0 {
		return nil
	}
	paths := make([]query.Path, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		paths = append(paths, decodePath(d))
	}
	return paths
}

func encodeLearnResult(e *encoder, res learn.Result) {
	e.ID(res.ID)
	e.Bool(res.New)
	e.Bool(res.Embedded)
	e.U32(uint32(res.Associations))
}

func decodeLearnResult(d *decoder) learn.Result {
	var res learn.Result
	res.ID = d.ID()
	res.New = d.Bool()
	res.Embedded = d.Bool()
	res.Associations = int(d.U32())
	return res
}

// encodeStats writes the full stats snapshot. Map keys are sorted so two
// encodings of one snapshot are byte-identical.
func encodeStats(e *encoder, snap storage.StatsSnapshot) {
	e.U64(uint64(snap.Concepts))
	e.U64(uint64(snap.Associations))
	keys := make([]string, 0, len(snap.ByType))
	for k := range snap.ByType {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.U32(uint32(len(keys)))
	for _, k := range keys {
		e.String(k)
		e.U64(uint64(snap.ByType[k]))
	}
	e.U32(uint32(len(snap.Shards)))
	for _, sh := range snap.Shards {
		e.U32(uint32(sh.ID))
		e.U64(uint64(sh.Concepts))
		e.U64(uint64(sh.Associations))
		e.U64(uint64(sh.IndexedVectors))
		e.U64(sh.Tombstones)
		e.U64(sh.LastSequence)
		e.U64(sh.CheckpointSeq)
		e.U64(sh.WAL.Appends)
		e.U64(sh.WAL.Syncs)
		e.U64(sh.WAL.Rotations)
	}
	e.U64(snap.Counters.Learns)
	e.U64(snap.Counters.Gets)
	e.U64(snap.Counters.Links)
	e.U64(snap.Counters.Strengthens)
	e.U64(snap.Counters.Touches)
	e.U64(snap.Counters.Queries)
	e.U64(snap.Counters.Prunes)
	e.U64(snap.Counters.Checkpoints)
	e.Time(snap.StartedAt)
	e.U64(uint64(snap.Uptime))
	e.Bool(snap.Recovered)
}

func decodeStats(d *decoder) storage.StatsSnapshot {
	var snap storage.StatsSnapshot
	snap.Concepts = int(d.U64())
	snap.Associations = int(d.U64())
	nTypes := d.Count(4)
	if nTypes > 0 {
		snap.ByType = make(map[string]int, nTypes)
		for i := 0; i < nTypes && d.err == nil; i++ {
			k := d.String()
			snap.ByType[k] = int(d.U64())
		}
	}
	nShards := d.Count(4)
	if nShards > 0 {
		snap.Shards = make([]storage.ShardStats, 0, nShards)
		for i := 0; i < nShards && d.err == nil; i++ {
			var sh storage.ShardStats
			sh.ID = int(d.U32())
			sh.Concepts = int(d.U64())
			sh.Associations = int(d.U64())
			sh.IndexedVectors = int(d.U64())
			sh.Tombstones = d.U64()
			sh.LastSequence = d.U64()
			sh.CheckpointSeq = d.U64()
			sh.WAL.Appends = d.U64()
			sh.WAL.Syncs = d.U64()
			sh.WAL.Rotations = d.U64()
			snap.Shards = append(snap.Shards, sh)
		}
	}
	snap.Counters.Learns = d.U64()
	snap.Counters.Gets = d.U64()
	snap.Counters.Links = d.U64()
	snap.Counters.Strengthens = d.U64()
	snap.Counters.Touches = d.U64()
	snap.Counters.Queries = d.U64()
	snap.Counters.Prunes = d.U64()
	snap.Counters.Checkpoints = d.U64()
	snap.StartedAt = d.Time()
	snap.Uptime = time.Duration(d.U64())
	snap.Recovered = d.Bool()
	return snap
}
