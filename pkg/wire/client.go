package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/learn"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/query"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/semantic"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
)

// Client is a single negotiated connection. Calls are serialized: the
// protocol is strict request-response, so one in-flight request per
// connection. Open more clients for parallelism.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	version uint32
	closed  bool
}

// Dial connects and performs the handshake.
func Dial(addr string) (*Client, error) {
	return DialContext(context.Background(), addr)
}

// DialContext connects and performs the handshake, honoring the context's
// deadline for both.
func DialContext(ctx context.Context, addr string) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	c := &Client{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 8192),
		writer: bufio.NewWriterSize(conn, 8192),
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	var hello [handshakeSize]byte
	copy(hello[:4], handshakeMagic[:])
	binary.BigEndian.PutUint32(hello[4:], ProtocolVersion)
	if _, err := c.writer.Write(hello[:]); err != nil {
		return fmt.Errorf("wire: send handshake: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("wire: send handshake: %w", err)
	}
	var reply [4]byte
	if _, err := io.ReadFull(c.reader, reply[:]); err != nil {
		return fmt.Errorf("wire: read handshake reply: %w", err)
	}
	selected := binary.BigEndian.Uint32(reply[:])
	if selected == 0 {
		return ErrVersionMismatch
	}
	if selected != ProtocolVersion {
		return fmt.Errorf("%w: server selected %d", ErrVersionMismatch, selected)
	}
	c.version = selected
	return nil
}

// Version returns the negotiated protocol version.
func (c *Client) Version() uint32 {
	return c.version
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// roundTrip sends one request and decodes the response envelope. Failure
// responses come back as *Failure.
func (c *Client) roundTrip(ctx context.Context, op byte, body []byte) (*decoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	payload := make([]byte, 0, len(body)+1)
	payload = append(payload, op)
	payload = append(payload, body...)
	if err := writeFrame(c.writer, payload); err != nil {
		return nil, err
	}
	resp, err := readFrame(c.reader)
	if err != nil {
		return nil, err
	}
	d := newDecoder(resp)
	status := d.U8()
	if d.err != nil {
		return nil, d.err
	}
	switch status {
	case StatusSuccess:
		return d, nil
	case StatusFailure:
		code := d.U16()
		message := d.String()
		if err := d.finish(); err != nil {
			return nil, err
		}
		return nil, &Failure{Code: code, Message: message}
	default:
		return nil, fmt.Errorf("%w: unknown status 0x%02X", ErrProtocol, status)
	}
}

// Learn sends one piece of content and returns what the engine did with it.
func (c *Client) Learn(ctx context.Context, content string, opts learn.Options) (learn.Result, error) {
	e := &encoder{}
	e.String(content)
	encodeOptions(e, opts)
	d, err := c.roundTrip(ctx, OpLearnConcept, e.buf)
	if err != nil {
		return learn.Result{}, err
	}
	res := decodeLearnResult(d)
	if err := d.finish(); err != nil {
		return learn.Result{}, err
	}
	return res, nil
}

// LearnBatch sends many contents in one request. Results are positional.
// Options apply to every item; the vector option is ignored server-side.
func (c *Client) LearnBatch(ctx context.Context, contents []string, opts learn.Options) ([]learn.Result, error) {
	e := &encoder{}
	e.U32(uint32(len(contents)))
	for _, content := range contents {
		e.String(content)
	}
	encodeOptions(e, opts)
	d, err := c.roundTrip(ctx, OpLearnBatch, e.buf)
	if err != nil {
		return nil, err
	}
	n := d.Count(20)
	results := make([]learn.Result, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		results = append(results, decodeLearnResult(d))
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return results, nil
}

// FindPath returns directed paths from start to end within maxDepth edges,
// ranked by descending confidence.
func (c *Client) FindPath(ctx context.Context, start, end concept.ConceptID, maxDepth int) ([]query.Path, error) {
	e := &encoder{}
	e.ID(start)
	e.ID(end)
	e.U32(uint32(maxDepth))
	d, err := c.roundTrip(ctx, OpFindPath, e.buf)
	if err != nil {
		return nil, err
	}
	paths := decodePaths(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return paths, nil
}

// FindPathSemantic is FindPath with every node on the path, endpoints
// included, constrained by the filter.
func (c *Client) FindPathSemantic(ctx context.Context, start, end concept.ConceptID, maxDepth int, filter *semantic.Filter) ([]query.Path, error) {
	e := &encoder{}
	e.ID(start)
	e.ID(end)
	e.U32(uint32(maxDepth))
	encodeFilter(e, filter)
	d, err := c.roundTrip(ctx, OpFindPathSemantic, e.buf)
	if err != nil {
		return nil, err
	}
	paths := decodePaths(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return paths, nil
}

// FindTemporalChain restricts paths to concepts whose validity window
// overlaps [after, before]. Zero times leave that side open.
func (c *Client) FindTemporalChain(ctx context.Context, start, end concept.ConceptID, maxDepth int, after, before time.Time) ([]query.Path, error) {
	e := &encoder{}
	e.ID(start)
	e.ID(end)
	e.U32(uint32(maxDepth))
	e.Time(after)
	e.Time(before)
	d, err := c.roundTrip(ctx, OpFindTemporalChain, e.buf)
	if err != nil {
		return nil, err
	}
	paths := decodePaths(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return paths, nil
}

// FindCausalChain restricts paths to causal edges between causal concepts.
func (c *Client) FindCausalChain(ctx context.Context, start, end concept.ConceptID, maxDepth int) ([]query.Path, error) {
	e := &encoder{}
	e.ID(start)
	e.ID(end)
	e.U32(uint32(maxDepth))
	d, err := c.roundTrip(ctx, OpFindCausalChain, e.buf)
	if err != nil {
		return nil, err
	}
	paths := decodePaths(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return paths, nil
}

// FindContradictions returns opposing concept pairs in the neighborhood of
// id. No negating neighbors means an empty result, not an error.
func (c *Client) FindContradictions(ctx context.Context, id concept.ConceptID, maxDepth int) ([]query.Contradiction, error) {
	e := &encoder{}
	e.ID(id)
	e.U32(uint32(maxDepth))
	d, err := c.roundTrip(ctx, OpFindContradictions, e.buf)
	if err != nil {
		return nil, err
	}
	n := d.Count(40)
	found := make([]query.Contradiction, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		var contra query.Contradiction
		contra.A = d.ID()
		contra.B = d.ID()
		contra.Confidence = d.F64()
		found = append(found, contra)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return found, nil
}

// QueryBySemantic returns concepts matching the filter, up to maxResults.
func (c *Client) QueryBySemantic(ctx context.Context, filter *semantic.Filter, maxResults int) ([]*concept.ConceptNode, error) {
	e := &encoder{}
	encodeFilter(e, filter)
	e.U32(uint32(maxResults))
	d, err := c.roundTrip(ctx, OpQueryBySemantic, e.buf)
	if err != nil {
		return nil, err
	}
	n := d.Count(16)
	nodes := make([]*concept.ConceptNode, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		nodes = append(nodes, decodeNode(d))
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Stats returns the server's stats snapshot.
func (c *Client) Stats(ctx context.Context) (storage.StatsSnapshot, error) {
	d, err := c.roundTrip(ctx, OpStats, nil)
	if err != nil {
		return storage.StatsSnapshot{}, err
	}
	snap := decodeStats(d)
	if err := d.finish(); err != nil {
		return storage.StatsSnapshot{}, err
	}
	return snap, nil
}
