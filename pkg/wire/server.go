package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/embed"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/learn"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/query"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
)

// Config holds server settings.
type Config struct {
	// Addr is the TCP listen address.
	Addr string
	// MaxConnections caps concurrent sessions. Connections past the cap
	// are closed before the handshake.
	MaxConnections int
	// ReadBufferSize and WriteBufferSize size each session's buffered IO.
	ReadBufferSize  int
	WriteBufferSize int

	Logger *zap.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":7171",
		MaxConnections:  64,
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
	}
}

// Backend bundles the surfaces requests dispatch onto.
type Backend struct {
	Learner *learn.Pipeline
	Engine  *query.Engine
	Store   *storage.Store
}

// Server accepts connections and serves the protocol, one goroutine per
// connection. Sessions are independent; a protocol violation costs one
// client its connection and nothing else.
type Server struct {
	config  *Config
	backend Backend
	logger  *zap.Logger

	mu       sync.RWMutex
	listener net.Listener
	sessions map[string]*session
	closed   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the backend and builds a Server. A nil config gets
// DefaultConfig.
func New(config *Config, backend Backend) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultConfig().MaxConnections
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultConfig().ReadBufferSize
	}
	if config.WriteBufferSize <= 0 {
		config.WriteBufferSize = DefaultConfig().WriteBufferSize
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if backend.Learner == nil {
		return nil, errors.New("wire: learner is required")
	}
	if backend.Engine == nil {
		return nil, errors.New("wire: query engine is required")
	}
	if backend.Store == nil {
		return nil, errors.New("wire: store is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		backend:  backend,
		logger:   config.Logger,
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// ListenAndServe binds the configured address and serves until Close.
// It returns nil when the server was closed.
func (s *Server) ListenAndServe() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("wire: listen %s: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("wire server listening", zap.String("addr", listener.Addr().String()))
	return s.serve(listener)
}

func (s *Server) serve(listener net.Listener) error {
	for {
		if s.closed.Load() {
			return nil
		}
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		if s.sessionCount() >= s.config.MaxConnections {
			s.logger.Warn("connection limit reached",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("limit", s.config.MaxConnections))
			conn.Close()
			continue
		}
		go s.handleConnection(conn)
	}
}

// Addr returns the bound listen address, or nil before ListenAndServe.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, cancels in-flight operations, and closes every
// live session. Safe to call more than once.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	return err
}

// IsClosed reports whether Close has run.
func (s *Server) IsClosed() bool {
	return s.closed.Load()
}

func (s *Server) sessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// handleConnection owns one client from handshake to close.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	// Small request-response frames; Nagle only adds latency here.
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection handler panicked",
				zap.Any("panic", r),
				zap.String("remote", conn.RemoteAddr().String()))
		}
	}()

	sess := &session{
		id:     uuid.NewString(),
		conn:   conn,
		reader: bufio.NewReaderSize(conn, s.config.ReadBufferSize),
		writer: bufio.NewWriterSize(conn, s.config.WriteBufferSize),
		server: s,
	}
	s.addSession(sess)
	defer s.removeSession(sess.id)

	if err := sess.handshake(); err != nil {
		s.logger.Debug("handshake rejected",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		return
	}

	for {
		if s.closed.Load() {
			return
		}
		payload, err := readFrame(sess.reader)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				sess.writeFailure(CodeProtocol, err.Error())
				s.logger.Debug("oversized frame",
					zap.String("session", sess.id), zap.Error(err))
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read failed",
					zap.String("session", sess.id), zap.Error(err))
			}
			return
		}
		if done := sess.serve(payload); done {
			return
		}
	}
}

// session is one negotiated connection.
type session struct {
	id      string
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	server  *Server
	version uint32
}

// handshake reads the magic and the four proposed versions, replies with
// the highest version this build supports, and replies 0 when there is
// none. A bad magic gets no reply at all.
func (sess *session) handshake() error {
	var hello [handshakeSize]byte
	if _, err := io.ReadFull(sess.reader, hello[:]); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	for i := range handshakeMagic {
		if hello[i] != handshakeMagic[i] {
			return fmt.Errorf("%w: bad magic %x", ErrProtocol, hello[:4])
		}
	}
	var selected uint32
	for i := 0; i < 4; i++ {
		proposed := binary.BigEndian.Uint32(hello[4+4*i:])
		if proposed == ProtocolVersion && proposed > selected {
			selected = proposed
		}
	}
	var reply [4]byte
	binary.BigEndian.PutUint32(reply[:], selected)
	if _, err := sess.writer.Write(reply[:]); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	if err := sess.writer.Flush(); err != nil {
		return fmt.Errorf("flush version: %w", err)
	}
	if selected == 0 {
		return ErrVersionMismatch
	}
	sess.version = selected
	return nil
}

// serve handles one request frame. It reports whether the connection must
// close: protocol violations answer with a typed failure first, everything
// else answers and keeps the session alive.
func (sess *session) serve(payload []byte) (done bool) {
	if len(payload) == 0 {
		sess.writeFailure(CodeProtocol, "empty request")
		return true
	}
	op, body := payload[0], payload[1:]
	respBody, err := sess.handle(op, body)
	if err != nil {
		code, msg := failureFor(err)
		if code == CodeInternal {
			sess.server.logger.Error("request failed",
				zap.String("session", sess.id),
				zap.Uint8("opcode", op),
				zap.Error(err))
		}
		if werr := sess.writeFailure(code, msg); werr != nil {
			return true
		}
		return code == CodeProtocol
	}
	if werr := sess.writeSuccess(respBody); werr != nil {
		sess.server.logger.Debug("write failed",
			zap.String("session", sess.id), zap.Error(werr))
		return true
	}
	return false
}

func (sess *session) handle(op byte, body []byte) ([]byte, error) {
	d := newDecoder(body)
	switch op {
	case OpLearnConcept:
		return sess.learnConcept(d)
	case OpLearnBatch:
		return sess.learnBatch(d)
	case OpFindPath:
		return sess.findPath(d)
	case OpFindPathSemantic:
		return sess.findPathSemantic(d)
	case OpFindTemporalChain:
		return sess.findTemporalChain(d)
	case OpFindCausalChain:
		return sess.findCausalChain(d)
	case OpFindContradictions:
		return sess.findContradictions(d)
	case OpQueryBySemantic:
		return sess.queryBySemantic(d)
	case OpStats:
		return sess.stats(d)
	default:
		return nil, fmt.Errorf("%w: unknown opcode 0x%02X", ErrProtocol, op)
	}
}

func (sess *session) learnConcept(d *decoder) ([]byte, error) {
	content := d.String()
	opts := decodeOptions(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	res, err := sess.server.backend.Learner.Learn(sess.server.ctx, content, opts)
	if err != nil {
		return nil, err
	}
	e := &encoder{}
	encodeLearnResult(e, res)
	return e.buf, nil
}

func (sess *session) learnBatch(d *decoder) ([]byte, error) {
	n := d.Count(4)
	contents := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		contents = append(contents, d.String())
	}
	opts := decodeOptions(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	results, err := sess.server.backend.Learner.LearnBatch(sess.server.ctx, contents, opts)
	if err != nil {
		return nil, err
	}
	e := &encoder{}
	e.U32(uint32(len(results)))
	for _, res := range results {
		encodeLearnResult(e, res)
	}
	return e.buf, nil
}

func (sess *session) findPath(d *decoder) ([]byte, error) {
	start := d.ID()
	end := d.ID()
	depth := d.U32()
	if err := d.finish(); err != nil {
		return nil, err
	}
	paths, err := sess.server.backend.Engine.FindPath(sess.server.ctx, start, end, int(depth))
	if err != nil {
		return nil, err
	}
	e := &encoder{}
	encodePaths(e, paths)
	return e.buf, nil
}

func (sess *session) findPathSemantic(d *decoder) ([]byte, error) {
	start := d.ID()
	end := d.ID()
	depth := d.U32()
	filter := decodeFilter(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	paths, err := sess.server.backend.Engine.FindPathSemantic(sess.server.ctx, start, end, int(depth), filter)
	if err != nil {
		return nil, err
	}
	e := &encoder{}
	encodePaths(e, paths)
	return e.buf, nil
}

func (sess *session) findTemporalChain(d *decoder) ([]byte, error) {
	start := d.ID()
	end := d.ID()
	depth := d.U32()
	after := d.Time()
	before := d.Time()
	if err := d.finish(); err != nil {
		return nil, err
	}
	paths, err := sess.server.backend.Engine.FindTemporalChain(sess.server.ctx, start, end, int(depth), after, before)
	if err != nil {
		return nil, err
	}
	e := &encoder{}
	encodePaths(e, paths)
	return e.buf, nil
}

func (sess *session) findCausalChain(d *decoder) ([]byte, error) {
	start := d.ID()
	end := d.ID()
	depth := d.U32()
	if err := d.finish(); err != nil {
		return nil, err
	}
	paths, err := sess.server.backend.Engine.FindCausalChain(sess.server.ctx, start, end, int(depth))
	if err != nil {
		return nil, err
	}
	e := &encoder{}
	encodePaths(e, paths)
	return e.buf, nil
}

func (sess *session) findContradictions(d *decoder) ([]byte, error) {
	id := d.ID()
	depth := d.U32()
	if err := d.finish(); err != nil {
		return nil, err
	}
	found, err := sess.server.backend.Engine.FindContradictions(sess.server.ctx, id, int(depth), 0)
	if err != nil {
		return nil, err
	}
	e := &encoder{}
	e.U32(uint32(len(found)))
	for _, c := range found {
		e.ID(c.A)
		e.ID(c.B)
		e.F64(c.Confidence)
	}
	return e.buf, nil
}

func (sess *session) queryBySemantic(d *decoder) ([]byte, error) {
	filter := decodeFilter(d)
	maxResults := d.U32()
	if err := d.finish(); err != nil {
		return nil, err
	}
	nodes, err := sess.server.backend.Engine.QueryBySemantic(sess.server.ctx, filter, int(maxResults))
	if err != nil {
		return nil, err
	}
	e := &encoder{}
	e.U32(uint32(len(nodes)))
	for _, n := range nodes {
		encodeNode(e, n)
	}
	return e.buf, nil
}

func (sess *session) stats(d *decoder) ([]byte, error) {
	if err := d.finish(); err != nil {
		return nil, err
	}
	snap := sess.server.backend.Store.Stats()
	e := &encoder{}
	encodeStats(e, snap)
	return e.buf, nil
}

func (sess *session) writeSuccess(body []byte) error {
	payload := make([]byte, 0, len(body)+1)
	payload = append(payload, StatusSuccess)
	payload = append(payload, body...)
	return writeFrame(sess.writer, payload)
}

func (sess *session) writeFailure(code uint16, message string) error {
	e := &encoder{buf: make([]byte, 0, len(message)+8)}
	e.U8(StatusFailure)
	e.U16(code)
	e.String(message)
	return writeFrame(sess.writer, e.buf)
}

// failureFor maps an operation error onto a wire failure code.
func failureFor(err error) (uint16, string) {
	var verr *concept.ValidationError
	var perr *embed.ProviderError
	switch {
	case errors.As(err, &verr):
		return CodeValidation, verr.Error()
	case errors.Is(err, storage.ErrInvalidID),
		errors.Is(err, storage.ErrInvalidData),
		errors.Is(err, storage.ErrInvalidAssociation):
		return CodeValidation, err.Error()
	case errors.Is(err, storage.ErrNotFound):
		return CodeNotFound, err.Error()
	case errors.Is(err, storage.ErrShardUnsupported):
		return CodeShardUnsupported, err.Error()
	case errors.Is(err, storage.ErrStoreClosed),
		errors.Is(err, storage.ErrWALCorrupted):
		return CodeStorage, err.Error()
	case errors.As(err, &perr):
		return CodeProvider, perr.Error()
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrFrameTooLarge):
		return CodeProtocol, err.Error()
	default:
		return CodeInternal, err.Error()
	}
}
