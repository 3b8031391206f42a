// Package peersync serves a replica's identifier index to its peers over a
// length-prefixed protobuf socket protocol, and pulls what a peer has that
// the local store lacks.
package peersync

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"provlog/internal/logparse"
	"provlog/internal/rangeset"
	"provlog/internal/storage"
)

const DefaultMaxRecords = 10_000

// Engine is the index side of a replica.
type Engine interface {
	Health(context.Context) (bool, string)
	Index() *rangeset.RangeSet
	Missing(peer *rangeset.RangeSet) *rangeset.RangeSet
}

// RecordReader reads stored rows by id range.
type RecordReader interface {
	GetRecords(ctx context.Context, from, to uint64) ([]storage.StoredRecord, error)
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit, Workers      int
	// MaxRecords caps the lines returned by one GetRecords response.
	MaxRecords int
	TLSConfig  *tls.Config
}

func (c *Config) withDefaults() {
	if c.MaxInflight <= 0 {
		c.MaxInflight = 16
	}
	if c.GlobalQueueLimit <= 0 {
		c.GlobalQueueLimit = 256
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	if c.Network == "" {
		c.Network = "tcp"
	}
}

type Server struct {
	cfg     Config
	engine  Engine
	records RecordReader
	log     *zap.Logger

	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	work    chan queuedRequest
	closed  atomic.Bool

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	connWG  sync.WaitGroup
	workers sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *Request
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *Response
	inflight chan struct{}
}

// NewServer builds a server over engine. records may be nil, in which case
// GetRecords answers with an internal error.
func NewServer(cfg Config, engine Engine, records RecordReader, log *zap.Logger) *Server {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		records: records,
		log:     log.With(zap.String("component", "peersync")),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		work:    make(chan queuedRequest, cfg.GlobalQueueLimit),
		conns:   map[net.Conn]struct{}{},
	}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx ends or Close is called.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.Info("peer sync listening", zap.String("address", ln.Addr().String()))

	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.runWorker()
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

// Close stops accepting, drops open connections and waits for queued
// requests to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.connWG.Wait()
	close(s.work)
	s.workers.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		_ = raw.Close()
		return
	}
	s.conns[raw] = struct{}{}
	conn := &connection{c: raw, writerQ: make(chan *Response, 64), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.connWG.Add(2)
	go func() { defer s.connWG.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.connWG.Done()
		defer s.forget(raw)
		defer close(conn.writerQ)
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) forget(raw net.Conn) {
	_ = raw.Close()
	s.mu.Lock()
	delete(s.conns, raw)
	s.mu.Unlock()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			s.log.Warn("marshal response", zap.String("request_id", res.RequestId), zap.Error(err))
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	// Queued requests still hold the connection; wait for them before the
	// writer queue is closed.
	var pending sync.WaitGroup
	defer pending.Wait()
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &Response{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, badReq(req, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, overloaded(req, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, overloaded(req, "server queue overloaded"))
			continue
		}

		// The global token bounds the work channel, so this send never blocks.
		pending.Add(1)
		s.work <- queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight(); pending.Done() }}
	}
}

func (s *Server) runWorker() {
	defer s.workers.Done()
	for req := range s.work {
		res := s.handleRequest(req.ctx, req.req)
		s.send(req.conn, res)
		req.release()
	}
}

func (s *Server) send(conn *connection, res *Response) {
	select {
	case conn.writerQ <- res:
	default:
		s.log.Warn("response dropped, client not reading", zap.String("request_id", res.RequestId))
	}
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	res := &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		idle, state := s.engine.Health(ctx)
		res.Health = &HealthResponse{Idle: idle, State: state}
	case OperationGetIndex:
		idx := s.engine.Index().Clone()
		res.Index = &IndexResponse{Text: idx.String(), Cardinality: idx.Cardinality()}
	case OperationGetMissing:
		peer, err := rangeset.Parse(req.Missing.PeerIndex)
		if err != nil {
			return badReq(req, err.Error())
		}
		missing := s.engine.Missing(peer)
		res.Index = &IndexResponse{Text: missing.String(), Cardinality: missing.Cardinality()}
	case OperationGetRecords:
		return s.handleRecords(ctx, req, res)
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func (s *Server) handleRecords(ctx context.Context, req *Request, res *Response) *Response {
	if s.records == nil {
		return internal(req, "record reads are not served by this node")
	}
	limit := uint64(s.cfg.MaxRecords)
	if l := uint64(req.Records.Limit); l > 0 && l < limit {
		limit = l
	}
	q := req.Records
	end, truncated := boundRange(s.engine.Index().Clone(), q.From, q.To, limit)
	rows, err := s.records.GetRecords(ctx, q.From, end)
	if err != nil {
		s.log.Error("read records for peer", zap.Uint64("from", q.From), zap.Uint64("to", end), zap.Error(err))
		return internal(req, err.Error())
	}
	out := &RecordsResponse{Lines: make([]string, 0, len(rows)), Truncated: truncated}
	for _, r := range rows {
		out.Lines = append(out.Lines, logparse.FormatReplicated(r.ID, r.Row))
	}
	if truncated {
		out.Next = end + 1
	}
	res.Records = out
	return res
}

// boundRange returns the largest end <= to such that idx holds at most limit
// identifiers in [from, end]. truncated reports whether end stops short of to.
func boundRange(idx *rangeset.RangeSet, from, to, limit uint64) (end uint64, truncated bool) {
	var n uint64
	it := idx.Ranges()
	for {
		first, last, ok := it.Next()
		if !ok || first > to {
			return to, false
		}
		if last < from {
			continue
		}
		lo, hi := max(first, from), min(last, to)
		if width := hi - lo + 1; n+width >= limit {
			end = lo + (limit - n) - 1
			return end, end < to
		}
		n += hi - lo + 1
	}
}

func badReq(req *Request, msg string) *Response {
	return &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func overloaded(req *Request, msg string) *Response {
	return &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: msg}
}

func internal(req *Request, msg string) *Response {
	return &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeInternal), ErrorMessage: msg}
}
