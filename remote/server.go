package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/wolfeidau/dedup-store/segment"
)

// Server exposes a store over TCP. Writes are guarded by a lease: the
// first mutating request from a connection takes it, and it is held
// until the connection closes or the lock is broken. Other
// connections' mutating requests are answered busy. Reads never need
// the lease.
type Server struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	leaseMu    sync.Mutex
	leaseOwner *serverConn

	wg sync.WaitGroup
}

// NewServer wraps a store for serving. A nil logger discards logs.
func NewServer(store Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		store:  store,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until the context is cancelled or
// Close is called. It always returns a non-nil error; after a clean
// shutdown the error is net.ErrClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.logger.Info("serving repository", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			s.wg.Wait()
			return net.ErrClosed
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("remote: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Addr returns the listening address, or empty before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the listener and tears down every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	if ln != nil {
		return ln.Close()
	}
	return nil
}

type serverConn struct {
	srv    *Server
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	bw      *bufio.Writer
	enc     *cbor.Encoder
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	c := &serverConn{
		srv:    s,
		conn:   conn,
		logger: s.logger.With("peer", conn.RemoteAddr().String()),
		bw:     bufio.NewWriter(conn),
	}
	c.enc = cbor.NewEncoder(c.bw)

	defer func() {
		s.dropConn(ctx, c)
		_ = conn.Close()
	}()

	c.logger.Debug("connection opened")

	dec := cbor.NewDecoder(bufio.NewReader(conn))
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("read failed", "error", err)
			}
			return
		}
		resp := c.handle(ctx, req)
		resp.Seq = req.Seq
		if err := c.send(resp); err != nil {
			c.logger.Warn("write failed", "error", err)
			return
		}
	}
}

func (c *serverConn) send(resp response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(resp); err != nil {
		return err
	}
	return c.bw.Flush()
}

// dropConn releases the lease and rolls back whatever the departed
// client left uncommitted.
func (s *Server) dropConn(ctx context.Context, c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c.conn)
	s.mu.Unlock()

	s.leaseMu.Lock()
	held := s.leaseOwner == c
	if held {
		s.leaseOwner = nil
	}
	s.leaseMu.Unlock()

	if held {
		if err := s.store.Rollback(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error("rollback after disconnect failed", "error", err)
		}
	}
	c.logger.Debug("connection closed")
}

// acquireLease takes the write lease for c, or reports busy.
func (s *Server) acquireLease(c *serverConn) bool {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if s.leaseOwner != nil && s.leaseOwner != c {
		return false
	}
	s.leaseOwner = c
	return true
}

func (s *Server) breakLease() {
	s.leaseMu.Lock()
	s.leaseOwner = nil
	s.leaseMu.Unlock()
}

func (c *serverConn) handle(ctx context.Context, req request) response {
	switch req.Op {
	case opOpen:
		return c.handleOpen(ctx, req)
	case opGet:
		return c.handleGet(ctx, req)
	case opPut:
		return c.handlePut(ctx, req)
	case opDelete:
		return c.handleDelete(ctx, req)
	case opCommit:
		return c.handleCommit(ctx, req)
	case opRollback:
		return c.handleRollback(ctx, req)
	case opList:
		return c.handleList(ctx)
	case opStats:
		return c.handleStats(ctx)
	case opReplay:
		return c.handleReplay(ctx, req)
	case opCheck:
		return c.handleCheck(ctx)
	case opBreakLock:
		return c.handleBreakLock(ctx)
	default:
		return response{Status: statusInvalid, Msg: fmt.Sprintf("unknown operation %d", req.Op)}
	}
}

func (c *serverConn) handleOpen(ctx context.Context, req request) response {
	if req.Version != protocolVersion {
		return response{
			Status: statusInvalid,
			Msg:    fmt.Sprintf("protocol version %d not supported, want %d", req.Version, protocolVersion),
		}
	}
	stats, err := c.srv.store.Stats(ctx)
	if err != nil {
		return errResponse(err)
	}
	return response{
		Status:    statusOK,
		Version:   protocolVersion,
		Txn:       stats.LastTxn,
		OldestTxn: stats.OldestTxn,
		Chunks:    uint32(stats.Chunks),
	}
}

func (c *serverConn) handleGet(ctx context.Context, req request) response {
	id, err := wireID(req.ID)
	if err != nil {
		return response{Status: statusInvalid, Msg: err.Error()}
	}
	payload, err := c.srv.store.Get(ctx, id)
	if err != nil {
		return errResponse(err)
	}
	return response{Status: statusOK, Payload: payload}
}

func (c *serverConn) handlePut(ctx context.Context, req request) response {
	id, err := wireID(req.ID)
	if err != nil {
		return response{Status: statusInvalid, Msg: err.Error()}
	}
	if len(req.Payload) > maxWirePayload {
		return response{Status: statusInvalid, Msg: "payload too large"}
	}
	if !c.srv.acquireLease(c) {
		return response{Status: statusBusy, Msg: "another client holds the write lease"}
	}
	if err := c.srv.store.Put(ctx, id, req.Size, req.Payload); err != nil {
		return errResponse(err)
	}
	return response{Status: statusOK}
}

func (c *serverConn) handleDelete(ctx context.Context, req request) response {
	id, err := wireID(req.ID)
	if err != nil {
		return response{Status: statusInvalid, Msg: err.Error()}
	}
	if !c.srv.acquireLease(c) {
		return response{Status: statusBusy, Msg: "another client holds the write lease"}
	}
	if err := c.srv.store.Delete(ctx, id); err != nil {
		return errResponse(err)
	}
	return response{Status: statusOK}
}

func (c *serverConn) handleCommit(ctx context.Context, req request) response {
	if !c.srv.acquireLease(c) {
		return response{Status: statusBusy, Msg: "another client holds the write lease"}
	}
	txn, err := c.srv.store.Commit(ctx)
	if err != nil {
		return errResponse(err)
	}
	c.logger.Debug("committed", "txn", txn)
	return response{Status: statusOK, Txn: txn}
}

func (c *serverConn) handleRollback(ctx context.Context, req request) response {
	if !c.srv.acquireLease(c) {
		return response{Status: statusBusy, Msg: "another client holds the write lease"}
	}
	if err := c.srv.store.Rollback(ctx); err != nil {
		return errResponse(err)
	}
	return response{Status: statusOK}
}

func (c *serverConn) handleList(ctx context.Context) response {
	ids, err := c.srv.store.List(ctx)
	if err != nil {
		return errResponse(err)
	}
	raw := make([][]byte, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, append([]byte(nil), id[:]...))
	}
	return response{Status: statusOK, IDs: raw}
}

func (c *serverConn) handleStats(ctx context.Context) response {
	stats, err := c.srv.store.Stats(ctx)
	if err != nil {
		return errResponse(err)
	}
	return response{
		Status:    statusOK,
		Txn:       stats.LastTxn,
		OldestTxn: stats.OldestTxn,
		Chunks:    uint32(stats.Chunks),
	}
}

func (c *serverConn) handleReplay(ctx context.Context, req request) response {
	var ops []segment.Op
	err := c.srv.store.Replay(ctx, req.Txn, func(op segment.Op) error {
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return errResponse(err)
	}
	return response{Status: statusOK, Ops: opsToWire(ops)}
}

func (c *serverConn) handleCheck(ctx context.Context) response {
	entries, err := c.srv.store.Check(ctx)
	if err != nil {
		return errResponse(err)
	}
	return response{Status: statusOK, Entries: uint32(entries)}
}

func (c *serverConn) handleBreakLock(ctx context.Context) response {
	c.srv.breakLease()
	if err := c.srv.store.BreakLock(ctx); err != nil && !errors.Is(err, segment.ErrNotFound) {
		return errResponse(err)
	}
	c.logger.Info("write lease broken")
	return response{Status: statusOK}
}

func errResponse(err error) response {
	switch {
	case errors.Is(err, segment.ErrNotFound):
		return response{Status: statusNotFound, Msg: err.Error()}
	case errors.Is(err, ErrBusy), errors.Is(err, segment.ErrLockTimeout):
		return response{Status: statusBusy, Msg: err.Error()}
	default:
		return response{Status: statusInternal, Msg: err.Error()}
	}
}
