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
	"time"

	"github.com/fxamacker/cbor/v2"

	dedupstore "github.com/wolfeidau/dedup-store"
	"github.com/wolfeidau/dedup-store/segment"
)

// ClientOption adjusts client behaviour.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// Client is a pipelined TCP store client. Requests may be issued from
// many goroutines; responses are matched back by sequence number, so
// slow operations do not stall the connection.
//
// Commit is the one operation with confirmation semantics: if the
// connection drops mid-commit, the client reconnects and compares the
// server's transaction id against the one it expected, so a commit
// that landed is never reported as failed and never reissued.
type Client struct {
	addr        string
	logger      *slog.Logger
	dialTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	enc     *cbor.Encoder
	bw      *bufio.Writer
	seq     uint64
	pending map[uint64]chan response
	readErr error
	closed  bool

	// lastTxn is the transaction id most recently observed from the
	// server, used to confirm interrupted commits.
	lastTxn uint64
}

// Dial connects to a repository server at addr and performs the open
// handshake.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		addr:        addr,
		logger:      slog.New(slog.DiscardHandler),
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect dials and runs the version handshake. Caller must not hold
// c.mu.
func (c *Client) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.bw = bufio.NewWriter(conn)
	c.enc = cbor.NewEncoder(c.bw)
	c.pending = make(map[uint64]chan response)
	c.readErr = nil
	c.mu.Unlock()

	go c.readLoop(conn)

	resp, err := c.call(ctx, request{Op: opOpen, Version: protocolVersion})
	if err != nil {
		_ = conn.Close()
		return err
	}
	c.mu.Lock()
	c.lastTxn = resp.Txn
	c.mu.Unlock()
	c.logger.Debug("connected", "addr", c.addr, "txn", resp.Txn)
	return nil
}

// readLoop decodes responses and hands each to its waiting caller.
func (c *Client) readLoop(conn net.Conn) {
	dec := cbor.NewDecoder(bufio.NewReader(conn))
	for {
		var resp response
		if err := dec.Decode(&resp); err != nil {
			c.failPending(conn, err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.Seq]
		delete(c.pending, resp.Seq)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("response for unknown sequence", "seq", resp.Seq)
			continue
		}
		ch <- resp
	}
}

// failPending wakes every in-flight call with the read error. Only
// acts if conn is still the current connection, so a stale read loop
// cannot poison a reconnected client.
func (c *Client) failPending(conn net.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = io.ErrUnexpectedEOF
	}
	c.readErr = err
	for seq, ch := range c.pending {
		delete(c.pending, seq)
		close(ch)
	}
}

// call sends one request and waits for its response. A closed reply
// channel or send failure becomes a TransportError.
func (c *Client) call(ctx context.Context, req request) (response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return response{}, net.ErrClosed
	}
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return response{}, &TransportError{Op: req.Op.String(), Err: err}
	}
	c.seq++
	req.Seq = c.seq
	ch := make(chan response, 1)
	c.pending[req.Seq] = ch
	err := c.enc.Encode(req)
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil {
		delete(c.pending, req.Seq)
		c.mu.Unlock()
		return response{}, &TransportError{Op: req.Op.String(), Err: err}
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return response{}, &TransportError{Op: req.Op.String(), Err: io.ErrUnexpectedEOF}
		}
		return resp, statusError(resp)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.Seq)
		c.mu.Unlock()
		return response{}, ctx.Err()
	}
}

func statusError(resp response) error {
	switch resp.Status {
	case statusOK:
		return nil
	case statusNotFound:
		return fmt.Errorf("%w: %s", segment.ErrNotFound, resp.Msg)
	case statusBusy:
		return fmt.Errorf("%w: %s", ErrBusy, resp.Msg)
	default:
		return fmt.Errorf("remote: server error: %s", resp.Msg)
	}
}

func (c *Client) Get(ctx context.Context, id dedupstore.ID) ([]byte, error) {
	resp, err := c.call(ctx, request{Op: opGet, ID: id[:]})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (c *Client) Put(ctx context.Context, id dedupstore.ID, size uint32, payload []byte) error {
	_, err := c.call(ctx, request{Op: opPut, ID: id[:], Size: size, Payload: payload})
	return err
}

func (c *Client) Delete(ctx context.Context, id dedupstore.ID) error {
	_, err := c.call(ctx, request{Op: opDelete, ID: id[:]})
	return err
}

// Commit asks the server to commit. If the connection fails before a
// response arrives the commit may still have landed, so the client
// reconnects and inspects the server's transaction id before
// deciding.
func (c *Client) Commit(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	expect := c.lastTxn + 1
	c.mu.Unlock()

	resp, err := c.call(ctx, request{Op: opCommit})
	if err == nil {
		c.mu.Lock()
		c.lastTxn = resp.Txn
		c.mu.Unlock()
		return resp.Txn, nil
	}

	var te *TransportError
	if !errors.As(err, &te) {
		return 0, err
	}
	return c.confirmCommit(ctx, expect, err)
}

// confirmCommit reconnects and checks whether the interrupted commit
// became durable. Anything the client had staged but not committed
// was rolled back by the server on disconnect, so an unconfirmed
// commit means the whole transaction must be replayed.
func (c *Client) confirmCommit(ctx context.Context, expect uint64, cause error) (uint64, error) {
	c.logger.Warn("commit interrupted, confirming against server state", "expect", expect)

	c.mu.Lock()
	if old := c.conn; old != nil {
		_ = old.Close()
	}
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return 0, fmt.Errorf("remote: confirming commit: %w", errors.Join(cause, err))
	}

	c.mu.Lock()
	current := c.lastTxn
	c.mu.Unlock()

	if current == expect {
		c.logger.Info("interrupted commit confirmed durable", "txn", current)
		return current, nil
	}
	return 0, &TransportError{Op: "commit", Err: cause}
}

func (c *Client) Rollback(ctx context.Context) error {
	_, err := c.call(ctx, request{Op: opRollback})
	return err
}

func (c *Client) List(ctx context.Context) ([]dedupstore.ID, error) {
	resp, err := c.call(ctx, request{Op: opList})
	if err != nil {
		return nil, err
	}
	ids := make([]dedupstore.ID, 0, len(resp.IDs))
	for _, raw := range resp.IDs {
		id, err := wireID(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	resp, err := c.call(ctx, request{Op: opStats})
	if err != nil {
		return Stats{}, err
	}
	c.mu.Lock()
	c.lastTxn = resp.Txn
	c.mu.Unlock()
	return Stats{
		LastTxn:   resp.Txn,
		OldestTxn: resp.OldestTxn,
		Chunks:    int(resp.Chunks),
	}, nil
}

func (c *Client) Replay(ctx context.Context, sinceTxn uint64, fn func(segment.Op) error) error {
	resp, err := c.call(ctx, request{Op: opReplay, Txn: sinceTxn})
	if err != nil {
		return err
	}
	for _, w := range resp.Ops {
		op, err := w.toOp()
		if err != nil {
			return err
		}
		if err := fn(op); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Check(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, request{Op: opCheck})
	if err != nil {
		return 0, err
	}
	return int(resp.Entries), nil
}

func (c *Client) BreakLock(ctx context.Context) error {
	_, err := c.call(ctx, request{Op: opBreakLock})
	return err
}

var _ Store = (*Client)(nil)

// Close tears down the connection. In-flight calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
