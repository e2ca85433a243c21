// Package conn implements one multiplexed connection to a script worker.
//
// A connection owns its socket: a single reader goroutine dispatches inbound
// frames to pending requests by request id, and outbound writes are
// serialized under a mutex so frames are never interleaved mid-bytes.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sadewadee/jsidecar/internal/protocol"
)

// ErrClosed is returned for requests submitted on, or outstanding when, a
// connection that has been closed or has failed its transport.
var ErrClosed = errors.New("connection closed")

// drainWindow is how long a cancelled request's id stays reserved so that
// late frames from the worker are absorbed instead of hitting a reused id.
const drainWindow = 5 * time.Second

// LogSink receives LOG frames for one request, in emission order.
type LogSink func(*protocol.LogPayload)

type pending struct {
	ch        chan *protocol.Frame
	sink      LogSink
	abandoned bool
}

// Conn multiplexes many in-flight requests over one stream socket.
type Conn struct {
	id     string
	logger *slog.Logger

	nc net.Conn
	br *bufio.Reader

	writeMu sync.Mutex

	nextMsgID atomic.Uint32

	mu        sync.Mutex
	nextReqID uint32
	pending   map[uint32]*pending
	closed    bool
	closeErr  error
	done      chan struct{}
}

// Dial connects to the rendezvous socket at the given path.
func Dial(path string, logger *slog.Logger) (*Conn, error) {
	nc, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", path, err)
	}
	return New(nc, logger), nil
}

// New wraps an established transport and starts the reader.
func New(nc net.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Conn{
		id:      uuid.NewString(),
		nc:      nc,
		br:      bufio.NewReader(nc),
		pending: make(map[uint32]*pending),
		done:    make(chan struct{}),
	}
	c.logger = logger.With("conn_id", c.id)
	go c.readLoop()
	return c
}

// ID returns the connection's diagnostic identifier.
func (c *Conn) ID() string {
	return c.id
}

// Submit writes one outbound frame and waits for its terminal frame. LOG
// frames arriving for the request are delivered to sink in order, all before
// the terminal frame. On ctx cancellation the request id stays reserved for
// a drain window and the connection remains usable.
func (c *Conn) Submit(ctx context.Context, typ uint32, payload []byte, sink LogSink) (*protocol.Frame, error) {
	reqID, p, err := c.register(sink)
	if err != nil {
		return nil, err
	}

	frame := &protocol.Frame{
		ReqID:   reqID,
		MsgID:   c.nextMsgID.Add(1),
		Type:    typ,
		Payload: payload,
	}

	c.writeMu.Lock()
	err = protocol.WriteFrame(c.nc, frame)
	c.writeMu.Unlock()
	if err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			c.unregister(reqID)
			return nil, err
		}
		c.fail(fmt.Errorf("transport write: %w", err))
		return nil, ErrClosed
	}

	select {
	case f := <-p.ch:
		return f, nil
	case <-ctx.Done():
		c.abandon(reqID)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.err()
	}
}

// Ping sends a PING frame and waits for the matching PONG.
func (c *Conn) Ping(ctx context.Context) error {
	f, err := c.Submit(ctx, protocol.TypePing, nil, nil)
	if err != nil {
		return err
	}
	if f.Type != protocol.TypePong {
		err := fmt.Errorf("expected PONG, got type 0x%04x", f.Type)
		c.fail(err)
		return err
	}
	return nil
}

// Close tears down the transport and fails every outstanding request.
func (c *Conn) Close() error {
	c.fail(nil)
	return nil
}

// Closed reports whether the connection has been closed or has failed.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) register(sink LogSink) (uint32, *pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, nil, c.errLocked()
	}

	// Monotonic mod 2^32 with collision skip; the pending table is tiny
	// relative to the id space so this terminates immediately in practice.
	id := c.nextReqID
	for {
		id++
		if _, busy := c.pending[id]; !busy {
			break
		}
	}
	c.nextReqID = id

	p := &pending{ch: make(chan *protocol.Frame, 1), sink: sink}
	c.pending[id] = p
	return id, p, nil
}

func (c *Conn) unregister(reqID uint32) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

// abandon marks a cancelled request. Its id stays reserved for the drain
// window so a late terminal frame is discarded rather than misdelivered.
func (c *Conn) abandon(reqID uint32) {
	c.mu.Lock()
	p, ok := c.pending[reqID]
	if ok {
		p.abandoned = true
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	time.AfterFunc(drainWindow, func() {
		c.mu.Lock()
		if cur, ok := c.pending[reqID]; ok && cur == p {
			delete(c.pending, reqID)
		}
		c.mu.Unlock()
	})
}

func (c *Conn) readLoop() {
	for {
		f, err := protocol.ReadFrame(c.br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.Closed() {
				c.logger.Warn("transport read failed", "error", err)
			}
			c.fail(err)
			return
		}
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f *protocol.Frame) {
	c.mu.Lock()
	p, ok := c.pending[f.ReqID]
	if !ok {
		c.mu.Unlock()
		// Possibly a late log after timeout for an already purged id.
		c.logger.Warn("dropping frame for unknown request",
			"req_id", f.ReqID, "type", f.Type)
		return
	}

	if protocol.IsTerminal(f.Type) {
		delete(c.pending, f.ReqID)
		abandoned := p.abandoned
		c.mu.Unlock()
		if !abandoned {
			p.ch <- f
		}
		return
	}

	switch f.Type {
	case protocol.TypeLog:
		sink := p.sink
		abandoned := p.abandoned
		c.mu.Unlock()
		if abandoned || sink == nil {
			return
		}
		l, err := protocol.DecodeLog(f)
		if err != nil {
			c.logger.Warn("dropping malformed log frame", "req_id", f.ReqID, "error", err)
			return
		}
		sink(l)
	default:
		c.mu.Unlock()
		// Unknown types are ignorable; framing only depends on the length.
		c.logger.Warn("ignoring frame of unknown type", "req_id", f.ReqID, "type", f.Type)
	}
}

// fail closes the transport once and wakes every waiter. A nil cause means
// an orderly local Close.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	c.pending = make(map[uint32]*pending)
	close(c.done)
	c.mu.Unlock()

	c.nc.Close()
}

func (c *Conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errLocked()
}

func (c *Conn) errLocked() error {
	if c.closeErr != nil && !errors.Is(c.closeErr, io.EOF) {
		return fmt.Errorf("%w: %w", ErrClosed, c.closeErr)
	}
	return ErrClosed
}
