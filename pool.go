package jsidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// healthProbeTimeout bounds the ping run against a client on release.
const healthProbeTimeout = 2 * time.Second

// DialFunc creates a new connected client, used by the pool to grow up to
// capacity and to rebuild after a destroyed connection.
type DialFunc func(ctx context.Context) (*Client, error)

// waiter is one parked Acquire call. The channel is buffered so a hand-off
// never blocks; nil means the pool closed.
type waiter struct {
	ch    chan *Client
	woken bool
}

// Pool is a fixed-capacity pool of worker clients with FIFO waiting.
type Pool struct {
	capacity int
	dial     DialFunc
	logger   *slog.Logger

	mu      sync.Mutex
	idle    []*Client
	total   int // connected + dialing
	waiters []*waiter
	closed  bool

	served atomic.Int64
}

// NewPool creates a pool of at most capacity clients. Connections are dialed
// lazily on first demand.
func NewPool(capacity int, dial DialFunc, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{capacity: capacity, dial: dial, logger: logger}
}

// Guard is a scoped acquisition. Release returns the client to the pool;
// it is safe to call more than once.
type Guard struct {
	pool   *Pool
	client *Client
	once   sync.Once
}

// Client returns the acquired client.
func (g *Guard) Client() *Client {
	return g.client
}

// Release hands the client back for health probing and reuse.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.pool.release(g.client)
	})
}

// Acquire returns a guard for a healthy client: an idle one if available,
// a freshly dialed one while under capacity, otherwise the caller waits in
// FIFO order behind earlier arrivals.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	for n := len(p.idle); n > 0; n = len(p.idle) {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		// A worker can die while its connection sits idle; such a client
		// is never handed out.
		if !c.healthy() {
			p.total--
			c.Close()
			continue
		}
		p.mu.Unlock()
		p.served.Add(1)
		return &Guard{pool: p, client: c}, nil
	}

	if p.total < p.capacity {
		p.total++
		p.mu.Unlock()
		c, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, fmt.Errorf("dialing worker: %w", err)
		}
		p.served.Add(1)
		return &Guard{pool: p, client: c}, nil
	}

	w := &waiter{ch: make(chan *Client, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case c := <-w.ch:
		if c == nil {
			return nil, ErrPoolClosed
		}
		p.served.Add(1)
		return &Guard{pool: p, client: c}, nil
	case <-ctx.Done():
		p.mu.Lock()
		if !w.woken {
			p.removeWaiter(w)
			p.mu.Unlock()
			return nil, acquireErr(ctx.Err())
		}
		p.mu.Unlock()
		// A client was handed off concurrently with cancellation; put it
		// back rather than leaking it.
		if c := <-w.ch; c != nil {
			p.release(c)
		}
		return nil, acquireErr(ctx.Err())
	}
}

// Close forbids new acquisitions, fails all waiters and closes idle clients.
// In-flight guards are destroyed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	for _, w := range waiters {
		w.woken = true
	}
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- nil
	}
	for _, c := range idle {
		c.Close()
	}
	return nil
}

// Stats is a snapshot of the pool's occupancy.
type Stats struct {
	Capacity int   `json:"capacity"`
	Idle     int   `json:"idle"`
	InUse    int   `json:"in_use"`
	Waiting  int   `json:"waiting"`
	Served   int64 `json:"served"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.capacity,
		Idle:     len(p.idle),
		InUse:    p.total - len(p.idle),
		Waiting:  len(p.waiters),
		Served:   p.served.Load(),
	}
}

// release probes the returned client and either hands it to the oldest
// waiter, parks it idle, or destroys it and frees the slot.
func (p *Pool) release(c *Client) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		c.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}

	// The probe happens off the caller's goroutine so Release never blocks
	// on a sick worker.
	go p.probeAndPark(c)
}

func (p *Pool) probeAndPark(c *Client) {
	healthy := c.healthy()
	if healthy {
		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		err := c.Ping(ctx)
		cancel()
		if err != nil {
			p.logger.Warn("health probe failed, destroying connection",
				"conn_id", c.ConnID(), "error", err)
			healthy = false
		}
	}

	if !healthy {
		c.Close()
		p.destroySlot()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		c.Close()
		return
	}
	if w := p.popWaiter(); w != nil {
		p.mu.Unlock()
		w.ch <- c
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// destroySlot frees the capacity held by a destroyed connection. If someone
// is waiting, the pool rebuilds immediately on their behalf.
func (p *Pool) destroySlot() {
	p.mu.Lock()
	p.total--
	if p.closed || len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	p.total++
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	c, err := p.dial(ctx)
	cancel()
	if err != nil {
		p.logger.Warn("rebuild for waiter failed", "error", err)
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		// The waiter stays parked; its own deadline is the backstop.
		return
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		c.Close()
		return
	}
	if w := p.popWaiter(); w != nil {
		p.mu.Unlock()
		w.ch <- c
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// popWaiter pops the oldest waiter. Caller holds p.mu.
func (p *Pool) popWaiter() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w.woken = true
	return w
}

// removeWaiter drops a cancelled waiter. Caller holds p.mu.
func (p *Pool) removeWaiter(target *waiter) {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func acquireErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAcquireTimeout, err)
	}
	return err
}
