package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
)

// Interface guard
var _ Connector = (*connect)(nil)

// Connector is the single connection capability exposed to transports and to
// the Hub: enqueue, receive, close. Concrete transports (websocket,
// long-poll) live entirely outside this package.
type Connector interface {
	GetID() uuid.UUID
	GetRecipientID() string
	// Send enqueues with backpressure handling; false means the frame was
	// not accepted and the caller must fall back to the durable inbox.
	Send(ev event.Eventer, timeout time.Duration) bool
	Recv() <-chan event.Eventer
	Done() <-chan struct{}
	Close()
}

type connect struct {
	id          uuid.UUID
	recipientID string
	createdAt   time.Time
	ctx         context.Context
	cancelFn    context.CancelFunc
	sendCh      chan event.Eventer
	closeOnce   sync.Once
	lifetime    *time.Timer

	// Slow-consumer accounting: strikes within strikeWindow force-close the
	// connection so one stalled transport cannot pin node resources.
	maxStrikes   int
	strikeWindow time.Duration
	mu           sync.Mutex
	strikes      []time.Time

	droppedCount uint64 // atomic
}

// [POOL] reuse connection shells between sessions to reduce GC pressure.
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

// NewConnector allocates (or recycles) a connection bound to one recipient.
// maxLifetime caps the absolute connection age; expired connections are
// force-closed so clients reconnect and re-balance across nodes.
func NewConnector(ctx context.Context, recipientID string, queueSize, maxStrikes int, strikeWindow, maxLifetime time.Duration) Connector {
	c := connectPool.Get().(*connect)
	c.reset(ctx, recipientID, queueSize, maxStrikes, strikeWindow)

	if maxLifetime > 0 {
		c.lifetime = time.AfterFunc(maxLifetime, c.Close)
	}
	return c
}

// reset wipes pooled state. Reassigning the struct literal also re-arms the
// sync.Once guard.
func (c *connect) reset(ctx context.Context, recipientID string, queueSize, maxStrikes int, strikeWindow time.Duration) {
	childCtx, cancel := context.WithCancel(ctx)

	*c = connect{
		id:           uuid.New(),
		recipientID:  recipientID,
		createdAt:    time.Now(),
		ctx:          childCtx,
		cancelFn:     cancel,
		sendCh:       make(chan event.Eventer, queueSize),
		maxStrikes:   maxStrikes,
		strikeWindow: strikeWindow,
	}
}

func (c *connect) GetID() uuid.UUID           { return c.id }
func (c *connect) GetRecipientID() string     { return c.recipientID }
func (c *connect) Recv() <-chan event.Eventer { return c.sendCh }
func (c *connect) Done() <-chan struct{}      { return c.ctx.Done() }

// Send attempts to enqueue within the flush timeout. Waiting instead of an
// immediate default smooths transient jitter; a buffer that stays saturated
// for the whole window counts as one strike against the connection.
func (c *connect) Send(ev event.Eventer, timeout time.Duration) bool {
	flush, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-c.ctx.Done():
		return false

	case c.sendCh <- ev:
		return true

	case <-flush.Done():
		atomic.AddUint64(&c.droppedCount, 1)
		if c.strike() {
			// Persistently slow consumer: close and let the recipient fall
			// back to pull-on-reconnect.
			c.Close()
		}
		return false
	}
}

// strike records a flush timeout and reports whether the budget within the
// window is exhausted.
func (c *connect) strike() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	keep := c.strikes[:0]
	for _, ts := range c.strikes {
		if now.Sub(ts) < c.strikeWindow {
			keep = append(keep, ts)
		}
	}
	c.strikes = append(keep, now)
	return len(c.strikes) >= c.maxStrikes
}

// Close terminates the session, releases pending senders and recycles the
// shell. Safe to call concurrently from the Hub, the Cell and the transport
// handler.
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()
		if c.lifetime != nil {
			c.lifetime.Stop()
		}
		if c.sendCh != nil {
			close(c.sendCh)
		}
		c.sendCh = nil
		c.strikes = nil
		connectPool.Put(c)
	})
}
