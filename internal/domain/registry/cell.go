package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
)

// Celler defines the internal API for recipient-specific delivery units.
type Celler interface {
	Push(ev event.Eventer) bool
	Attach(conn Connector)
	Detach(connID uuid.UUID) bool
	Connections() []uuid.UUID
	IsIdle(timeout time.Duration) bool
	Stop()
}

// Cell is the per-recipient actor. All of one recipient's connections on this
// node hang off a single cell; the mailbox decouples bus consumers from the
// speed of individual transports.
type Cell struct {
	recipientID string

	// mailbox absorbs bursts so slow transports never stall the AMQP
	// consumer goroutines.
	mailbox chan event.Eventer

	// sessions multiplexes one event onto every open device connection.
	sessions map[uuid.UUID]Connector

	mu     sync.RWMutex
	doneCh chan struct{}

	flushTimeout time.Duration

	// sink receives delivery outcomes (acked / spooled) for the service
	// layer to turn into durable state.
	sink Sink

	lastActivityAt time.Time
}

// Sink receives delivery outcomes from cells. Implemented by the service
// layer; must not block for long, it is called from the cell loop.
type Sink interface {
	// Delivered fires when at least one live connection accepted a MESSAGE.
	Delivered(recipientID string, broadcastID uuid.UUID)
	// Spooled fires when no connection accepted the frame; the durable
	// inbox remains the source of truth for the recipient.
	Spooled(recipientID string, ev event.Eventer)
}

func NewCell(recipientID string, mailboxSize int, flushTimeout time.Duration, sink Sink) *Cell {
	c := &Cell{
		recipientID:    recipientID,
		mailbox:        make(chan event.Eventer, mailboxSize),
		sessions:       make(map[uuid.UUID]Connector),
		doneCh:         make(chan struct{}),
		flushTimeout:   flushTimeout,
		sink:           sink,
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// IsIdle is true when the recipient has no sessions and no recent traffic.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 && time.Since(c.lastActivityAt) > timeout
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

func (c *Cell) Push(ev event.Eventer) bool {
	c.touch()
	select {
	case c.mailbox <- ev:
		return true
	default:
		// Mailbox overflow: fall back to the durable inbox immediately.
		if c.sink != nil {
			c.sink.Spooled(c.recipientID, ev)
		}
		return false
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	c.sessions[conn.GetID()] = conn
}

// Detach removes one connection and reports whether the cell became empty.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	c.lastActivityAt = time.Now()
	return len(c.sessions) == 0
}

// Connections snapshots the open connection ids, for heartbeat refresh.
func (c *Cell) Connections() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

// deliver fans one event out to every session. Within a single connection
// enqueue order is preserved; across connections there is no ordering
// guarantee.
func (c *Cell) deliver(ev event.Eventer) {
	c.mu.RLock()
	conns := make([]Connector, 0, len(c.sessions))
	for _, conn := range c.sessions {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	accepted := 0
	for _, conn := range conns {
		if conn.Send(ev, c.flushTimeout) {
			accepted++
		}
	}

	if c.sink == nil {
		return
	}
	if sp, ok := ev.(event.Spoolable); ok {
		if accepted > 0 {
			c.sink.Delivered(c.recipientID, sp.GetBroadcastID())
		} else {
			c.sink.Spooled(c.recipientID, ev)
		}
	}
}

func (c *Cell) Stop() {
	close(c.doneCh)
}
