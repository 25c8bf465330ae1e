package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
)

// Hubber is the gateway for push-session management and local event routing.
type Hubber interface {
	Broadcast(ev event.Eventer) bool
	Register(conn Connector) error
	Unregister(recipientID string, connID uuid.UUID)
	IsConnected(recipientID string) bool
	Stats() Stats
	Drain(ctx context.Context)
}

// Stats is a point-in-time view of the local push layer.
type Stats struct {
	Recipients  int `json:"recipients"`
	Connections int `json:"connections"`
}

// ErrDraining is returned by Register once shutdown has begun.
var ErrDraining = &drainingError{}

type drainingError struct{}

func (*drainingError) Error() string { return "push layer is draining, refusing new connections" }

// Hub routes events to per-recipient cells. Lookups are lock-free via
// sync.Map; all mutable state lives inside the cells.
type Hub struct {
	cells    sync.Map // recipientID -> Celler
	config   hubConfig
	draining atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: defaultConfig(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.wg.Add(2)
	go h.heartbeatLoop()
	go h.janitorLoop()
	return h
}

func (h *Hub) IsConnected(recipientID string) bool {
	val, ok := h.cells.Load(recipientID)
	if !ok {
		return false
	}
	cell := val.(Celler)
	return len(cell.Connections()) > 0
}

// Broadcast routes an event to the recipient's cell. Returns false on a
// local miss or mailbox overflow; overflow already spooled via the sink.
func (h *Hub) Broadcast(ev event.Eventer) bool {
	if val, ok := h.cells.Load(ev.GetRecipientID()); ok {
		return val.(Celler).Push(ev)
	}
	return false
}

// Register attaches a connection, lazily creating the recipient's cell.
func (h *Hub) Register(conn Connector) error {
	if h.draining.Load() {
		return ErrDraining
	}

	rID := conn.GetRecipientID()
	val, _ := h.cells.LoadOrStore(rID, Celler(NewCell(rID, h.config.mailboxSize, h.config.flushTimeout, h.config.sink)))
	val.(Celler).Attach(conn)
	return nil
}

// Unregister detaches a connection and reclaims the cell when it was the
// recipient's last one on this node.
func (h *Hub) Unregister(recipientID string, connID uuid.UUID) {
	if val, ok := h.cells.Load(recipientID); ok {
		cell := val.(Celler)
		if cell.Detach(connID) {
			cell.Stop()
			h.cells.Delete(recipientID)
		}
	}
}

func (h *Hub) Stats() Stats {
	var s Stats
	h.cells.Range(func(_, val any) bool {
		s.Recipients++
		s.Connections += len(val.(Celler).Connections())
		return true
	})
	return s
}

// heartbeatLoop pushes HEARTBEAT frames on every open connection and reports
// the live connection ids so the distributed registry can be refreshed.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			var connIDs []uuid.UUID
			h.cells.Range(func(key, val any) bool {
				cell := val.(Celler)
				cell.Push(event.NewHeartbeat(key.(string)))
				connIDs = append(connIDs, cell.Connections()...)
				return true
			})
			if h.config.onHeartbeat != nil && len(connIDs) > 0 {
				h.config.onHeartbeat(connIDs)
			}
		}
	}
}

// janitorLoop reclaims cells that lost all sessions without a clean detach.
func (h *Hub) janitorLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				cell := val.(Celler)
				if cell.IsIdle(h.config.idleTimeout) {
					cell.Stop()
					h.cells.Delete(key)
				}
				return true
			})
		}
	}
}

// Drain refuses new connections, gives in-flight queues a grace period to
// flush, then closes everything. Session registry rows are removed by the
// service layer observing the closed connections.
func (h *Hub) Drain(ctx context.Context) {
	h.draining.Store(true)

	grace := h.config.drainGrace
	deadline, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	<-deadline.Done()

	h.cells.Range(func(key, val any) bool {
		val.(Celler).Stop()
		h.cells.Delete(key)
		return true
	})

	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}
