package registry

import (
	"time"

	"github.com/google/uuid"
)

type hubConfig struct {
	mailboxSize       int
	flushTimeout      time.Duration
	heartbeatInterval time.Duration
	evictionInterval  time.Duration
	idleTimeout       time.Duration
	drainGrace        time.Duration
	sink              Sink
	onHeartbeat       func(connIDs []uuid.UUID)
}

func defaultConfig() hubConfig {
	return hubConfig{
		mailboxSize:       256,
		flushTimeout:      500 * time.Millisecond,
		heartbeatInterval: 30 * time.Second,
		evictionInterval:  15 * time.Minute,
		idleTimeout:       30 * time.Minute,
		drainGrace:        5 * time.Second,
	}
}

// Option is a functional configuration type for the Hub.
type Option func(*Hub)

// WithMailboxSize sets the backpressure threshold: the buffer capacity of
// each recipient's actor mailbox.
func WithMailboxSize(size int) Option {
	return func(h *Hub) { h.config.mailboxSize = size }
}

// WithFlushTimeout bounds how long a cell waits for one connection to accept
// a frame before counting it against the slow-consumer budget.
func WithFlushTimeout(d time.Duration) Option {
	return func(h *Hub) { h.config.flushTimeout = d }
}

// WithHeartbeatInterval configures the HEARTBEAT frame cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Hub) { h.config.heartbeatInterval = d }
}

// WithEvictionInterval configures how often the janitor reclaims idle cells.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) { h.config.evictionInterval = d }
}

// WithIdleTimeout defines the quiet period after which a cell without
// sessions is eligible for eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) { h.config.idleTimeout = d }
}

// WithDrainGrace bounds the flush window during graceful shutdown.
func WithDrainGrace(d time.Duration) Option {
	return func(h *Hub) { h.config.drainGrace = d }
}

// WithSink wires delivery outcomes (acked / spooled) into the service layer.
func WithSink(s Sink) Option {
	return func(h *Hub) { h.config.sink = s }
}

// WithHeartbeatFunc receives the live connection ids on every heartbeat tick
// so the distributed session registry can be refreshed.
func WithHeartbeatFunc(fn func(connIDs []uuid.UUID)) Option {
	return func(h *Hub) { h.config.onHeartbeat = fn }
}
