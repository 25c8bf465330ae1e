package http

import (
	"context"
	"net/http"
	"time"

	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// outboxProber reports the undrained outbox depth; satisfied by the postgres
// outbox store.
type outboxProber interface {
	Pending(ctx context.Context) (int64, error)
}

// HealthHandler exposes the node's operational counters: local push sessions,
// cluster-wide registry totals and outbox backlog.
type HealthHandler struct {
	nodeID  string
	hub     registry.Hubber
	locator service.SessionLocator
	outbox  outboxProber
}

func NewHealthHandler(nodeID string, hub registry.Hubber, locator service.SessionLocator, outbox outboxProber) *HealthHandler {
	return &HealthHandler{nodeID: nodeID, hub: hub, locator: locator, outbox: outbox}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats := h.hub.Stats()

	body := map[string]any{
		"status":    "UP",
		"node_id":   h.nodeID,
		"timestamp": time.Now().UTC(),
		"push": map[string]int{
			"recipients":  stats.Recipients,
			"connections": stats.Connections,
		},
	}

	if n, err := h.locator.CountByNode(r.Context(), h.nodeID); err == nil {
		body["registry_node_sessions"] = n
	}
	if n, err := h.locator.CountTotal(r.Context()); err == nil {
		body["registry_total_sessions"] = n
	}
	if n, err := h.outbox.Pending(r.Context()); err == nil {
		body["outbox_pending"] = n
	} else {
		body["status"] = "DEGRADED"
	}

	writeJSON(w, http.StatusOK, body)
}
