package lp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

const (
	// pollTimeout is the standard long-polling hold before an empty reply.
	pollTimeout = 30 * time.Second
	// batchLimit caps how many buffered events ride one response.
	batchLimit = 15
)

type LPHandler struct {
	deliverer *service.Deliverer
}

func NewLPHandler(deliverer *service.Deliverer) *LPHandler {
	return &LPHandler{
		deliverer: deliverer,
	}
}

// Poll holds the request until an event arrives or the hold window expires.
// The subscription lives only for the duration of this request: the catch-up
// replay inside Subscribe is what delivers messages missed between polls.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	if recipientID == "" {
		http.Error(w, "recipient id required", http.StatusBadRequest)
		return
	}

	conn, err := h.deliverer.Subscribe(r.Context(), recipientID)
	if err != nil {
		http.Error(w, "failed to subscribe", http.StatusServiceUnavailable)
		return
	}
	defer h.deliverer.Unsubscribe(r.Context(), conn)

	var events []event.Eventer

	select {
	case <-r.Context().Done():
		// Client disconnected.
		return

	case <-time.After(pollTimeout):
		w.WriteHeader(http.StatusNoContent)
		return

	case ev, ok := <-conn.Recv():
		if !ok {
			return
		}
		events = append(events, ev)

		// Drain whatever else is buffered to minimize round trips.
	drainLoop:
		for i := 0; i < batchLimit; i++ {
			select {
			case nextEv, ok := <-conn.Recv():
				if !ok {
					break drainLoop
				}
				events = append(events, nextEv)
			default:
				break drainLoop
			}
		}
	}

	data, err := event.MarshalBatch(events)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
