package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

type WSHandler struct {
	logger    *slog.Logger
	deliverer *service.Deliverer
	upgrader  websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, deliverer *service.Deliverer) *WSHandler {
	return &WSHandler{
		logger:    logger,
		deliverer: deliverer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. EXTRACT RECIPIENT ID (in production: from JWT/Cookie).
	recipientID := chi.URLParam(r, "recipientID")
	if recipientID == "" {
		http.Error(w, "recipient id required", http.StatusBadRequest)
		return
	}

	// 2. UPGRADE TO WEBSOCKET
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// 3. SUBSCRIBE VIA THE SAME SERVICE
	conn, err := h.deliverer.Subscribe(r.Context(), recipientID)
	if err != nil {
		if errors.Is(err, registry.ErrDraining) {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseServiceRestart, "draining"),
				time.Now().Add(time.Second))
		}
		return
	}
	defer h.deliverer.Unsubscribe(r.Context(), conn)

	// Reader goroutine: gorilla only processes control frames while a read is
	// in flight, so a drained loop is required to notice client closes.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	// 4. MAIN WS PUMP LOOP
	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			return
		case ev, ok := <-conn.Recv():
			if !ok {
				return
			}

			data, err := event.MarshalFrame(ev)
			if err != nil {
				h.logger.Error("failed to marshal ws event", "error", err)
				continue
			}

			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("ws send failed", "error", err)
				return
			}
		}
	}
}
