package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// RecipientHandler is the pull surface recipients use between push sessions.
type RecipientHandler struct {
	inbox *service.InboxService
	prefs service.PreferenceStore
}

func NewRecipientHandler(inbox *service.InboxService, prefs service.PreferenceStore) *RecipientHandler {
	return &RecipientHandler{inbox: inbox, prefs: prefs}
}

func (h *RecipientHandler) Routes(r chi.Router) {
	r.Route("/recipients/{recipientID}", func(r chi.Router) {
		r.Get("/messages", h.listMessages)
		r.Get("/messages/unread", h.listUnread)
		r.Post("/messages/{broadcastID}/read", h.markRead)
		r.Put("/preferences/mute", h.setMuted)
	})
}

func (h *RecipientHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread_only"))
	activeOnly := true
	if v := r.URL.Query().Get("active_only"); v != "" {
		activeOnly, _ = strconv.ParseBool(v)
	}

	messages, err := h.inbox.Messages(r.Context(), recipientID, unreadOnly, activeOnly)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *RecipientHandler) listUnread(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")

	messages, err := h.inbox.Unread(r.Context(), recipientID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"count":    len(messages),
	})
}

func (h *RecipientHandler) markRead(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	broadcastID, err := pathUUID(r, "broadcastID")
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.inbox.MarkRead(r.Context(), recipientID, broadcastID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *RecipientHandler) setMuted(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	muted, err := strconv.ParseBool(r.URL.Query().Get("muted"))
	if err != nil {
		writeError(w, r, model.Validationf("muted must be true or false"))
		return
	}

	if err := h.prefs.SetMuted(r.Context(), recipientID, muted); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
}
