package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// AdminHandler is the operator surface: broadcast lifecycle, statistics, the
// dead-letter queue and the failure-injection harness.
type AdminHandler struct {
	broadcasts *service.BroadcastService
	dlt        *service.DLTService
	flags      service.FailureInjector
}

func NewAdminHandler(broadcasts *service.BroadcastService, dlt *service.DLTService, flags service.FailureInjector) *AdminHandler {
	return &AdminHandler{broadcasts: broadcasts, dlt: dlt, flags: flags}
}

func (h *AdminHandler) Routes(r chi.Router) {
	r.Route("/broadcasts", func(r chi.Router) {
		r.Post("/", h.createBroadcast)
		r.Get("/", h.listBroadcasts)
		r.Get("/{broadcastID}", h.getBroadcast)
		r.Delete("/{broadcastID}", h.cancelBroadcast)
		r.Get("/{broadcastID}/statistics", h.getStatistics)
	})
	r.Route("/dlt", func(r chi.Router) {
		r.Get("/", h.listDeadLetters)
		r.Post("/{deadLetterID}/redrive", h.redrive)
		r.Post("/redrive-all", h.redriveAll)
		r.Delete("/{deadLetterID}", h.purge)
		r.Delete("/", h.purgeAll)
	})
	r.Route("/failure-injection", func(r chi.Router) {
		r.Post("/arm", h.armFailure)
		r.Post("/disarm", h.disarmFailure)
		r.Get("/", h.failureState)
	})
}

type createBroadcastRequest struct {
	SenderID      string     `json:"sender_id"`
	SenderName    string     `json:"sender_name"`
	Content       string     `json:"content"`
	TargetType    string     `json:"target_type"`
	TargetIDs     []string   `json:"target_ids,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	Category      string     `json:"category,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	FireAndForget bool       `json:"fire_and_forget,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

func (h *AdminHandler) createBroadcast(w http.ResponseWriter, r *http.Request) {
	var req createBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, model.Validationf("malformed body: %v", err))
		return
	}

	b := &model.Broadcast{
		SenderID:      req.SenderID,
		SenderName:    req.SenderName,
		Content:       req.Content,
		TargetType:    model.TargetType(req.TargetType),
		TargetIDs:     req.TargetIDs,
		Priority:      model.Priority(req.Priority),
		Category:      req.Category,
		ScheduledAt:   req.ScheduledAt,
		ExpiresAt:     req.ExpiresAt,
		FireAndForget: req.FireAndForget,
		CorrelationID: req.CorrelationID,
	}
	created, err := h.broadcasts.Create(r.Context(), b)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Audience expansion happens asynchronously in the fan-out consumer, so
	// the counter is usually still zero here.
	st, err := h.broadcasts.Statistics(r.Context(), created.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createBroadcastResponse{
		Broadcast:     created,
		TotalTargeted: st.TotalTargeted,
	})
}

type createBroadcastResponse struct {
	*model.Broadcast
	TotalTargeted int64 `json:"total_targeted"`
}

func (h *AdminHandler) listBroadcasts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	list, err := h.broadcasts.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"broadcasts": list})
}

func (h *AdminHandler) getBroadcast(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "broadcastID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.broadcasts.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *AdminHandler) cancelBroadcast(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "broadcastID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.broadcasts.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// statisticsResponse adds the derived rates to the raw counters.
type statisticsResponse struct {
	*model.Statistics
	DeliveryRate float64 `json:"delivery_rate"`
	ReadRate     float64 `json:"read_rate"`
}

func (h *AdminHandler) getStatistics(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "broadcastID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.broadcasts.Statistics(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statisticsResponse{
		Statistics:   st,
		DeliveryRate: st.DeliveryRate(),
		ReadRate:     st.ReadRate(),
	})
}

func (h *AdminHandler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	letters, err := h.dlt.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (h *AdminHandler) redrive(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "deadLetterID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.dlt.Redrive(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "redriven"})
}

func (h *AdminHandler) redriveAll(w http.ResponseWriter, r *http.Request) {
	summary, err := h.dlt.RedriveAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

func (h *AdminHandler) purge(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "deadLetterID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.dlt.Purge(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *AdminHandler) purgeAll(w http.ResponseWriter, r *http.Request) {
	removed, err := h.dlt.PurgeAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (h *AdminHandler) armFailure(w http.ResponseWriter, r *http.Request) {
	if err := h.flags.Arm(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"armed": true})
}

func (h *AdminHandler) disarmFailure(w http.ResponseWriter, r *http.Request) {
	if err := h.flags.Disarm(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"armed": false})
}

func (h *AdminHandler) failureState(w http.ResponseWriter, r *http.Request) {
	armed, ids, err := h.flags.State(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"armed": armed, "broadcast_ids": ids})
}

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		return uuid.Nil, model.Validationf("invalid %s", key)
	}
	return id, nil
}
