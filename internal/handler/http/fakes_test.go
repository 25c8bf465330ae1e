package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

const testExchange = "broadcast.events"

type memOutbox struct {
	mu     sync.Mutex
	events []model.OutboxEvent
}

func (o *memOutbox) PublishWithState(ctx context.Context, mutate func(tx pgx.Tx) error, events ...model.OutboxEvent) error {
	return o.PublishWithStateFn(ctx, func(tx pgx.Tx) ([]model.OutboxEvent, error) {
		if mutate != nil {
			if err := mutate(tx); err != nil {
				return nil, err
			}
		}
		return events, nil
	})
}

func (o *memOutbox) PublishWithStateFn(_ context.Context, mutate func(tx pgx.Tx) ([]model.OutboxEvent, error)) error {
	events, err := mutate(nil)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, events...)
	return nil
}

func (o *memOutbox) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, ev := range o.events {
		out = append(out, string(ev.AggregateType)+"."+string(ev.EventType))
	}
	return out
}

type memBroadcasts struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*model.Broadcast
	order []uuid.UUID
}

func newMemBroadcasts(rows ...*model.Broadcast) *memBroadcasts {
	m := &memBroadcasts{rows: make(map[uuid.UUID]*model.Broadcast)}
	for _, b := range rows {
		m.rows[b.ID] = b
		m.order = append(m.order, b.ID)
	}
	return m
}

func (m *memBroadcasts) Insert(_ context.Context, _ pgx.Tx, b *model.Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[b.ID] = b
	m.order = append(m.order, b.ID)
	return nil
}

func (m *memBroadcasts) GetByID(_ context.Context, _ pgx.Tx, id uuid.UUID) (*model.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return nil, model.NotFoundf("broadcast %s", id)
	}
	clone := *b
	return &clone, nil
}

func (m *memBroadcasts) List(_ context.Context, limit, offset int) ([]*model.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Broadcast
	for i := offset; i < len(m.order) && len(out) < limit; i++ {
		clone := *m.rows[m.order[i]]
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memBroadcasts) Transition(_ context.Context, _ pgx.Tx, id uuid.UUID, from []model.BroadcastStatus, to model.BroadcastStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if b.Status == s {
			b.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memBroadcasts) FindScheduledDue(context.Context, time.Time, int) ([]*model.Broadcast, error) {
	return nil, nil
}

func (m *memBroadcasts) FindActiveExpired(context.Context, time.Time, int) ([]*model.Broadcast, error) {
	return nil, nil
}

func (m *memBroadcasts) status(id uuid.UUID) model.BroadcastStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

type deliveryKey struct {
	broadcastID uuid.UUID
	recipientID string
}

type memDeliveries struct {
	mu   sync.Mutex
	rows map[deliveryKey]*model.Delivery
}

func newMemDeliveries() *memDeliveries {
	return &memDeliveries{rows: make(map[deliveryKey]*model.Delivery)}
}

func (m *memDeliveries) seed(d *model.Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[deliveryKey{d.BroadcastID, d.RecipientID}] = d
}

func (m *memDeliveries) InsertPendingBatch(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, recipients []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range recipients {
		key := deliveryKey{broadcastID, r}
		if _, exists := m.rows[key]; exists {
			continue
		}
		m.rows[key] = &model.Delivery{
			BroadcastID:    broadcastID,
			RecipientID:    r,
			DeliveryStatus: model.DeliveryPending,
			ReadStatus:     model.ReadUnread,
			CreatedAt:      time.Now(),
		}
		n++
	}
	return n, nil
}

func (m *memDeliveries) MarkDelivered(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, recipientID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[deliveryKey{broadcastID, recipientID}]
	if !ok || d.DeliveryStatus != model.DeliveryPending {
		return false, nil
	}
	d.DeliveryStatus = model.DeliveryDelivered
	d.DeliveredAt = &at
	return true, nil
}

func (m *memDeliveries) MarkRead(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, recipientID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[deliveryKey{broadcastID, recipientID}]
	if !ok || d.ReadStatus == model.ReadRead ||
		d.DeliveryStatus == model.DeliverySuperseded || d.DeliveryStatus == model.DeliveryFailed {
		return false, nil
	}
	d.ReadStatus = model.ReadRead
	d.ReadAt = &at
	if d.DeliveryStatus == model.DeliveryPending {
		d.DeliveryStatus = model.DeliveryDelivered
	}
	return true, nil
}

func (m *memDeliveries) ResetToPending(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, recipientID string) (bool, error) {
	return false, nil
}

func (m *memDeliveries) SupersedePending(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, d := range m.rows {
		if k.broadcastID == broadcastID && d.DeliveryStatus == model.DeliveryPending {
			d.DeliveryStatus = model.DeliverySuperseded
			n++
		}
	}
	return n, nil
}

func (m *memDeliveries) Get(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, recipientID string) (*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[deliveryKey{broadcastID, recipientID}]
	if !ok {
		return nil, model.NotFoundf("delivery %s/%s", broadcastID, recipientID)
	}
	clone := *d
	return &clone, nil
}

func (m *memDeliveries) ListByRecipient(_ context.Context, recipientID string, unreadOnly, activeOnly bool, limit int) ([]*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Delivery
	for k, d := range m.rows {
		if k.recipientID != recipientID || len(out) >= limit {
			continue
		}
		if unreadOnly && d.ReadStatus == model.ReadRead {
			continue
		}
		if activeOnly && (d.DeliveryStatus == model.DeliverySuperseded || d.DeliveryStatus == model.DeliveryFailed) {
			continue
		}
		clone := *d
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memDeliveries) ListPendingByRecipient(context.Context, string, int) ([]*model.Delivery, error) {
	return nil, nil
}

func (m *memDeliveries) RecipientsOf(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.rows {
		if k.broadcastID == broadcastID {
			out = append(out, k.recipientID)
		}
	}
	return out, nil
}

func (m *memDeliveries) statusOf(broadcastID uuid.UUID, recipientID string) model.DeliveryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[deliveryKey{broadcastID, recipientID}].DeliveryStatus
}

type memStats struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.Statistics
}

func newMemStats() *memStats { return &memStats{rows: make(map[uuid.UUID]*model.Statistics)} }

func (m *memStats) seed(st *model.Statistics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[st.BroadcastID] = st
}

func (m *memStats) Insert(_ context.Context, _ pgx.Tx, id uuid.UUID, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = &model.Statistics{BroadcastID: id, TotalTargeted: total}
	return nil
}

func (m *memStats) IncrDelivered(_ context.Context, _ pgx.Tx, id uuid.UUID, _ int64) error {
	return nil
}
func (m *memStats) IncrRead(context.Context, pgx.Tx, uuid.UUID) error { return nil }
func (m *memStats) IncrFailed(context.Context, pgx.Tx, uuid.UUID) error { return nil }

func (m *memStats) Get(_ context.Context, id uuid.UUID) (*model.Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[id]
	if !ok {
		return nil, model.NotFoundf("statistics %s", id)
	}
	clone := *st
	return &clone, nil
}

type memInboxCache struct {
	mu        sync.Mutex
	snapshots map[string][]model.InboxEntry
}

func newMemInboxCache() *memInboxCache {
	return &memInboxCache{snapshots: make(map[string][]model.InboxEntry)}
}

func (m *memInboxCache) Get(_ context.Context, r string) ([]model.InboxEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.snapshots[r]
	return e, ok, nil
}

func (m *memInboxCache) Put(_ context.Context, r string, e []model.InboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[r] = e
	return nil
}

func (m *memInboxCache) Upsert(_ context.Context, r string, entry model.InboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.snapshots[r]
	if !ok {
		return nil
	}
	for i := range entries {
		if entries[i].BroadcastID == entry.BroadcastID {
			entries[i] = entry
			return nil
		}
	}
	m.snapshots[r] = append([]model.InboxEntry{entry}, entries...)
	return nil
}

func (m *memInboxCache) RemoveBroadcast(context.Context, string, uuid.UUID) error { return nil }

func (m *memInboxCache) Invalidate(_ context.Context, r string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, r)
	return nil
}

func (m *memInboxCache) Size(context.Context) (int64, error) { return 0, nil }
func (m *memInboxCache) EvictRandom(context.Context, int64) (int64, error) { return 0, nil }

func (m *memInboxCache) has(r string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snapshots[r]
	return ok
}

type memFlags struct {
	mu     sync.Mutex
	armed  bool
	marked map[uuid.UUID]bool
}

func newMemFlags() *memFlags { return &memFlags{marked: make(map[uuid.UUID]bool)} }

func (m *memFlags) Arm(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = true
	return nil
}

func (m *memFlags) ConsumeArmed(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	armed := m.armed
	m.armed = false
	return armed, nil
}

func (m *memFlags) MarkBroadcast(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[id] = true
	return nil
}

func (m *memFlags) ShouldFail(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marked[id], nil
}

func (m *memFlags) ClearBroadcast(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marked, id)
	return nil
}

func (m *memFlags) Disarm(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
	m.marked = make(map[uuid.UUID]bool)
	return nil
}

func (m *memFlags) State(context.Context) (bool, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.marked))
	for id := range m.marked {
		ids = append(ids, id.String())
	}
	return m.armed, ids, nil
}

type memDeadLetters struct {
	mu   sync.Mutex
	rows []*model.DeadLetter
}

func (m *memDeadLetters) Insert(_ context.Context, dl *model.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, dl)
	return nil
}

func (m *memDeadLetters) Get(_ context.Context, id uuid.UUID) (*model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dl := range m.rows {
		if dl.ID == id {
			clone := *dl
			return &clone, nil
		}
	}
	return nil, model.NotFoundf("dead letter %s", id)
}

func (m *memDeadLetters) List(_ context.Context, limit, offset int) ([]*model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DeadLetter
	for i := offset; i < len(m.rows) && len(out) < limit; i++ {
		clone := *m.rows[i]
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memDeadLetters) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, dl := range m.rows {
		if dl.ID == id {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memDeadLetters) DeleteAll(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.rows))
	m.rows = nil
	return n, nil
}

func (m *memDeadLetters) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memDeadLetters) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memPrefs struct {
	mu    sync.Mutex
	muted map[string]bool
}

func newMemPrefs() *memPrefs { return &memPrefs{muted: make(map[string]bool)} }

func (m *memPrefs) SetMuted(_ context.Context, recipientID string, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted[recipientID] = muted
	return nil
}

func (m *memPrefs) FilterMuted(context.Context, []string) (map[string]bool, error) {
	return nil, nil
}

// fixture wires the REST surface over in-memory stores, mirroring the
// production assembly minus the push transports.
type fixture struct {
	router     chi.Router
	broadcasts *memBroadcasts
	deliveries *memDeliveries
	stats      *memStats
	outbox     *memOutbox
	inbox      *memInboxCache
	flags      *memFlags
	dead       *memDeadLetters
	prefs      *memPrefs
}

func newFixture(t *testing.T, rows ...*model.Broadcast) *fixture {
	t.Helper()
	f := &fixture{
		broadcasts: newMemBroadcasts(rows...),
		deliveries: newMemDeliveries(),
		stats:      newMemStats(),
		outbox:     &memOutbox{},
		inbox:      newMemInboxCache(),
		flags:      newMemFlags(),
		dead:       &memDeadLetters{},
		prefs:      newMemPrefs(),
	}

	bcache, err := service.NewBroadcastCache(f.broadcasts, 16)
	require.NoError(t, err)

	broadcasts := service.NewBroadcastService(
		f.broadcasts, f.deliveries, f.stats, f.outbox, f.flags, bcache, testExchange, slog.Default())
	dlt := service.NewDLTService(
		f.dead, f.broadcasts, f.deliveries, f.flags, f.outbox, testExchange, slog.Default())
	inbox := service.NewInboxService(
		f.deliveries, f.inbox, bcache, f.outbox, testExchange, 50, slog.Default())

	admin := NewAdminHandler(broadcasts, dlt, f.flags)
	recipient := NewRecipientHandler(inbox, f.prefs)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		admin.Routes(r)
		recipient.Routes(r)
	})
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewBuffer(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func activeBroadcast() *model.Broadcast {
	return &model.Broadcast{
		ID:         uuid.New(),
		SenderID:   "admin-1",
		SenderName: "Admin",
		Content:    "maintenance window tonight",
		TargetType: model.TargetAll,
		Priority:   model.PriorityNormal,
		Status:     model.StatusActive,
		CreatedAt:  time.Now().UTC(),
	}
}
