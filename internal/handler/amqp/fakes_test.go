package amqp

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/adapter/pubsub"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// memOutbox executes mutations directly (tx collapses to nil) and records
// emitted events.
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
	mu   sync.Mutex
	rows map[uuid.UUID]*model.Broadcast
}

func newMemBroadcasts(rows ...*model.Broadcast) *memBroadcasts {
	m := &memBroadcasts{rows: make(map[uuid.UUID]*model.Broadcast)}
	for _, b := range rows {
		m.rows[b.ID] = b
	}
	return m
}

func (m *memBroadcasts) Insert(_ context.Context, _ pgx.Tx, b *model.Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[b.ID] = b
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

func (m *memBroadcasts) List(context.Context, int, int) ([]*model.Broadcast, error) { return nil, nil }

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
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[deliveryKey{broadcastID, recipientID}]
	if !ok {
		return false, nil
	}
	d.DeliveryStatus = model.DeliveryPending
	return true, nil
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

func (m *memDeliveries) ListByRecipient(context.Context, string, bool, bool, int) ([]*model.Delivery, error) {
	return nil, nil
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

func (m *memDeliveries) CountPending(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, d := range m.rows {
		if k.broadcastID == broadcastID && d.DeliveryStatus == model.DeliveryPending {
			n++
		}
	}
	return n, nil
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

func (m *memStats) Insert(_ context.Context, _ pgx.Tx, id uuid.UUID, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = &model.Statistics{BroadcastID: id, TotalTargeted: total}
	return nil
}

func (m *memStats) IncrDelivered(_ context.Context, _ pgx.Tx, id uuid.UUID, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.rows[id]; ok {
		st.TotalDelivered++
	}
	return nil
}

func (m *memStats) IncrRead(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.rows[id]; ok {
		st.TotalRead++
	}
	return nil
}

func (m *memStats) IncrFailed(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.rows[id]; ok {
		st.TotalFailed++
	}
	return nil
}

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
	entries := m.snapshots[r]
	for i := range entries {
		if entries[i].BroadcastID == entry.BroadcastID {
			entries[i] = entry
			return nil
		}
	}
	m.snapshots[r] = append([]model.InboxEntry{entry}, entries...)
	return nil
}

func (m *memInboxCache) RemoveBroadcast(_ context.Context, r string, broadcastID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.snapshots[r]
	kept := entries[:0]
	for _, e := range entries {
		if e.BroadcastID != broadcastID {
			kept = append(kept, e)
		}
	}
	m.snapshots[r] = kept
	return nil
}

func (m *memInboxCache) Invalidate(_ context.Context, r string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, r)
	return nil
}

func (m *memInboxCache) Size(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.snapshots)), nil
}

func (m *memInboxCache) EvictRandom(context.Context, int64) (int64, error) { return 0, nil }

func (m *memInboxCache) entriesOf(r string) []model.InboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[r]
}

type memFlags struct {
	mu     sync.Mutex
	marked map[uuid.UUID]bool
}

func newMemFlags() *memFlags { return &memFlags{marked: make(map[uuid.UUID]bool)} }

func (m *memFlags) Arm(context.Context) error { return nil }
func (m *memFlags) ConsumeArmed(context.Context) (bool, error) { return false, nil }

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

func (m *memFlags) Disarm(context.Context) error { return nil }

func (m *memFlags) State(context.Context) (bool, []string, error) { return false, nil, nil }

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
	return nil, model.NotFoundf("dead letter %s", id)
}

func (m *memDeadLetters) List(context.Context, int, int) ([]*model.DeadLetter, error) {
	return nil, nil
}

func (m *memDeadLetters) Delete(context.Context, uuid.UUID) (bool, error) { return false, nil }
func (m *memDeadLetters) DeleteAll(context.Context) (int64, error) { return 0, nil }
func (m *memDeadLetters) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memDeadLetters) captured() []*model.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows
}

type memDirectory struct{ recipients []string }

func (m *memDirectory) ResolveRecipients(context.Context, model.TargetType, []string) ([]string, error) {
	return m.recipients, nil
}

type memPrefs struct{}

func (memPrefs) SetMuted(context.Context, string, bool) error { return nil }
func (memPrefs) FilterMuted(context.Context, []string) (map[string]bool, error) {
	return nil, nil
}

// recordingDispatcher captures everything published, keyed by routing key.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []publishedMsg
}

type publishedMsg struct {
	key      string
	payload  []byte
	metadata map[string]string
}

func (d *recordingDispatcher) Publish(ctx context.Context, key string, env *model.Envelope) error {
	return d.Raw(ctx, key, nil, nil)
}

func (d *recordingDispatcher) Raw(_ context.Context, key string, payload []byte, metadata map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, publishedMsg{key: key, payload: payload, metadata: metadata})
	return nil
}

func (d *recordingDispatcher) Publisher() message.Publisher { return nil }

func (d *recordingDispatcher) frames(t *testing.T) []PushFrame {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	frames := make([]PushFrame, 0, len(d.sent))
	for _, m := range d.sent {
		f, err := DecodePushFrame(m.payload)
		require.NoError(t, err)
		frames = append(frames, *f)
	}
	return frames
}

// stubHub records routed events and answers the locality probe.
type stubHub struct {
	mu        sync.Mutex
	connected map[string]bool
	routed    []event.Eventer
}

func newStubHub(connected ...string) *stubHub {
	h := &stubHub{connected: make(map[string]bool)}
	for _, r := range connected {
		h.connected[r] = true
	}
	return h
}

func (h *stubHub) Broadcast(ev event.Eventer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routed = append(h.routed, ev)
	return true
}

func (h *stubHub) Register(registry.Connector) error { return nil }
func (h *stubHub) Unregister(string, uuid.UUID) {}
func (h *stubHub) IsConnected(recipientID string) bool      { return h.connected[recipientID] }
func (h *stubHub) Stats() registry.Stats                    { return registry.Stats{} }
func (h *stubHub) Drain(context.Context) {}

func (h *stubHub) events() []event.Eventer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.routed
}

// fixture bundles an orchestrator with all its observable fakes.
type fixture struct {
	orch       *Orchestrator
	broadcasts *memBroadcasts
	deliveries *memDeliveries
	stats      *memStats
	outbox     *memOutbox
	inbox      *memInboxCache
	flags      *memFlags
	dead       *memDeadLetters
	hub        *stubHub
	push       *recordingDispatcher
	directory  *memDirectory
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
		hub:        newStubHub(),
		push:       &recordingDispatcher{},
		directory:  &memDirectory{},
	}

	cfg := &config.Config{
		Node: config.Node{ID: "node-1"},
		Bus: config.Bus{
			Exchange:      "broadcast.events",
			PushExchange:  "broadcast.push",
			ConsumerQueue: "broadcast-delivery.orchestrator.v1",
		},
	}

	bcache, err := service.NewBroadcastCache(f.broadcasts, 16)
	require.NoError(t, err)
	targeting := service.NewTargetingService(f.directory, memPrefs{}, f.deliveries, f.stats, slog.Default())

	f.orch = NewOrchestrator(cfg, f.hub, f.broadcasts, f.deliveries, f.stats, f.outbox,
		targeting, bcache, f.inbox, f.flags, f.dead,
		&pubsub.StateDispatcher{EventDispatcher: &recordingDispatcher{}},
		&pubsub.PushDispatcher{EventDispatcher: f.push},
		slog.Default())
	return f
}

func envelopeFor(b *model.Broadcast, eventType string) *model.Envelope {
	return &model.Envelope{
		EventID:     uuid.New(),
		BroadcastID: b.ID,
		EventType:   eventType,
		Timestamp:   time.Now().UTC(),
	}
}
