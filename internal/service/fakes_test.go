package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// In-memory fakes over the store contracts. Transactions collapse to direct
// calls: the fake outbox invokes the mutation with a nil tx and records the
// emitted events.

type fakeOutbox struct {
	mu     sync.Mutex
	events []model.OutboxEvent
	failed error
}

func (o *fakeOutbox) PublishWithState(ctx context.Context, mutate func(tx pgx.Tx) error, events ...model.OutboxEvent) error {
	return o.PublishWithStateFn(ctx, func(tx pgx.Tx) ([]model.OutboxEvent, error) {
		if mutate != nil {
			if err := mutate(tx); err != nil {
				return nil, err
			}
		}
		return events, nil
	})
}

func (o *fakeOutbox) PublishWithStateFn(_ context.Context, mutate func(tx pgx.Tx) ([]model.OutboxEvent, error)) error {
	if o.failed != nil {
		return o.failed
	}
	events, err := mutate(nil)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, events...)
	return nil
}

func (o *fakeOutbox) eventTypes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	types := make([]string, 0, len(o.events))
	for _, ev := range o.events {
		types = append(types, string(ev.AggregateType)+"."+string(ev.EventType))
	}
	return types
}

type fakeBroadcasts struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*model.Broadcast
	lists [][2]int // recorded (limit, offset) of List calls
}

func newFakeBroadcasts(rows ...*model.Broadcast) *fakeBroadcasts {
	f := &fakeBroadcasts{rows: make(map[uuid.UUID]*model.Broadcast)}
	for _, b := range rows {
		f.rows[b.ID] = b
	}
	return f
}

func (f *fakeBroadcasts) Insert(_ context.Context, _ pgx.Tx, b *model.Broadcast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[b.ID] = b
	return nil
}

func (f *fakeBroadcasts) GetByID(_ context.Context, _ pgx.Tx, id uuid.UUID) (*model.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return nil, model.NotFoundf("broadcast %s", id)
	}
	clone := *b
	return &clone, nil
}

func (f *fakeBroadcasts) List(_ context.Context, limit, offset int) ([]*model.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, [2]int{limit, offset})
	out := make([]*model.Broadcast, 0, len(f.rows))
	for _, b := range f.rows {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeBroadcasts) Transition(_ context.Context, _ pgx.Tx, id uuid.UUID, from []model.BroadcastStatus, to model.BroadcastStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
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

func (f *fakeBroadcasts) FindScheduledDue(_ context.Context, before time.Time, _ int) ([]*model.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Broadcast
	for _, b := range f.rows {
		if b.Status == model.StatusScheduled && b.ScheduledAt != nil && !b.ScheduledAt.After(before) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBroadcasts) FindActiveExpired(_ context.Context, now time.Time, _ int) ([]*model.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Broadcast
	for _, b := range f.rows {
		if b.Status == model.StatusActive && b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBroadcasts) status(id uuid.UUID) model.BroadcastStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].Status
}

type deliveryKey struct {
	broadcastID uuid.UUID
	recipientID string
}

type fakeDeliveries struct {
	mu     sync.Mutex
	rows   map[deliveryKey]*model.Delivery
	chunks []int // batch sizes seen by InsertPendingBatch
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{rows: make(map[deliveryKey]*model.Delivery)}
}

func (f *fakeDeliveries) put(d *model.Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[deliveryKey{d.BroadcastID, d.RecipientID}] = d
}

func (f *fakeDeliveries) InsertPendingBatch(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, recipients []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, len(recipients))
	var n int64
	for _, r := range recipients {
		key := deliveryKey{broadcastID, r}
		if _, exists := f.rows[key]; exists {
			continue
		}
		f.rows[key] = &model.Delivery{
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

func (f *fakeDeliveries) MarkDelivered(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, recipientID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[deliveryKey{broadcastID, recipientID}]
	if !ok || d.DeliveryStatus != model.DeliveryPending {
		return false, nil
	}
	d.DeliveryStatus = model.DeliveryDelivered
	d.DeliveredAt = &at
	return true, nil
}

func (f *fakeDeliveries) MarkRead(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, recipientID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[deliveryKey{broadcastID, recipientID}]
	if !ok || d.ReadStatus == model.ReadRead {
		return false, nil
	}
	d.ReadStatus = model.ReadRead
	d.ReadAt = &at
	if d.DeliveryStatus == model.DeliveryPending {
		d.DeliveryStatus = model.DeliveryDelivered
	}
	return true, nil
}

func (f *fakeDeliveries) ResetToPending(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, recipientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[deliveryKey{broadcastID, recipientID}]
	if !ok {
		return false, nil
	}
	d.DeliveryStatus = model.DeliveryPending
	return true, nil
}

func (f *fakeDeliveries) SupersedePending(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, d := range f.rows {
		if k.broadcastID == broadcastID && d.DeliveryStatus == model.DeliveryPending {
			d.DeliveryStatus = model.DeliverySuperseded
			n++
		}
	}
	return n, nil
}

func (f *fakeDeliveries) Get(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, recipientID string) (*model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[deliveryKey{broadcastID, recipientID}]
	if !ok {
		return nil, model.NotFoundf("delivery %s/%s", broadcastID, recipientID)
	}
	clone := *d
	return &clone, nil
}

func (f *fakeDeliveries) ListByRecipient(_ context.Context, recipientID string, unreadOnly, _ bool, _ int) ([]*model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Delivery
	for k, d := range f.rows {
		if k.recipientID != recipientID {
			continue
		}
		if unreadOnly && d.ReadStatus == model.ReadRead {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeDeliveries) ListPendingByRecipient(_ context.Context, recipientID string, _ int) ([]*model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Delivery
	for k, d := range f.rows {
		if k.recipientID == recipientID && d.DeliveryStatus == model.DeliveryPending {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDeliveries) RecipientsOf(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.rows {
		if k.broadcastID == broadcastID {
			out = append(out, k.recipientID)
		}
	}
	return out, nil
}

func (f *fakeDeliveries) statusOf(broadcastID uuid.UUID, recipientID string) model.DeliveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[deliveryKey{broadcastID, recipientID}].DeliveryStatus
}

type fakeStats struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*model.Statistics
	notFound bool
}

func newFakeStats() *fakeStats {
	return &fakeStats{rows: make(map[uuid.UUID]*model.Statistics)}
}

func (f *fakeStats) Insert(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, totalTargeted int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[broadcastID] = &model.Statistics{BroadcastID: broadcastID, TotalTargeted: totalTargeted}
	return nil
}

func (f *fakeStats) IncrDelivered(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.rows[broadcastID]; ok {
		st.TotalDelivered++
	}
	return nil
}

func (f *fakeStats) IncrRead(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.rows[broadcastID]; ok {
		st.TotalRead++
	}
	return nil
}

func (f *fakeStats) IncrFailed(_ context.Context, _ pgx.Tx, broadcastID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.rows[broadcastID]; ok {
		st.TotalFailed++
	}
	return nil
}

func (f *fakeStats) Get(_ context.Context, broadcastID uuid.UUID) (*model.Statistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.rows[broadcastID]
	if !ok || f.notFound {
		return nil, model.NotFoundf("statistics %s", broadcastID)
	}
	clone := *st
	return &clone, nil
}

type fakeFlags struct {
	mu     sync.Mutex
	armed  bool
	marked map[uuid.UUID]bool
}

func newFakeFlags() *fakeFlags {
	return &fakeFlags{marked: make(map[uuid.UUID]bool)}
}

func (f *fakeFlags) Arm(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = true
	return nil
}

func (f *fakeFlags) ConsumeArmed(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.armed
	f.armed = false
	return was, nil
}

func (f *fakeFlags) MarkBroadcast(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[id] = true
	return nil
}

func (f *fakeFlags) ShouldFail(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marked[id], nil
}

func (f *fakeFlags) ClearBroadcast(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.marked, id)
	return nil
}

func (f *fakeFlags) Disarm(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = false
	f.marked = make(map[uuid.UUID]bool)
	return nil
}

func (f *fakeFlags) State(context.Context) (bool, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.marked {
		ids = append(ids, id.String())
	}
	return f.armed, ids, nil
}

type fakeInboxCache struct {
	mu        sync.Mutex
	snapshots map[string][]model.InboxEntry
}

func newFakeInboxCache() *fakeInboxCache {
	return &fakeInboxCache{snapshots: make(map[string][]model.InboxEntry)}
}

func (f *fakeInboxCache) Get(_ context.Context, recipientID string) ([]model.InboxEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, ok := f.snapshots[recipientID]
	return entries, ok, nil
}

func (f *fakeInboxCache) Put(_ context.Context, recipientID string, entries []model.InboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[recipientID] = entries
	return nil
}

func (f *fakeInboxCache) Upsert(_ context.Context, recipientID string, entry model.InboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, ok := f.snapshots[recipientID]
	if !ok {
		return nil
	}
	for i := range entries {
		if entries[i].BroadcastID == entry.BroadcastID {
			entries[i] = entry
			return nil
		}
	}
	f.snapshots[recipientID] = append([]model.InboxEntry{entry}, entries...)
	return nil
}

func (f *fakeInboxCache) RemoveBroadcast(_ context.Context, recipientID string, broadcastID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, ok := f.snapshots[recipientID]
	if !ok {
		return nil
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.BroadcastID != broadcastID {
			kept = append(kept, e)
		}
	}
	f.snapshots[recipientID] = kept
	return nil
}

func (f *fakeInboxCache) Invalidate(_ context.Context, recipientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, recipientID)
	return nil
}

func (f *fakeInboxCache) Size(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.snapshots)), nil
}

func (f *fakeInboxCache) EvictRandom(_ context.Context, n int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var evicted int64
	for r := range f.snapshots {
		if evicted >= n {
			break
		}
		delete(f.snapshots, r)
		evicted++
	}
	return evicted, nil
}

type fakeDirectory struct {
	recipients []string
	err        error
}

func (f *fakeDirectory) ResolveRecipients(context.Context, model.TargetType, []string) ([]string, error) {
	return f.recipients, f.err
}

type fakePrefs struct {
	muted map[string]bool
}

func (f *fakePrefs) SetMuted(_ context.Context, recipientID string, muted bool) error {
	if f.muted == nil {
		f.muted = make(map[string]bool)
	}
	f.muted[recipientID] = muted
	return nil
}

func (f *fakePrefs) FilterMuted(_ context.Context, _ []string) (map[string]bool, error) {
	return f.muted, nil
}

type fakeDeadLetters struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.DeadLetter
}

func newFakeDeadLetters(rows ...*model.DeadLetter) *fakeDeadLetters {
	f := &fakeDeadLetters{rows: make(map[uuid.UUID]*model.DeadLetter)}
	for _, dl := range rows {
		f.rows[dl.ID] = dl
	}
	return f
}

func (f *fakeDeadLetters) Insert(_ context.Context, dl *model.DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[dl.ID] = dl
	return nil
}

func (f *fakeDeadLetters) Get(_ context.Context, id uuid.UUID) (*model.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dl, ok := f.rows[id]
	if !ok {
		return nil, model.NotFoundf("dead letter %s", id)
	}
	return dl, nil
}

func (f *fakeDeadLetters) List(_ context.Context, limit, _ int) ([]*model.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.DeadLetter, 0, len(f.rows))
	for _, dl := range f.rows {
		if len(out) == limit {
			break
		}
		out = append(out, dl)
	}
	return out, nil
}

func (f *fakeDeadLetters) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[id]
	delete(f.rows, id)
	return ok, nil
}

func (f *fakeDeadLetters) DeleteAll(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.rows))
	f.rows = make(map[uuid.UUID]*model.DeadLetter)
	return n, nil
}

func (f *fakeDeadLetters) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, dl := range f.rows {
		if dl.FailedAt.Before(cutoff) {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeDeadLetters) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}
