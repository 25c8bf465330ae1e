package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// insertChunk bounds one INSERT statement during precomputation so a large
// audience never produces a single oversized transaction round-trip.
const insertChunk = 1000

// TargetingService expands a broadcast's audience against the external
// directory and materializes the per-recipient delivery rows.
type TargetingService struct {
	directory  Directory
	prefs      PreferenceStore
	deliveries DeliveryStore
	stats      StatisticsStore
	logger     *slog.Logger
}

func NewTargetingService(
	directory Directory,
	prefs PreferenceStore,
	deliveries DeliveryStore,
	stats StatisticsStore,
	logger *slog.Logger,
) *TargetingService {
	return &TargetingService{
		directory:  directory,
		prefs:      prefs,
		deliveries: deliveries,
		stats:      stats,
		logger:     logger.With(slog.String("component", "targeting")),
	}
}

// Expand resolves the audience and drops recipients who muted broadcasts.
// Directory failures propagate as unavailable so the caller retries the whole
// expansion later instead of fanning out to a partial set.
func (t *TargetingService) Expand(ctx context.Context, targetType model.TargetType, targetIDs []string) ([]string, error) {
	recipients, err := t.directory.ResolveRecipients(ctx, targetType, targetIDs)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	muted, err := t.prefs.FilterMuted(ctx, recipients)
	if err != nil {
		return nil, err
	}
	kept := recipients[:0]
	for _, r := range recipients {
		if !muted[r] {
			kept = append(kept, r)
		}
	}
	if dropped := len(recipients) - len(kept); dropped > 0 {
		t.logger.Debug("muted recipients dropped", slog.Int("count", dropped))
	}
	return kept, nil
}

// Precompute materializes PENDING rows in chunks and seeds the statistics
// counters. The conflict-free insert makes a retried precomputation resume
// where the previous attempt stopped.
func (t *TargetingService) Precompute(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, recipients []string) (int64, error) {
	var inserted int64
	for start := 0; start < len(recipients); start += insertChunk {
		end := min(start+insertChunk, len(recipients))
		n, err := t.deliveries.InsertPendingBatch(ctx, tx, broadcastID, recipients[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	if err := t.stats.Insert(ctx, tx, broadcastID, int64(len(recipients))); err != nil {
		return inserted, err
	}
	return inserted, nil
}
