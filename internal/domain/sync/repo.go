package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueueRepository prevents duplicate concurrent processing of one item.
type QueueRepository interface {
	// Enqueue inserts the queue row. A duplicate returns ErrAlreadyQueued,
	// a missing parent group returns ErrItemStale.
	Enqueue(ctx context.Context, groupID uuid.UUID, itemID string) error
	// Dequeue removes the queue row, absorbing any concurrent enqueue in
	// the same transaction. It reports whether a row was removed.
	Dequeue(ctx context.Context, groupID uuid.UUID, itemID string) (bool, error)
}

// ProcessedRepository is the ledger bounding the dedup lookback window.
type ProcessedRepository interface {
	// Mark records the processed id. It reports false when the id was
	// already recorded.
	Mark(ctx context.Context, groupID uuid.UUID, processedID string, processedAt time.Time) (bool, error)
	// Unmark removes a recorded id so the change version is retried on the
	// next poll cycle.
	Unmark(ctx context.Context, groupID uuid.UUID, processedID string) error
	// Find returns the subset of candidates already recorded for the group.
	Find(ctx context.Context, groupID uuid.UUID, candidates []string) (map[string]struct{}, error)
	// DeleteOldest removes rows of the group strictly older than t and
	// returns the number removed.
	DeleteOldest(ctx context.Context, groupID uuid.UUID, t time.Time) (int64, error)
}

// StoredRepository is the ledger of external ids this adapter has durably
// written itself; polled changes matching it are echoes, not new work.
type StoredRepository interface {
	// Stored records the id. It reports false when already recorded.
	Stored(ctx context.Context, groupID uuid.UUID, storedID string) (bool, error)
	Find(ctx context.Context, groupID uuid.UUID, candidates []string) (map[string]struct{}, error)
	DeleteOldest(ctx context.Context, groupID uuid.UUID, t time.Time) (int64, error)
}

// GroupRepository tracks per-group poll progress.
type GroupRepository interface {
	// LastUpdated returns the group's poll mark; the zero time when the
	// group has never been polled.
	LastUpdated(ctx context.Context, groupID uuid.UUID) (time.Time, error)
	// UpdateLastUpdated advances the poll mark under a pessimistic row
	// lock.
	UpdateLastUpdated(ctx context.Context, groupID uuid.UUID, t time.Time) error
	// Requested is the poll rate gate: it reports true and stamps the
	// request time when at least rate has passed since the last request.
	Requested(ctx context.Context, groupID uuid.UUID, rate time.Duration) (bool, error)
}
