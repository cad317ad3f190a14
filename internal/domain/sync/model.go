// Package sync provides the queue, dedup ledgers and group processing that
// make change delivery idempotent: a queue keyed (group, item) with
// unique-constraint dedup, a processed-item ledger bounding the dedup
// lookback, a stored-item ledger of durably synced ids, and the last-updated
// tracking per data group.
package sync

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultGroupID identifies the default DHIS2 sync group that every
// deployment carries.
var DefaultGroupID = uuid.MustParse("22204dd4-05d9-4cdd-96a8-ed742087d469")

var (
	// ErrAlreadyQueued reports a concurrent duplicate enqueue. This is an
	// expected condition, not a failure.
	ErrAlreadyQueued = errors.New("item is already queued")
	// ErrItemStale reports an enqueue whose parent group no longer exists.
	// The item is ignored.
	ErrItemStale = errors.New("queued item is stale")
)

// ItemInfo identifies one polled resource together with the server-side
// last-updated timestamp observed at poll time.
type ItemInfo struct {
	// ID is the resource id string, e.g. "TRACKED_ENTITY/Jd8yGsd1Jsd".
	ID          string
	LastUpdated time.Time
	Deleted     bool
}

// ProcessedID is the ledger key of the item: the resource id combined with
// its version timestamp, so that a later update of the same resource is not
// deduplicated away.
func (i ItemInfo) ProcessedID(fallback time.Time) string {
	ts := i.LastUpdated
	if ts.IsZero() {
		ts = fallback
	}
	return i.ID + "|" + strconv.FormatInt(ts.UnixMilli(), 10)
}

// GroupUpdate is the last-updated tracking row of one data group.
type GroupUpdate struct {
	GroupID       uuid.UUID
	LastUpdated   time.Time
	LastRequested time.Time
}
