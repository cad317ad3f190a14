package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
)

// The in-memory repositories back tests and single-process deployments that
// run without a database. They honor the same contracts as the PostgreSQL
// implementations, including at-most-once enqueue.

type memKey struct {
	group uuid.UUID
	id    string
}

type MemQueueRepo struct {
	mu    stdsync.Mutex
	items map[memKey]time.Time
}

func NewMemQueueRepo() *MemQueueRepo {
	return &MemQueueRepo{items: make(map[memKey]time.Time)}
}

func (r *MemQueueRepo) Enqueue(ctx context.Context, groupID uuid.UUID, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memKey{groupID, itemID}
	if _, ok := r.items[k]; ok {
		return ErrAlreadyQueued
	}
	r.items[k] = time.Now()
	return nil
}

func (r *MemQueueRepo) Dequeue(ctx context.Context, groupID uuid.UUID, itemID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memKey{groupID, itemID}
	_, ok := r.items[k]
	delete(r.items, k)
	return ok, nil
}

// Len reports the number of queued items, for tests.
func (r *MemQueueRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

type memLedger struct {
	mu    stdsync.Mutex
	items map[memKey]time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{items: make(map[memKey]time.Time)}
}

func (l *memLedger) add(groupID uuid.UUID, id string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := memKey{groupID, id}
	if _, ok := l.items[k]; ok {
		return false
	}
	l.items[k] = at
	return true
}

func (l *memLedger) remove(groupID uuid.UUID, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, memKey{groupID, id})
}

func (l *memLedger) find(groupID uuid.UUID, candidates []string) map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	found := make(map[string]struct{})
	for _, id := range candidates {
		if _, ok := l.items[memKey{groupID, id}]; ok {
			found[id] = struct{}{}
		}
	}
	return found
}

func (l *memLedger) deleteOldest(groupID uuid.UUID, t time.Time) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for k, at := range l.items {
		if k.group == groupID && at.Before(t) {
			delete(l.items, k)
			n++
		}
	}
	return n
}

type MemProcessedRepo struct{ ledger *memLedger }

func NewMemProcessedRepo() *MemProcessedRepo {
	return &MemProcessedRepo{ledger: newMemLedger()}
}

func (r *MemProcessedRepo) Mark(ctx context.Context, groupID uuid.UUID, processedID string, processedAt time.Time) (bool, error) {
	return r.ledger.add(groupID, processedID, processedAt), nil
}

func (r *MemProcessedRepo) Unmark(ctx context.Context, groupID uuid.UUID, processedID string) error {
	r.ledger.remove(groupID, processedID)
	return nil
}

func (r *MemProcessedRepo) Find(ctx context.Context, groupID uuid.UUID, candidates []string) (map[string]struct{}, error) {
	return r.ledger.find(groupID, candidates), nil
}

func (r *MemProcessedRepo) DeleteOldest(ctx context.Context, groupID uuid.UUID, t time.Time) (int64, error) {
	return r.ledger.deleteOldest(groupID, t), nil
}

type MemStoredRepo struct{ ledger *memLedger }

func NewMemStoredRepo() *MemStoredRepo {
	return &MemStoredRepo{ledger: newMemLedger()}
}

func (r *MemStoredRepo) Stored(ctx context.Context, groupID uuid.UUID, storedID string) (bool, error) {
	return r.ledger.add(groupID, storedID, time.Now()), nil
}

func (r *MemStoredRepo) Find(ctx context.Context, groupID uuid.UUID, candidates []string) (map[string]struct{}, error) {
	return r.ledger.find(groupID, candidates), nil
}

func (r *MemStoredRepo) DeleteOldest(ctx context.Context, groupID uuid.UUID, t time.Time) (int64, error) {
	return r.ledger.deleteOldest(groupID, t), nil
}

type MemGroupRepo struct {
	mu      stdsync.Mutex
	groups  map[uuid.UUID]*GroupUpdate
	nowFunc func() time.Time
}

func NewMemGroupRepo() *MemGroupRepo {
	return &MemGroupRepo{groups: make(map[uuid.UUID]*GroupUpdate), nowFunc: time.Now}
}

func (r *MemGroupRepo) get(groupID uuid.UUID) *GroupUpdate {
	g, ok := r.groups[groupID]
	if !ok {
		g = &GroupUpdate{GroupID: groupID}
		r.groups[groupID] = g
	}
	return g
}

func (r *MemGroupRepo) LastUpdated(ctx context.Context, groupID uuid.UUID) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(groupID).LastUpdated, nil
}

func (r *MemGroupRepo) UpdateLastUpdated(ctx context.Context, groupID uuid.UUID, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(groupID).LastUpdated = t
	return nil
}

func (r *MemGroupRepo) Requested(ctx context.Context, groupID uuid.UUID, rate time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.get(groupID)
	now := r.nowFunc()
	if !g.LastRequested.IsZero() && now.Sub(g.LastRequested) < rate {
		return false, nil
	}
	g.LastRequested = now
	return true, nil
}
