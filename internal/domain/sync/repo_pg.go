package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dhisfhir/adapter/internal/platform/db"
)

type queueRepoPG struct{ pool *pgxpool.Pool }

func NewQueueRepoPG(pool *pgxpool.Pool) QueueRepository {
	return &queueRepoPG{pool: pool}
}

func (r *queueRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *queueRepoPG) Enqueue(ctx context.Context, groupID uuid.UUID, itemID string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO queued_item (group_id, item_id, queued_at)
		VALUES ($1, $2, NOW())`, groupID, itemID)
	switch classified := db.ClassifyError(err); {
	case errors.Is(classified, db.ErrUniqueViolation):
		return ErrAlreadyQueued
	case errors.Is(classified, db.ErrForeignKeyViolation):
		return ErrItemStale
	default:
		return err
	}
}

// Dequeue runs the insert and delete in one transaction. The insert waits on
// the row lock of any concurrent uncommitted enqueue, so the delete never
// races ahead of an enqueue that is not yet visible.
func (r *queueRepoPG) Dequeue(ctx context.Context, groupID uuid.UUID, itemID string) (bool, error) {
	var removed bool
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO queued_item (group_id, item_id, queued_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (group_id, item_id) DO NOTHING`, groupID, itemID)
		if classified := db.ClassifyError(err); errors.Is(classified, db.ErrForeignKeyViolation) {
			return nil
		} else if err != nil {
			return err
		}
		tag, err := r.conn(ctx).Exec(ctx, `
			DELETE FROM queued_item WHERE group_id = $1 AND item_id = $2`, groupID, itemID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected() > 0
		return nil
	})
	return removed, err
}

type processedRepoPG struct{ pool *pgxpool.Pool }

func NewProcessedRepoPG(pool *pgxpool.Pool) ProcessedRepository {
	return &processedRepoPG{pool: pool}
}

func (r *processedRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *processedRepoPG) Mark(ctx context.Context, groupID uuid.UUID, processedID string, processedAt time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO processed_item (group_id, processed_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, processed_id) DO NOTHING`, groupID, processedID, processedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *processedRepoPG) Unmark(ctx context.Context, groupID uuid.UUID, processedID string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM processed_item WHERE group_id = $1 AND processed_id = $2`, groupID, processedID)
	return err
}

func (r *processedRepoPG) Find(ctx context.Context, groupID uuid.UUID, candidates []string) (map[string]struct{}, error) {
	return findIDs(ctx, r.conn(ctx), `SELECT processed_id FROM processed_item WHERE group_id = $1 AND processed_id = ANY($2)`, groupID, candidates)
}

func (r *processedRepoPG) DeleteOldest(ctx context.Context, groupID uuid.UUID, t time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM processed_item WHERE group_id = $1 AND processed_at < $2`, groupID, t)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type storedRepoPG struct{ pool *pgxpool.Pool }

func NewStoredRepoPG(pool *pgxpool.Pool) StoredRepository {
	return &storedRepoPG{pool: pool}
}

func (r *storedRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *storedRepoPG) Stored(ctx context.Context, groupID uuid.UUID, storedID string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO stored_item (group_id, stored_id, stored_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (group_id, stored_id) DO NOTHING`, groupID, storedID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *storedRepoPG) Find(ctx context.Context, groupID uuid.UUID, candidates []string) (map[string]struct{}, error) {
	return findIDs(ctx, r.conn(ctx), `SELECT stored_id FROM stored_item WHERE group_id = $1 AND stored_id = ANY($2)`, groupID, candidates)
}

func (r *storedRepoPG) DeleteOldest(ctx context.Context, groupID uuid.UUID, t time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM stored_item WHERE group_id = $1 AND stored_at < $2`, groupID, t)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func findIDs(ctx context.Context, conn db.Queryable, sql string, groupID uuid.UUID, candidates []string) (map[string]struct{}, error) {
	if len(candidates) == 0 {
		return map[string]struct{}{}, nil
	}
	rows, err := conn.Query(ctx, sql, groupID, candidates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]struct{}, len(candidates))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = struct{}{}
	}
	return found, rows.Err()
}

type groupRepoPG struct {
	pool    *pgxpool.Pool
	nowFunc func() time.Time
}

func NewGroupRepoPG(pool *pgxpool.Pool) GroupRepository {
	return &groupRepoPG{pool: pool, nowFunc: time.Now}
}

func (r *groupRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// ensure creates the tracking row of a group on first use.
func (r *groupRepoPG) ensure(ctx context.Context, groupID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sync_group (id, last_updated, last_requested)
		VALUES ($1, 'epoch', 'epoch')
		ON CONFLICT (id) DO NOTHING`, groupID)
	return err
}

func (r *groupRepoPG) LastUpdated(ctx context.Context, groupID uuid.UUID) (time.Time, error) {
	if err := r.ensure(ctx, groupID); err != nil {
		return time.Time{}, err
	}
	var t time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT last_updated FROM sync_group WHERE id = $1`, groupID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if t.Unix() == 0 {
		return time.Time{}, nil
	}
	return t, nil
}

func (r *groupRepoPG) UpdateLastUpdated(ctx context.Context, groupID uuid.UUID, t time.Time) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.ensure(ctx, groupID); err != nil {
			return err
		}
		var current time.Time
		err := r.conn(ctx).QueryRow(ctx, `
			SELECT last_updated FROM sync_group WHERE id = $1 FOR UPDATE`, groupID).Scan(&current)
		if err != nil {
			return fmt.Errorf("lock sync group %s: %w", groupID, err)
		}
		_, err = r.conn(ctx).Exec(ctx, `
			UPDATE sync_group SET last_updated = $2 WHERE id = $1`, groupID, t)
		return err
	})
}

func (r *groupRepoPG) Requested(ctx context.Context, groupID uuid.UUID, rate time.Duration) (bool, error) {
	var granted bool
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.ensure(ctx, groupID); err != nil {
			return err
		}
		var last time.Time
		err := r.conn(ctx).QueryRow(ctx, `
			SELECT last_requested FROM sync_group WHERE id = $1 FOR UPDATE`, groupID).Scan(&last)
		if err != nil {
			return fmt.Errorf("lock sync group %s: %w", groupID, err)
		}
		now := r.nowFunc()
		if now.Sub(last) < rate {
			return nil
		}
		if _, err := r.conn(ctx).Exec(ctx, `
			UPDATE sync_group SET last_requested = $2 WHERE id = $1`, groupID, now); err != nil {
			return err
		}
		granted = true
		return nil
	})
	return granted, err
}
