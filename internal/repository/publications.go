package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmoiron/sqlx"
)

type PublicationsRepository interface {
	Get(ctx context.Context, tx *sqlx.Tx, id int64) (model.Publication, error)
	Targets(ctx context.Context, tx *sqlx.Tx, publicationID int64) ([]int64, error)
	// Transition is a guarded status change; false when the row was not in from.
	Transition(ctx context.Context, tx *sqlx.Tx, id int64, from, to model.PublicationStatus) (bool, error)
	LockDueScheduled(ctx context.Context, tx *sqlx.Tx, now time.Time, limit int) ([]model.Publication, error)
	ListInStatusSince(ctx context.Context, status model.PublicationStatus, before time.Time, limit int) ([]model.Publication, error)
	ListAbandonedQueued(ctx context.Context, before time.Time, limit int) ([]model.Publication, error)
	ConsumeRetry(ctx context.Context, tx *sqlx.Tx, id int64, def int) (bool, error)
	NormalizeRetryBudgets(ctx context.Context, tx *sqlx.Tx, def int) (int64, error)
	CountByStatus(ctx context.Context, status model.PublicationStatus) (int64, error)
	ResetFailed(ctx context.Context, tx *sqlx.Tx, retries int) ([]int64, error)
}

const publicationColumns = `id, user_id, title, body, link, media, scheduled_at, status,
	retries_remaining, created_at, updated_at`

type PublicationsRepositoryImpl struct {
	base
}

func NewPublicationsRepository(db *sqlx.DB) *PublicationsRepositoryImpl {
	return &PublicationsRepositoryImpl{base{db: db}}
}

var _ PublicationsRepository = (*PublicationsRepositoryImpl)(nil)

func (r *PublicationsRepositoryImpl) Get(ctx context.Context, tx *sqlx.Tx, id int64) (model.Publication, error) {
	var p model.Publication
	err := sqlx.GetContext(ctx, r.ext(tx), &p, `SELECT `+publicationColumns+` FROM publications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Publication{}, ErrNotFound
	}
	return p, err
}

func (r *PublicationsRepositoryImpl) Targets(ctx context.Context, tx *sqlx.Tx, publicationID int64) ([]int64, error) {
	var ids []int64
	err := sqlx.SelectContext(ctx, r.ext(tx), &ids,
		`SELECT account_id FROM publication_accounts WHERE publication_id = ? ORDER BY account_id`, publicationID)
	return ids, err
}

func (r *PublicationsRepositoryImpl) Transition(ctx context.Context, tx *sqlx.Tx, id int64, from, to model.PublicationStatus) (bool, error) {
	res, err := r.ext(tx).ExecContext(ctx,
		`UPDATE publications SET status = ?, updated_at = NOW() WHERE id = ? AND status = ?`,
		to.String(), id, from.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// LockDueScheduled claims due rows; concurrent sweeps skip rows another transaction holds.
func (r *PublicationsRepositoryImpl) LockDueScheduled(ctx context.Context, tx *sqlx.Tx, now time.Time, limit int) ([]model.Publication, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.Publication
	err := sqlx.SelectContext(ctx, tx, &rows, `
		SELECT `+publicationColumns+`
		  FROM publications
		 WHERE status = 'scheduled' AND scheduled_at <= ?
		 ORDER BY scheduled_at
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *PublicationsRepositoryImpl) ListInStatusSince(ctx context.Context, status model.PublicationStatus, before time.Time, limit int) ([]model.Publication, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []model.Publication
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+publicationColumns+`
		  FROM publications
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at
		 LIMIT ?
	`, status.String(), before, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListAbandonedQueued finds queued rows whose job is no longer waiting in the outbox.
func (r *PublicationsRepositoryImpl) ListAbandonedQueued(ctx context.Context, before time.Time, limit int) ([]model.Publication, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []model.Publication
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+publicationColumns+`
		  FROM publications p
		 WHERE p.status = 'queued' AND p.updated_at < ?
		   AND NOT EXISTS (
		       SELECT 1 FROM outbox o
		        WHERE o.aggregate = 'publication' AND o.aggregate_id = CAST(p.id AS CHAR)
		   )
		 ORDER BY p.updated_at
		 LIMIT ?
	`, before, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ConsumeRetry decrements the retry budget; false when it is exhausted.
// A NULL budget counts as def.
func (r *PublicationsRepositoryImpl) ConsumeRetry(ctx context.Context, tx *sqlx.Tx, id int64, def int) (bool, error) {
	res, err := r.ext(tx).ExecContext(ctx, `
		UPDATE publications
		   SET retries_remaining = COALESCE(retries_remaining, ?) - 1, updated_at = NOW()
		 WHERE id = ? AND COALESCE(retries_remaining, ?) > 0
	`, def, id, def)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PublicationsRepositoryImpl) NormalizeRetryBudgets(ctx context.Context, tx *sqlx.Tx, def int) (int64, error) {
	res, err := r.ext(tx).ExecContext(ctx,
		`UPDATE publications SET retries_remaining = ? WHERE retries_remaining IS NULL`, def)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PublicationsRepositoryImpl) CountByStatus(ctx context.Context, status model.PublicationStatus) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM publications WHERE status = ?`, status.String())
	return n, err
}

// ResetFailed moves every failed publication back to draft with a fresh budget.
func (r *PublicationsRepositoryImpl) ResetFailed(ctx context.Context, tx *sqlx.Tx, retries int) ([]int64, error) {
	var ids []int64
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &ids,
			`SELECT id FROM publications WHERE status = 'failed' ORDER BY id FOR UPDATE`); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		query, args, err := sqlx.In(
			`UPDATE publications SET status = 'draft', retries_remaining = ?, updated_at = NOW() WHERE id IN (?)`,
			retries, ids)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
		return err
	})
	return ids, err
}
