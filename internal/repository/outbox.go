package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes a single outbox event. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx.
	Insert(ctx context.Context, tx *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte, availableAt time.Time) error
	// ClaimDue locks rows that are ready to relay; must run inside tx.
	ClaimDue(ctx context.Context, tx *sqlx.Tx, now time.Time, limit int) ([]model.OutboxEvent, error)
	Delete(ctx context.Context, tx *sqlx.Tx, ids []int64) error
	MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, retryAt time.Time) error
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	base
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{base{db: db}}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// Insert adds an event row to outbox. The relay publishes it to Kafka based on
// the `topic` column once available_at has passed.
func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte, availableAt time.Time) error {
	const q = `
		INSERT INTO outbox (aggregate, aggregate_id, topic, payload, attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, NOW(), NOW())
	`
	if availableAt.IsZero() {
		availableAt = time.Now().UTC()
	}
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, aggregate, aggregateID, topic, payload, availableAt)

		return err
	})
}

func (r *OutboxRepositoryImpl) ClaimDue(ctx context.Context, tx *sqlx.Tx, now time.Time, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.OutboxEvent
	err := tx.SelectContext(ctx, &rows, `
		SELECT id, aggregate, aggregate_id, topic, payload, attempts, available_at, created_at, updated_at
		  FROM outbox
		 WHERE available_at <= ?
		 ORDER BY id
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) Delete(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM outbox WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, retryAt time.Time) error {
	_, err := r.ext(tx).ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, available_at = ?, updated_at = NOW() WHERE id = ?`, retryAt, id)
	return err
}
