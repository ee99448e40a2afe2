package repository

import (
	"context"

	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmoiron/sqlx"
)

type DeadLettersRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, d model.DeadLetter) error
	List(ctx context.Context, limit int) ([]model.DeadLetter, error)
}

type DeadLettersRepositoryImpl struct {
	base
}

func NewDeadLettersRepository(db *sqlx.DB) *DeadLettersRepositoryImpl {
	return &DeadLettersRepositoryImpl{base{db: db}}
}

var _ DeadLettersRepository = (*DeadLettersRepositoryImpl)(nil)

func (r *DeadLettersRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, d model.DeadLetter) error {
	const q = `
		INSERT INTO dead_letters (job_id, kind, topic, payload, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NOW())
		ON DUPLICATE KEY UPDATE attempts = VALUES(attempts), last_error = VALUES(last_error)
	`
	_, err := r.ext(tx).ExecContext(ctx, q, d.JobID, d.Kind.String(), d.Topic, jsonOrEmpty(d.Payload), d.Attempts, d.LastError)
	return err
}

func (r *DeadLettersRepositoryImpl) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []model.DeadLetter
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, job_id, kind, topic, payload, attempts, last_error, created_at
		  FROM dead_letters ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
