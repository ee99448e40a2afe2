package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

// AttemptsRepository persists the append-only attempt log.
type AttemptsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, a model.AttemptLog) error
	Get(ctx context.Context, tx *sqlx.Tx, id string) (model.AttemptLog, error)
	ListByPublication(ctx context.Context, tx *sqlx.Tx, publicationID int64) ([]model.AttemptLog, error)
	ListPublishedSince(ctx context.Context, platforms []model.Platform, since time.Time, limit int) ([]model.AttemptLog, error)
	// Correct moves a row from one status to another; false when the row was not in from.
	Correct(ctx context.Context, tx *sqlx.Tx, id string, from, to model.AttemptStatus, message string, metrics types.JSONText) (bool, error)
	UpdateMetrics(ctx context.Context, tx *sqlx.Tx, id string, metrics types.JSONText) error
}

const attemptColumns = `id, publication_id, account_id, platform, platform_post_id, status,
	error_kind, error_message, metrics, created_at, updated_at`

type AttemptsRepositoryImpl struct {
	base
}

func NewAttemptsRepository(db *sqlx.DB) *AttemptsRepositoryImpl {
	return &AttemptsRepositoryImpl{base{db: db}}
}

var _ AttemptsRepository = (*AttemptsRepositoryImpl)(nil)

func (r *AttemptsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, a model.AttemptLog) error {
	const q = `
		INSERT INTO attempt_logs
		    (id, publication_id, account_id, platform, platform_post_id, status, error_kind, error_message, metrics, created_at, updated_at)
		VALUES
		    (?,  ?,              ?,          ?,        ?,                ?,      ?,          ?,             ?,       ?,          ?)
	`
	now := a.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := r.ext(tx).ExecContext(ctx, q,
		a.ID, a.PublicationID, a.AccountID, a.Platform.String(), a.PlatformPostID, a.Status.String(),
		a.ErrorKind, a.ErrorMessage, jsonOrEmpty(a.Metrics), now, now,
	)
	return err
}

func (r *AttemptsRepositoryImpl) Get(ctx context.Context, tx *sqlx.Tx, id string) (model.AttemptLog, error) {
	var a model.AttemptLog
	err := sqlx.GetContext(ctx, r.ext(tx), &a, `SELECT `+attemptColumns+` FROM attempt_logs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AttemptLog{}, ErrNotFound
	}
	return a, err
}

func (r *AttemptsRepositoryImpl) ListByPublication(ctx context.Context, tx *sqlx.Tx, publicationID int64) ([]model.AttemptLog, error) {
	var rows []model.AttemptLog
	err := sqlx.SelectContext(ctx, r.ext(tx), &rows,
		`SELECT `+attemptColumns+` FROM attempt_logs WHERE publication_id = ? ORDER BY created_at, id`, publicationID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AttemptsRepositoryImpl) ListPublishedSince(ctx context.Context, platforms []model.Platform, since time.Time, limit int) ([]model.AttemptLog, error) {
	if len(platforms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	names := make([]string, 0, len(platforms))
	for _, p := range platforms {
		names = append(names, p.String())
	}

	const q = `SELECT ` + attemptColumns + ` FROM attempt_logs
		WHERE status = 'published' AND platform_post_id IS NOT NULL
		  AND platform IN (?) AND created_at >= ?
		ORDER BY created_at LIMIT ?`
	query, args, err := sqlx.In(q, names, since, limit)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var rows []model.AttemptLog
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AttemptsRepositoryImpl) Correct(ctx context.Context, tx *sqlx.Tx, id string, from, to model.AttemptStatus, message string, metrics types.JSONText) (bool, error) {
	const q = `
		UPDATE attempt_logs
		   SET status = ?, error_message = ?, metrics = ?, updated_at = NOW()
		 WHERE id = ? AND status = ?
	`
	res, err := r.ext(tx).ExecContext(ctx, q, to.String(), message, jsonOrEmpty(metrics), id, from.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *AttemptsRepositoryImpl) UpdateMetrics(ctx context.Context, tx *sqlx.Tx, id string, metrics types.JSONText) error {
	_, err := r.ext(tx).ExecContext(ctx,
		`UPDATE attempt_logs SET metrics = ?, updated_at = NOW() WHERE id = ?`, jsonOrEmpty(metrics), id)
	return err
}
