package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmoiron/sqlx"
)

// AttemptView is one row of the ClickHouse attempt history.
type AttemptView struct {
	ID             string    `db:"id" json:"id"`
	PublicationID  int64     `db:"publication_id" json:"publication_id"`
	AccountID      int64     `db:"account_id" json:"account_id"`
	Platform       string    `db:"platform" json:"platform"`
	PlatformPostID string    `db:"platform_post_id" json:"platform_post_id,omitempty"`
	Status         string    `db:"status" json:"status"`
	ErrorMessage   string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// CHAttemptsRepository lists attempt history from ClickHouse (final view).
type CHAttemptsRepository interface {
	ListByPublication(ctx context.Context, userID, publicationID int64, status model.AttemptStatus, limit, offset int) ([]AttemptView, error)
}

type chAttemptsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHAttemptsRepository(ch *sqlx.DB) CHAttemptsRepository {
	return &chAttemptsRepository{ch: ch}
}

func (r *chAttemptsRepository) ListByPublication(ctx context.Context, userID, publicationID int64, status model.AttemptStatus, limit, offset int) ([]AttemptView, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, publication_id, account_id, platform, platform_post_id, status, error_message, created_at, updated_at
		FROM publisher.attempt_logs_latest
		WHERE user_id = ? AND publication_id = ?
	`
	args := []any{userID, publicationID}

	if status != "" {
		q += " AND status = ?"
		args = append(args, status.String())
	}

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []AttemptView
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
