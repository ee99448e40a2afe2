package repository

import (
	"context"

	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmoiron/sqlx"
)

type NotificationsRepository interface {
	Insert(ctx context.Context, n model.Notification) error
}

type NotificationsRepositoryImpl struct {
	base
}

func NewNotificationsRepository(db *sqlx.DB) *NotificationsRepositoryImpl {
	return &NotificationsRepositoryImpl{base{db: db}}
}

var _ NotificationsRepository = (*NotificationsRepositoryImpl)(nil)

func (r *NotificationsRepositoryImpl) Insert(ctx context.Context, n model.Notification) error {
	const q = `
		INSERT INTO notifications (user_id, publication_id, account_id, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?, NOW())
	`
	_, err := r.db.ExecContext(ctx, q, n.UserID, n.PublicationID, n.AccountID, n.Kind, n.Message)
	return err
}
