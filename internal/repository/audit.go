package repository

import (
	"context"

	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmoiron/sqlx"
)

type AuditRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, e model.AuditEntry) error
}

type AuditRepositoryImpl struct {
	base
}

func NewAuditRepository(db *sqlx.DB) *AuditRepositoryImpl {
	return &AuditRepositoryImpl{base{db: db}}
}

var _ AuditRepository = (*AuditRepositoryImpl)(nil)

func (r *AuditRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, e model.AuditEntry) error {
	const q = `
		INSERT INTO audit_log (entity, entity_id, action, cause, detail, created_at)
		VALUES (?, ?, ?, ?, ?, NOW())
	`
	_, err := r.ext(tx).ExecContext(ctx, q, e.Entity, e.EntityID, e.Action, e.Cause, jsonOrEmpty(e.Detail))
	return err
}
