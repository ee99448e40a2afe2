package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/vault"
	"github.com/jmoiron/sqlx"
)

type AccountsRepository interface {
	Get(ctx context.Context, tx *sqlx.Tx, id int64) (model.Account, error)
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (model.Account, error)
	// Update persists tokens, expiry, activity and failure bookkeeping.
	Update(ctx context.Context, tx *sqlx.Tx, a model.Account) error
	// UpdateState persists activity, failure bookkeeping and metadata; tokens are left as stored.
	UpdateState(ctx context.Context, tx *sqlx.Tx, a model.Account) error
	UpdateTokens(ctx context.Context, tx *sqlx.Tx, id int64, access, refresh vault.EncryptedToken) error
	ListAll(ctx context.Context, tx *sqlx.Tx, forUpdate bool) ([]model.Account, error)
	ListExpiringActive(ctx context.Context, before time.Time) ([]model.Account, error)
}

const accountColumns = `id, user_id, platform, external_id, display_name, access_token, refresh_token,
	token_expires_at, is_active, failure_count, last_failure_at, metadata, created_at, updated_at`

type AccountsRepositoryImpl struct {
	base
}

func NewAccountsRepository(db *sqlx.DB) *AccountsRepositoryImpl {
	return &AccountsRepositoryImpl{base{db: db}}
}

var _ AccountsRepository = (*AccountsRepositoryImpl)(nil)

func (r *AccountsRepositoryImpl) get(ctx context.Context, tx *sqlx.Tx, id int64, suffix string) (model.Account, error) {
	var a model.Account
	err := sqlx.GetContext(ctx, r.ext(tx), &a, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`+suffix, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	return a, err
}

func (r *AccountsRepositoryImpl) Get(ctx context.Context, tx *sqlx.Tx, id int64) (model.Account, error) {
	return r.get(ctx, tx, id, "")
}

// GetForUpdate must run inside tx.
func (r *AccountsRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (model.Account, error) {
	return r.get(ctx, tx, id, " FOR UPDATE")
}

func (r *AccountsRepositoryImpl) Update(ctx context.Context, tx *sqlx.Tx, a model.Account) error {
	const q = `
		UPDATE accounts
		   SET access_token = ?, refresh_token = ?, token_expires_at = ?,
		       is_active = ?, failure_count = ?, last_failure_at = ?,
		       metadata = ?, updated_at = NOW()
		 WHERE id = ?
	`
	_, err := r.ext(tx).ExecContext(ctx, q,
		a.AccessToken, a.RefreshToken, a.TokenExpiresAt,
		a.IsActive, a.FailureCount, a.LastFailureAt,
		jsonOrEmpty(a.Metadata), a.ID,
	)
	return err
}

func (r *AccountsRepositoryImpl) UpdateState(ctx context.Context, tx *sqlx.Tx, a model.Account) error {
	const q = `
		UPDATE accounts
		   SET is_active = ?, failure_count = ?, last_failure_at = ?, metadata = ?, updated_at = NOW()
		 WHERE id = ?
	`
	_, err := r.ext(tx).ExecContext(ctx, q, a.IsActive, a.FailureCount, a.LastFailureAt, jsonOrEmpty(a.Metadata), a.ID)
	return err
}

func (r *AccountsRepositoryImpl) UpdateTokens(ctx context.Context, tx *sqlx.Tx, id int64, access, refresh vault.EncryptedToken) error {
	const q = `UPDATE accounts SET access_token = ?, refresh_token = ?, updated_at = NOW() WHERE id = ?`
	_, err := r.ext(tx).ExecContext(ctx, q, access, refresh, id)
	return err
}

// ListAll returns every account; forUpdate locks them and requires tx.
func (r *AccountsRepositoryImpl) ListAll(ctx context.Context, tx *sqlx.Tx, forUpdate bool) ([]model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts ORDER BY id`
	if forUpdate {
		q += " FOR UPDATE"
	}
	var rows []model.Account
	if err := sqlx.SelectContext(ctx, r.ext(tx), &rows, q); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AccountsRepositoryImpl) ListExpiringActive(ctx context.Context, before time.Time) ([]model.Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM accounts
		WHERE is_active = 1 AND token_expires_at IS NOT NULL AND token_expires_at <= ?
		ORDER BY token_expires_at`
	var rows []model.Account
	if err := r.db.SelectContext(ctx, &rows, q, before); err != nil {
		return nil, err
	}
	return rows, nil
}
