package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "mysql"), mock
}

var accountCols = []string{
	"id", "user_id", "platform", "external_id", "display_name", "access_token", "refresh_token",
	"token_expires_at", "is_active", "failure_count", "last_failure_at", "metadata", "created_at", "updated_at",
}

func TestAccountsRepository_Get(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountsRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE id = ?")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(
			7, 1, "twitter", "tw-1", "@acme", "v1.abcd.xyz", nil,
			nil, true, 0, nil, []byte(`{"page_id":"1"}`), now, now,
		))

	a, err := repo.Get(context.Background(), nil, 7)
	require.NoError(t, err)
	assert.Equal(t, model.PlatformTwitter, a.Platform)
	assert.Equal(t, "abcd", a.AccessToken.KeyID())
	assert.True(t, a.RefreshToken.IsZero())
	assert.Nil(t, a.TokenExpiresAt)
	assert.Equal(t, "1", a.Meta()["page_id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountsRepository_GetNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountsRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE id = ?")).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(accountCols))

	_, err := repo.Get(context.Background(), nil, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublicationsRepository_Transition(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPublicationsRepository(db)
	q := regexp.QuoteMeta("UPDATE publications SET status = ?, updated_at = NOW() WHERE id = ? AND status = ?")

	mock.ExpectExec(q).WithArgs("publishing", int64(1), "queued").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("publishing", int64(1), "queued").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Transition(context.Background(), nil, 1, model.PublicationQueued, model.PublicationPublishing)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Transition(context.Background(), nil, 1, model.PublicationQueued, model.PublicationPublishing)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublicationsRepository_ConsumeRetryNeverNegative(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPublicationsRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = ? AND COALESCE(retries_remaining, ?) > 0")).
		WithArgs(3, int64(3), 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.ConsumeRetry(context.Background(), nil, 3, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublicationsRepository_ConsumeRetryNullBudgetUsesDefault(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPublicationsRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("SET retries_remaining = COALESCE(retries_remaining, ?) - 1")).
		WithArgs(3, int64(4), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.ConsumeRetry(context.Background(), nil, 4, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublicationsRepository_ResetFailed(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPublicationsRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM publications WHERE status = 'failed'")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4).AddRow(5))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'draft', retries_remaining = ?, updated_at = NOW() WHERE id IN (?, ?)")).
		WithArgs(3, int64(4), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ids, err := repo.ResetFailed(context.Background(), nil, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_InsertOpensOwnTx(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(db)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox")).
		WithArgs("publication", "42", "publisher.publish", []byte(`{}`), at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Insert(context.Background(), nil, "publication", "42", "publisher.publish", []byte(`{}`), at)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptsRepository_CorrectIsGuarded(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAttemptsRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = ? AND status = ?")).
		WithArgs("removed_on_platform", "post not found", sqlmock.AnyArg(), "01ABC", "published").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Correct(context.Background(), nil, "01ABC",
		model.AttemptPublished, model.AttemptRemovedOnPlatform, "post not found", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
