package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/lease"
	"github.com/jmehdipour/social-publisher/internal/metrics"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/oauth"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// CredentialStore is the part of credential.Store the manager needs.
type CredentialStore interface {
	Get(ctx context.Context, accountID int64) (model.Account, error)
	Save(ctx context.Context, tx *sqlx.Tx, a model.Account) error
	Reveal(a model.Account) (access, refresh string, err error)
	SealAccess(a *model.Account, token string) error
	SealRefresh(a *model.Account, token string) error
}

// Resolved is a usable account plus its plaintext access token.
type Resolved struct {
	Account     model.Account
	AccessToken string
	Refreshed   bool
}

// Manager owns token freshness and account failure bookkeeping.
type Manager struct {
	store      CredentialStore
	refreshers oauth.Refreshers
	leases     lease.Locker
	skew       time.Duration
	now        func() time.Time
	log        *zap.Logger
}

func NewManager(store CredentialStore, refreshers oauth.Refreshers, leases lease.Locker, skew time.Duration, log *zap.Logger) *Manager {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Manager{
		store:      store,
		refreshers: refreshers,
		leases:     leases,
		skew:       skew,
		now:        time.Now,
		log:        log,
	}
}

// Account loads the account without touching its tokens.
func (m *Manager) Account(ctx context.Context, accountID int64) (model.Account, error) {
	return m.store.Get(ctx, accountID)
}

// Resolve returns a usable access token for the account, refreshing it when
// it is close to expiry. The caller must hold the account lease. On failure
// the loaded account, if any, is still returned.
func (m *Manager) Resolve(ctx context.Context, accountID int64) (Resolved, error) {
	const op = "tokens.Resolve"

	a, err := m.store.Get(ctx, accountID)
	if err != nil {
		return Resolved{}, err
	}
	if !a.IsActive && a.ReconnectReason() == model.ReasonDisconnected {
		return Resolved{Account: a}, apperr.New(apperr.KindReconnectionRequired, op, "account was disconnected")
	}

	now := m.now()
	switch Classify(a, now, m.skew) {
	case Unrecoverable:
		return Resolved{Account: a}, m.giveUp(ctx, op, a, now)
	case NeedsRefresh:
		refreshed, err := m.refresh(ctx, a, now)
		if err != nil {
			return Resolved{Account: refreshed}, err
		}
		access, _, err := m.store.Reveal(refreshed)
		if err != nil {
			return Resolved{Account: refreshed}, err
		}
		return Resolved{Account: refreshed, AccessToken: access, Refreshed: true}, nil
	}

	access, _, err := m.store.Reveal(a)
	if err != nil {
		return Resolved{Account: a}, err
	}
	return Resolved{Account: a, AccessToken: access}, nil
}

// RefreshNow refreshes ahead of expiry. It takes the account lease itself.
func (m *Manager) RefreshNow(ctx context.Context, accountID int64) error {
	const op = "tokens.RefreshNow"

	release, err := m.leases.Acquire(ctx, lease.AccountKey(accountID))
	if err != nil {
		return err
	}
	defer release()

	a, err := m.store.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if !a.IsActive {
		m.log.Info("skip refresh of inactive account", zap.Int64("account_id", a.ID), zap.String("reason", a.ReconnectReason()))
		return nil
	}

	now := m.now()
	if !refreshable(a, now) {
		if Classify(a, now, m.skew) == Fresh {
			return nil
		}
		return m.giveUp(ctx, op, a, now)
	}
	_, err = m.refresh(ctx, a, now)
	return err
}

func (m *Manager) giveUp(ctx context.Context, op string, a model.Account, now time.Time) error {
	reason := unrecoverableReason(a)
	a.RecordFailure(reason, now)
	if err := m.store.Save(ctx, nil, a); err != nil {
		return err
	}

	metrics.TokenRefreshesTotal.WithLabelValues(a.Platform.String(), "unrecoverable").Inc()
	m.log.Warn("account needs reconnection",
		zap.Int64("account_id", a.ID),
		zap.String("platform", a.Platform.String()),
		zap.String("reason", reason),
	)
	return apperr.New(apperr.KindReconnectionRequired, op, reason)
}

// refresh runs the platform refresher once and persists the outcome.
func (m *Manager) refresh(ctx context.Context, a model.Account, now time.Time) (model.Account, error) {
	const op = "tokens.refresh"
	log := m.log.With(zap.Int64("account_id", a.ID), zap.String("platform", a.Platform.String()))

	ref, err := m.refreshers.For(a.Platform)
	if err != nil {
		return a, err
	}
	access, refresh, err := m.store.Reveal(a)
	if err != nil {
		return a, err
	}

	set, err := ref.Refresh(ctx, oauth.RefreshInput{AccessToken: access, RefreshToken: refresh})
	if err == nil && set.AccessToken == "" {
		err = apperr.New(apperr.KindTransient, op, "provider returned no access token")
	}
	if err != nil {
		a.RecordFailure(model.ReasonRefreshFailed, now)
		if serr := m.store.Save(ctx, nil, a); serr != nil {
			log.Error("persist refresh failure", zap.Error(serr))
		}
		metrics.TokenRefreshesTotal.WithLabelValues(a.Platform.String(), "failed").Inc()
		log.Warn("token refresh failed", zap.Error(err))
		return a, apperr.Wrap(apperr.KindReconnectionRequired, op, model.ReasonRefreshFailed, err)
	}

	if err := m.store.SealAccess(&a, set.AccessToken); err != nil {
		return a, fmt.Errorf("seal access token: %w", err)
	}
	if set.RefreshToken != "" {
		if err := m.store.SealRefresh(&a, set.RefreshToken); err != nil {
			return a, fmt.Errorf("seal refresh token: %w", err)
		}
	}
	a.TokenExpiresAt = nil
	if set.ExpiresIn != nil {
		exp := now.Add(time.Duration(*set.ExpiresIn) * time.Second)
		a.TokenExpiresAt = &exp
	}
	a.RecordSuccess()

	if err := m.store.Save(ctx, nil, a); err != nil {
		return a, err
	}
	metrics.TokenRefreshesTotal.WithLabelValues(a.Platform.String(), "ok").Inc()
	log.Info("token refreshed", zap.Bool("rotated_refresh_token", set.RefreshToken != ""))
	return a, nil
}

// RecordPublishSuccess clears failure state after a successful publish.
func (m *Manager) RecordPublishSuccess(ctx context.Context, accountID int64) error {
	a, err := m.store.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if a.IsActive && a.FailureCount == 0 {
		return nil
	}
	a.RecordSuccess()
	return m.store.Save(ctx, nil, a)
}

// RecordPublishFailure counts a failed publish and deactivates the account with reason.
func (m *Manager) RecordPublishFailure(ctx context.Context, accountID int64, reason string) error {
	a, err := m.store.Get(ctx, accountID)
	if err != nil {
		return err
	}
	a.RecordFailure(reason, m.now())
	return m.store.Save(ctx, nil, a)
}
