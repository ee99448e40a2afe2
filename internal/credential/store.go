package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmehdipour/social-publisher/internal/vault"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Store persists accounts and is the only place tokens are sealed or opened.
type Store struct {
	tx       repository.Transactor
	accounts repository.AccountsRepository

	mu   sync.RWMutex
	keys *vault.Keyring

	log *zap.Logger
}

func NewStore(tx repository.Transactor, accounts repository.AccountsRepository, keys *vault.Keyring, log *zap.Logger) *Store {
	return &Store{tx: tx, accounts: accounts, keys: keys, log: log}
}

func (s *Store) keyring() *vault.Keyring {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys
}

func (s *Store) Get(ctx context.Context, accountID int64) (model.Account, error) {
	a, err := s.accounts.Get(ctx, nil, accountID)
	if err != nil {
		return model.Account{}, fmt.Errorf("get account %d: %w", accountID, err)
	}
	return a, nil
}

// Save writes the account's mutable fields; tx may be nil.
func (s *Store) Save(ctx context.Context, tx *sqlx.Tx, a model.Account) error {
	if !a.IsActive && a.ReconnectReason() == "" {
		a.Deactivate("unknown", time.Now())
	}
	if err := s.accounts.Update(ctx, tx, a); err != nil {
		return fmt.Errorf("save account %d: %w", a.ID, err)
	}
	return nil
}

// Reveal opens both tokens of a.
func (s *Store) Reveal(a model.Account) (access, refresh string, err error) {
	k := s.keyring()
	if access, err = a.AccessToken.Reveal(k); err != nil {
		return "", "", err
	}
	if refresh, err = a.RefreshToken.Reveal(k); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// SealAccess replaces the access token; SealRefresh does the same for the refresh token.
func (s *Store) SealAccess(a *model.Account, token string) error {
	sealed, err := s.keyring().Seal(token)
	if err != nil {
		return err
	}
	a.AccessToken = sealed
	return nil
}

func (s *Store) SealRefresh(a *model.Account, token string) error {
	sealed, err := s.keyring().Seal(token)
	if err != nil {
		return err
	}
	a.RefreshToken = sealed
	return nil
}

// RotationReport summarizes a successful key rotation.
type RotationReport struct {
	Accounts int
	Tokens   int
	FromKeys map[string]int
	ToKey    string
}

// Rotate re-seals every stored token under next in one transaction.
// Any failure rolls back all rows and the current keyring stays authoritative.
func (s *Store) Rotate(ctx context.Context, next *vault.Keyring) (RotationReport, error) {
	const op = "credential.Rotate"
	cur := s.keyring()
	rep := RotationReport{FromKeys: map[string]int{}, ToKey: next.CurrentKeyID()}

	err := s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		accts, err := s.accounts.ListAll(ctx, tx, true)
		if err != nil {
			return fmt.Errorf("lock accounts: %w", err)
		}

		for _, a := range accts {
			access, err := cur.Reseal(a.AccessToken, next)
			if err != nil {
				return fmt.Errorf("account %d access token: %w", a.ID, err)
			}
			refresh, err := cur.Reseal(a.RefreshToken, next)
			if err != nil {
				return fmt.Errorf("account %d refresh token: %w", a.ID, err)
			}
			if err := s.accounts.UpdateTokens(ctx, tx, a.ID, access, refresh); err != nil {
				return fmt.Errorf("account %d update: %w", a.ID, err)
			}

			for _, t := range []vault.EncryptedToken{a.AccessToken, a.RefreshToken} {
				if !t.IsZero() {
					rep.Tokens++
					rep.FromKeys[t.KeyID()]++
				}
			}
			rep.Accounts++
		}
		return nil
	})
	if err != nil {
		s.log.Error("key rotation rolled back", zap.Error(err))
		if apperr.KindOf(err) == apperr.KindCorruptedCredential {
			return RotationReport{}, apperr.Wrap(apperr.KindCorruptedCredential, op, "rotation aborted", err)
		}
		return RotationReport{}, apperr.Wrap(apperr.KindInternal, op, "rotation aborted", err)
	}

	s.mu.Lock()
	s.keys = next
	s.mu.Unlock()

	s.log.Info("key rotation committed",
		zap.Int("accounts", rep.Accounts),
		zap.Int("tokens", rep.Tokens),
		zap.String("key_id", rep.ToKey),
	)
	return rep, nil
}
