package janitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/credential"
	"github.com/jmehdipour/social-publisher/internal/lease"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/platform"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmehdipour/social-publisher/internal/tokens"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"
)

type Prober interface {
	Probe(a model.Account) credential.Diagnosis
}

type TokenResolver interface {
	Resolve(ctx context.Context, accountID int64) (tokens.Resolved, error)
}

type Adapters interface {
	New(acct model.Account, token string) (platform.Adapter, error)
	StatusCheckable() []model.Platform
}

type Enqueuer interface {
	Enqueue(ctx context.Context, tx *sqlx.Tx, job model.Job, delay time.Duration) (string, error)
}

type Notifier interface {
	PostGone(ctx context.Context, userID int64, attempt model.AttemptLog, reason string)
}

// Deps groups the collaborators of a Janitor.
type Deps struct {
	Tx       repository.Transactor
	Pubs     repository.PublicationsRepository
	Attempts repository.AttemptsRepository
	Accounts repository.AccountsRepository
	Audit    repository.AuditRepository
	Prober   Prober
	Tokens   TokenResolver
	Adapters Adapters
	Leases   lease.Locker
	Queue    Enqueuer
	Notifier Notifier
}

// Janitor repairs state that the happy path left behind. It works on stored
// state only and every repair is guarded, so running it twice is harmless.
type Janitor struct {
	Deps
	cfg            config.JanitorConfig
	defaultRetries int
	now            func() time.Time
	log            *zap.Logger
}

func New(d Deps, cfg config.JanitorConfig, defaultRetries int, log *zap.Logger) *Janitor {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 30 * time.Minute
	}
	if cfg.QueuedThreshold <= 0 {
		cfg.QueuedThreshold = time.Hour
	}
	if cfg.DriftLookback <= 0 {
		cfg.DriftLookback = 30 * 24 * time.Hour
	}
	if cfg.DriftConcurrency <= 0 {
		cfg.DriftConcurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if defaultRetries <= 0 {
		defaultRetries = 3
	}
	return &Janitor{Deps: d, cfg: cfg, defaultRetries: defaultRetries, now: time.Now, log: log}
}

func (j *Janitor) audit(ctx context.Context, tx *sqlx.Tx, entity, entityID, action, cause string, detail any) error {
	var blob types.JSONText
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return err
		}
		blob = b
	}
	return j.Audit.Insert(ctx, tx, model.AuditEntry{
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Cause:    cause,
		Detail:   blob,
	})
}
