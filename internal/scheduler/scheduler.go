// Package scheduler turns due work into queue jobs and drives the periodic
// janitor routines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/janitor"
	"github.com/jmehdipour/social-publisher/internal/metrics"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var ErrNotPublishable = errors.New("publication is not in a publishable state")

type Enqueuer interface {
	Enqueue(ctx context.Context, tx *sqlx.Tx, job model.Job, delay time.Duration) (string, error)
}

// Janitor is the subset of janitor routines the scheduler triggers.
type Janitor interface {
	RepairStuckPublishing(ctx context.Context) (int, error)
	RequeueAbandoned(ctx context.Context) (int, error)
	DetectDrift(ctx context.Context) (janitor.DriftReport, error)
	NormalizeRetryBudgets(ctx context.Context) (int64, error)
}

type Scheduler struct {
	tx           repository.Transactor
	pubs         repository.PublicationsRepository
	accounts     repository.AccountsRepository
	queue        Enqueuer
	janitor      Janitor
	cfg          config.SchedulerConfig
	expiryWindow time.Duration
	now          func() time.Time
	log          *zap.Logger
}

func New(
	tx repository.Transactor,
	pubs repository.PublicationsRepository,
	accounts repository.AccountsRepository,
	queue Enqueuer,
	j Janitor,
	cfg config.SchedulerConfig,
	expiryWindow time.Duration,
	log *zap.Logger,
) *Scheduler {
	if cfg.PostSweepInterval <= 0 {
		cfg.PostSweepInterval = time.Minute
	}
	if cfg.PostSweepBatch <= 0 {
		cfg.PostSweepBatch = 100
	}
	if cfg.TokenSweepInterval <= 0 {
		cfg.TokenSweepInterval = 24 * time.Hour
	}
	if cfg.StuckInterval <= 0 {
		cfg.StuckInterval = 30 * time.Minute
	}
	if cfg.DriftInterval <= 0 {
		cfg.DriftInterval = 24 * time.Hour
	}
	if cfg.AbandonedInterval <= 0 {
		cfg.AbandonedInterval = 15 * time.Minute
	}
	if expiryWindow <= 0 {
		expiryWindow = 24 * time.Hour
	}
	return &Scheduler{
		tx:           tx,
		pubs:         pubs,
		accounts:     accounts,
		queue:        queue,
		janitor:      j,
		cfg:          cfg,
		expiryWindow: expiryWindow,
		now:          time.Now,
		log:          log,
	}
}

// Start runs every trigger on its own ticker, once immediately. The returned
// func stops them.
func (s *Scheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)

	go s.every(ctx, "post_sweep", s.cfg.PostSweepInterval, func(ctx context.Context) error {
		_, err := s.SweepScheduled(ctx)
		return err
	})
	go s.every(ctx, "token_sweep", s.cfg.TokenSweepInterval, func(ctx context.Context) error {
		_, err := s.SweepTokens(ctx)
		return err
	})
	if s.janitor != nil {
		go s.every(ctx, "stuck_repair", s.cfg.StuckInterval, func(ctx context.Context) error {
			_, err := s.janitor.RepairStuckPublishing(ctx)
			return err
		})
		go s.every(ctx, "abandoned_requeue", s.cfg.AbandonedInterval, func(ctx context.Context) error {
			_, err := s.janitor.RequeueAbandoned(ctx)
			return err
		})
		go s.every(ctx, "drift_detection", s.cfg.DriftInterval, func(ctx context.Context) error {
			_, err := s.janitor.DetectDrift(ctx)
			return err
		})
		go s.every(ctx, "retry_budget_normalize", s.cfg.StuckInterval, func(ctx context.Context) error {
			_, err := s.janitor.NormalizeRetryBudgets(ctx)
			return err
		})
	}

	return cancel
}

func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler trigger failed", zap.String("trigger", name), zap.Error(err))
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// SweepScheduled queues every publication whose time has come. Rows are
// claimed, flipped and enqueued in one transaction, so overlapping sweeps
// never enqueue the same publication twice.
func (s *Scheduler) SweepScheduled(ctx context.Context) (int, error) {
	queued := 0
	err := s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		queued = 0
		due, err := s.pubs.LockDueScheduled(ctx, tx, s.now().UTC(), s.cfg.PostSweepBatch)
		if err != nil {
			return fmt.Errorf("lock due publications: %w", err)
		}
		for _, p := range due {
			ok, err := s.pubs.Transition(ctx, tx, p.ID, model.PublicationScheduled, model.PublicationQueued)
			if err != nil {
				return fmt.Errorf("queue publication %d: %w", p.ID, err)
			}
			if !ok {
				continue
			}
			if _, err := s.queue.Enqueue(ctx, tx, model.Job{Kind: model.JobPublish, PublicationID: p.ID}, 0); err != nil {
				return fmt.Errorf("enqueue publication %d: %w", p.ID, err)
			}
			queued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if queued > 0 {
		metrics.JobsTotal.WithLabelValues(model.JobPublish.String(), "enqueued").Add(float64(queued))
		s.log.Info("scheduled publications queued", zap.Int("count", queued))
	}
	return queued, nil
}

// SweepTokens enqueues a refresh job for every active account whose token
// expires within the window.
func (s *Scheduler) SweepTokens(ctx context.Context) (int, error) {
	accts, err := s.accounts.ListExpiringActive(ctx, s.now().UTC().Add(s.expiryWindow))
	if err != nil {
		return 0, fmt.Errorf("list expiring accounts: %w", err)
	}

	enqueued := 0
	for _, a := range accts {
		if _, err := s.queue.Enqueue(ctx, nil, model.Job{Kind: model.JobRefresh, AccountID: a.ID}, 0); err != nil {
			s.log.Error("enqueue refresh", zap.Int64("account_id", a.ID), zap.Error(err))
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		metrics.JobsTotal.WithLabelValues(model.JobRefresh.String(), "enqueued").Add(float64(enqueued))
	}
	s.log.Info("token sweep finished", zap.Int("expiring", len(accts)), zap.Int("enqueued", enqueued))
	return enqueued, nil
}

// PublishNow queues a draft, scheduled or failed publication owned by userID
// and returns the job id.
func (s *Scheduler) PublishNow(ctx context.Context, userID, publicationID int64) (string, error) {
	var jobID string
	err := s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		p, err := s.pubs.Get(ctx, tx, publicationID)
		if err != nil {
			return err
		}
		if p.UserID != userID {
			return repository.ErrNotFound
		}
		switch p.Status {
		case model.PublicationDraft, model.PublicationScheduled, model.PublicationFailed:
		default:
			return fmt.Errorf("%w: %s", ErrNotPublishable, p.Status)
		}

		ok, err := s.pubs.Transition(ctx, tx, p.ID, p.Status, model.PublicationQueued)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: status changed concurrently", ErrNotPublishable)
		}
		jobID, err = s.queue.Enqueue(ctx, tx, model.Job{Kind: model.JobPublish, PublicationID: p.ID}, 0)
		return err
	})
	if err != nil {
		return "", err
	}
	s.log.Info("publication queued", zap.Int64("publication_id", publicationID), zap.String("job_id", jobID))
	return jobID, nil
}
