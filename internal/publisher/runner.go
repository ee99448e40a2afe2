package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmehdipour/social-publisher/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Enqueuer writes follow-up jobs inside the caller's transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *sqlx.Tx, job model.Job, delay time.Duration) (string, error)
}

type Notifier interface {
	PublishFailed(ctx context.Context, userID, publicationID int64, acct model.Account, kind apperr.Kind)
}

// StatusChecks tells which platforms review posts after publishing.
type StatusChecks interface {
	HasStatusCheck(p model.Platform) bool
}

// Runner handles publish jobs end to end.
type Runner struct {
	tx       repository.Transactor
	pubs     repository.PublicationsRepository
	attempts repository.AttemptsRepository
	orch     *Orchestrator
	queue    Enqueuer
	notifier Notifier
	checks   StatusChecks
	cfg      config.PublisherConfig
	log      *zap.Logger
}

func NewRunner(
	tx repository.Transactor,
	pubs repository.PublicationsRepository,
	attempts repository.AttemptsRepository,
	orch *Orchestrator,
	queue Enqueuer,
	notifier Notifier,
	checks StatusChecks,
	cfg config.PublisherConfig,
	log *zap.Logger,
) *Runner {
	return &Runner{
		tx:       tx,
		pubs:     pubs,
		attempts: attempts,
		orch:     orch,
		queue:    queue,
		notifier: notifier,
		checks:   checks,
		cfg:      cfg,
		log:      log,
	}
}

// Handle runs one publish job. A job for a publication that is no longer
// queued returns a StaleWorkItem error and changes nothing.
func (r *Runner) Handle(ctx context.Context, job model.Job) (err error) {
	const op = "publisher.Handle"
	log := r.log.With(zap.String("job_id", job.ID), zap.Int64("publication_id", job.PublicationID), zap.Int("attempt", job.Attempt))

	pub, err := r.pubs.Get(ctx, nil, job.PublicationID)
	if err != nil {
		return fmt.Errorf("load publication: %w", err)
	}
	if pub.Status != model.PublicationQueued {
		return apperr.New(apperr.KindStaleWorkItem, op, "publication is "+pub.Status.String())
	}
	ok, err := r.pubs.Transition(ctx, nil, pub.ID, model.PublicationQueued, model.PublicationPublishing)
	if err != nil {
		return fmt.Errorf("mark publishing: %w", err)
	}
	if !ok {
		return apperr.New(apperr.KindStaleWorkItem, op, "publication was claimed by another worker")
	}
	pub.Status = model.PublicationPublishing
	defer func() {
		if err != nil {
			r.handBack(ctx, pub.ID, err)
		}
	}()

	targets := job.AccountIDs
	if len(targets) == 0 {
		if targets, err = r.pubs.Targets(ctx, nil, pub.ID); err != nil {
			return fmt.Errorf("load targets: %w", err)
		}
	}

	res := r.orch.PublishToMultiple(ctx, pub, targets)

	// The batch may have used up the job deadline; the outcome still has to be stored.
	wctx, cancel := detached(ctx)
	defer cancel()

	var retryIDs []int64
	for id, out := range res.Results {
		if out.Kind == apperr.KindTransient {
			retryIDs = append(retryIDs, id)
		}
	}

	var final model.PublicationStatus
	retried := false
	err = r.tx.WithinTx(wctx, func(tx *sqlx.Tx) error {
		var err error
		if len(retryIDs) > 0 {
			if retried, err = r.scheduleRetry(wctx, tx, pub, res, retryIDs); err != nil {
				return err
			}
		}
		if err := r.scheduleStatusChecks(wctx, tx, pub, res); err != nil {
			return err
		}

		logs, err := r.attempts.ListByPublication(wctx, tx, pub.ID)
		if err != nil {
			return fmt.Errorf("list attempts: %w", err)
		}
		final = model.AggregateStatus(pub.Status, logs)
		if retried {
			final = model.PublicationQueued
		}

		moved, err := r.pubs.Transition(wctx, tx, pub.ID, model.PublicationPublishing, final)
		if err != nil {
			return fmt.Errorf("set aggregate status: %w", err)
		}
		if !moved {
			log.Warn("publication left publishing while the batch ran; status not overwritten")
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, out := range res.Results {
		if out.Succeeded() || (retried && out.Kind == apperr.KindTransient) {
			continue
		}
		r.notifier.PublishFailed(wctx, pub.UserID, pub.ID, out.Account, out.Kind)
	}

	log.Info("publish job done",
		zap.String("status", final.String()),
		zap.Int("success", res.Success),
		zap.Int("failed", res.Failed),
		zap.Bool("retry_scheduled", retried),
	)
	return nil
}

// handBack returns a claimed publication to queued after a failed run so the
// job-level retry can claim it again.
func (r *Runner) handBack(ctx context.Context, pubID int64, cause error) {
	ctx, cancel := detached(ctx)
	defer cancel()

	log := r.log.With(zap.Int64("publication_id", pubID), zap.NamedError("cause", cause))
	ok, err := r.pubs.Transition(ctx, nil, pubID, model.PublicationPublishing, model.PublicationQueued)
	if err != nil {
		log.Error("hand back publication", zap.Error(err))
		return
	}
	if ok {
		log.Warn("publish run failed, publication returned to queued")
	}
}

// scheduleRetry spends one unit of the retry budget on the transiently failed accounts.
func (r *Runner) scheduleRetry(ctx context.Context, tx *sqlx.Tx, pub model.Publication, res Result, ids []int64) (bool, error) {
	ok, err := r.pubs.ConsumeRetry(ctx, tx, pub.ID, r.cfg.DefaultRetries)
	if err != nil {
		return false, fmt.Errorf("consume retry: %w", err)
	}
	if !ok {
		return false, nil
	}

	for _, id := range ids {
		out := res.Results[id]
		if err := r.attempts.Insert(ctx, tx, model.AttemptLog{
			ID:            util.NewID(),
			PublicationID: pub.ID,
			AccountID:     id,
			Platform:      out.Account.Platform,
			Status:        model.AttemptQueued,
			ErrorKind:     out.Kind.String(),
			ErrorMessage:  "retry scheduled after: " + out.Reason,
		}); err != nil {
			return false, fmt.Errorf("insert queued attempt: %w", err)
		}
	}

	delay := r.cfg.RetryDelay
	if _, err := r.queue.Enqueue(ctx, tx, model.Job{Kind: model.JobPublish, PublicationID: pub.ID, AccountIDs: ids}, delay); err != nil {
		return false, fmt.Errorf("enqueue retry: %w", err)
	}
	return true, nil
}

func (r *Runner) scheduleStatusChecks(ctx context.Context, tx *sqlx.Tx, pub model.Publication, res Result) error {
	for _, out := range res.Results {
		if !out.Succeeded() || out.AttemptID == "" || !r.checks.HasStatusCheck(out.Account.Platform) {
			continue
		}
		job := model.Job{Kind: model.JobStatusCheck, PublicationID: pub.ID, AccountID: out.AccountID, AttemptLogID: out.AttemptID}
		if _, err := r.queue.Enqueue(ctx, tx, job, r.cfg.StatusCheckDelay); err != nil {
			return fmt.Errorf("enqueue status check: %w", err)
		}
	}
	return nil
}
