package janitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/social-publisher/internal/metrics"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// RepairStuckPublishing fails publications that stayed in publishing past the threshold.
func (j *Janitor) RepairStuckPublishing(ctx context.Context) (int, error) {
	threshold := j.cfg.StuckThreshold
	stuck, err := j.Pubs.ListInStatusSince(ctx, model.PublicationPublishing, j.now().Add(-threshold), j.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stuck publications: %w", err)
	}

	cause := fmt.Sprintf("automatic: stuck in publishing for more than %s", threshold)
	repaired := 0
	for _, p := range stuck {
		var moved bool
		err := j.Tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			moved, err = j.Pubs.Transition(ctx, tx, p.ID, model.PublicationPublishing, model.PublicationFailed)
			if err != nil || !moved {
				return err
			}
			return j.audit(ctx, tx, model.AuditEntityPublication, strconv.FormatInt(p.ID, 10), "publishing->failed", cause,
				map[string]any{"stuck_since": p.UpdatedAt.UTC().Format(time.RFC3339)})
		})
		if err != nil {
			j.log.Error("repair stuck publication", zap.Int64("publication_id", p.ID), zap.Error(err))
			continue
		}
		if moved {
			repaired++
			metrics.JanitorRepairsTotal.WithLabelValues("stuck").Inc()
			j.log.Warn("stuck publication failed", zap.Int64("publication_id", p.ID), zap.Time("since", p.UpdatedAt))
		}
	}
	return repaired, nil
}

// RequeueAbandoned re-enqueues queued publications whose job vanished.
func (j *Janitor) RequeueAbandoned(ctx context.Context) (int, error) {
	threshold := j.cfg.QueuedThreshold
	rows, err := j.Pubs.ListAbandonedQueued(ctx, j.now().Add(-threshold), j.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list abandoned publications: %w", err)
	}

	cause := fmt.Sprintf("automatic: queued for more than %s with no pending job", threshold)
	requeued := 0
	for _, p := range rows {
		err := j.Tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
			ok, err := j.Pubs.Transition(ctx, tx, p.ID, model.PublicationQueued, model.PublicationQueued)
			if err != nil || !ok {
				return err
			}
			jobID, err := j.Queue.Enqueue(ctx, tx, model.Job{Kind: model.JobPublish, PublicationID: p.ID}, 0)
			if err != nil {
				return err
			}
			return j.audit(ctx, tx, model.AuditEntityPublication, strconv.FormatInt(p.ID, 10), "requeue", cause,
				map[string]any{"job_id": jobID})
		})
		if err != nil {
			j.log.Error("requeue publication", zap.Int64("publication_id", p.ID), zap.Error(err))
			continue
		}
		requeued++
		metrics.JanitorRepairsTotal.WithLabelValues("requeued").Inc()
	}
	return requeued, nil
}

// NormalizeRetryBudgets fills NULL retry budgets of legacy rows.
func (j *Janitor) NormalizeRetryBudgets(ctx context.Context) (int64, error) {
	n, err := j.Pubs.NormalizeRetryBudgets(ctx, nil, j.defaultRetries)
	if err != nil {
		return 0, fmt.Errorf("normalize retry budgets: %w", err)
	}
	if n > 0 {
		metrics.JanitorRepairsTotal.WithLabelValues("retry_budget").Add(float64(n))
		j.log.Info("retry budgets normalized", zap.Int64("rows", n), zap.Int("default", j.defaultRetries))
	}
	return n, nil
}

// CleanReport is the outcome of CleanFailedPublications.
type CleanReport struct {
	Failed     int64
	Reset      []int64
	Normalized int64
}

// CleanFailedPublications counts failed publications and, with reset, moves
// them back to draft with a fresh retry budget.
func (j *Janitor) CleanFailedPublications(ctx context.Context, reset bool) (CleanReport, error) {
	var rep CleanReport
	n, err := j.Pubs.CountByStatus(ctx, model.PublicationFailed)
	if err != nil {
		return rep, fmt.Errorf("count failed publications: %w", err)
	}
	rep.Failed = n
	if !reset {
		return rep, nil
	}

	err = j.Tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		ids, err := j.Pubs.ResetFailed(ctx, tx, j.defaultRetries)
		if err != nil {
			return fmt.Errorf("reset failed publications: %w", err)
		}
		for _, id := range ids {
			if err := j.audit(ctx, tx, model.AuditEntityPublication, strconv.FormatInt(id, 10), "failed->draft",
				"operator: clean-failed-publications --reset", map[string]any{"retries_remaining": j.defaultRetries}); err != nil {
				return err
			}
		}
		rep.Normalized, err = j.Pubs.NormalizeRetryBudgets(ctx, tx, j.defaultRetries)
		if err != nil {
			return fmt.Errorf("normalize retry budgets: %w", err)
		}
		rep.Reset = ids
		return nil
	})
	if err != nil {
		return CleanReport{Failed: n}, err
	}
	return rep, nil
}

type ResetReport struct {
	Failed   int
	Requeued int
}

// ResetStuckJobs runs both stuck-work repairs.
func (j *Janitor) ResetStuckJobs(ctx context.Context) (ResetReport, error) {
	var rep ResetReport
	var err error
	if rep.Failed, err = j.RepairStuckPublishing(ctx); err != nil {
		return rep, err
	}
	if rep.Requeued, err = j.RequeueAbandoned(ctx); err != nil {
		return rep, err
	}
	return rep, nil
}
