package janitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/lease"
	"github.com/jmehdipour/social-publisher/internal/metrics"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/platform"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Verdict string

const (
	VerdictLive     Verdict = "live"
	VerdictRemoved  Verdict = "removed"
	VerdictRejected Verdict = "rejected"
	VerdictSkipped  Verdict = "skipped"
)

type DriftReport struct {
	Checked  int
	Removed  int
	Rejected int
	Errors   int
}

// DetectDrift re-checks recently published posts on platforms that review
// content after upload.
func (j *Janitor) DetectDrift(ctx context.Context) (DriftReport, error) {
	since := j.now().Add(-j.cfg.DriftLookback)
	rows, err := j.Attempts.ListPublishedSince(ctx, j.Adapters.StatusCheckable(), since, j.cfg.BatchSize)
	if err != nil {
		return DriftReport{}, fmt.Errorf("list published attempts: %w", err)
	}

	var (
		mu  sync.Mutex
		rep DriftReport
		g   errgroup.Group
	)
	g.SetLimit(j.cfg.DriftConcurrency)
	for _, a := range rows {
		a := a
		g.Go(func() error {
			v, err := j.check(ctx, a)

			mu.Lock()
			defer mu.Unlock()
			rep.Checked++
			switch {
			case err != nil:
				rep.Errors++
				j.log.Warn("drift check failed", zap.String("attempt_id", a.ID), zap.Error(err))
			case v == VerdictRemoved:
				rep.Removed++
			case v == VerdictRejected:
				rep.Rejected++
			}
			return nil
		})
	}
	_ = g.Wait()

	j.log.Info("drift detection finished",
		zap.Int("checked", rep.Checked),
		zap.Int("removed", rep.Removed),
		zap.Int("rejected", rep.Rejected),
		zap.Int("errors", rep.Errors),
	)
	return rep, nil
}

// CheckAttempt re-checks one published attempt; used by status_check jobs.
func (j *Janitor) CheckAttempt(ctx context.Context, attemptID string) (Verdict, error) {
	a, err := j.Attempts.Get(ctx, nil, attemptID)
	if err != nil {
		return "", fmt.Errorf("load attempt %s: %w", attemptID, err)
	}
	return j.check(ctx, a)
}

func (j *Janitor) check(ctx context.Context, a model.AttemptLog) (Verdict, error) {
	const op = "janitor.check"
	if a.Status != model.AttemptPublished || a.PostID() == "" {
		return VerdictSkipped, nil
	}

	release, err := j.Leases.Acquire(ctx, lease.AccountKey(a.AccountID))
	if err != nil {
		return "", err
	}
	defer release()

	resolved, err := j.Tokens.Resolve(ctx, a.AccountID)
	if err != nil {
		return "", err
	}
	adapter, err := j.Adapters.New(resolved.Account, resolved.AccessToken)
	if err != nil {
		return "", err
	}
	checker, ok := adapter.(platform.StatusChecker)
	if !ok {
		return VerdictSkipped, nil
	}

	rep, err := checker.CheckStatus(ctx, a.PostID())
	if err != nil {
		return "", err
	}
	blob := mergeStatus(a.Metrics, rep, j.now())

	switch {
	case !rep.Exists:
		return VerdictRemoved, j.correct(ctx, a, model.AttemptRemovedOnPlatform, "post no longer exists on "+a.Platform.DisplayName(), blob, nil)
	case rep.Rejected():
		reason := rep.RejectionReason
		if reason == "" {
			reason = "upload " + rep.UploadStatus
		}
		return VerdictRejected, j.correct(ctx, a, model.AttemptRejected, reason, blob, adapter)
	}

	if err := j.Attempts.UpdateMetrics(ctx, nil, a.ID, blob); err != nil {
		return VerdictLive, apperr.Wrap(apperr.KindInternal, op, "store status check", err)
	}
	return VerdictLive, nil
}

// correct moves a published attempt to a terminal correction, recomputes the
// publication status and tells the owner.
func (j *Janitor) correct(ctx context.Context, a model.AttemptLog, to model.AttemptStatus, reason string, blob types.JSONText, adapter platform.Adapter) error {
	var (
		pub   model.Publication
		moved bool
	)
	err := j.Tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		moved, err = j.Attempts.Correct(ctx, tx, a.ID, model.AttemptPublished, to, reason, blob)
		if err != nil || !moved {
			return err
		}
		if err := j.audit(ctx, tx, model.AuditEntityAttempt, a.ID, "published->"+to.String(),
			"automatic: platform status check", map[string]any{"reason": reason, "post_id": a.PostID()}); err != nil {
			return err
		}

		if pub, err = j.Pubs.Get(ctx, tx, a.PublicationID); err != nil {
			return err
		}
		logs, err := j.Attempts.ListByPublication(ctx, tx, a.PublicationID)
		if err != nil {
			return err
		}
		if next := model.AggregateStatus(pub.Status, logs); next != pub.Status {
			if _, err := j.Pubs.Transition(ctx, tx, pub.ID, pub.Status, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("correct attempt %s: %w", a.ID, err)
	}
	if !moved {
		return nil
	}

	metrics.JanitorRepairsTotal.WithLabelValues(string(to)).Inc()
	j.log.Warn("published post drifted",
		zap.String("attempt_id", a.ID),
		zap.Int64("publication_id", a.PublicationID),
		zap.String("status", to.String()),
		zap.String("reason", reason),
	)

	if adapter != nil {
		j.deleteBestEffort(ctx, a, adapter)
	}
	a.Status = to
	j.Notifier.PostGone(ctx, pub.UserID, a, reason)
	return nil
}

// deleteBestEffort removes a rejected post; a failure is audited and not retried.
func (j *Janitor) deleteBestEffort(ctx context.Context, a model.AttemptLog, adapter platform.Adapter) {
	ok, err := adapter.Delete(ctx, a.PostID())
	if err == nil && ok {
		return
	}
	detail := map[string]any{"post_id": a.PostID(), "supported": ok}
	if err != nil {
		detail["error"] = apperr.ReasonOf(err)
	}
	if err == nil && !ok {
		detail["error"] = "platform has no delete endpoint"
	}
	if aerr := j.audit(ctx, nil, model.AuditEntityAttempt, a.ID, "delete_failed", "automatic: platform status check", detail); aerr != nil {
		j.log.Error("audit delete failure", zap.String("attempt_id", a.ID), zap.Error(errors.Join(err, aerr)))
	}
}

func mergeStatus(existing types.JSONText, rep platform.StatusReport, now time.Time) types.JSONText {
	m := map[string]any{}
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &m)
	}
	check := map[string]any{
		"exists":        rep.Exists,
		"upload_status": rep.UploadStatus,
		"checked_at":    now.UTC().Format(time.RFC3339),
	}
	if len(rep.RegionRestriction) > 0 {
		check["region_restriction"] = rep.RegionRestriction
	}
	m["status_check"] = check
	b, _ := json.Marshal(m)
	return b
}
