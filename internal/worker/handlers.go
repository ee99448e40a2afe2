package worker

import (
	"context"
	"errors"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/janitor"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/repository"
)

type PublishHandler interface {
	Handle(ctx context.Context, job model.Job) error
}

type TokenRefresher interface {
	RefreshNow(ctx context.Context, accountID int64) error
}

type AttemptChecker interface {
	CheckAttempt(ctx context.Context, attemptID string) (janitor.Verdict, error)
}

// Handlers maps every job kind to the component that runs it.
func Handlers(pub PublishHandler, tokens TokenRefresher, checks AttemptChecker) map[model.JobKind]Handler {
	return map[model.JobKind]Handler{
		model.JobPublish: pub.Handle,
		model.JobRefresh: func(ctx context.Context, job model.Job) error {
			return gone("worker.refresh", tokens.RefreshNow(ctx, job.AccountID))
		},
		model.JobStatusCheck: func(ctx context.Context, job model.Job) error {
			_, err := checks.CheckAttempt(ctx, job.AttemptLogID)
			return gone("worker.status_check", err)
		},
	}
}

// gone turns a vanished row into a stale job instead of a retry.
func gone(op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.Wrap(apperr.KindStaleWorkItem, op, "target no longer exists", err)
	}
	return err
}
