package notify

import (
	"context"
	"fmt"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"go.uber.org/zap"
)

const (
	KindPublishFailed = "publish_failed"
	KindPostRemoved   = "post_removed"
	KindPostRejected  = "post_rejected"
)

// Notifier stores in-app messages for account owners. Delivery (push, email)
// reads the notifications table and is not handled here.
type Notifier struct {
	repo repository.NotificationsRepository
	log  *zap.Logger
}

func New(repo repository.NotificationsRepository, log *zap.Logger) *Notifier {
	return &Notifier{repo: repo, log: log}
}

// PublishFailed tells the owner an account could not be published to.
// Corrupted credentials and internal failures are operator-only and skipped.
func (n *Notifier) PublishFailed(ctx context.Context, userID, publicationID int64, acct model.Account, kind apperr.Kind) {
	switch kind {
	case apperr.KindCorruptedCredential, apperr.KindInternal, apperr.KindStaleWorkItem:
		return
	}
	n.send(ctx, model.Notification{
		UserID:        userID,
		PublicationID: &publicationID,
		AccountID:     &acct.ID,
		Kind:          KindPublishFailed,
		Message:       apperr.UserMessage(kind, acct.Platform.DisplayName()),
	})
}

// PostGone tells the owner a published post is no longer live.
func (n *Notifier) PostGone(ctx context.Context, userID int64, attempt model.AttemptLog, reason string) {
	kind := KindPostRemoved
	msg := fmt.Sprintf("Your post on %s is no longer available.", attempt.Platform.DisplayName())
	if attempt.Status == model.AttemptRejected {
		kind = KindPostRejected
		msg = fmt.Sprintf("%s rejected your post after publishing.", attempt.Platform.DisplayName())
		if reason != "" {
			msg += " Reason: " + reason + "."
		}
	}
	n.send(ctx, model.Notification{
		UserID:        userID,
		PublicationID: &attempt.PublicationID,
		AccountID:     &attempt.AccountID,
		Kind:          kind,
		Message:       msg,
	})
}

// Failures to notify are logged and never block the caller.
func (n *Notifier) send(ctx context.Context, msg model.Notification) {
	if err := n.repo.Insert(ctx, msg); err != nil {
		n.log.Error("store notification", zap.Int64("user_id", msg.UserID), zap.String("kind", msg.Kind), zap.Error(err))
		return
	}
	n.log.Debug("notification stored", zap.Int64("user_id", msg.UserID), zap.String("kind", msg.Kind))
}
