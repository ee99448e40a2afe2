package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/lease"
	"github.com/jmehdipour/social-publisher/internal/metrics"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/platform"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmehdipour/social-publisher/internal/tokens"
	"github.com/jmehdipour/social-publisher/internal/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TokenManager is the slice of tokens.Manager the orchestrator uses.
type TokenManager interface {
	Account(ctx context.Context, accountID int64) (model.Account, error)
	Resolve(ctx context.Context, accountID int64) (tokens.Resolved, error)
	RecordPublishSuccess(ctx context.Context, accountID int64) error
	RecordPublishFailure(ctx context.Context, accountID int64, reason string) error
}

// AdapterFactory builds a platform adapter for a resolved account.
type AdapterFactory interface {
	New(acct model.Account, token string) (platform.Adapter, error)
}

// persistTimeout bounds writes that must land even after the job context expired.
const persistTimeout = 15 * time.Second

// detached keeps ctx values but not its deadline, so attempt rows and account
// bookkeeping survive a timed-out platform call.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// Outcome is the result of one account in a batch.
type Outcome struct {
	AccountID int64
	Account   model.Account
	AttemptID string
	Status    model.AttemptStatus
	PostID    string
	Kind      apperr.Kind // empty on success
	Reason    string
}

func (o Outcome) Succeeded() bool { return o.Status == model.AttemptPublished }

// Result reports a fan-out. Success+Failed always equals the number of distinct accounts.
type Result struct {
	Success int
	Failed  int
	Results map[int64]Outcome
}

// Orchestrator publishes one publication to many accounts concurrently.
// One account failing never affects the others.
type Orchestrator struct {
	tokens      TokenManager
	adapters    AdapterFactory
	attempts    repository.AttemptsRepository
	pubs        repository.PublicationsRepository
	leases      lease.Locker
	concurrency int
	log         *zap.Logger
}

func NewOrchestrator(
	tm TokenManager,
	adapters AdapterFactory,
	attempts repository.AttemptsRepository,
	pubs repository.PublicationsRepository,
	leases lease.Locker,
	concurrency int,
	log *zap.Logger,
) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Orchestrator{
		tokens:      tm,
		adapters:    adapters,
		attempts:    attempts,
		pubs:        pubs,
		leases:      leases,
		concurrency: concurrency,
		log:         log,
	}
}

// PublishToMultiple never returns an error; every failure ends up in the result
// and in the attempt log.
func (o *Orchestrator) PublishToMultiple(ctx context.Context, pub model.Publication, accountIDs []int64) Result {
	ids := dedupe(accountIDs)
	res := Result{Results: make(map[int64]Outcome, len(ids))}

	content, cerr := pub.Content()
	if cerr != nil {
		cerr = apperr.Wrap(apperr.KindRejected, "publisher.Content", "publication media is unreadable", cerr)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			out := o.publishOne(ctx, pub, content, cerr, id)

			mu.Lock()
			res.Results[id] = out
			if out.Succeeded() {
				res.Success++
			} else {
				res.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.log.Info("publication fan-out finished",
		zap.Int64("publication_id", pub.ID),
		zap.Int("success", res.Success),
		zap.Int("failed", res.Failed),
	)
	return res
}

func (o *Orchestrator) publishOne(ctx context.Context, pub model.Publication, content model.Content, contentErr error, accountID int64) (out Outcome) {
	log := o.log.With(zap.Int64("publication_id", pub.ID), zap.Int64("account_id", accountID))
	out = Outcome{AccountID: accountID}

	defer func() {
		if r := recover(); r != nil {
			log.Error("publish panicked", zap.Any("panic", r))
			out = o.record(ctx, pub, out.Account, accountID, "", apperr.New(apperr.KindInternal, "publisher.publishOne", "unexpected failure"))
		}
	}()

	release, err := o.leases.Acquire(ctx, lease.AccountKey(accountID))
	if err != nil {
		return o.record(ctx, pub, model.Account{}, accountID, "", err)
	}
	defer release()

	resolved, err := o.tokens.Resolve(ctx, accountID)
	if err != nil {
		log.Warn("token not usable", zap.Error(err))
		return o.record(ctx, pub, resolved.Account, accountID, "", err)
	}
	acct := resolved.Account
	if contentErr != nil {
		return o.record(ctx, pub, acct, accountID, "", contentErr)
	}

	// Publication may have been cancelled or reset while this batch waited.
	if cur, err := o.pubs.Get(ctx, nil, pub.ID); err == nil && cur.Status != model.PublicationPublishing && cur.Status != model.PublicationQueued {
		return Outcome{AccountID: accountID, Account: acct, Status: model.AttemptFailed, Kind: apperr.KindStaleWorkItem,
			Reason: "publication is " + cur.Status.String()}
	}

	adapter, err := o.adapters.New(acct, resolved.AccessToken)
	if err != nil {
		return o.record(ctx, pub, acct, accountID, "", err)
	}

	started := time.Now()
	pr, err := adapter.Publish(ctx, content)

	wctx, cancel := detached(ctx)
	defer cancel()
	if err != nil {
		log.Warn("publish failed", zap.String("platform", acct.Platform.String()), zap.Duration("took", time.Since(started)), zap.Error(err))
		if berr := o.tokens.RecordPublishFailure(wctx, accountID, apperr.ReasonOf(err)); berr != nil {
			log.Error("record publish failure", zap.Error(berr))
		}
		return o.record(ctx, pub, acct, accountID, "", err)
	}

	if berr := o.tokens.RecordPublishSuccess(wctx, accountID); berr != nil {
		log.Error("record publish success", zap.Error(berr))
	}
	return o.record(ctx, pub, acct, accountID, pr.PostID, nil)
}

// record appends the attempt log row for one account. The row is written
// even when ctx has already expired.
func (o *Orchestrator) record(ctx context.Context, pub model.Publication, acct model.Account, accountID int64, postID string, cause error) Outcome {
	ctx, cancel := detached(ctx)
	defer cancel()

	if acct.ID == 0 {
		if a, err := o.tokens.Account(ctx, accountID); err == nil {
			acct = a
		}
	}
	out := Outcome{AccountID: accountID, Account: acct, AttemptID: util.NewID(), Status: model.AttemptPublished, PostID: postID}
	row := model.AttemptLog{
		ID:            out.AttemptID,
		PublicationID: pub.ID,
		AccountID:     accountID,
		Platform:      acct.Platform,
		Status:        model.AttemptPublished,
	}
	if postID != "" {
		row.PlatformPostID = &postID
	}
	if cause != nil {
		out.Status, row.Status = model.AttemptFailed, model.AttemptFailed
		out.Kind = apperr.KindOf(cause)
		out.Reason = util.RedactSecrets(apperr.ReasonOf(cause))
		row.ErrorKind = out.Kind.String()
		row.ErrorMessage = out.Reason
	}

	outcome := "published"
	if cause != nil {
		outcome = out.Kind.String()
	}
	metrics.PublishAttemptsTotal.WithLabelValues(acct.Platform.String(), outcome).Inc()

	if acct.ID == 0 {
		// Unknown account; nothing to attach the attempt to.
		out.AttemptID = ""
		return out
	}
	if err := o.attempts.Insert(ctx, nil, row); err != nil {
		o.log.Error("insert attempt log",
			zap.Int64("publication_id", pub.ID),
			zap.Int64("account_id", accountID),
			zap.Error(err),
		)
	}
	return out
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
