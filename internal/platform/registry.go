package platform

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/model"
	"go.uber.org/zap"
)

// Factory builds an adapter for one account with a resolved access token.
type Factory func(acct model.Account, token string) (Adapter, error)

type entry struct {
	factory Factory
	breaker *MicroBreaker
	timeout time.Duration
	checks  bool
}

// Registry is the platform dispatch table. Every adapter it hands out shares
// the platform's circuit breaker and publish timeout.
type Registry struct {
	entries map[model.Platform]*entry
	log     *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{entries: map[model.Platform]*entry{}, log: log}
}

// NewRegistryFromConfig wires the five built-in adapters.
func NewRegistryFromConfig(platforms map[string]config.PlatformConfig, log *zap.Logger) *Registry {
	r := NewRegistry(log)
	for name, pc := range platforms {
		p, ok := model.ParsePlatform(name)
		if !ok {
			continue
		}
		timeout := pc.PublishTimeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		hc := &http.Client{Timeout: timeout}
		l := log.With(zap.String("platform", p.String()))
		base := pc.APIBaseURL
		br := NewMicroBreaker(pc.Breaker.FailThreshold, time.Duration(pc.Breaker.OpenForMs)*time.Millisecond)

		var f Factory
		checks := false
		switch p {
		case model.PlatformFacebook:
			f = func(a model.Account, tok string) (Adapter, error) { return NewFacebook(base, a, tok, hc, l), nil }
		case model.PlatformInstagram:
			f = func(a model.Account, tok string) (Adapter, error) { return NewInstagram(base, a, tok, hc, l), nil }
		case model.PlatformTwitter:
			f = func(a model.Account, tok string) (Adapter, error) { return NewTwitter(base, a, tok, hc, l), nil }
		case model.PlatformTikTok:
			checks = true
			f = func(a model.Account, tok string) (Adapter, error) { return NewTikTok(base, a, tok, hc, l), nil }
		case model.PlatformYouTube:
			checks = true
			f = func(a model.Account, tok string) (Adapter, error) {
				return NewYouTube(context.Background(), base, a, tok, hc, l)
			}
		}
		r.Register(p, f, br, timeout, checks)
	}
	return r
}

func (r *Registry) Register(p model.Platform, f Factory, br *MicroBreaker, timeout time.Duration, statusChecks bool) {
	if br == nil {
		br = NewMicroBreaker(0, 0)
	}
	r.entries[p] = &entry{factory: f, breaker: br, timeout: timeout, checks: statusChecks}
}

// StatusCheckable lists platforms whose adapters implement StatusChecker.
func (r *Registry) StatusCheckable() []model.Platform {
	var out []model.Platform
	for _, p := range model.Platforms {
		if e, ok := r.entries[p]; ok && e.checks {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) HasStatusCheck(p model.Platform) bool {
	e, ok := r.entries[p]
	return ok && e.checks
}

// New builds the adapter for acct.
func (r *Registry) New(acct model.Account, token string) (Adapter, error) {
	e, ok := r.entries[acct.Platform]
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "platform.New", "unsupported platform "+acct.Platform.String())
	}
	a, err := e.factory(acct, token)
	if err != nil {
		return nil, err
	}

	g := guarded{inner: a, br: e.breaker, timeout: e.timeout}
	if sc, ok := a.(StatusChecker); ok {
		return guardedChecker{guarded: g, checker: sc}, nil
	}
	return g, nil
}

// guarded applies the per-platform breaker and timeout around every call.
type guarded struct {
	inner   Adapter
	br      *MicroBreaker
	timeout time.Duration
}

func (g guarded) Platform() model.Platform { return g.inner.Platform() }

func (g guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if !g.br.TryAcquire() {
		return apperr.New(apperr.KindTransient, op, g.inner.Platform().DisplayName()+" circuit open")
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err := fn(ctx)
	switch {
	case err == nil:
		g.br.OnSuccess()
	case apperr.IsTransient(err):
		g.br.OnFailure()
	default:
		g.br.Release()
	}
	return err
}

func (g guarded) Publish(ctx context.Context, c model.Content) (res PublishResult, err error) {
	err = g.call(ctx, "platform.Publish", func(ctx context.Context) error {
		res, err = g.inner.Publish(ctx, c)
		return err
	})
	return res, err
}

func (g guarded) Delete(ctx context.Context, postID string) (ok bool, err error) {
	err = g.call(ctx, "platform.Delete", func(ctx context.Context) error {
		ok, err = g.inner.Delete(ctx, postID)
		return err
	})
	return ok, err
}

func (g guarded) FetchMetrics(ctx context.Context, postID string) (m Metrics, err error) {
	err = g.call(ctx, "platform.FetchMetrics", func(ctx context.Context) error {
		m, err = g.inner.FetchMetrics(ctx, postID)
		return err
	})
	return m, err
}

type guardedChecker struct {
	guarded
	checker StatusChecker
}

func (g guardedChecker) CheckStatus(ctx context.Context, postID string) (rep StatusReport, err error) {
	err = g.call(ctx, "platform.CheckStatus", func(ctx context.Context) error {
		rep, err = g.checker.CheckStatus(ctx, postID)
		return err
	})
	return rep, err
}
