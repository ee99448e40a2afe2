package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/util"
	"go.uber.org/zap"
)

// TokenSet is the normalized result of every provider's refresh call.
type TokenSet struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	ExpiresIn    *int64 // seconds; nil means non-expiring
}

// RefreshInput carries the decrypted credentials a provider needs.
type RefreshInput struct {
	AccessToken  string
	RefreshToken string
}

type Refresher interface {
	Refresh(ctx context.Context, in RefreshInput) (TokenSet, error)
}

// Refreshers is the per-platform dispatch table.
type Refreshers map[model.Platform]Refresher

func (r Refreshers) For(p model.Platform) (Refresher, error) {
	ref, ok := r[p]
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "oauth.For", "no refresher for "+p.String())
	}
	return ref, nil
}

// NewRefreshers builds one refresher per configured platform.
func NewRefreshers(platforms map[string]config.PlatformConfig, log *zap.Logger) Refreshers {
	out := Refreshers{}
	for name, pc := range platforms {
		p, ok := model.ParsePlatform(name)
		if !ok {
			log.Warn("unknown platform in config", zap.String("platform", name))
			continue
		}
		hc := &http.Client{Timeout: refreshTimeout(pc)}
		l := log.With(zap.String("platform", p.String()))

		switch p {
		case model.PlatformFacebook:
			out[p] = NewFacebook(pc.TokenURL, pc.ClientID, pc.ClientSecret, hc, l)
		case model.PlatformInstagram:
			out[p] = NewInstagram(pc.TokenURL, hc, l)
		case model.PlatformTwitter:
			out[p] = NewTwitter(pc.TokenURL, pc.ClientID, pc.ClientSecret, hc, l)
		case model.PlatformTikTok:
			out[p] = NewTikTok(pc.TokenURL, pc.ClientID, pc.ClientSecret, hc, l)
		case model.PlatformYouTube:
			out[p] = NewGoogle(pc.TokenURL, pc.ClientID, pc.ClientSecret, hc, l)
		}
	}
	return out
}

func refreshTimeout(pc config.PlatformConfig) time.Duration {
	if pc.RefreshTimeout > 0 {
		return pc.RefreshTimeout
	}
	return 15 * time.Second
}

// tokenResponse covers the JSON shape shared by the Graph, Instagram and TikTok endpoints.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        *int64 `json:"expires_in"`
	Error            any    `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (t tokenResponse) toSet() TokenSet {
	exp := t.ExpiresIn
	if exp != nil && *exp <= 0 {
		exp = nil
	}
	return TokenSet{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, ExpiresIn: exp}
}

// exchange performs one token call and classifies the outcome.
// Provider bodies are logged redacted and never returned to callers.
func exchange(ctx context.Context, hc *http.Client, req *http.Request, op string, log *zap.Logger) (tokenResponse, error) {
	res, err := hc.Do(req.WithContext(ctx))
	if err != nil {
		return tokenResponse{}, transportError(op, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, apperr.Wrap(apperr.KindTransient, op, "read token response", err)
	}

	if res.StatusCode/100 != 2 {
		log.Warn("token refresh rejected",
			zap.Int("status", res.StatusCode),
			zap.String("body", util.RedactSecrets(string(body))),
		)
		return tokenResponse{}, statusError(op, res.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		log.Warn("token refresh returned unreadable body", zap.String("body", util.RedactSecrets(string(body))))
		return tokenResponse{}, apperr.Wrap(apperr.KindTransient, op, "unreadable token response", err)
	}
	if tr.AccessToken == "" {
		log.Warn("token refresh returned no access token", zap.String("body", util.RedactSecrets(string(body))))
		return tokenResponse{}, apperr.New(apperr.KindReconnectionRequired, op, "provider returned no access token")
	}
	return tr, nil
}

func transportError(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTransient, op, "token endpoint unreachable", err)
	}
	return apperr.Wrap(apperr.KindTransient, op, "token request failed", err)
}

// statusError maps a token endpoint status: 5xx and 429 are worth retrying,
// any other rejection means the grant is gone.
func statusError(op string, status int) error {
	reason := fmt.Sprintf("token endpoint returned %d", status)
	if status >= 500 || status == http.StatusTooManyRequests {
		return apperr.New(apperr.KindTransient, op, reason)
	}
	return apperr.New(apperr.KindReconnectionRequired, op, reason)
}
