package oauth

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// Facebook exchanges the stored long-lived token for a fresh one
// (grant_type=fb_exchange_token).
type Facebook struct {
	tokenURL     string
	clientID     string
	clientSecret string
	hc           *http.Client
	log          *zap.Logger
}

func NewFacebook(tokenURL, clientID, clientSecret string, hc *http.Client, log *zap.Logger) *Facebook {
	return &Facebook{tokenURL: tokenURL, clientID: clientID, clientSecret: clientSecret, hc: hc, log: log}
}

func (f *Facebook) Refresh(ctx context.Context, in RefreshInput) (TokenSet, error) {
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", f.clientID)
	q.Set("client_secret", f.clientSecret)
	q.Set("fb_exchange_token", in.RefreshToken)

	req, err := http.NewRequest(http.MethodGet, f.tokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return TokenSet{}, err
	}

	tr, err := exchange(ctx, f.hc, req, "oauth.Facebook.Refresh", f.log)
	if err != nil {
		return TokenSet{}, err
	}
	return tr.toSet(), nil
}
