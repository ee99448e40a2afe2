package oauth

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// TikTok uses client_key rather than client_id on its v2 token endpoint.
type TikTok struct {
	tokenURL     string
	clientKey    string
	clientSecret string
	hc           *http.Client
	log          *zap.Logger
}

func NewTikTok(tokenURL, clientKey, clientSecret string, hc *http.Client, log *zap.Logger) *TikTok {
	return &TikTok{tokenURL: tokenURL, clientKey: clientKey, clientSecret: clientSecret, hc: hc, log: log}
}

func (t *TikTok) Refresh(ctx context.Context, in RefreshInput) (TokenSet, error) {
	form := url.Values{}
	form.Set("client_key", t.clientKey)
	form.Set("client_secret", t.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", in.RefreshToken)

	req, err := http.NewRequest(http.MethodPost, t.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cache-Control", "no-cache")

	tr, err := exchange(ctx, t.hc, req, "oauth.TikTok.Refresh", t.log)
	if err != nil {
		return TokenSet{}, err
	}
	set := tr.toSet()
	if set.RefreshToken == in.RefreshToken {
		set.RefreshToken = ""
	}
	return set, nil
}
