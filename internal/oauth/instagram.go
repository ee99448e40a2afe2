package oauth

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// Instagram refreshes a long-lived token with the token itself; there is no refresh token.
type Instagram struct {
	tokenURL string
	hc       *http.Client
	log      *zap.Logger
}

func NewInstagram(tokenURL string, hc *http.Client, log *zap.Logger) *Instagram {
	return &Instagram{tokenURL: tokenURL, hc: hc, log: log}
}

func (i *Instagram) Refresh(ctx context.Context, in RefreshInput) (TokenSet, error) {
	q := url.Values{}
	q.Set("grant_type", "ig_refresh_token")
	q.Set("access_token", in.AccessToken)

	req, err := http.NewRequest(http.MethodGet, i.tokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return TokenSet{}, err
	}

	tr, err := exchange(ctx, i.hc, req, "oauth.Instagram.Refresh", i.log)
	if err != nil {
		return TokenSet{}, err
	}
	set := tr.toSet()
	set.RefreshToken = ""
	return set, nil
}
