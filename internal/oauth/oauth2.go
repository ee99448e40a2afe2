package oauth

import (
	"context"
	"errors"
	"net/http"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/util"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Standard runs a refresh_token grant through golang.org/x/oauth2.
// Google sends client credentials in the form, X in a Basic auth header.
type Standard struct {
	name string
	cfg  oauth2.Config
	hc   *http.Client
	log  *zap.Logger
}

func NewGoogle(tokenURL, clientID, clientSecret string, hc *http.Client, log *zap.Logger) *Standard {
	ep := google.Endpoint
	if tokenURL != "" {
		ep.TokenURL = tokenURL
	}
	ep.AuthStyle = oauth2.AuthStyleInParams
	return &Standard{
		name: "Google",
		cfg:  oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: ep},
		hc:   hc,
		log:  log,
	}
}

func NewTwitter(tokenURL, clientID, clientSecret string, hc *http.Client, log *zap.Logger) *Standard {
	return &Standard{
		name: "Twitter",
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		},
		hc:  hc,
		log: log,
	}
}

func (s *Standard) Refresh(ctx context.Context, in RefreshInput) (TokenSet, error) {
	op := "oauth." + s.name + ".Refresh"
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.hc)

	tok, err := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: in.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			s.log.Warn("token refresh rejected",
				zap.Int("status", re.Response.StatusCode),
				zap.String("error_code", re.ErrorCode),
				zap.String("body", util.RedactSecrets(string(re.Body))),
			)
			return TokenSet{}, statusError(op, re.Response.StatusCode)
		}
		return TokenSet{}, transportError(op, err)
	}
	if tok.AccessToken == "" {
		return TokenSet{}, apperr.New(apperr.KindReconnectionRequired, op, "provider returned no access token")
	}

	set := TokenSet{AccessToken: tok.AccessToken}
	if tok.RefreshToken != "" && tok.RefreshToken != in.RefreshToken {
		set.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		v := tok.ExpiresIn
		set.ExpiresIn = &v
	}
	return set, nil
}
