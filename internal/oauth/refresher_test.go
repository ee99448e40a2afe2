package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func server(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestFacebook_ExchangesRefreshToken(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		q := r.URL.Query()
		assert.Equal(t, "fb_exchange_token", q.Get("grant_type"))
		assert.Equal(t, "app", q.Get("client_id"))
		assert.Equal(t, "secret", q.Get("client_secret"))
		assert.Equal(t, "long-lived", q.Get("fb_exchange_token"))
		_, _ = w.Write([]byte(`{"access_token":"EAAB-new","token_type":"bearer","expires_in":5183944}`))
	})

	f := NewFacebook(srv.URL, "app", "secret", srv.Client(), zap.NewNop())
	set, err := f.Refresh(context.Background(), RefreshInput{AccessToken: "old", RefreshToken: "long-lived"})
	require.NoError(t, err)
	assert.Equal(t, "EAAB-new", set.AccessToken)
	assert.Empty(t, set.RefreshToken)
	require.NotNil(t, set.ExpiresIn)
	assert.EqualValues(t, 5183944, *set.ExpiresIn)
}

func TestInstagram_KeyedByAccessToken(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "ig_refresh_token", q.Get("grant_type"))
		assert.Equal(t, "IG-current", q.Get("access_token"))
		_, _ = w.Write([]byte(`{"access_token":"IG-next","token_type":"bearer","expires_in":5184000}`))
	})

	i := NewInstagram(srv.URL, srv.Client(), zap.NewNop())
	set, err := i.Refresh(context.Background(), RefreshInput{AccessToken: "IG-current"})
	require.NoError(t, err)
	assert.Equal(t, "IG-next", set.AccessToken)
}

func TestTikTok_FormContract(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "ck", r.PostForm.Get("client_key"))
		assert.Equal(t, "cs", r.PostForm.Get("client_secret"))
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		_, _ = w.Write([]byte(`{"access_token":"act.2","refresh_token":"rft.2","expires_in":86400,"open_id":"o"}`))
	})

	tk := NewTikTok(srv.URL, "ck", "cs", srv.Client(), zap.NewNop())
	set, err := tk.Refresh(context.Background(), RefreshInput{RefreshToken: "rt-1"})
	require.NoError(t, err)
	assert.Equal(t, "act.2", set.AccessToken)
	assert.Equal(t, "rft.2", set.RefreshToken)
}

func TestGoogle_CredentialsInForm(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		_, _, hasBasic := r.BasicAuth()
		assert.False(t, hasBasic)
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "gid", r.PostForm.Get("client_id"))
		assert.Equal(t, "gsecret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "1//rt", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"ya29.new","expires_in":3599,"token_type":"Bearer"}`))
	})

	g := NewGoogle(srv.URL, "gid", "gsecret", srv.Client(), zap.NewNop())
	set, err := g.Refresh(context.Background(), RefreshInput{RefreshToken: "1//rt"})
	require.NoError(t, err)
	assert.Equal(t, "ya29.new", set.AccessToken)
	assert.Empty(t, set.RefreshToken)
	require.NotNil(t, set.ExpiresIn)
	assert.EqualValues(t, 3599, *set.ExpiresIn)
}

func TestTwitter_BasicAuthAndRotation(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "tid", user)
		assert.Equal(t, "tsecret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-rt", r.PostForm.Get("refresh_token"))
		assert.Empty(t, r.PostForm.Get("client_secret"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tw-new","refresh_token":"new-rt","expires_in":7200,"token_type":"bearer"}`))
	})

	tw := NewTwitter(srv.URL, "tid", "tsecret", srv.Client(), zap.NewNop())
	set, err := tw.Refresh(context.Background(), RefreshInput{RefreshToken: "old-rt"})
	require.NoError(t, err)
	assert.Equal(t, "tw-new", set.AccessToken)
	assert.Equal(t, "new-rt", set.RefreshToken)
}

func TestRefresh_ErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"revoked grant", http.StatusBadRequest, apperr.ErrReconnectionRequired},
		{"unauthorized", http.StatusUnauthorized, apperr.ErrReconnectionRequired},
		{"rate limited", http.StatusTooManyRequests, apperr.ErrTransient},
		{"provider down", http.StatusServiceUnavailable, apperr.ErrTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := server(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","refresh_token":"leaked"}`))
			})

			for _, r := range []Refresher{
				NewFacebook(srv.URL, "a", "b", srv.Client(), zap.NewNop()),
				NewTikTok(srv.URL, "a", "b", srv.Client(), zap.NewNop()),
				NewGoogle(srv.URL, "a", "b", srv.Client(), zap.NewNop()),
				NewTwitter(srv.URL, "a", "b", srv.Client(), zap.NewNop()),
			} {
				_, err := r.Refresh(context.Background(), RefreshInput{AccessToken: "x", RefreshToken: "y"})
				assert.ErrorIs(t, err, tc.want)
				assert.NotContains(t, err.Error(), "leaked")
			}
		})
	}
}

func TestRefresh_LogsRedactedBody(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad"},"access_token":"EAAB-secret"}`))
	})

	f := NewFacebook(srv.URL, "a", "b", srv.Client(), zap.New(core))
	_, err := f.Refresh(context.Background(), RefreshInput{RefreshToken: "y"})
	require.Error(t, err)

	require.Equal(t, 1, logs.Len())
	body := logs.All()[0].ContextMap()["body"].(string)
	assert.Contains(t, body, "[REDACTED]")
	assert.NotContains(t, body, "EAAB-secret")
}

func TestRefresh_TimeoutIsTransient(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	hc := &http.Client{Timeout: 20 * time.Millisecond}
	_, err := NewTikTok(srv.URL, "a", "b", hc, zap.NewNop()).Refresh(context.Background(), RefreshInput{RefreshToken: "y"})
	assert.ErrorIs(t, err, apperr.ErrTransient)
}

func TestNewRefreshers_DispatchTable(t *testing.T) {
	cfg := map[string]config.PlatformConfig{}
	for _, p := range model.Platforms {
		cfg[p.String()] = config.PlatformConfig{TokenURL: "http://example.invalid"}
	}
	cfg["myspace"] = config.PlatformConfig{}

	r := NewRefreshers(cfg, zap.NewNop())
	assert.Len(t, r, len(model.Platforms))

	_, err := r.For(model.PlatformTikTok)
	assert.NoError(t, err)
	_, err = Refreshers{}.For(model.PlatformTikTok)
	assert.ErrorIs(t, err, apperr.ErrInternal)
}
