package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func server(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   apperr.Kind
	}{
		{401, apperr.KindReconnectionRequired},
		{429, apperr.KindTransient},
		{500, apperr.KindTransient},
		{503, apperr.KindTransient},
		{400, apperr.KindRejected},
		{403, apperr.KindRejected},
		{404, apperr.KindRejected},
	}
	for _, tc := range cases {
		err := classifyStatus("op", model.PlatformFacebook, tc.status, "")
		assert.Equal(t, tc.want, apperr.KindOf(err), "status %d", tc.status)
	}
	assert.True(t, isNotFound(classifyStatus("op", model.PlatformFacebook, 404, "")))
}

func TestProviderMessage_TruncatesOnRuneBoundary(t *testing.T) {
	raw, err := json.Marshal(map[string]string{"detail": "a" + strings.Repeat("é", 150)})
	require.NoError(t, err)

	msg := providerMessage(raw)
	assert.Len(t, msg, 199)
	assert.True(t, utf8.ValidString(msg))
}

func TestFacebook_PublishPhotoAndFeed(t *testing.T) {
	var paths []string
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "Bearer page-token", r.Header.Get("Authorization"))
		if strings.HasSuffix(r.URL.Path, "/photos") {
			assert.Equal(t, "https://cdn/x.jpg", r.PostForm.Get("url"))
			_, _ = w.Write([]byte(`{"id":"photo1","post_id":"123_456"}`))
			return
		}
		assert.Equal(t, "hello", r.PostForm.Get("message"))
		_, _ = w.Write([]byte(`{"id":"123_789"}`))
	})
	fb := NewFacebook(srv.URL, model.Account{ExternalID: "123"}, "page-token", srv.Client(), zap.NewNop())

	res, err := fb.Publish(context.Background(), model.Content{Text: "hi", Media: []model.MediaItem{{URL: "https://cdn/x.jpg", Kind: model.MediaImage}}})
	require.NoError(t, err)
	assert.Equal(t, "123_456", res.PostID)

	res, err = fb.Publish(context.Background(), model.Content{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "123_789", res.PostID)
	assert.Equal(t, []string{"/123/photos", "/123/feed"}, paths)
}

func TestFacebook_ExpiredTokenNeedsReconnect(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Error validating access token","code":190}}`))
	})
	fb := NewFacebook(srv.URL, model.Account{ExternalID: "123"}, "t", srv.Client(), zap.NewNop())

	_, err := fb.Publish(context.Background(), model.Content{Text: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrReconnectionRequired)
	assert.Contains(t, apperr.ReasonOf(err), "Error validating access token")
}

func TestFacebook_DeleteMissingPostCountsAsDeleted(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})
	fb := NewFacebook(srv.URL, model.Account{ExternalID: "123"}, "t", srv.Client(), zap.NewNop())

	ok, err := fb.Delete(context.Background(), "123_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTwitter_PublishAndMetrics(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "hello https://example.com https://cdn/a.jpg", body["text"])
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"data":{"id":"1789","text":"hello"}}`))
		case http.MethodGet:
			assert.Equal(t, "public_metrics", r.URL.Query().Get("tweet.fields"))
			_, _ = w.Write([]byte(`{"data":{"id":"1789","public_metrics":{"retweet_count":2,"reply_count":3,"like_count":10,"quote_count":1,"impression_count":500}}}`))
		}
	})
	tw := NewTwitter(srv.URL, model.Account{}, "t", srv.Client(), zap.NewNop())

	res, err := tw.Publish(context.Background(), model.Content{
		Text:  "hello",
		Link:  "https://example.com",
		Media: []model.MediaItem{{URL: "https://cdn/a.jpg", Kind: model.MediaImage}},
	})
	require.NoError(t, err)
	assert.Equal(t, "1789", res.PostID)

	m, err := tw.FetchMetrics(context.Background(), "1789")
	require.NoError(t, err)
	assert.EqualValues(t, 500, m.Views)
	assert.EqualValues(t, 10, m.Likes)
	assert.EqualValues(t, 3, m.Comments)
	assert.EqualValues(t, 3, m.Shares)
	assert.NotEmpty(t, m.Raw)
}

func TestTwitter_TooLongIsRejectedLocally(t *testing.T) {
	tw := NewTwitter("http://127.0.0.1:0", model.Account{}, "t", http.DefaultClient, zap.NewNop())
	_, err := tw.Publish(context.Background(), model.Content{Text: strings.Repeat("a", 281)})
	assert.ErrorIs(t, err, apperr.ErrRejected)
}

func TestTwitter_RateLimitIsTransient(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"title":"Too Many Requests","detail":"Too Many Requests"}`))
	})
	tw := NewTwitter(srv.URL, model.Account{}, "t", srv.Client(), zap.NewNop())
	_, err := tw.Publish(context.Background(), model.Content{Text: "x"})
	assert.ErrorIs(t, err, apperr.ErrTransient)
}

func TestInstagram_RequiresMedia(t *testing.T) {
	ig := NewInstagram("http://127.0.0.1:0", model.Account{ExternalID: "17"}, "t", http.DefaultClient, zap.NewNop())
	_, err := ig.Publish(context.Background(), model.Content{Text: "no media"})
	assert.ErrorIs(t, err, apperr.ErrRejected)

	ok, err := ig.Delete(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInstagram_VideoContainerFlow(t *testing.T) {
	polls := 0
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/17/media":
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "REELS", r.PostForm.Get("media_type"))
			_, _ = w.Write([]byte(`{"id":"c1"}`))
		case r.URL.Path == "/c1":
			polls++
			if polls < 2 {
				_, _ = w.Write([]byte(`{"status_code":"IN_PROGRESS"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status_code":"FINISHED"}`))
		case r.URL.Path == "/17/media_publish":
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "c1", r.PostForm.Get("creation_id"))
			_, _ = w.Write([]byte(`{"id":"m1"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	ig := NewInstagram(srv.URL, model.Account{ExternalID: "17"}, "t", srv.Client(), zap.NewNop())
	ig.pollEvery = time.Millisecond

	res, err := ig.Publish(context.Background(), model.Content{Media: []model.MediaItem{{URL: "https://cdn/v.mp4", Kind: model.MediaVideo}}})
	require.NoError(t, err)
	assert.Equal(t, "m1", res.PostID)
	assert.Equal(t, 2, polls)
}

func TestTikTok_PublishPullFromURL(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/post/publish/video/init/", r.URL.Path)
		var body struct {
			PostInfo   map[string]string `json:"post_info"`
			SourceInfo map[string]string `json:"source_info"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "PULL_FROM_URL", body.SourceInfo["source"])
		assert.Equal(t, "https://cdn/v.mp4", body.SourceInfo["video_url"])
		assert.Equal(t, "SELF_ONLY", body.PostInfo["privacy_level"])
		_, _ = w.Write([]byte(`{"data":{"publish_id":"v_pub_1"},"error":{"code":"ok","message":""}}`))
	})
	acct := model.Account{}
	acct.SetMeta("privacy_level", "SELF_ONLY")
	tt := NewTikTok(srv.URL, acct, "t", srv.Client(), zap.NewNop())

	res, err := tt.Publish(context.Background(), model.Content{Text: "clip", Media: []model.MediaItem{{URL: "https://cdn/v.mp4", Kind: model.MediaVideo}}})
	require.NoError(t, err)
	assert.Equal(t, "v_pub_1", res.PostID)

	_, err = tt.Publish(context.Background(), model.Content{Text: "no video"})
	assert.ErrorIs(t, err, apperr.ErrRejected)
}

func TestTikTok_EnvelopeErrors(t *testing.T) {
	assert.NoError(t, tiktokError{Code: "ok"}.check("op"))
	assert.ErrorIs(t, tiktokError{Code: "access_token_invalid"}.check("op"), apperr.ErrReconnectionRequired)
	assert.ErrorIs(t, tiktokError{Code: "rate_limit_exceeded"}.check("op"), apperr.ErrTransient)
	assert.ErrorIs(t, tiktokError{Code: "spam_risk_too_many_posts"}.check("op"), apperr.ErrRejected)
}

func TestTikTok_CheckStatus(t *testing.T) {
	status := `{"data":{"status":"FAILED","fail_reason":"duration_check"},"error":{"code":"ok"}}`
	videos := `{"data":{"videos":[]},"error":{"code":"ok"}}`
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/post/publish/status/fetch/":
			_, _ = io.WriteString(w, status)
		case "/v2/video/query/":
			_, _ = io.WriteString(w, videos)
		}
	})
	tt := NewTikTok(srv.URL, model.Account{}, "t", srv.Client(), zap.NewNop())

	rep, err := tt.CheckStatus(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, rep.Exists)
	assert.True(t, rep.Rejected())
	assert.Equal(t, "duration_check", rep.RejectionReason)

	status = `{"data":{"status":"PUBLISH_COMPLETE","publicaly_available_post_id":["7300"]},"error":{"code":"ok"}}`
	rep, err = tt.CheckStatus(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, rep.Exists)

	videos = `{"data":{"videos":[{"id":"7300","view_count":40,"like_count":4,"comment_count":1,"share_count":2}]},"error":{"code":"ok"}}`
	rep, err = tt.CheckStatus(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, rep.Exists)
	assert.False(t, rep.Rejected())

	m, err := tt.FetchMetrics(context.Background(), "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 40, m.Views)
	assert.EqualValues(t, 2, m.Shares)

	status = `{"data":{},"error":{"code":"invalid_publish_id","message":"not found"}}`
	rep, err = tt.CheckStatus(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, rep.Exists)
}

func newYouTube(t *testing.T, h http.HandlerFunc) *YouTube {
	t.Helper()
	srv := server(t, h)
	yt, err := NewYouTube(context.Background(), srv.URL+"/", model.Account{}, "ya29.token", srv.Client(), zap.NewNop())
	require.NoError(t, err)
	return yt
}

func TestYouTube_CheckStatus(t *testing.T) {
	body := `{"items":[{"id":"v1","status":{"uploadStatus":"rejected","rejectionReason":"copyright"},"contentDetails":{"regionRestriction":{"blocked":["DE","FR"]}}}]}`
	yt := newYouTube(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/videos"))
		assert.Equal(t, "v1", r.URL.Query().Get("id"))
		assert.Equal(t, "Bearer ya29.token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	})

	rep, err := yt.CheckStatus(context.Background(), "v1")
	require.NoError(t, err)
	assert.True(t, rep.Exists)
	assert.True(t, rep.Rejected())
	assert.Equal(t, "copyright", rep.RejectionReason)
	assert.Equal(t, []string{"DE", "FR"}, rep.RegionRestriction)

	body = `{"items":[]}`
	rep, err = yt.CheckStatus(context.Background(), "v1")
	require.NoError(t, err)
	assert.False(t, rep.Exists)
}

func TestYouTube_MetricsAndDelete(t *testing.T) {
	yt := newYouTube(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			_, _ = io.WriteString(w, `{"items":[{"id":"v1","statistics":{"viewCount":"120","likeCount":"7","commentCount":"2"}}]}`)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"Video not found."}}`)
		}
	})

	m, err := yt.FetchMetrics(context.Background(), "v1")
	require.NoError(t, err)
	assert.EqualValues(t, 120, m.Views)
	assert.EqualValues(t, 7, m.Likes)
	assert.EqualValues(t, 2, m.Comments)

	ok, err := yt.Delete(context.Background(), "v1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestYouTube_UnauthorizedNeedsReconnect(t *testing.T) {
	yt := newYouTube(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"code":401,"message":"Invalid Credentials"}}`)
	})
	_, err := yt.CheckStatus(context.Background(), "v1")
	assert.ErrorIs(t, err, apperr.ErrReconnectionRequired)
}

func TestMicroBreaker(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewMicroBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	require.True(t, b.TryAcquire())
	b.OnFailure()
	require.True(t, b.TryAcquire())
	b.OnFailure()
	assert.False(t, b.TryAcquire(), "open after threshold")

	now = now.Add(2 * time.Minute)
	assert.True(t, b.TryAcquire(), "single probe")
	assert.False(t, b.TryAcquire())
	b.OnSuccess()
	assert.True(t, b.TryAcquire())

	b.OnFailure()
	b.OnFailure()
	now = now.Add(2 * time.Minute)
	require.True(t, b.TryAcquire())
	b.Release()
	assert.True(t, b.TryAcquire(), "release closes the breaker")
	assert.True(t, b.TryAcquire())
}

type fakeAdapter struct {
	err   error
	calls int
}

func (f *fakeAdapter) Platform() model.Platform { return model.PlatformFacebook }

func (f *fakeAdapter) Publish(ctx context.Context, c model.Content) (PublishResult, error) {
	f.calls++
	if f.err != nil {
		return PublishResult{}, f.err
	}
	_, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		return PublishResult{}, apperr.New(apperr.KindInternal, "fake", "no deadline")
	}
	return PublishResult{PostID: "p"}, nil
}

func (f *fakeAdapter) Delete(context.Context, string) (bool, error) { return false, nil }

func (f *fakeAdapter) FetchMetrics(context.Context, string) (Metrics, error) { return Metrics{}, nil }

func TestRegistry_BreakerAndTimeout(t *testing.T) {
	fake := &fakeAdapter{}
	r := NewRegistry(zap.NewNop())
	r.Register(model.PlatformFacebook, func(model.Account, string) (Adapter, error) { return fake, nil },
		NewMicroBreaker(1, time.Hour), time.Minute, false)

	a, err := r.New(model.Account{Platform: model.PlatformFacebook}, "t")
	require.NoError(t, err)
	_, isChecker := a.(StatusChecker)
	assert.False(t, isChecker)

	res, err := a.Publish(context.Background(), model.Content{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "p", res.PostID)

	fake.err = apperr.New(apperr.KindRejected, "fake", "bad content")
	_, err = a.Publish(context.Background(), model.Content{})
	assert.ErrorIs(t, err, apperr.ErrRejected)

	fake.err = apperr.New(apperr.KindTransient, "fake", "down")
	_, err = a.Publish(context.Background(), model.Content{})
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, 3, fake.calls)

	_, err = a.Publish(context.Background(), model.Content{})
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, fake.calls, "open breaker short-circuits")

	_, err = r.New(model.Account{Platform: model.PlatformYouTube}, "t")
	assert.ErrorIs(t, err, apperr.ErrInternal)
}
