package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/model"
	"go.uber.org/zap"
)

const tweetMaxRunes = 280

// Twitter posts through the X API v2 with a user-context OAuth 2.0 token.
// Media is attached as links.
type Twitter struct {
	api apiClient
}

func NewTwitter(baseURL string, acct model.Account, token string, hc *http.Client, log *zap.Logger) *Twitter {
	return &Twitter{api: apiClient{platform: model.PlatformTwitter, baseURL: strings.TrimRight(baseURL, "/"), token: token, hc: hc, log: log}}
}

func (t *Twitter) Platform() model.Platform { return model.PlatformTwitter }

func tweetText(c model.Content) string {
	parts := []string{strings.TrimSpace(c.Text)}
	if c.Link != "" {
		parts = append(parts, c.Link)
	}
	for _, m := range c.Media {
		parts = append(parts, m.URL)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (t *Twitter) Publish(ctx context.Context, c model.Content) (PublishResult, error) {
	const op = "twitter.Publish"
	text := tweetText(c)
	if text == "" {
		return PublishResult{}, apperr.New(apperr.KindRejected, op, "nothing to publish")
	}
	if utf8.RuneCountInString(text) > tweetMaxRunes {
		return PublishResult{}, apperr.New(apperr.KindRejected, op, "post is longer than 280 characters")
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if _, err := t.api.do(ctx, op, request{method: http.MethodPost, path: "/2/tweets", json: map[string]string{"text": text}}, &out); err != nil {
		return PublishResult{}, err
	}
	return PublishResult{PostID: out.Data.ID, URL: "https://x.com/i/web/status/" + out.Data.ID}, nil
}

func (t *Twitter) Delete(ctx context.Context, postID string) (bool, error) {
	var out struct {
		Data struct {
			Deleted bool `json:"deleted"`
		} `json:"data"`
	}
	_, err := t.api.do(ctx, "twitter.Delete", request{method: http.MethodDelete, path: "/2/tweets/" + postID}, &out)
	if isNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return out.Data.Deleted, nil
}

func (t *Twitter) FetchMetrics(ctx context.Context, postID string) (Metrics, error) {
	q := url.Values{}
	q.Set("tweet.fields", "public_metrics")

	var out struct {
		Data struct {
			PublicMetrics struct {
				RetweetCount    int64 `json:"retweet_count"`
				ReplyCount      int64 `json:"reply_count"`
				LikeCount       int64 `json:"like_count"`
				QuoteCount      int64 `json:"quote_count"`
				ImpressionCount int64 `json:"impression_count"`
			} `json:"public_metrics"`
		} `json:"data"`
	}
	raw, err := t.api.do(ctx, "twitter.FetchMetrics", request{method: http.MethodGet, path: "/2/tweets/" + postID, query: q}, &out)
	if err != nil {
		return Metrics{}, err
	}
	pm := out.Data.PublicMetrics
	return Metrics{
		Views:    pm.ImpressionCount,
		Likes:    pm.LikeCount,
		Comments: pm.ReplyCount,
		Shares:   pm.RetweetCount + pm.QuoteCount,
		Raw:      json.RawMessage(raw),
	}, nil
}
