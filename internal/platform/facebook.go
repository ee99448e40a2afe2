package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/model"
	"go.uber.org/zap"
)

// Facebook publishes to a Page through the Graph API. The account's
// external id is the page id and the token is a page access token.
type Facebook struct {
	api    apiClient
	pageID string
}

func NewFacebook(baseURL string, acct model.Account, token string, hc *http.Client, log *zap.Logger) *Facebook {
	return &Facebook{
		api:    apiClient{platform: model.PlatformFacebook, baseURL: strings.TrimRight(baseURL, "/"), token: token, hc: hc, log: log},
		pageID: acct.ExternalID,
	}
}

func (f *Facebook) Platform() model.Platform { return model.PlatformFacebook }

func (f *Facebook) Publish(ctx context.Context, c model.Content) (PublishResult, error) {
	const op = "facebook.Publish"
	if strings.TrimSpace(c.Text) == "" && len(c.Media) == 0 && c.Link == "" {
		return PublishResult{}, apperr.New(apperr.KindRejected, op, "nothing to publish")
	}

	form := url.Values{}
	path := "/" + f.pageID + "/feed"
	if img, ok := c.FirstOf(model.MediaImage); ok {
		path = "/" + f.pageID + "/photos"
		form.Set("url", img.URL)
		form.Set("caption", c.Text)
	} else {
		form.Set("message", c.Text)
		if c.Link != "" {
			form.Set("link", c.Link)
		}
	}

	var out struct {
		ID     string `json:"id"`
		PostID string `json:"post_id"`
	}
	if _, err := f.api.do(ctx, op, request{method: http.MethodPost, path: path, form: form}, &out); err != nil {
		return PublishResult{}, err
	}

	id := out.PostID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return PublishResult{}, apperr.New(apperr.KindTransient, op, "Facebook returned no post id")
	}
	return PublishResult{PostID: id, URL: "https://www.facebook.com/" + id}, nil
}

func (f *Facebook) Delete(ctx context.Context, postID string) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	_, err := f.api.do(ctx, "facebook.Delete", request{method: http.MethodDelete, path: "/" + postID}, &out)
	if isNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return out.Success, nil
}

func (f *Facebook) FetchMetrics(ctx context.Context, postID string) (Metrics, error) {
	q := url.Values{}
	q.Set("fields", "shares,reactions.summary(total_count).limit(0),comments.summary(total_count).limit(0)")

	var out struct {
		Shares struct {
			Count int64 `json:"count"`
		} `json:"shares"`
		Reactions struct {
			Summary struct {
				TotalCount int64 `json:"total_count"`
			} `json:"summary"`
		} `json:"reactions"`
		Comments struct {
			Summary struct {
				TotalCount int64 `json:"total_count"`
			} `json:"summary"`
		} `json:"comments"`
	}
	raw, err := f.api.do(ctx, "facebook.FetchMetrics", request{method: http.MethodGet, path: "/" + postID, query: q}, &out)
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{
		Likes:    out.Reactions.Summary.TotalCount,
		Comments: out.Comments.Summary.TotalCount,
		Shares:   out.Shares.Count,
		Raw:      json.RawMessage(raw),
	}, nil
}
