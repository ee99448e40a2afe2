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

// TikTok publishes videos with the Content Posting API (PULL_FROM_URL).
// The post id is the publish_id; TikTok has no delete endpoint.
type TikTok struct {
	api     apiClient
	privacy string
}

func NewTikTok(baseURL string, acct model.Account, token string, hc *http.Client, log *zap.Logger) *TikTok {
	privacy, _ := acct.Meta()["privacy_level"].(string)
	if privacy == "" {
		privacy = "PUBLIC_TO_EVERYONE"
	}
	return &TikTok{
		api:     apiClient{platform: model.PlatformTikTok, baseURL: strings.TrimRight(baseURL, "/"), token: token, hc: hc, log: log},
		privacy: privacy,
	}
}

func (t *TikTok) Platform() model.Platform { return model.PlatformTikTok }

type tiktokError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	LogID   string `json:"log_id"`
}

// check maps the error envelope TikTok returns with HTTP 200.
func (e tiktokError) check(op string) error {
	switch e.Code {
	case "", "ok":
		return nil
	case "access_token_invalid", "scope_not_authorized", "scope_permission_missed":
		return apperr.New(apperr.KindReconnectionRequired, op, "TikTok: "+e.Code)
	case "rate_limit_exceeded", "internal_error":
		return apperr.New(apperr.KindTransient, op, "TikTok: "+e.Code)
	case "invalid_publish_id":
		return apperr.Wrap(apperr.KindRejected, op, "TikTok: "+e.Code, ErrPostNotFound)
	default:
		msg := e.Code
		if e.Message != "" {
			msg += ": " + e.Message
		}
		return apperr.New(apperr.KindRejected, op, "TikTok: "+msg)
	}
}

func (t *TikTok) Publish(ctx context.Context, c model.Content) (PublishResult, error) {
	const op = "tiktok.Publish"
	video, ok := c.FirstOf(model.MediaVideo)
	if !ok {
		return PublishResult{}, apperr.New(apperr.KindRejected, op, "TikTok posts need a video")
	}

	title := c.Text
	if title == "" {
		title = c.Title
	}
	body := map[string]any{
		"post_info": map[string]any{
			"title":         title,
			"privacy_level": t.privacy,
		},
		"source_info": map[string]any{
			"source":    "PULL_FROM_URL",
			"video_url": video.URL,
		},
	}

	var out struct {
		Data struct {
			PublishID string `json:"publish_id"`
		} `json:"data"`
		Error tiktokError `json:"error"`
	}
	if _, err := t.api.do(ctx, op, request{method: http.MethodPost, path: "/v2/post/publish/video/init/", json: body}, &out); err != nil {
		return PublishResult{}, err
	}
	if err := out.Error.check(op); err != nil {
		return PublishResult{}, err
	}
	return PublishResult{PostID: out.Data.PublishID}, nil
}

type tiktokStatus struct {
	Status     string   `json:"status"`
	FailReason string   `json:"fail_reason"`
	PostIDs    []string `json:"publicaly_available_post_id"`
}

func (t *TikTok) fetchStatus(ctx context.Context, publishID string) (tiktokStatus, error) {
	const op = "tiktok.fetchStatus"
	var out struct {
		Data  tiktokStatus `json:"data"`
		Error tiktokError  `json:"error"`
	}
	req := request{method: http.MethodPost, path: "/v2/post/publish/status/fetch/", json: map[string]string{"publish_id": publishID}}
	if _, err := t.api.do(ctx, op, req, &out); err != nil {
		return tiktokStatus{}, err
	}
	if err := out.Error.check(op); err != nil {
		return tiktokStatus{}, err
	}
	return out.Data, nil
}

type tiktokVideo struct {
	ID           string `json:"id"`
	ViewCount    int64  `json:"view_count"`
	LikeCount    int64  `json:"like_count"`
	CommentCount int64  `json:"comment_count"`
	ShareCount   int64  `json:"share_count"`
}

func (t *TikTok) queryVideos(ctx context.Context, ids []string) ([]tiktokVideo, []byte, error) {
	const op = "tiktok.queryVideos"
	q := url.Values{}
	q.Set("fields", "id,view_count,like_count,comment_count,share_count")

	var out struct {
		Data struct {
			Videos []tiktokVideo `json:"videos"`
		} `json:"data"`
		Error tiktokError `json:"error"`
	}
	req := request{method: http.MethodPost, path: "/v2/video/query/", query: q, json: map[string]any{"filters": map[string]any{"video_ids": ids}}}
	raw, err := t.api.do(ctx, op, req, &out)
	if err != nil {
		return nil, nil, err
	}
	if err := out.Error.check(op); err != nil {
		return nil, nil, err
	}
	return out.Data.Videos, raw, nil
}

func (t *TikTok) CheckStatus(ctx context.Context, postID string) (StatusReport, error) {
	st, err := t.fetchStatus(ctx, postID)
	if isNotFound(err) {
		return StatusReport{Exists: false}, nil
	}
	if err != nil {
		return StatusReport{}, err
	}

	rep := StatusReport{Exists: true, UploadStatus: strings.ToLower(st.Status)}
	switch st.Status {
	case "FAILED":
		rep.UploadStatus = "failed"
		rep.RejectionReason = st.FailReason
	case "PUBLISH_COMPLETE":
		rep.UploadStatus = "processed"
		if len(st.PostIDs) > 0 {
			videos, _, err := t.queryVideos(ctx, st.PostIDs)
			if err != nil {
				return StatusReport{}, err
			}
			rep.Exists = len(videos) > 0
		}
	}
	return rep, nil
}

func (t *TikTok) Delete(ctx context.Context, postID string) (bool, error) {
	return false, nil
}

func (t *TikTok) FetchMetrics(ctx context.Context, postID string) (Metrics, error) {
	st, err := t.fetchStatus(ctx, postID)
	if err != nil {
		return Metrics{}, err
	}
	if len(st.PostIDs) == 0 {
		return Metrics{}, nil
	}

	videos, raw, err := t.queryVideos(ctx, st.PostIDs)
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{Raw: json.RawMessage(raw)}
	for _, v := range videos {
		m.Views += v.ViewCount
		m.Likes += v.LikeCount
		m.Comments += v.CommentCount
		m.Shares += v.ShareCount
	}
	return m, nil
}
