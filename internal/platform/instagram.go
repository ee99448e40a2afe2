package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/model"
	"go.uber.org/zap"
)

// Instagram publishes through the two-step container flow of the
// Instagram Graph API. Media is required; there is no delete endpoint.
type Instagram struct {
	api    apiClient
	userID string

	pollEvery time.Duration
	pollMax   int
}

func NewInstagram(baseURL string, acct model.Account, token string, hc *http.Client, log *zap.Logger) *Instagram {
	return &Instagram{
		api:       apiClient{platform: model.PlatformInstagram, baseURL: strings.TrimRight(baseURL, "/"), token: token, hc: hc, log: log},
		userID:    acct.ExternalID,
		pollEvery: 3 * time.Second,
		pollMax:   40,
	}
}

func (i *Instagram) Platform() model.Platform { return model.PlatformInstagram }

func (i *Instagram) Publish(ctx context.Context, c model.Content) (PublishResult, error) {
	const op = "instagram.Publish"

	form := url.Values{}
	form.Set("caption", c.Text)
	video, isVideo := c.FirstOf(model.MediaVideo)
	switch {
	case isVideo:
		form.Set("media_type", "REELS")
		form.Set("video_url", video.URL)
	default:
		img, ok := c.FirstOf(model.MediaImage)
		if !ok {
			return PublishResult{}, apperr.New(apperr.KindRejected, op, "Instagram posts need an image or a video")
		}
		form.Set("image_url", img.URL)
	}

	var container struct {
		ID string `json:"id"`
	}
	if _, err := i.api.do(ctx, op, request{method: http.MethodPost, path: "/" + i.userID + "/media", form: form}, &container); err != nil {
		return PublishResult{}, err
	}

	if isVideo {
		if err := i.waitReady(ctx, container.ID); err != nil {
			return PublishResult{}, err
		}
	}

	var out struct {
		ID string `json:"id"`
	}
	pub := url.Values{}
	pub.Set("creation_id", container.ID)
	if _, err := i.api.do(ctx, op, request{method: http.MethodPost, path: "/" + i.userID + "/media_publish", form: pub}, &out); err != nil {
		return PublishResult{}, err
	}
	return PublishResult{PostID: out.ID}, nil
}

// waitReady polls a video container until Instagram finished processing it.
func (i *Instagram) waitReady(ctx context.Context, containerID string) error {
	const op = "instagram.waitReady"
	q := url.Values{}
	q.Set("fields", "status_code,status")

	for n := 0; n < i.pollMax; n++ {
		var st struct {
			StatusCode string `json:"status_code"`
			Status     string `json:"status"`
		}
		if _, err := i.api.do(ctx, op, request{method: http.MethodGet, path: "/" + containerID, query: q}, &st); err != nil {
			return err
		}
		switch st.StatusCode {
		case "FINISHED", "PUBLISHED":
			return nil
		case "ERROR", "EXPIRED":
			return apperr.New(apperr.KindRejected, op, "Instagram could not process the video: "+st.Status)
		}

		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindTransient, op, "gave up waiting for Instagram", ctx.Err())
		case <-time.After(i.pollEvery):
		}
	}
	return apperr.New(apperr.KindTransient, op, "Instagram is still processing the video")
}

func (i *Instagram) Delete(ctx context.Context, postID string) (bool, error) {
	return false, nil
}

func (i *Instagram) FetchMetrics(ctx context.Context, postID string) (Metrics, error) {
	q := url.Values{}
	q.Set("fields", "like_count,comments_count")

	var out struct {
		LikeCount     int64 `json:"like_count"`
		CommentsCount int64 `json:"comments_count"`
	}
	raw, err := i.api.do(ctx, "instagram.FetchMetrics", request{method: http.MethodGet, path: "/" + postID, query: q}, &out)
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{Likes: out.LikeCount, Comments: out.CommentsCount, Raw: json.RawMessage(raw)}, nil
}
