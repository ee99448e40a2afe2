package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/model"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// YouTube uploads through the Data API v3 client.
type YouTube struct {
	svc     *youtube.Service
	fetch   *http.Client
	privacy string
	log     *zap.Logger
}

func NewYouTube(ctx context.Context, endpoint string, acct model.Account, token string, hc *http.Client, log *zap.Logger) (*YouTube, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "youtube.New", "init client", err)
	}

	privacy, _ := acct.Meta()["privacy_status"].(string)
	if privacy == "" {
		privacy = "public"
	}
	return &YouTube{svc: svc, fetch: hc, privacy: privacy, log: log}, nil
}

func (y *YouTube) Platform() model.Platform { return model.PlatformYouTube }

// googleError maps API errors onto the taxonomy.
func googleError(op string, err error) error {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return classifyStatus(op, model.PlatformYouTube, ge.Code, ge.Message)
	}
	return apperr.Wrap(apperr.KindTransient, op, "YouTube is unreachable", err)
}

func (y *YouTube) Publish(ctx context.Context, c model.Content) (PublishResult, error) {
	const op = "youtube.Publish"
	video, ok := c.FirstOf(model.MediaVideo)
	if !ok {
		return PublishResult{}, apperr.New(apperr.KindRejected, op, "YouTube posts need a video")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, video.URL, nil)
	if err != nil {
		return PublishResult{}, apperr.Wrap(apperr.KindRejected, op, "invalid video url", err)
	}
	res, err := y.fetch.Do(req)
	if err != nil {
		return PublishResult{}, apperr.Wrap(apperr.KindTransient, op, "download video", err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return PublishResult{}, apperr.New(apperr.KindRejected, op, fmt.Sprintf("video url returned %d", res.StatusCode))
	}

	title := c.Title
	if title == "" {
		title = firstLine(c.Text)
	}
	v := &youtube.Video{
		Snippet: &youtube.VideoSnippet{Title: title, Description: c.Text},
		Status:  &youtube.VideoStatus{PrivacyStatus: y.privacy},
	}

	out, err := y.svc.Videos.Insert([]string{"snippet", "status"}, v).Media(res.Body).Context(ctx).Do()
	if err != nil {
		return PublishResult{}, googleError(op, err)
	}
	return PublishResult{PostID: out.Id, URL: "https://www.youtube.com/watch?v=" + out.Id}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		s = s[:100]
	}
	if s == "" {
		s = "Untitled"
	}
	return s
}

func (y *YouTube) Delete(ctx context.Context, postID string) (bool, error) {
	err := y.svc.Videos.Delete(postID).Context(ctx).Do()
	if err == nil {
		return true, nil
	}
	err = googleError("youtube.Delete", err)
	if isNotFound(err) {
		return true, nil
	}
	return false, err
}

func (y *YouTube) CheckStatus(ctx context.Context, postID string) (StatusReport, error) {
	res, err := y.svc.Videos.List([]string{"status", "contentDetails"}).Id(postID).Context(ctx).Do()
	if err != nil {
		return StatusReport{}, googleError("youtube.CheckStatus", err)
	}
	if len(res.Items) == 0 {
		return StatusReport{Exists: false}, nil
	}

	v := res.Items[0]
	rep := StatusReport{Exists: true}
	if v.Status != nil {
		rep.UploadStatus = v.Status.UploadStatus
		rep.RejectionReason = v.Status.RejectionReason
		if rep.RejectionReason == "" && v.Status.UploadStatus == "failed" {
			rep.RejectionReason = v.Status.FailureReason
		}
	}
	if v.ContentDetails != nil && v.ContentDetails.RegionRestriction != nil {
		rep.RegionRestriction = v.ContentDetails.RegionRestriction.Blocked
	}
	if rep.UploadStatus == "deleted" {
		rep.Exists = false
	}
	return rep, nil
}

func (y *YouTube) FetchMetrics(ctx context.Context, postID string) (Metrics, error) {
	res, err := y.svc.Videos.List([]string{"statistics"}).Id(postID).Context(ctx).Do()
	if err != nil {
		return Metrics{}, googleError("youtube.FetchMetrics", err)
	}
	if len(res.Items) == 0 || res.Items[0].Statistics == nil {
		return Metrics{}, apperr.Wrap(apperr.KindRejected, "youtube.FetchMetrics", "video not found", ErrPostNotFound)
	}

	s := res.Items[0].Statistics
	raw, _ := s.MarshalJSON()
	return Metrics{
		Views:    int64(s.ViewCount),
		Likes:    int64(s.LikeCount),
		Comments: int64(s.CommentCount),
		Raw:      raw,
	}, nil
}
