package platform

import (
	"context"
	"encoding/json"

	"github.com/jmehdipour/social-publisher/internal/model"
)

type PublishResult struct {
	PostID string
	URL    string
}

// Metrics is the common engagement shape; Raw keeps the provider payload.
type Metrics struct {
	Views    int64           `json:"views"`
	Likes    int64           `json:"likes"`
	Comments int64           `json:"comments"`
	Shares   int64           `json:"shares"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// StatusReport is what a platform says about a post after the fact.
type StatusReport struct {
	Exists            bool     `json:"exists"`
	UploadStatus      string   `json:"upload_status,omitempty"`
	RejectionReason   string   `json:"rejection_reason,omitempty"`
	RegionRestriction []string `json:"region_restriction,omitempty"`
}

// Rejected reports whether the platform refused or failed to process the post.
func (s StatusReport) Rejected() bool {
	switch s.UploadStatus {
	case "rejected", "failed":
		return true
	}
	return s.RejectionReason != ""
}

// Adapter talks to one platform with an already resolved access token.
// Adapters never refresh tokens.
type Adapter interface {
	Platform() model.Platform
	Publish(ctx context.Context, c model.Content) (PublishResult, error)
	// Delete reports false when the platform has no delete API.
	Delete(ctx context.Context, postID string) (bool, error)
	FetchMetrics(ctx context.Context, postID string) (Metrics, error)
}

// StatusChecker is implemented by platforms with an after-publish review step.
type StatusChecker interface {
	CheckStatus(ctx context.Context, postID string) (StatusReport, error)
}
