package model

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

type AttemptStatus string

const (
	AttemptPublished         AttemptStatus = "published"
	AttemptFailed            AttemptStatus = "failed"
	AttemptScheduled         AttemptStatus = "scheduled"
	AttemptQueued            AttemptStatus = "queued"
	AttemptRemovedOnPlatform AttemptStatus = "removed_on_platform"
	AttemptRejected          AttemptStatus = "rejected"
)

func (s AttemptStatus) String() string { return string(s) }

func (s AttemptStatus) Valid() bool {
	switch s {
	case AttemptPublished, AttemptFailed, AttemptScheduled, AttemptQueued, AttemptRemovedOnPlatform, AttemptRejected:
		return true
	}
	return false
}

// AttemptLog records one try of one publication on one account.
// Retries append rows; terminal rows are only changed by janitor corrections.
type AttemptLog struct {
	ID             string         `db:"id"` // ULID
	PublicationID  int64          `db:"publication_id"`
	AccountID      int64          `db:"account_id"`
	Platform       Platform       `db:"platform"`
	PlatformPostID *string        `db:"platform_post_id"`
	Status         AttemptStatus  `db:"status"`
	ErrorKind      string         `db:"error_kind"`
	ErrorMessage   string         `db:"error_message"`
	Metrics        types.JSONText `db:"metrics"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (a AttemptLog) PostID() string {
	if a.PlatformPostID == nil {
		return ""
	}
	return *a.PlatformPostID
}
