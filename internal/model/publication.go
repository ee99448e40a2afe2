package model

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

type PublicationStatus string

const (
	PublicationDraft      PublicationStatus = "draft"
	PublicationScheduled  PublicationStatus = "scheduled"
	PublicationQueued     PublicationStatus = "queued"
	PublicationPublishing PublicationStatus = "publishing"
	PublicationPublished  PublicationStatus = "published"
	PublicationFailed     PublicationStatus = "failed"
)

func (s PublicationStatus) String() string { return string(s) }

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

type MediaItem struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

// Content is what adapters publish.
type Content struct {
	Title string
	Text  string
	Link  string
	Media []MediaItem
}

// FirstOf returns the first media item of kind.
func (c Content) FirstOf(kind MediaKind) (MediaItem, bool) {
	for _, m := range c.Media {
		if m.Kind == kind {
			return m, true
		}
	}
	return MediaItem{}, false
}

type Publication struct {
	ID               int64             `db:"id"`
	UserID           int64             `db:"user_id"`
	Title            string            `db:"title"`
	Body             string            `db:"body"`
	Link             string            `db:"link"`
	Media            types.JSONText    `db:"media"`
	ScheduledAt      *time.Time        `db:"scheduled_at"`
	Status           PublicationStatus `db:"status"`
	RetriesRemaining *int              `db:"retries_remaining"` // NULL in legacy rows
	CreatedAt        time.Time         `db:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at"`
}

func (p Publication) Content() (Content, error) {
	c := Content{Title: p.Title, Text: p.Body, Link: p.Link}
	if len(p.Media) > 0 && string(p.Media) != "null" {
		if err := json.Unmarshal(p.Media, &c.Media); err != nil {
			return Content{}, err
		}
	}
	return c, nil
}
