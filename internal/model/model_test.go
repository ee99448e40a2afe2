package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attempt(id string, acct int64, st AttemptStatus, at time.Time) AttemptLog {
	return AttemptLog{ID: id, AccountID: acct, Status: st, CreatedAt: at}
}

func TestAggregateStatus(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	cases := []struct {
		name    string
		current PublicationStatus
		logs    []AttemptLog
		want    PublicationStatus
	}{
		{"no logs keeps current", PublicationQueued, nil, PublicationQueued},
		{"one published one failed", PublicationPublishing, []AttemptLog{
			attempt("01", 1, AttemptPublished, t0),
			attempt("02", 2, AttemptFailed, t0),
		}, PublicationPublished},
		{"all failed", PublicationPublishing, []AttemptLog{
			attempt("01", 1, AttemptFailed, t0),
			attempt("02", 2, AttemptRejected, t0),
		}, PublicationFailed},
		{"queued retry keeps publishing", PublicationPublishing, []AttemptLog{
			attempt("01", 1, AttemptPublished, t0),
			attempt("02", 2, AttemptFailed, t0),
			attempt("03", 2, AttemptQueued, t1),
		}, PublicationPublishing},
		{"latest row per account wins", PublicationPublishing, []AttemptLog{
			attempt("01", 1, AttemptFailed, t0),
			attempt("02", 1, AttemptPublished, t1),
		}, PublicationPublished},
		{"same timestamp falls back to id order", PublicationPublishing, []AttemptLog{
			attempt("02", 1, AttemptFailed, t0),
			attempt("01", 1, AttemptPublished, t0),
		}, PublicationFailed},
		{"removed rows are ignored", PublicationPublished, []AttemptLog{
			attempt("01", 1, AttemptRemovedOnPlatform, t1),
			attempt("02", 2, AttemptPublished, t0),
		}, PublicationPublished},
		{"only removed rows fail", PublicationPublished, []AttemptLog{
			attempt("01", 1, AttemptRemovedOnPlatform, t1),
		}, PublicationFailed},
		{"removed then rejected sibling", PublicationPublished, []AttemptLog{
			attempt("01", 1, AttemptRemovedOnPlatform, t1),
			attempt("02", 2, AttemptRejected, t1),
		}, PublicationFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AggregateStatus(tc.current, tc.logs))
		})
	}
}

func TestAccount_DeactivateAlwaysHasReason(t *testing.T) {
	now := time.Now()
	a := Account{IsActive: true}

	a.Deactivate("", now)
	assert.False(t, a.IsActive)
	assert.Equal(t, "unknown", a.ReconnectReason())

	a.RecordFailure(ReasonRefreshFailed, now)
	assert.Equal(t, 1, a.FailureCount)
	require.NotNil(t, a.LastFailureAt)
	assert.Equal(t, ReasonRefreshFailed, a.ReconnectReason())

	a.SetMeta("page_id", "123")
	a.RecordSuccess()
	assert.True(t, a.IsActive)
	assert.Zero(t, a.FailureCount)
	assert.Empty(t, a.ReconnectReason())
	assert.Equal(t, "123", a.Meta()["page_id"])
}

func TestPublication_Content(t *testing.T) {
	p := Publication{
		Title: "t",
		Body:  "hello",
		Media: []byte(`[{"url":"https://cdn/x.mp4","kind":"video"}]`),
	}
	c, err := p.Content()
	require.NoError(t, err)
	v, ok := c.FirstOf(MediaVideo)
	assert.True(t, ok)
	assert.Equal(t, "https://cdn/x.mp4", v.URL)
	_, ok = c.FirstOf(MediaImage)
	assert.False(t, ok)

	p.Media = []byte(`{broken`)
	_, err = p.Content()
	assert.Error(t, err)
}

func TestParsePlatform(t *testing.T) {
	p, ok := ParsePlatform(" X ")
	assert.True(t, ok)
	assert.Equal(t, PlatformTwitter, p)

	_, ok = ParsePlatform("myspace")
	assert.False(t, ok)
}
