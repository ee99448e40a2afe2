package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outboxRow struct {
	aggregate, aggregateID, topic string
	payload                       []byte
	availableAt                   time.Time
}

type fakeOutbox struct {
	rows []outboxRow
}

func (f *fakeOutbox) Insert(_ context.Context, _ *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte, availableAt time.Time) error {
	f.rows = append(f.rows, outboxRow{aggregate, aggregateID, topic, payload, availableAt})
	return nil
}

func (f *fakeOutbox) ClaimDue(context.Context, *sqlx.Tx, time.Time, int) ([]model.OutboxEvent, error) {
	return nil, nil
}

func (f *fakeOutbox) Delete(context.Context, *sqlx.Tx, []int64) error { return nil }

func (f *fakeOutbox) MarkFailed(context.Context, *sqlx.Tx, int64, time.Time) error { return nil }

var topics = config.TopicsConfig{Publish: "p", Refresh: "r", StatusCheck: "s", DeadLetter: "dlq"}

func TestEnqueue_RoutesByKind(t *testing.T) {
	ob := &fakeOutbox{}
	s := New(ob, topics)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	id, err := s.Enqueue(context.Background(), nil, model.Job{Kind: model.JobPublish, PublicationID: 7}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.Enqueue(context.Background(), nil, model.Job{Kind: model.JobRefresh, AccountID: 3}, time.Minute)
	require.NoError(t, err)

	require.Len(t, ob.rows, 2)
	assert.Equal(t, outboxRow{"publication", "7", "p", ob.rows[0].payload, now}, ob.rows[0])
	assert.Equal(t, "account", ob.rows[1].aggregate)
	assert.Equal(t, "3", ob.rows[1].aggregateID)
	assert.Equal(t, "r", ob.rows[1].topic)
	assert.Equal(t, now.Add(time.Minute), ob.rows[1].availableAt)

	var job model.Job
	require.NoError(t, json.Unmarshal(ob.rows[0].payload, &job))
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempt)
}

func TestRetry_KeepsIDAndCountsAttempt(t *testing.T) {
	ob := &fakeOutbox{}
	s := New(ob, topics)

	job := model.Job{ID: "01J", Kind: model.JobStatusCheck, Attempt: 2, PublicationID: 1}
	require.NoError(t, s.Retry(context.Background(), nil, job, time.Second, errors.New("access_token=abc timeout")))

	var got model.Job
	require.NoError(t, json.Unmarshal(ob.rows[0].payload, &got))
	assert.Equal(t, "01J", got.ID)
	assert.Equal(t, 3, got.Attempt)
	assert.NotContains(t, got.LastError, "abc")
}

func TestEnqueue_UnknownKind(t *testing.T) {
	s := New(&fakeOutbox{}, config.TopicsConfig{})
	_, err := s.Enqueue(context.Background(), nil, model.Job{Kind: model.JobPublish}, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}
