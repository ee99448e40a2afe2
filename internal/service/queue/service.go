package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmehdipour/social-publisher/internal/util"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("no topic for job kind")

// Service writes jobs into the outbox. Callers pass the transaction that
// changes the domain rows so the job and the state change commit together.
type Service struct {
	outbox repository.OutboxRepository
	topics config.TopicsConfig
	now    func() time.Time
}

// New constructs the queue service.
func New(outboxRepo repository.OutboxRepository, topics config.TopicsConfig) *Service {
	return &Service{outbox: outboxRepo, topics: topics, now: time.Now}
}

// Topic maps a job kind to its Kafka topic.
func (s *Service) Topic(kind model.JobKind) (string, error) {
	var t string
	switch kind {
	case model.JobPublish:
		t = s.topics.Publish
	case model.JobRefresh:
		t = s.topics.Refresh
	case model.JobStatusCheck:
		t = s.topics.StatusCheck
	}
	if t == "" {
		return "", fmt.Errorf("%w: %q", ErrNotFound, kind)
	}
	return t, nil
}

// Enqueue stores job for relay after delay. A new job gets an id and attempt 1.
// Returns the job id.
func (s *Service) Enqueue(ctx context.Context, tx *sqlx.Tx, job model.Job, delay time.Duration) (string, error) {
	topic, err := s.Topic(job.Kind)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	if job.ID == "" {
		job.ID = util.NewID()
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	job.EnqueuedAt = now

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	aggregate, id := job.AggregateKey()
	if err := s.outbox.Insert(ctx, tx, aggregate, strconv.FormatInt(id, 10), topic, payload, now.Add(delay)); err != nil {
		return "", fmt.Errorf("insert outbox: %w", err)
	}
	return job.ID, nil
}

// Retry re-enqueues job as its next attempt.
func (s *Service) Retry(ctx context.Context, tx *sqlx.Tx, job model.Job, delay time.Duration, cause error) error {
	job.Attempt++
	if cause != nil {
		job.LastError = util.RedactSecrets(cause.Error())
	}
	_, err := s.Enqueue(ctx, tx, job, delay)
	return err
}
