package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/kafka"
	"github.com/jmehdipour/social-publisher/internal/metrics"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmehdipour/social-publisher/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Handler runs one job. Errors of kind transient or internal are retried
// under the job policy; everything else is final.
type Handler func(ctx context.Context, job model.Job) error

type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

type Retrier interface {
	Retry(ctx context.Context, tx *sqlx.Tx, job model.Job, delay time.Duration, cause error) error
}

type Writer interface {
	Write(ctx context.Context, msgs ...kafka.Message) error
}

// JobRunner consumes one job topic:
// - a fetcher pulls messages from Kafka,
// - N processors run the handler under the kind's timeout,
// - the offset is committed once the outcome is durable (done, retried or dead-lettered).
type JobRunner struct {
	Source   Source
	Kind     model.JobKind
	Handle   Handler
	Policy   config.JobPolicy
	Retry    Retrier
	Dead     repository.DeadLettersRepository
	DLQ      Writer
	DLQTopic string
	Workers  int
	log      *zap.Logger
}

func NewJobRunner(
	src Source,
	kind model.JobKind,
	handle Handler,
	policy config.JobPolicy,
	retry Retrier,
	dead repository.DeadLettersRepository,
	dlq Writer,
	dlqTopic string,
	log *zap.Logger,
) *JobRunner {
	return &JobRunner{
		Source:   src,
		Kind:     kind,
		Handle:   handle,
		Policy:   policy,
		Retry:    retry,
		Dead:     dead,
		DLQ:      dlq,
		DLQTopic: dlqTopic,
		Workers:  8,
		log:      log.With(zap.String("kind", kind.String())),
	}
}

// Run blocks until ctx is cancelled.
func (w *JobRunner) Run(ctx context.Context) error {
	if !w.Kind.Valid() {
		return fmt.Errorf("job runner: invalid kind %q", w.Kind)
	}
	if w.Handle == nil {
		return errors.New("job runner: no handler")
	}
	if w.Workers <= 0 {
		w.Workers = 8
	}
	if w.Policy.MaxAttempts < 1 {
		w.Policy.MaxAttempts = 1
	}

	msgCh := make(chan kafka.Message, w.Workers*2)

	go func() {
		defer close(msgCh)
		for {
			m, err := w.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgCh {
				w.Process(ctx, m)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Process handles one message and commits it unless the outcome could not
// be made durable; an uncommitted message is delivered again.
func (w *JobRunner) Process(ctx context.Context, m kafka.Message) {
	var job model.Job
	if err := json.Unmarshal(m.Value, &job); err != nil || job.ID == "" || job.Kind != w.Kind {
		// poison: commit and skip
		w.log.Error("malformed job payload", zap.ByteString("key", m.Key), zap.Error(err))
		w.commit(ctx, m)
		return
	}
	log := w.log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	err := w.run(ctx, job)
	if ctx.Err() != nil {
		// shutting down: leave the offset for the next owner
		return
	}

	switch {
	case err == nil:
		metrics.JobsTotal.WithLabelValues(w.Kind.String(), "done").Inc()

	case apperr.KindOf(err) == apperr.KindStaleWorkItem:
		metrics.JobsTotal.WithLabelValues(w.Kind.String(), "stale").Inc()
		log.Info("stale job skipped", zap.String("reason", apperr.ReasonOf(err)))

	case !retryable(err):
		metrics.JobsTotal.WithLabelValues(w.Kind.String(), "failed").Inc()
		log.Warn("job failed", zap.String("error_kind", apperr.KindOf(err).String()), zap.Error(err))

	case job.Attempt < w.Policy.MaxAttempts:
		delay := w.Policy.Delay(job.Attempt)
		if rerr := w.Retry.Retry(ctx, nil, job, delay, err); rerr != nil {
			log.Error("schedule job retry", zap.Error(rerr))
			return
		}
		metrics.JobsTotal.WithLabelValues(w.Kind.String(), "retried").Inc()
		log.Warn("job retry scheduled", zap.Duration("delay", delay), zap.Error(err))

	default:
		if derr := w.deadLetter(ctx, m, job, err); derr != nil {
			log.Error("dead-letter job", zap.Error(derr))
			return
		}
		metrics.JobsTotal.WithLabelValues(w.Kind.String(), "dead").Inc()
		log.Error("job dead-lettered", zap.Int("max_attempts", w.Policy.MaxAttempts), zap.Error(err))
	}

	w.commit(ctx, m)
}

// run applies the kind's timeout and turns a handler panic into an internal error.
func (w *JobRunner) run(ctx context.Context, job model.Job) (err error) {
	if w.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Policy.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.KindInternal, "worker.run", fmt.Sprintf("panic: %v", r))
		}
	}()
	return w.Handle(ctx, job)
}

func (w *JobRunner) deadLetter(ctx context.Context, m kafka.Message, job model.Job, cause error) error {
	d := model.DeadLetter{
		JobID:     job.ID,
		Kind:      job.Kind,
		Topic:     m.Topic,
		Payload:   m.Value,
		Attempts:  job.Attempt,
		LastError: util.RedactSecrets(cause.Error()),
	}
	if err := w.Dead.Insert(ctx, nil, d); err != nil {
		return err
	}
	if w.DLQ == nil || w.DLQTopic == "" {
		return nil
	}
	// best effort: the dead_letters row is the record
	if err := w.DLQ.Write(ctx, kafka.Message{
		Topic: w.DLQTopic,
		Key:   m.Key,
		Value: m.Value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(job.Kind)},
			{Key: "last_error", Value: []byte(d.LastError)},
		},
	}); err != nil {
		w.log.Warn("write dead-letter topic", zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}

func (w *JobRunner) commit(ctx context.Context, m kafka.Message) {
	if err := w.Source.Commit(ctx, m); err != nil {
		w.log.Error("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}

func retryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindTransient, apperr.KindInternal:
		return true
	default:
		return false
	}
}
