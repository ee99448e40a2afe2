package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/kafka"
	"github.com/jmehdipour/social-publisher/internal/metrics"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const maxRelayBackoff = time.Minute

// Relay moves due outbox rows to Kafka. Rows are claimed with SKIP LOCKED so
// several relays can run side by side; a row is deleted only after Kafka
// acknowledged it.
type Relay struct {
	tx     repository.Transactor
	outbox repository.OutboxRepository
	w      Writer
	cfg    config.RelayConfig
	now    func() time.Time
	log    *zap.Logger
}

func NewRelay(tx repository.Transactor, outbox repository.OutboxRepository, w Writer, cfg config.RelayConfig, log *zap.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{tx: tx, outbox: outbox, w: w, cfg: cfg, now: time.Now, log: log}
}

// Run blocks until ctx is cancelled. A full batch is followed immediately by
// the next one.
func (r *Relay) Run(ctx context.Context) error {
	tick := time.NewTicker(r.cfg.PollInterval)
	defer tick.Stop()

	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Error("outbox relay failed", zap.Error(err))
		}
		if n == r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// RelayOnce relays one batch and returns how many rows reached Kafka.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	relayed := 0
	err := r.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		now := r.now().UTC()
		rows, err := r.outbox.ClaimDue(ctx, tx, now, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim outbox: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		msgs := make([]kafka.Message, 0, len(rows))
		ids := make([]int64, 0, len(rows))
		for _, e := range rows {
			msgs = append(msgs, kafka.Message{
				Topic: e.Topic,
				Key:   []byte(e.Aggregate + ":" + e.AggregateID),
				Value: e.Payload,
				Headers: []kafka.Header{
					{Key: "outbox_id", Value: []byte(strconv.FormatInt(e.ID, 10))},
				},
			})
			ids = append(ids, e.ID)
		}

		if werr := r.w.Write(ctx, msgs...); werr != nil {
			// keep the rows, push them back and commit the bookkeeping
			for _, e := range rows {
				if err := r.outbox.MarkFailed(ctx, tx, e.ID, now.Add(relayBackoff(e.Attempts+1))); err != nil {
					return fmt.Errorf("mark outbox %d failed: %w", e.ID, err)
				}
			}
			r.log.Warn("kafka write failed, outbox rows deferred", zap.Int("rows", len(rows)), zap.Error(werr))
			return nil
		}

		if err := r.outbox.Delete(ctx, tx, ids); err != nil {
			return fmt.Errorf("delete relayed outbox rows: %w", err)
		}
		relayed = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if relayed > 0 {
		metrics.OutboxRelayedTotal.Add(float64(relayed))
		r.log.Debug("outbox relayed", zap.Int("rows", relayed))
	}
	return relayed, nil
}

func relayBackoff(attempt int) time.Duration {
	if attempt > 6 {
		return maxRelayBackoff
	}
	d := time.Second << attempt
	if d > maxRelayBackoff {
		d = maxRelayBackoff
	}
	return d
}
