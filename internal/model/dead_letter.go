package model

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// DeadLetter is a job that exhausted its attempts.
type DeadLetter struct {
	ID        int64          `db:"id"`
	JobID     string         `db:"job_id"`
	Kind      JobKind        `db:"kind"`
	Topic     string         `db:"topic"`
	Payload   types.JSONText `db:"payload"`
	Attempts  int            `db:"attempts"`
	LastError string         `db:"last_error"`
	CreatedAt time.Time      `db:"created_at"`
}
