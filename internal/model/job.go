package model

import "time"

type JobKind string

const (
	JobPublish     JobKind = "publish"
	JobRefresh     JobKind = "refresh"
	JobStatusCheck JobKind = "status_check"
)

func (k JobKind) String() string { return string(k) }

func (k JobKind) Valid() bool {
	return k == JobPublish || k == JobRefresh || k == JobStatusCheck
}

// Job is the payload carried through the outbox and Kafka.
type Job struct {
	ID            string    `json:"id"` // ULID, stable across retries
	Kind          JobKind   `json:"kind"`
	Attempt       int       `json:"attempt"` // 1-based
	PublicationID int64     `json:"publication_id,omitempty"`
	AccountIDs    []int64   `json:"account_ids,omitempty"` // publish: subset to (re)try, empty = all targets
	AccountID     int64     `json:"account_id,omitempty"`  // refresh
	AttemptLogID  string    `json:"attempt_log_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// AggregateKey is the outbox aggregate the job belongs to.
func (j Job) AggregateKey() (string, int64) {
	switch j.Kind {
	case JobRefresh:
		return "account", j.AccountID
	default:
		return "publication", j.PublicationID
	}
}
