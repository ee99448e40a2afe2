package model

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

const (
	AuditEntityPublication = "publication"
	AuditEntityAccount     = "account"
	AuditEntityAttempt     = "attempt_log"
)

// AuditEntry records an automatic or operator correction.
type AuditEntry struct {
	ID        int64          `db:"id"`
	Entity    string         `db:"entity"`
	EntityID  string         `db:"entity_id"`
	Action    string         `db:"action"`
	Cause     string         `db:"cause"` // "automatic: ..." or "operator: ..."
	Detail    types.JSONText `db:"detail"`
	CreatedAt time.Time      `db:"created_at"`
}
