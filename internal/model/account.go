package model

import (
	"encoding/json"
	"time"

	"github.com/jmehdipour/social-publisher/internal/vault"
	"github.com/jmoiron/sqlx/types"
)

// Reconnect reasons stored in account metadata.
const (
	ReasonRefreshFailed  = "refresh failed"
	ReasonTokenExpired   = "token expired"
	ReasonNoAccessToken  = "no access token"
	ReasonCorruptedToken = "corrupted_token"
	ReasonDisconnected   = "disconnected"
)

const (
	metaReconnectReason   = "reconnect_reason"
	metaReconnectReasonAt = "reconnect_reason_at"
)

// Account is a connected social account. Rows are never hard-deleted.
type Account struct {
	ID             int64                `db:"id"`
	UserID         int64                `db:"user_id"`
	Platform       Platform             `db:"platform"`
	ExternalID     string               `db:"external_id"`
	DisplayName    string               `db:"display_name"`
	AccessToken    vault.EncryptedToken `db:"access_token"`
	RefreshToken   vault.EncryptedToken `db:"refresh_token"`
	TokenExpiresAt *time.Time           `db:"token_expires_at"` // nil = non-expiring
	IsActive       bool                 `db:"is_active"`
	FailureCount   int                  `db:"failure_count"`
	LastFailureAt  *time.Time           `db:"last_failure_at"`
	Metadata       types.JSONText       `db:"metadata"`
	CreatedAt      time.Time            `db:"created_at"`
	UpdatedAt      time.Time            `db:"updated_at"`
}

// Meta decodes the metadata blob; a broken blob reads as empty.
func (a *Account) Meta() map[string]any {
	m := map[string]any{}
	if len(a.Metadata) > 0 {
		_ = json.Unmarshal(a.Metadata, &m)
	}
	return m
}

func (a *Account) SetMeta(key string, value any) {
	m := a.Meta()
	if value == nil {
		delete(m, key)
	} else {
		m[key] = value
	}
	b, _ := json.Marshal(m)
	a.Metadata = types.JSONText(b)
}

func (a *Account) ReconnectReason() string {
	s, _ := a.Meta()[metaReconnectReason].(string)
	return s
}

// Deactivate marks the account inactive. An inactive account always carries a reason.
func (a *Account) Deactivate(reason string, now time.Time) {
	if reason == "" {
		reason = "unknown"
	}
	a.IsActive = false
	a.SetMeta(metaReconnectReason, reason)
	a.SetMeta(metaReconnectReasonAt, now.UTC().Format(time.RFC3339))
}

func (a *Account) Activate() {
	a.IsActive = true
	a.SetMeta(metaReconnectReason, nil)
	a.SetMeta(metaReconnectReasonAt, nil)
}

// RecordFailure counts a failure and deactivates with reason.
func (a *Account) RecordFailure(reason string, now time.Time) {
	a.FailureCount++
	t := now
	a.LastFailureAt = &t
	a.Deactivate(reason, now)
}

// RecordSuccess resets the failure counter and reactivates.
func (a *Account) RecordSuccess() {
	a.FailureCount = 0
	a.Activate()
}
