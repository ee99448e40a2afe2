package credential

import (
	"errors"
	"fmt"

	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/vault"
)

type DiagnosisStatus string

const (
	DiagnosisOK               DiagnosisStatus = "ok"
	DiagnosisMissingAccess    DiagnosisStatus = "missing_access_token"
	DiagnosisCorruptedAccess  DiagnosisStatus = "corrupted_access_token"
	DiagnosisCorruptedRefresh DiagnosisStatus = "corrupted_refresh_token"
)

type Diagnosis struct {
	AccountID int64           `json:"account_id"`
	Platform  model.Platform  `json:"platform"`
	Status    DiagnosisStatus `json:"status"`
	Cause     string          `json:"cause,omitempty"` // malformed | unknown_key | decrypt_failed
	KeyID     string          `json:"key_id,omitempty"`
}

func (d Diagnosis) Corrupted() bool {
	return d.Status == DiagnosisCorruptedAccess || d.Status == DiagnosisCorruptedRefresh
}

// Probe test-decrypts both tokens of a. It never returns an error or panics.
func (s *Store) Probe(a model.Account) (d Diagnosis) {
	d = Diagnosis{AccountID: a.ID, Platform: a.Platform, Status: DiagnosisOK}
	defer func() {
		if r := recover(); r != nil {
			d.Status = DiagnosisCorruptedAccess
			d.Cause = fmt.Sprintf("panic: %v", r)
		}
	}()

	k := s.keyring()
	if a.AccessToken.IsZero() {
		d.Status = DiagnosisMissingAccess
	} else if _, err := a.AccessToken.Reveal(k); err != nil {
		d.Status, d.Cause, d.KeyID = DiagnosisCorruptedAccess, causeOf(err), a.AccessToken.KeyID()
		return d
	}

	if _, err := a.RefreshToken.Reveal(k); err != nil {
		d.Status, d.Cause, d.KeyID = DiagnosisCorruptedRefresh, causeOf(err), a.RefreshToken.KeyID()
	}
	return d
}

func causeOf(err error) string {
	switch {
	case errors.Is(err, vault.ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, vault.ErrDecrypt):
		return "decrypt_failed"
	default:
		return "malformed"
	}
}
