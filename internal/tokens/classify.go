package tokens

import (
	"time"

	"github.com/jmehdipour/social-publisher/internal/model"
)

type State int

const (
	Fresh State = iota
	NeedsRefresh
	Unrecoverable
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case NeedsRefresh:
		return "needs_refresh"
	default:
		return "unrecoverable"
	}
}

// DefaultSkew is how close to expiry a token is refreshed before use.
const DefaultSkew = 5 * time.Minute

// Classify decides what must happen before a's access token can be used.
// It only looks at which tokens exist, never at their plaintext.
func Classify(a model.Account, now time.Time, skew time.Duration) State {
	if a.AccessToken.IsZero() {
		return Unrecoverable
	}
	if a.TokenExpiresAt == nil || a.TokenExpiresAt.After(now.Add(skew)) {
		return Fresh
	}
	if refreshable(a, now) {
		return NeedsRefresh
	}
	// inside the skew but not expired: use it until it actually expires
	if a.TokenExpiresAt.After(now) {
		return Fresh
	}
	return Unrecoverable
}

// refreshable reports whether a refresh call can succeed in principle.
// Instagram refreshes with the access token itself, so it only needs one that is still valid.
func refreshable(a model.Account, now time.Time) bool {
	if a.AccessToken.IsZero() {
		return false
	}
	if a.Platform == model.PlatformInstagram {
		return a.TokenExpiresAt == nil || a.TokenExpiresAt.After(now)
	}
	return !a.RefreshToken.IsZero()
}

// unrecoverableReason names why a could not be made usable.
func unrecoverableReason(a model.Account) string {
	if a.AccessToken.IsZero() {
		return model.ReasonNoAccessToken
	}
	return model.ReasonTokenExpired
}
