package tryon

import (
	"strings"

	"github.com/changeroom/changeroom-api/internal/domain/billing"
)

// Request is one try-on submitted by an authenticated user.
type Request struct {
	UserID        string
	EmailVerified bool
	RequestID     string
	Category      string
	UserImage     []byte
	ClothingImage []byte
	Metadata      map[string]interface{}
}

// Result of a completed try-on.
type Result struct {
	RequestID   string
	ImageURL    string
	ContentType string
	// Charged is false when the caller is exempt from billing.
	Charged bool
	Account *billing.BillingAccount
}

// BypassPolicy reports whether a user skips the ledger entirely.
type BypassPolicy func(userID string) bool

// AllowList builds a BypassPolicy from configured user ids.
func AllowList(userIDs []string) BypassPolicy {
	set := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return func(userID string) bool {
		_, ok := set[userID]
		return ok
	}
}

// Config holds the prices the try-on flow charges.
type Config struct {
	Cost                int
	TrialCredits        int
	ContentBlockPenalty int
	Bypass              BypassPolicy
}
