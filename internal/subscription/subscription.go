// Package subscription answers one question for the rest of the system:
// does this user currently pay for access. It reads the billing database
// and never writes to it.
package subscription

import (
	"context"
	"strconv"
	"time"
)

// Record is one user's billing row.
type Record struct {
	UserID     int64
	Expiry     time.Time
	ActiveFlag bool
	Banned     bool
	ServerName string
}

// Status is the derived lifecycle state of one user's subscription.
//
// Exists reports whether a billing row was found at all. Active and
// Expired are both false for users with no expiry on record: absence of
// billing data is never treated as expiry.
type Status struct {
	Exists  bool
	Active  bool
	Expired bool
	Expiry  time.Time
}

// Store reads subscription state.
type Store interface {
	// Status resolves the subscription state for a user identifier. An
	// identifier with no billing row yields Exists=false, not an error.
	Status(ctx context.Context, identifier string) (Status, error)
	// EligibleUsers lists identifiers of users assigned to the server
	// whose subscriptions are current and who are not banned.
	EligibleUsers(ctx context.Context, serverName string) ([]string, error)
	// Ping verifies the store is reachable. Destructive passes gate on
	// it: no billing data, no deletions.
	Ping(ctx context.Context) error
}

// StatusAt derives a Status from a billing row as of now.
func StatusAt(rec Record, now time.Time) Status {
	s := Status{Exists: true, Expiry: rec.Expiry}
	if rec.Expiry.IsZero() {
		return s
	}
	if rec.Expiry.After(now) {
		s.Active = rec.ActiveFlag
	} else {
		s.Expired = true
	}
	return s
}

// ParseUserID extracts the numeric user id from an identifier. Backends
// hold credentials that were never issued by this system; those resolve
// to ok=false and are handled conservatively by callers.
func ParseUserID(identifier string) (int64, bool) {
	id, err := strconv.ParseInt(identifier, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
