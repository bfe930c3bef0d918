package backend

import "strings"

// Managed credential suffix markers. A credential whose identifier carries
// one of these is tracked by the subscription system; anything else is a
// legacy key predating it.
var managedSuffixes = []string{"_vless", "_ss"}

// Credential is one provisioned access entry on one server. The backend is
// the source of truth; this struct is only ever a snapshot of a list call
// or the result of a create call.
type Credential struct {
	// Email is the backend-side identifier, normally "<userID><suffix>".
	Email string
	// InboundID is the backend inbound the credential belongs to.
	InboundID int
	// ClientID is the backend client key (uuid for vless, password for
	// shadowsocks). May be empty for transports that cannot resolve it.
	ClientID string
}

// Managed reports whether the credential carries a protocol suffix marker.
func (c Credential) Managed() bool {
	for _, s := range managedSuffixes {
		if strings.HasSuffix(c.Email, s) {
			return true
		}
	}
	return false
}

// OwnerID returns the bare user identifier with any protocol suffix
// stripped, suitable for subscription ledger lookups.
func (c Credential) OwnerID() string {
	for _, s := range managedSuffixes {
		if strings.HasSuffix(c.Email, s) {
			return strings.TrimSuffix(c.Email, s)
		}
	}
	return c.Email
}
