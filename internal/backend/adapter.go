package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/vpnhub/keyfleet/internal/directory"
)

// Adapter is the capability set every transport provides. Implementations
// are stateless except for whatever session the transport requires; the
// facade serializes calls per server, so adapters need no locking of
// their own.
type Adapter interface {
	// Login establishes whatever the transport requires. A no-op for
	// stateless SSH transports.
	Login(ctx context.Context) error
	// ListCredentials returns every credential on the server.
	ListCredentials(ctx context.Context) ([]Credential, error)
	// DeleteCredential removes the credential with the given email from
	// the inbound. Returns false (not an error) when it was not present.
	DeleteCredential(ctx context.Context, inboundID int, email string) (bool, error)
	// CreateCredential provisions a new credential with the given email.
	CreateCredential(ctx context.Context, email string) (Credential, error)
	// ConnectionLink produces a client-usable connection URI for the
	// credential, labeled with label.
	ConnectionLink(ctx context.Context, email, label string) (string, error)
}

// Options carries process-wide transport settings from config.
type Options struct {
	SSHUser           string
	SSHConnectTimeout time.Duration
	SSHCommandTimeout time.Duration
	PanelHTTPTimeout  time.Duration
}

// ResolveAdapter selects the adapter implementation for a server's
// transport kind. The kind set is closed; an unknown kind is a
// configuration bug, not a runtime condition.
func ResolveAdapter(desc directory.ServerDescriptor, opts Options) (Adapter, error) {
	switch desc.Transport {
	case directory.TransportSSHScript:
		return newSSHScriptAdapter(desc, opts), nil
	case directory.TransportSSHRegex:
		return newSSHRegexAdapter(desc, opts), nil
	case directory.TransportPanelAPI:
		return newPanelAdapter(desc, opts), nil
	default:
		return nil, fmt.Errorf("backend: server %q: unknown transport kind %q", desc.Name, desc.Transport)
	}
}
