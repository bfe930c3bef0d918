package backend

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/vpnhub/keyfleet/internal/directory"
)

// Facade is the uniform per-server handle: one descriptor plus its
// resolved adapter. All calls are serialized through a per-server mutex:
// the remote credential store (SQLite file or panel session) has no
// concurrent-write guarantee, so the orchestrator enforces at most one
// logical writer at a time.
type Facade struct {
	desc    directory.ServerDescriptor
	adapter Adapter
	mu      sync.Mutex
}

// NewFacade resolves the adapter for the descriptor's transport kind.
func NewFacade(desc directory.ServerDescriptor, opts Options) (*Facade, error) {
	adapter, err := ResolveAdapter(desc, opts)
	if err != nil {
		return nil, err
	}
	return &Facade{desc: desc, adapter: adapter}, nil
}

// NewFacadeWithAdapter wires an explicit adapter. Used by tests and by
// callers that stub transports.
func NewFacadeWithAdapter(desc directory.ServerDescriptor, adapter Adapter) *Facade {
	return &Facade{desc: desc, adapter: adapter}
}

// Name returns the server name.
func (f *Facade) Name() string { return f.desc.Name }

// Descriptor returns the wrapped server descriptor.
func (f *Facade) Descriptor() directory.ServerDescriptor { return f.desc }

// Login establishes whatever session the transport requires.
func (f *Facade) Login(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapter.Login(ctx)
}

// ListActive lists all credentials on the server. A parse failure is
// downgraded to an empty result: ambiguous output must never read as
// "these credentials are gone".
func (f *Facade) ListActive(ctx context.Context) ([]Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.adapter.ListCredentials(ctx)
	if err != nil {
		if errors.Is(err, ErrParseFailure) {
			log.Printf("[backend] %s: treating unparseable list as empty: %v", f.desc.Name, err)
			return nil, nil
		}
		return nil, err
	}
	return creds, nil
}

// Delete removes the credential belonging to the given user identifier.
// Returns false (not an error) when it was not present; regeneration
// always attempts delete-then-create and the credential may legitimately
// not pre-exist.
func (f *Facade) Delete(ctx context.Context, identifier string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapter.DeleteCredential(ctx, f.desc.Inbound(), f.decorate(identifier))
}

// DeleteCredential removes an exact credential discovered by a list call,
// using its own inbound and undecorated email. Reconciliation uses this:
// legacy credentials carry no protocol suffix.
func (f *Facade) DeleteCredential(ctx context.Context, cred Credential) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapter.DeleteCredential(ctx, cred.InboundID, cred.Email)
}

// Add provisions a credential for the given user identifier.
func (f *Facade) Add(ctx context.Context, identifier string) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapter.CreateCredential(ctx, f.decorate(identifier))
}

// Link produces the connection URI for the user's credential, labeled
// with label.
func (f *Facade) Link(ctx context.Context, identifier, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapter.ConnectionLink(ctx, f.decorate(identifier), label)
}

// decorate appends the protocol suffix marker so credentials of different
// protocols can coexist on one server without colliding.
func (f *Facade) decorate(identifier string) string {
	return identifier + f.desc.Protocol.Suffix()
}
