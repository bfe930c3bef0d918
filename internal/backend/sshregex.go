package backend

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/vpnhub/keyfleet/internal/directory"
)

// emailPattern matches the email field in a raw settings dump. Tokens end
// at commas, braces or whitespace.
var emailPattern = regexp.MustCompile(`email: ([^,}\s]+)`)

// sshRegexAdapter is the degraded fallback for servers whose remote schema
// does not emit clean structured output: it dumps the raw inbound settings
// and greps for email tokens. It is lossy by construction: the dump does
// not say which inbound a credential belongs to, so everything is reported
// against DefaultInboundID, and deletions are routed through the embedded
// script against that inbound. Replace with sshScriptAdapter once the
// remote schema is normalized.
type sshRegexAdapter struct {
	desc   directory.ServerDescriptor
	runner commandRunner
	// script handles mutations: the regex path is read-only, but deletes
	// against the fixed inbound still work via the structured script.
	script *sshScriptAdapter
}

func newSSHRegexAdapter(desc directory.ServerDescriptor, opts Options) *sshRegexAdapter {
	runner := newSSHRunner(desc.Address, opts, desc.SSHPassword)
	return &sshRegexAdapter{
		desc:   desc,
		runner: runner,
		script: &sshScriptAdapter{desc: desc, runner: runner},
	}
}

func (a *sshRegexAdapter) Login(ctx context.Context) error { return nil }

func (a *sshRegexAdapter) ListCredentials(ctx context.Context) ([]Credential, error) {
	cmd := fmt.Sprintf(`sqlite3 %s "SELECT settings FROM inbounds;"`, xuiDBPath)
	out, err := a.runner.Run(ctx, cmd, "")
	if err != nil {
		return nil, err
	}
	return parseEmailTokens(a.desc.Name, out)
}

func (a *sshRegexAdapter) DeleteCredential(ctx context.Context, inboundID int, email string) (bool, error) {
	// The dump cannot resolve inbound ids; only the fixed default is safe.
	if inboundID != directory.DefaultInboundID {
		return false, fmt.Errorf(
			"backend: %s: ssh_regex cannot target inbound %d: %w", a.desc.Name, inboundID, ErrRemoteOperation)
	}
	return a.script.DeleteCredential(ctx, inboundID, email)
}

func (a *sshRegexAdapter) CreateCredential(ctx context.Context, email string) (Credential, error) {
	return Credential{}, fmt.Errorf(
		"backend: %s: ssh_regex transport cannot provision credentials: %w", a.desc.Name, ErrRemoteOperation)
}

func (a *sshRegexAdapter) ConnectionLink(ctx context.Context, email, label string) (string, error) {
	return "", fmt.Errorf(
		"backend: %s: ssh_regex transport cannot issue links: %w", a.desc.Name, ErrLinkGeneration)
}

// parseEmailTokens extracts email tokens from a raw dump. Blank output is
// an empty server; non-blank output with zero matches is a parse failure.
func parseEmailTokens(server, out string) ([]Credential, error) {
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}

	matches := emailPattern.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("backend: %s: dump matched no email tokens: %w", server, ErrParseFailure)
	}

	creds := make([]Credential, 0, len(matches))
	for _, m := range matches {
		email := strings.Trim(m[1], `"`)
		// The dump sometimes clips the managed suffix ("_vless" -> "_vle").
		// A clipped token would look unmanaged; skip it rather than expose
		// a managed credential to deletion.
		if strings.HasSuffix(email, "_vle") {
			continue
		}
		creds = append(creds, Credential{
			Email:     email,
			InboundID: directory.DefaultInboundID,
		})
	}
	return creds, nil
}
