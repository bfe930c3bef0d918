package backend

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vpnhub/keyfleet/internal/directory"
)

func regexDesc() directory.ServerDescriptor {
	return directory.ServerDescriptor{
		Name:        "Poland",
		Address:     "94.131.0.10",
		Transport:   directory.TransportSSHRegex,
		Protocol:    directory.ProtocolVless,
		SSHPassword: "pw",
	}
}

func newRegexAdapterWith(runner commandRunner) *sshRegexAdapter {
	desc := regexDesc()
	return &sshRegexAdapter{
		desc:   desc,
		runner: runner,
		script: &sshScriptAdapter{desc: desc, runner: runner},
	}
}

func TestParseEmailTokens(t *testing.T) {
	dump := `{"clients": [{email: 111_vless, id: "a"}, {email: "222_ss"}, {email: legacy@mail,}]}`
	creds, err := parseEmailTokens("s", dump)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"111_vless", "222_ss", "legacy@mail"}
	if len(creds) != len(want) {
		t.Fatalf("got %d credentials, want %d", len(creds), len(want))
	}
	for i, w := range want {
		if creds[i].Email != w {
			t.Errorf("creds[%d].Email = %q, want %q", i, creds[i].Email, w)
		}
		if creds[i].InboundID != directory.DefaultInboundID {
			t.Errorf("creds[%d].InboundID = %d", i, creds[i].InboundID)
		}
	}
}

func TestParseEmailTokens_SkipsClippedSuffix(t *testing.T) {
	dump := `{email: 111_vless} {email: 222_vle}`
	creds, err := parseEmailTokens("s", dump)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(creds) != 1 || creds[0].Email != "111_vless" {
		t.Fatalf("clipped token should be skipped, got %+v", creds)
	}
}

func TestParseEmailTokens_EmptyAndGarbage(t *testing.T) {
	if creds, err := parseEmailTokens("s", "  \n"); err != nil || len(creds) != 0 {
		t.Fatalf("blank dump = (%v, %v), want (empty, nil)", creds, err)
	}
	if _, err := parseEmailTokens("s", "sqlite3: database is locked"); !errors.Is(err, ErrParseFailure) {
		t.Fatalf("expected ErrParseFailure, got %v", err)
	}
}

func TestSSHRegexList(t *testing.T) {
	runner := &fakeRunner{outputs: []string{`{email: 111_vless}`}}
	a := newRegexAdapterWith(runner)

	creds, err := a.ListCredentials(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("got %d credentials, want 1", len(creds))
	}
	if !strings.Contains(runner.commands[0], "sqlite3") {
		t.Errorf("list should dump via sqlite3: %s", runner.commands[0])
	}
}

func TestSSHRegexDeleteGuardsInbound(t *testing.T) {
	runner := &fakeRunner{}
	a := newRegexAdapterWith(runner)

	_, err := a.DeleteCredential(context.Background(), 3, "111_vless")
	if !errors.Is(err, ErrRemoteOperation) {
		t.Fatalf("expected ErrRemoteOperation for foreign inbound, got %v", err)
	}
	if len(runner.commands) != 0 {
		t.Fatal("guard should reject before any remote command runs")
	}
}

func TestSSHRegexDeleteDefaultInbound(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"deleted\n"}}
	a := newRegexAdapterWith(runner)

	ok, err := a.DeleteCredential(context.Background(), directory.DefaultInboundID, "111_vless")
	if err != nil || !ok {
		t.Fatalf("delete = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestSSHRegexCreateAndLinkUnsupported(t *testing.T) {
	a := newRegexAdapterWith(&fakeRunner{})

	if _, err := a.CreateCredential(context.Background(), "x"); !errors.Is(err, ErrRemoteOperation) {
		t.Fatalf("create: expected ErrRemoteOperation, got %v", err)
	}
	if _, err := a.ConnectionLink(context.Background(), "x", "label"); !errors.Is(err, ErrLinkGeneration) {
		t.Fatalf("link: expected ErrLinkGeneration, got %v", err)
	}
}
