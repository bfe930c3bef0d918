package regen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/vpnhub/keyfleet/internal/backend"
	"github.com/vpnhub/keyfleet/internal/directory"
	"github.com/vpnhub/keyfleet/internal/notify"
	"github.com/vpnhub/keyfleet/internal/subscription"
)

// scriptedBackend is an Adapter whose per-step outcomes are scripted by
// email. It counts logins so the one-login-per-server property can be
// asserted.
type scriptedBackend struct {
	logins    int
	loginErr  error
	deleteErr map[string]error
	createErr map[string]error
	linkErr   map[string]error

	created []string
}

func (b *scriptedBackend) Login(context.Context) error {
	b.logins++
	return b.loginErr
}

func (b *scriptedBackend) ListCredentials(context.Context) ([]backend.Credential, error) {
	return nil, nil
}

func (b *scriptedBackend) DeleteCredential(_ context.Context, _ int, email string) (bool, error) {
	if err := b.deleteErr[email]; err != nil {
		return false, err
	}
	return true, nil
}

func (b *scriptedBackend) CreateCredential(_ context.Context, email string) (backend.Credential, error) {
	if err := b.createErr[email]; err != nil {
		return backend.Credential{}, err
	}
	b.created = append(b.created, email)
	return backend.Credential{Email: email, InboundID: 1, ClientID: "uuid"}, nil
}

func (b *scriptedBackend) ConnectionLink(_ context.Context, email, _ string) (string, error) {
	if err := b.linkErr[email]; err != nil {
		return "", err
	}
	return "vless://uuid@host:443#" + email, nil
}

// fakeStore assigns eligible users per server name.
type fakeStore struct {
	eligible map[string][]string
}

func (s *fakeStore) Status(context.Context, string) (subscription.Status, error) {
	return subscription.Status{}, nil
}

func (s *fakeStore) EligibleUsers(_ context.Context, serverName string) ([]string, error) {
	return s.eligible[serverName], nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

// recordingChannel captures sends and edits; sendErr fails delivery to
// specific chats.
type recordingChannel struct {
	sends   []string
	chats   []int64
	edits   []string
	admin   []string
	sendErr map[int64]error
}

func newRecorder() *recordingChannel {
	return &recordingChannel{sendErr: make(map[int64]error)}
}

func (c *recordingChannel) Send(_ context.Context, chatID int64, text string) (notify.Message, error) {
	if err := c.sendErr[chatID]; err != nil {
		return notify.Message{}, err
	}
	c.chats = append(c.chats, chatID)
	c.sends = append(c.sends, text)
	return notify.Message{ChatID: chatID, ID: len(c.sends)}, nil
}

func (c *recordingChannel) Edit(_ context.Context, _ notify.Message, text string) error {
	c.edits = append(c.edits, text)
	return nil
}

func (c *recordingChannel) NotifyAdmins(_ context.Context, text string) {
	c.admin = append(c.admin, text)
}

func regenFacade(name string, protocol directory.Protocol, b *scriptedBackend) *backend.Facade {
	return backend.NewFacadeWithAdapter(directory.ServerDescriptor{
		Name:      name,
		Address:   "10.0.0.1",
		Transport: directory.TransportSSHScript,
		Protocol:  protocol,
	}, b)
}

func confirmedSession(t *testing.T, servers []string, protocols []directory.Protocol) *Session {
	t.Helper()
	sessions := NewSessions()
	s := sessions.Create()
	for _, name := range servers {
		if err := s.ToggleServer(name); err != nil {
			t.Fatalf("toggle server %s: %v", name, err)
		}
	}
	if err := s.SelectProtocols(); err != nil {
		t.Fatalf("select protocols: %v", err)
	}
	for _, p := range protocols {
		if err := s.ToggleProtocol(p); err != nil {
			t.Fatalf("toggle protocol %s: %v", p, err)
		}
	}
	if err := s.Confirm(); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return s
}

func TestExecuteOneLoginPerServer(t *testing.T) {
	be1 := &scriptedBackend{}
	be2 := &scriptedBackend{}
	store := &fakeStore{eligible: map[string][]string{
		"Germany": {"100", "101", "102"},
		"Finland": {"200", "201"},
	}}
	ch := newRecorder()

	engine := NewEngine(Config{
		Facades: func() []*backend.Facade {
			return []*backend.Facade{
				regenFacade("Germany", directory.ProtocolVless, be1),
				regenFacade("Finland", directory.ProtocolVless, be2),
			}
		},
		Store:    store,
		Notifier: ch,
	})

	s := confirmedSession(t, []string{"Germany", "Finland"}, []directory.Protocol{directory.ProtocolVless})
	result, err := engine.Execute(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if be1.logins != 1 || be2.logins != 1 {
		t.Errorf("logins = (%d, %d), want exactly one per server", be1.logins, be2.logins)
	}
	if result.Total != 5 || result.Succeeded != 5 || len(result.Failures) != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.Succeeded+len(result.Failures) != result.Total {
		t.Errorf("accounting broken: %d + %d != %d", result.Succeeded, len(result.Failures), result.Total)
	}
	if len(ch.sends) != 5 {
		t.Errorf("user deliveries = %d, want 5", len(ch.sends))
	}
}

func TestExecuteSkipsUnselected(t *testing.T) {
	vless := &scriptedBackend{}
	ss := &scriptedBackend{}
	store := &fakeStore{eligible: map[string][]string{"Germany": {"100"}}}

	engine := NewEngine(Config{
		Facades: func() []*backend.Facade {
			return []*backend.Facade{
				regenFacade("Germany", directory.ProtocolVless, vless),
				regenFacade("Germany", directory.ProtocolShadowsocks, ss),
			}
		},
		Store:    store,
		Notifier: newRecorder(),
	})

	s := confirmedSession(t, []string{"Germany"}, []directory.Protocol{directory.ProtocolVless})
	if _, err := engine.Execute(context.Background(), s, 0); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if vless.logins != 1 || ss.logins != 0 {
		t.Errorf("logins = (%d, %d): only the selected protocol's backend may be touched", vless.logins, ss.logins)
	}
}

func TestExecuteServerUnreachable(t *testing.T) {
	down := &scriptedBackend{loginErr: fmt.Errorf("dial: %w", backend.ErrTransportUnavailable)}
	up := &scriptedBackend{}
	store := &fakeStore{eligible: map[string][]string{
		"Iceland": {"100", "101"},
		"Germany": {"200"},
	}}

	engine := NewEngine(Config{
		Facades: func() []*backend.Facade {
			return []*backend.Facade{
				regenFacade("Iceland", directory.ProtocolVless, down),
				regenFacade("Germany", directory.ProtocolVless, up),
			}
		},
		Store:    store,
		Notifier: newRecorder(),
	})

	s := confirmedSession(t, []string{"Iceland", "Germany"}, []directory.Protocol{directory.ProtocolVless})
	result, err := engine.Execute(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.Succeeded != 1 || len(result.Failures) != 2 {
		t.Fatalf("result = %+v", result)
	}
	for _, f := range result.Failures {
		if f.Server != "Iceland" || f.Reason != ReasonServerUnreachable {
			t.Errorf("failure = %+v, want uniform %q on Iceland", f, ReasonServerUnreachable)
		}
	}
	if len(up.created) != 1 {
		t.Errorf("healthy server must still be processed: created = %v", up.created)
	}
}

func TestExecuteDeleteFailureIsNotFatal(t *testing.T) {
	be := &scriptedBackend{deleteErr: map[string]error{
		"100_vless": fmt.Errorf("timeout: %w", backend.ErrRemoteOperation),
	}}
	store := &fakeStore{eligible: map[string][]string{"Germany": {"100"}}}

	engine := NewEngine(Config{
		Facades:  func() []*backend.Facade { return []*backend.Facade{regenFacade("Germany", directory.ProtocolVless, be)} },
		Store:    store,
		Notifier: newRecorder(),
	})

	s := confirmedSession(t, []string{"Germany"}, []directory.Protocol{directory.ProtocolVless})
	result, err := engine.Execute(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Succeeded != 1 || len(result.Failures) != 0 {
		t.Fatalf("delete failure before create must not fail the user: %+v", result)
	}
}

func TestExecuteCreateFailure(t *testing.T) {
	be := &scriptedBackend{createErr: map[string]error{
		"100_vless": fmt.Errorf("inbound disabled: %w", backend.ErrRemoteOperation),
	}}
	store := &fakeStore{eligible: map[string][]string{"Germany": {"100", "101"}}}

	engine := NewEngine(Config{
		Facades:  func() []*backend.Facade { return []*backend.Facade{regenFacade("Germany", directory.ProtocolVless, be)} },
		Store:    store,
		Notifier: newRecorder(),
	})

	s := confirmedSession(t, []string{"Germany"}, []directory.Protocol{directory.ProtocolVless})
	result, err := engine.Execute(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Succeeded != 1 || len(result.Failures) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Failures[0].Identifier != "100" || result.Failures[0].Reason == ReasonNotDelivered {
		t.Errorf("create failure must carry the backend reason: %+v", result.Failures[0])
	}
}

func TestExecuteNotifyFailureIsPartialSuccess(t *testing.T) {
	be := &scriptedBackend{}
	ch := newRecorder()
	ch.sendErr[100] = errors.New("bot was blocked by the user")
	store := &fakeStore{eligible: map[string][]string{"Germany": {"100", "101"}}}

	engine := NewEngine(Config{
		Facades:  func() []*backend.Facade { return []*backend.Facade{regenFacade("Germany", directory.ProtocolVless, be)} },
		Store:    store,
		Notifier: ch,
	})

	s := confirmedSession(t, []string{"Germany"}, []directory.Protocol{directory.ProtocolVless})
	result, err := engine.Execute(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Succeeded != 1 || len(result.Failures) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Failures[0].Reason != ReasonNotDelivered {
		t.Errorf("reason = %q, want %q", result.Failures[0].Reason, ReasonNotDelivered)
	}
}

func TestExecuteLinkFailureIsPartialSuccess(t *testing.T) {
	be := &scriptedBackend{linkErr: map[string]error{
		"100_vless": fmt.Errorf("reality settings incomplete: %w", backend.ErrLinkGeneration),
	}}
	store := &fakeStore{eligible: map[string][]string{"Germany": {"100"}}}

	engine := NewEngine(Config{
		Facades:  func() []*backend.Facade { return []*backend.Facade{regenFacade("Germany", directory.ProtocolVless, be)} },
		Store:    store,
		Notifier: newRecorder(),
	})

	s := confirmedSession(t, []string{"Germany"}, []directory.Protocol{directory.ProtocolVless})
	result, _ := engine.Execute(context.Background(), s, 0)
	if len(result.Failures) != 1 || result.Failures[0].Reason != ReasonNotDelivered {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteProgressEdits(t *testing.T) {
	be := &scriptedBackend{}
	ch := newRecorder()
	store := &fakeStore{eligible: map[string][]string{"Germany": {"100", "101", "102"}}}

	engine := NewEngine(Config{
		Facades:       func() []*backend.Facade { return []*backend.Facade{regenFacade("Germany", directory.ProtocolVless, be)} },
		Store:         store,
		Notifier:      ch,
		ProgressEvery: 1,
	})

	s := confirmedSession(t, []string{"Germany"}, []directory.Protocol{directory.ProtocolVless})
	if _, err := engine.Execute(context.Background(), s, 999); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(ch.edits) != 3 {
		t.Fatalf("edits = %d, want one per user at cadence 1", len(ch.edits))
	}
	if !strings.Contains(ch.edits[len(ch.edits)-1], "3/3 (100%)") {
		t.Errorf("final edit = %q", ch.edits[len(ch.edits)-1])
	}
	prev := 0
	for _, edit := range ch.edits {
		var processed, total int
		if _, err := fmt.Sscanf(edit, "%d/%d", &processed, &total); err != nil {
			t.Fatalf("unparseable edit %q: %v", edit, err)
		}
		if total != 3 {
			t.Errorf("edit %q reports total %d, want 3", edit, total)
		}
		if processed < prev {
			t.Errorf("progress went backwards: %v", ch.edits)
		}
		if processed > total {
			t.Errorf("progress ran past the total: %v", ch.edits)
		}
		prev = processed
	}
	// The final report goes to the operator chat.
	if len(ch.admin) != 1 || !strings.Contains(ch.admin[0], "3/3 succeeded") {
		t.Errorf("admin report = %v", ch.admin)
	}
}

func TestExecuteAcceptsClaimedSession(t *testing.T) {
	be := &scriptedBackend{}
	store := &fakeStore{eligible: map[string][]string{"Germany": {"100"}}}

	engine := NewEngine(Config{
		Facades:  func() []*backend.Facade { return []*backend.Facade{regenFacade("Germany", directory.ProtocolVless, be)} },
		Store:    store,
		Notifier: newRecorder(),
	})

	// A caller may claim the session before handing it over.
	s := confirmedSession(t, []string{"Germany"}, []directory.Protocol{directory.ProtocolVless})
	if err := s.BeginExecution(); err != nil {
		t.Fatalf("begin execution: %v", err)
	}

	result, err := engine.Execute(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Succeeded != 1 || len(result.Failures) != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteCancellationBetweenUsers(t *testing.T) {
	be := &scriptedBackend{}
	store := &fakeStore{eligible: map[string][]string{"Germany": {"100", "101", "102", "103"}}}

	ctx, cancel := context.WithCancel(context.Background())
	engine := NewEngine(Config{
		Facades:    func() []*backend.Facade { return []*backend.Facade{regenFacade("Germany", directory.ProtocolVless, be)} },
		Store:      store,
		Notifier:   newRecorder(),
		UserPacing: time.Millisecond,
	})
	calls := 0
	engine.sleep = func(time.Duration) {
		calls++
		if calls == 2 {
			cancel()
		}
	}

	s := confirmedSession(t, []string{"Germany"}, []directory.Protocol{directory.ProtocolVless})
	result, err := engine.Execute(ctx, s, 0)
	if err == nil {
		t.Fatal("canceled batch must return an error")
	}
	if result.Succeeded != 2 {
		t.Fatalf("succeeded = %d, want the 2 users processed before cancel", result.Succeeded)
	}
	if result.Succeeded+len(result.Failures) != result.Total {
		t.Fatalf("accounting broken: %d + %d != %d", result.Succeeded, len(result.Failures), result.Total)
	}
	for _, f := range result.Failures {
		if f.Reason != ReasonCanceled {
			t.Errorf("failure = %+v, want %q", f, ReasonCanceled)
		}
	}
	// No user may be left deleted but not recreated.
	if len(be.created) != 2 {
		t.Errorf("created = %v", be.created)
	}
}

func TestFormatResultCapsFailureList(t *testing.T) {
	r := &Result{Total: 30, Succeeded: 10}
	for i := 0; i < 20; i++ {
		r.Failures = append(r.Failures, Failure{
			Identifier: fmt.Sprintf("%d", 100+i), Server: "Germany", Reason: "x",
		})
	}
	text := formatResult(r)
	if !strings.Contains(text, "...and 10 more") {
		t.Errorf("report must cap inline failures:\n%s", text)
	}
}

func TestFormatProgress(t *testing.T) {
	text := formatProgress(10, 40, 20*time.Second)
	if !strings.Contains(text, "10/40 (25%)") {
		t.Errorf("progress = %q", text)
	}
	// 2s per user, 30 users left.
	if !strings.Contains(text, "1m0s remaining") {
		t.Errorf("remaining estimate missing: %q", text)
	}
}
