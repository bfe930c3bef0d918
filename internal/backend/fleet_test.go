package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vpnhub/keyfleet/internal/directory"
)

func fleetDescs() []directory.ServerDescriptor {
	return []directory.ServerDescriptor{
		{
			Name: "Germany", Address: "185.233.81.238",
			Transport: directory.TransportSSHScript, Protocol: directory.ProtocolVless,
			SSHPassword: "pw",
		},
		{
			Name: "Finland", Address: "65.109.1.1",
			Transport: directory.TransportSSHRegex, Protocol: directory.ProtocolVless,
			SSHPassword: "pw",
		},
	}
}

func TestFleetReusesFacades(t *testing.T) {
	fl := NewFleet(Options{SSHUser: "root"})

	first := fl.Facades(fleetDescs())
	second := fl.Facades(fleetDescs())
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("facades = %d and %d, want 2 each", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("server %s got a fresh facade on the second snapshot", first[i].Name())
		}
	}
}

func TestFleetRebuildsOnDescriptorChange(t *testing.T) {
	fl := NewFleet(Options{SSHUser: "root"})

	before := fl.Facades(fleetDescs())

	changed := fleetDescs()
	changed[0].SSHPassword = "rotated"
	after := fl.Facades(changed)

	if before[0] == after[0] {
		t.Error("changed descriptor should rebuild the facade")
	}
	if before[1] != after[1] {
		t.Error("untouched descriptor should keep its facade")
	}
}

func TestFleetEvictsRemovedServers(t *testing.T) {
	fl := NewFleet(Options{SSHUser: "root"})

	before := fl.Facades(fleetDescs())
	fl.Facades(fleetDescs()[:1])
	after := fl.Facades(fleetDescs())

	if before[0] != after[0] {
		t.Error("retained server should keep its facade")
	}
	if before[1] == after[1] {
		t.Error("removed server should not resurrect its old facade")
	}
}

// overlapAdapter counts concurrent in-flight calls.
type overlapAdapter struct {
	active  atomic.Int32
	overlap atomic.Bool
}

func (a *overlapAdapter) enter() {
	if a.active.Add(1) > 1 {
		a.overlap.Store(true)
	}
	time.Sleep(2 * time.Millisecond)
	a.active.Add(-1)
}

func (a *overlapAdapter) Login(context.Context) error { a.enter(); return nil }
func (a *overlapAdapter) ListCredentials(context.Context) ([]Credential, error) {
	a.enter()
	return nil, nil
}
func (a *overlapAdapter) DeleteCredential(context.Context, int, string) (bool, error) {
	a.enter()
	return true, nil
}
func (a *overlapAdapter) CreateCredential(_ context.Context, email string) (Credential, error) {
	a.enter()
	return Credential{Email: email}, nil
}
func (a *overlapAdapter) ConnectionLink(context.Context, string, string) (string, error) {
	a.enter()
	return "", nil
}

func TestFacadeSerializesSameServerCalls(t *testing.T) {
	adapter := &overlapAdapter{}
	f := NewFacadeWithAdapter(directory.ServerDescriptor{
		Name: "Germany", Protocol: directory.ProtocolVless,
	}, adapter)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.ListActive(context.Background())
			_, _ = f.Delete(context.Background(), "123")
		}()
	}
	wg.Wait()

	if adapter.overlap.Load() {
		t.Fatal("two calls mutated the same server concurrently")
	}
}
