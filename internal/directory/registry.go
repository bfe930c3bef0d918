package directory

import (
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk YAML shape of the server registry.
type registryFile struct {
	Servers []ServerDescriptor `yaml:"servers"`
}

// Registry holds the current server list and refreshes it from the backing
// file on a jittered interval. Readers always see a consistent snapshot.
type Registry struct {
	path     string
	interval time.Duration
	jitter   time.Duration

	snapshot atomic.Pointer[[]ServerDescriptor]
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRegistry loads the registry file at path. It fails if the file cannot
// be read or any descriptor is invalid; a process should not start against
// a half-valid fleet definition.
func NewRegistry(path string, interval, jitter time.Duration) (*Registry, error) {
	r := &Registry{
		path:     path,
		interval: interval,
		jitter:   jitter,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Servers returns the current descriptor snapshot. The returned slice must
// not be mutated.
func (r *Registry) Servers() []ServerDescriptor {
	p := r.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// ByName returns the descriptor with the given name from the current snapshot.
func (r *Registry) ByName(name string) (ServerDescriptor, bool) {
	for _, d := range r.Servers() {
		if d.Name == name {
			return d, true
		}
	}
	return ServerDescriptor{}, false
}

// Start launches the periodic refresh loop. Refresh failures keep the
// previous snapshot; the fleet definition only ever moves between two
// fully-validated states.
func (r *Registry) Start() {
	go func() {
		defer close(r.doneCh)

		timer := time.NewTimer(0)
		defer timer.Stop()
		<-timer.C // drain initial fire

		for {
			interval := r.interval
			if r.jitter > 0 {
				interval += time.Duration(rand.Int64N(int64(r.jitter)))
			}

			timer.Reset(interval)
			select {
			case <-r.stopCh:
				return
			case <-timer.C:
			}

			if err := r.reload(); err != nil {
				log.Printf("[directory] refresh failed, keeping previous snapshot: %v", err)
			}
		}
	}()
}

// Stop terminates the refresh loop and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Registry) reload() error {
	servers, err := LoadRegistryFile(r.path)
	if err != nil {
		return err
	}
	r.snapshot.Store(&servers)
	return nil
}

// LoadRegistryFile reads and validates a server registry YAML file.
func LoadRegistryFile(path string) ([]ServerDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory: read registry %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("directory: parse registry %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(file.Servers))
	for i := range file.Servers {
		d := &file.Servers[i]
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("directory: %w", err)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("directory: duplicate server name %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}

	return file.Servers, nil
}
