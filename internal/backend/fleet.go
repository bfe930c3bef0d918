package backend

import (
	"log"
	"sync"

	"github.com/vpnhub/keyfleet/internal/directory"
)

// Fleet caches one Facade per server name so every caller sharing the
// fleet shares the same per-server lock. Building a fresh Facade per call
// would hand each engine its own mutex and void the at-most-one-writer
// guarantee for the remote credential store.
type Fleet struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*fleetEntry
}

type fleetEntry struct {
	desc   directory.ServerDescriptor
	facade *Facade
}

// NewFleet creates an empty fleet resolving adapters with the given
// options.
func NewFleet(opts Options) *Fleet {
	return &Fleet{opts: opts, entries: make(map[string]*fleetEntry)}
}

// Facades resolves a directory snapshot against the cache. A server keeps
// its Facade until its descriptor changes; servers no longer in the
// snapshot are evicted.
func (fl *Fleet) Facades(descs []directory.ServerDescriptor) []*Facade {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	seen := make(map[string]bool, len(descs))
	out := make([]*Facade, 0, len(descs))
	for _, d := range descs {
		seen[d.Name] = true
		if e, ok := fl.entries[d.Name]; ok && e.desc == d {
			out = append(out, e.facade)
			continue
		}
		f, err := NewFacade(d, fl.opts)
		if err != nil {
			log.Printf("[backend] server %s: %v", d.Name, err)
			delete(fl.entries, d.Name)
			continue
		}
		fl.entries[d.Name] = &fleetEntry{desc: d, facade: f}
		out = append(out, f)
	}

	for name := range fl.entries {
		if !seen[name] {
			delete(fl.entries, name)
		}
	}
	return out
}
