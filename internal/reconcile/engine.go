// Package reconcile implements the sweep that cross-checks unmanaged
// backend credentials against the subscription store and retires the
// ones whose owning subscription has expired.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/vpnhub/keyfleet/internal/backend"
	"github.com/vpnhub/keyfleet/internal/notify"
	"github.com/vpnhub/keyfleet/internal/runlog"
	"github.com/vpnhub/keyfleet/internal/subscription"
)

const (
	// deletedSampleCap bounds the identifier list carried per server in
	// the report; the full count is always reported.
	deletedSampleCap = 5

	// foundThreshold is the quiet-run cutoff: a sweep that found fewer
	// unmanaged credentials than this and deleted nothing is not worth
	// an admin notice.
	foundThreshold = 30
)

// ServerReport is the per-server outcome of one sweep.
type ServerReport struct {
	Server        string   `json:"server"`
	Protocol      string   `json:"protocol"`
	Found         int      `json:"found"`
	Deleted       int      `json:"deleted"`
	DeletedSample []string `json:"deleted_sample,omitempty"`
	Orphaned      int      `json:"orphaned"`
	Skipped       bool     `json:"skipped,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Report is the combined outcome of one sweep across the fleet.
type Report struct {
	RunID        string         `json:"run_id"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Servers      []ServerReport `json:"servers"`
	TotalFound   int            `json:"total_found"`
	TotalDeleted int            `json:"total_deleted"`
}

// Noteworthy reports whether the sweep should be surfaced to admins.
func (r *Report) Noteworthy() bool {
	return r.TotalDeleted > 0 || r.TotalFound > foundThreshold
}

// Config wires an Engine.
type Config struct {
	// Facades returns the current fleet. Called once per sweep so a
	// refreshed directory is picked up between sweeps.
	Facades func() []*backend.Facade
	Store   subscription.Store
	// Notifier receives the report of noteworthy sweeps. Optional.
	Notifier notify.Channel
	// Runs records sweep history. Optional.
	Runs *runlog.Repo
}

// Engine runs reconciliation sweeps.
type Engine struct {
	facades  func() []*backend.Facade
	store    subscription.Store
	notifier notify.Channel
	runs     *runlog.Repo
}

func NewEngine(cfg Config) *Engine {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Engine{
		facades:  cfg.Facades,
		store:    cfg.Store,
		notifier: notifier,
		runs:     cfg.Runs,
	}
}

// Sweep runs one reconciliation pass over the whole fleet. The only
// fatal condition is an unreachable subscription store at the start of
// the pass: without the ledger no deletion can be validated, so the
// pass aborts rather than guess.
func (e *Engine) Sweep(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), StartedAt: time.Now()}

	if err := e.store.Ping(ctx); err != nil {
		e.record(report, runlog.StatusAborted)
		return nil, fmt.Errorf("reconcile: subscription store unreachable, aborting sweep: %w", err)
	}

	for _, f := range e.facades() {
		if err := ctx.Err(); err != nil {
			e.record(report, runlog.StatusAborted)
			return report, fmt.Errorf("reconcile: sweep canceled: %w", err)
		}
		sr := e.sweepServer(ctx, f)
		report.Servers = append(report.Servers, sr)
		report.TotalFound += sr.Found
		report.TotalDeleted += sr.Deleted
	}

	report.FinishedAt = time.Now()
	e.record(report, runlog.StatusCompleted)

	if report.Noteworthy() {
		e.notifier.NotifyAdmins(ctx, formatReport(report))
	}
	return report, nil
}

// sweepServer reconciles one server. Per-server failures are findings,
// not errors: a down server is skipped and reported, never aborts the
// sweep.
func (e *Engine) sweepServer(ctx context.Context, f *backend.Facade) ServerReport {
	sr := ServerReport{Server: f.Name(), Protocol: string(f.Descriptor().Protocol)}

	if err := f.Login(ctx); err != nil {
		log.Printf("[reconcile] %s: login failed, skipping: %v", f.Name(), err)
		sr.Skipped = true
		sr.Error = err.Error()
		return sr
	}

	creds, err := f.ListActive(ctx)
	if err != nil {
		log.Printf("[reconcile] %s: list failed, skipping: %v", f.Name(), err)
		sr.Skipped = true
		sr.Error = err.Error()
		return sr
	}

	for _, cred := range creds {
		if cred.Managed() {
			continue
		}
		sr.Found++

		status, err := e.store.Status(ctx, cred.Email)
		if err != nil {
			// Lookup failure reads as "not expired": never delete a
			// credential the ledger could not vouch against.
			log.Printf("[reconcile] %s: status lookup %q failed, keeping: %v", f.Name(), cred.Email, err)
			continue
		}
		if !status.Exists {
			sr.Orphaned++
			continue
		}
		if !status.Expired {
			continue
		}

		deleted, err := f.DeleteCredential(ctx, cred)
		if err != nil {
			log.Printf("[reconcile] %s: delete %q failed: %v", f.Name(), cred.Email, err)
			continue
		}
		if !deleted {
			continue
		}
		sr.Deleted++
		if len(sr.DeletedSample) < deletedSampleCap {
			sr.DeletedSample = append(sr.DeletedSample, cred.Email)
		}
	}
	return sr
}

func (e *Engine) record(report *Report, status string) {
	if e.runs == nil {
		return
	}
	if report.FinishedAt.IsZero() {
		report.FinishedAt = time.Now()
	}

	detail, err := json.Marshal(report.Servers)
	if err != nil {
		detail = []byte("{}")
	}
	failed := 0
	for _, sr := range report.Servers {
		if sr.Skipped {
			failed++
		}
	}
	run := runlog.Run{
		ID:            report.RunID,
		Kind:          runlog.KindSweep,
		StartedNs:     report.StartedAt.UnixNano(),
		FinishedNs:    report.FinishedAt.UnixNano(),
		Status:        status,
		ServersTotal:  len(report.Servers),
		ServersFailed: failed,
		Deleted:       report.TotalDeleted,
		Detail:        string(detail),
	}
	if err := e.runs.Record(run); err != nil {
		log.Printf("[reconcile] record run %s: %v", report.RunID, err)
	}
}

func formatReport(r *Report) string {
	text := fmt.Sprintf("Key sweep: found %d unmanaged, deleted %d", r.TotalFound, r.TotalDeleted)
	for _, sr := range r.Servers {
		switch {
		case sr.Skipped:
			text += fmt.Sprintf("\n%s: unreachable", sr.Server)
		case sr.Deleted > 0:
			text += fmt.Sprintf("\n%s: deleted %d of %d (%v)", sr.Server, sr.Deleted, sr.Found, sr.DeletedSample)
		}
	}
	return text
}
