// Package regen implements batch credential regeneration: a selection
// flow over servers and protocols, and the execution engine that drives
// delete, create, link, notify per user with live progress reporting.
package regen

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/vpnhub/keyfleet/internal/backend"
	"github.com/vpnhub/keyfleet/internal/notify"
	"github.com/vpnhub/keyfleet/internal/runlog"
	"github.com/vpnhub/keyfleet/internal/subscription"
)

// Failure reasons with report-level meaning. ReasonNotDelivered marks a
// partial success: the credential exists, only delivery failed, so the
// remediation is resending the link rather than regenerating again.
const (
	ReasonServerUnreachable = "server unreachable"
	ReasonNotDelivered      = "key created, not delivered"
	ReasonCanceled          = "canceled"
)

// failureListCap bounds the inline failure listing in the final report.
const failureListCap = 10

// Failure is one user that did not complete the full pipeline.
type Failure struct {
	Identifier string `json:"identifier"`
	Server     string `json:"server"`
	Reason     string `json:"reason"`
}

// serverBatch is one server's share of a batch: its facade and the
// eligible users assigned to it.
type serverBatch struct {
	facade *backend.Facade
	users  []string
}

// Result is the outcome of one executed batch.
type Result struct {
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failures  []Failure     `json:"failures"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Config wires an Engine.
type Config struct {
	// Facades returns the current fleet; the batch targets the subset
	// matching the session's selection.
	Facades func() []*backend.Facade
	Store   subscription.Store
	// Notifier delivers links to users and progress to the operator.
	Notifier notify.Channel
	// Runs records batch history. Optional.
	Runs *runlog.Repo

	// UserPacing is the inter-user delay that keeps the notification
	// channel under its rate limits.
	UserPacing time.Duration
	// ProgressEvery is the processed-user cadence of progress edits.
	ProgressEvery int
}

// Engine executes regeneration batches.
type Engine struct {
	facades       func() []*backend.Facade
	store         subscription.Store
	notifier      notify.Channel
	runs          *runlog.Repo
	pacing        time.Duration
	progressEvery int

	// sleep is swapped by tests.
	sleep func(time.Duration)
}

func NewEngine(cfg Config) *Engine {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}
	progressEvery := cfg.ProgressEvery
	if progressEvery <= 0 {
		progressEvery = 10
	}
	return &Engine{
		facades:       cfg.Facades,
		store:         cfg.Store,
		notifier:      notifier,
		runs:          cfg.Runs,
		pacing:        cfg.UserPacing,
		progressEvery: progressEvery,
		sleep:         time.Sleep,
	}
}

// Execute runs a confirmed session's batch. progressChat is the chat
// that receives the in-place progress message and the final report;
// zero disables operator messaging. The returned Result always
// satisfies Succeeded + len(Failures) == Total, including on
// cancellation (unprocessed users are marked canceled).
func (e *Engine) Execute(ctx context.Context, session *Session, progressChat int64) (*Result, error) {
	// Callers that need an atomic claim on the session (the API handler)
	// transition it before handing it over; everyone else transitions
	// here.
	if session.State() != StateExecuting {
		if err := session.BeginExecution(); err != nil {
			return nil, err
		}
	}

	batches, err := e.resolveBatches(ctx, session)
	if err != nil {
		return nil, err
	}

	result := &Result{RunID: session.ID}
	for _, b := range batches {
		result.Total += len(b.users)
	}

	started := time.Now()
	progress := e.startProgress(ctx, progressChat, result.Total)

	processed := 0
	canceled := false
	for _, b := range batches {
		if canceled {
			markAll(result, b, ReasonCanceled)
			processed += len(b.users)
			continue
		}

		// One login per server, regardless of user count.
		if err := b.facade.Login(ctx); err != nil {
			log.Printf("[regen] %s: login failed, failing %d users: %v", b.facade.Name(), len(b.users), err)
			markAll(result, b, ReasonServerUnreachable)
			processed += len(b.users)
			progress.update(ctx, processed, started)
			continue
		}

		for _, user := range b.users {
			if ctx.Err() != nil {
				canceled = true
				markRemaining(result, b, user)
				processed = result.Succeeded + len(result.Failures)
				break
			}

			e.regenerateUser(ctx, b.facade, user, result)
			processed++
			if processed%e.progressEvery == 0 || processed == result.Total {
				progress.update(ctx, processed, started)
			}
			if e.pacing > 0 {
				e.sleep(e.pacing)
			}
		}
	}

	result.Elapsed = time.Since(started)

	status := runlog.StatusCompleted
	if canceled {
		status = runlog.StatusAborted
	}
	e.record(result, started, status)

	if progressChat != 0 {
		e.notifier.NotifyAdmins(ctx, formatResult(result))
	}
	if canceled {
		return result, fmt.Errorf("regen: batch %s canceled: %w", result.RunID, ctx.Err())
	}
	return result, nil
}

// Preview is the per-server eligible-user count shown at confirmation
// time, before anything is mutated.
type Preview struct {
	Server string `json:"server"`
	Users  int    `json:"users"`
}

// PreviewBatches resolves the session's selection against the fleet and
// the subscription store without executing anything.
func (e *Engine) PreviewBatches(ctx context.Context, session *Session) ([]Preview, int, error) {
	batches, err := e.resolveBatches(ctx, session)
	if err != nil {
		return nil, 0, err
	}
	previews := make([]Preview, 0, len(batches))
	total := 0
	for _, b := range batches {
		previews = append(previews, Preview{Server: b.facade.Name(), Users: len(b.users)})
		total += len(b.users)
	}
	return previews, total, nil
}

// resolveBatches maps the session's selection onto the fleet and pulls
// each target server's eligible users. Eligibility is evaluated here,
// once; the small staleness window until execution is accepted.
func (e *Engine) resolveBatches(ctx context.Context, session *Session) ([]serverBatch, error) {
	servers, protocols := session.Selection()

	var batches []serverBatch
	for _, f := range e.facades() {
		desc := f.Descriptor()
		if !servers[desc.Name] || !protocols[desc.Protocol] {
			continue
		}
		users, err := e.store.EligibleUsers(ctx, desc.Name)
		if err != nil {
			return nil, fmt.Errorf("regen: resolve users for %s: %w", desc.Name, err)
		}
		if len(users) == 0 {
			continue
		}
		batches = append(batches, serverBatch{facade: f, users: users})
	}
	return batches, nil
}

// regenerateUser runs the per-user pipeline: delete old key (absence is
// fine), create a new one, fetch its link, deliver it.
func (e *Engine) regenerateUser(ctx context.Context, f *backend.Facade, user string, result *Result) {
	if _, err := f.Delete(ctx, user); err != nil {
		// The old key may be gone already; only log. A delete error
		// before creation has nothing half-done to report.
		log.Printf("[regen] %s: delete for %s: %v", f.Name(), user, err)
	}

	if _, err := f.Add(ctx, user); err != nil {
		result.Failures = append(result.Failures, Failure{
			Identifier: user, Server: f.Name(), Reason: err.Error(),
		})
		return
	}

	link, err := f.Link(ctx, user, f.Name())
	if err != nil {
		result.Failures = append(result.Failures, Failure{
			Identifier: user, Server: f.Name(), Reason: ReasonNotDelivered,
		})
		return
	}

	chatID, ok := subscription.ParseUserID(user)
	if !ok {
		result.Failures = append(result.Failures, Failure{
			Identifier: user, Server: f.Name(), Reason: ReasonNotDelivered,
		})
		return
	}
	text := fmt.Sprintf("Your access key was regenerated. New connection link:\n%s", link)
	if _, err := e.notifier.Send(ctx, chatID, text); err != nil {
		result.Failures = append(result.Failures, Failure{
			Identifier: user, Server: f.Name(), Reason: ReasonNotDelivered,
		})
		return
	}

	result.Succeeded++
}

// markAll fails every user of a batch with one uniform reason.
func markAll(result *Result, b serverBatch, reason string) {
	for _, user := range b.users {
		result.Failures = append(result.Failures, Failure{
			Identifier: user, Server: b.facade.Name(), Reason: reason,
		})
	}
}

// markRemaining fails the canceled user and everyone after them in the
// batch. Cancellation lands between users, never mid-pipeline, so no
// user is left deleted-but-not-recreated.
func markRemaining(result *Result, b serverBatch, fromUser string) {
	seen := false
	for _, user := range b.users {
		if user == fromUser {
			seen = true
		}
		if seen {
			result.Failures = append(result.Failures, Failure{
				Identifier: user, Server: b.facade.Name(), Reason: ReasonCanceled,
			})
		}
	}
}

// progressReporter edits one operator message in place as the batch
// advances. All delivery errors are swallowed: progress is best-effort
// and never aborts the batch.
type progressReporter struct {
	notifier notify.Channel
	msg      notify.Message
	total    int
	active   bool
}

func (e *Engine) startProgress(ctx context.Context, chat int64, total int) *progressReporter {
	p := &progressReporter{notifier: e.notifier, total: total}
	if chat == 0 || total == 0 {
		return p
	}
	msg, err := e.notifier.Send(ctx, chat, fmt.Sprintf("Regenerating keys for %d users...", total))
	if err != nil {
		log.Printf("[regen] progress message: %v", err)
		return p
	}
	p.msg = msg
	p.active = true
	return p
}

func (p *progressReporter) update(ctx context.Context, processed int, started time.Time) {
	if !p.active {
		return
	}
	text := formatProgress(processed, p.total, time.Since(started))
	if err := p.notifier.Edit(ctx, p.msg, text); err != nil {
		log.Printf("[regen] progress edit: %v", err)
	}
}

// formatProgress renders a progress snapshot: percentage, elapsed, and
// a linear extrapolation of the remaining time from the running
// per-user average.
func formatProgress(processed, total int, elapsed time.Duration) string {
	percent := float64(processed) / float64(total) * 100
	remaining := time.Duration(0)
	if processed > 0 {
		perUser := elapsed / time.Duration(processed)
		remaining = perUser * time.Duration(total-processed)
	}
	return fmt.Sprintf("Regenerating keys: %d/%d (%.0f%%)\nElapsed %s, about %s remaining",
		processed, total, percent, elapsed.Round(time.Second), remaining.Round(time.Second))
}

func formatResult(r *Result) string {
	text := fmt.Sprintf("Regeneration finished: %d/%d succeeded in %s",
		r.Succeeded, r.Total, r.Elapsed.Round(time.Second))
	for i, f := range r.Failures {
		if i == failureListCap {
			text += fmt.Sprintf("\n...and %d more", len(r.Failures)-failureListCap)
			break
		}
		text += fmt.Sprintf("\n%s on %s: %s", f.Identifier, f.Server, f.Reason)
	}
	return text
}

func (e *Engine) record(result *Result, started time.Time, status string) {
	if e.runs == nil {
		return
	}
	detail, err := json.Marshal(result.Failures)
	if err != nil {
		detail = []byte("[]")
	}
	run := runlog.Run{
		ID:          result.RunID,
		Kind:        runlog.KindRegen,
		StartedNs:   started.UnixNano(),
		FinishedNs:  started.Add(result.Elapsed).UnixNano(),
		Status:      status,
		UsersTotal:  result.Total,
		UsersFailed: len(result.Failures),
		Detail:      string(detail),
	}
	if err := e.runs.Record(run); err != nil {
		log.Printf("[regen] record run %s: %v", result.RunID, err)
	}
}
