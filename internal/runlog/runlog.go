// Package runlog persists the history of sweep and regeneration runs to
// rolling SQLite databases so operators can audit what the orchestrator
// did and when.
package runlog

// RunKind distinguishes the two engines that record runs.
type RunKind string

const (
	KindSweep RunKind = "sweep"
	KindRegen RunKind = "regen"
)

// Run is one recorded engine run. Detail carries the engine-specific
// report as JSON; the flat counters exist so runs can be listed without
// decoding it.
type Run struct {
	ID            string  `json:"id"`
	Kind          RunKind `json:"kind"`
	StartedNs     int64   `json:"started_ns"`
	FinishedNs    int64   `json:"finished_ns"`
	Status        string  `json:"status"`
	ServersTotal  int     `json:"servers_total"`
	ServersFailed int     `json:"servers_failed"`
	UsersTotal    int     `json:"users_total"`
	UsersFailed   int     `json:"users_failed"`
	Deleted       int     `json:"deleted"`
	Detail        string  `json:"detail"`
}

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
	StatusFailed    = "failed"
)

// ListFilter specifies query filters for listing runs.
type ListFilter struct {
	Kind   RunKind // empty means all kinds
	Limit  int
	Offset int
}
