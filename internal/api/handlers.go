package api

import (
	"context"
	"log"
	"net/http"
	"sort"

	"github.com/vpnhub/keyfleet/internal/backend"
	"github.com/vpnhub/keyfleet/internal/directory"
	"github.com/vpnhub/keyfleet/internal/regen"
	"github.com/vpnhub/keyfleet/internal/runlog"
)

// HandleHealthz returns a handler for GET /healthz. No authentication
// is required.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleRunSweep triggers a reconciliation pass and returns its report.
func (s *Server) handleRunSweep() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.cfg.Sweeper.Sweep(r.Context())
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, "SWEEP_FAILED", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

// serverView is a directory entry with secrets redacted.
type serverView struct {
	Name      string                  `json:"name"`
	Address   string                  `json:"address"`
	Transport directory.TransportKind `json:"transport"`
	Protocol  directory.Protocol      `json:"protocol"`
	InboundID int                     `json:"inbound_id"`
}

func (s *Server) handleListServers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		descs := s.cfg.Servers()
		views := make([]serverView, 0, len(descs))
		for _, d := range descs {
			views = append(views, serverView{
				Name:      d.Name,
				Address:   d.Address,
				Transport: d.Transport,
				Protocol:  d.Protocol,
				InboundID: d.Inbound(),
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"servers": views})
	}
}

func (s *Server) handleServersHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := backend.CheckFleet(r.Context(), s.cfg.Facades(), s.cfg.HealthTimeout)
		WriteJSON(w, http.StatusOK, map[string]any{"servers": statuses})
	}
}

// sessionView is the API representation of a selection session.
type sessionView struct {
	ID        string   `json:"id"`
	State     string   `json:"state"`
	Servers   []string `json:"servers"`
	Protocols []string `json:"protocols"`
}

func viewOf(sess *regen.Session) sessionView {
	servers, protocols := sess.Selection()
	v := sessionView{ID: sess.ID, State: string(sess.State())}
	for name := range servers {
		v.Servers = append(v.Servers, name)
	}
	for p := range protocols {
		v.Protocols = append(v.Protocols, string(p))
	}
	sort.Strings(v.Servers)
	sort.Strings(v.Protocols)
	return v
}

func (s *Server) sessionOr404(w http.ResponseWriter, r *http.Request) (*regen.Session, bool) {
	sess, ok := s.cfg.Sessions.Get(r.PathValue("id"))
	if !ok {
		writeNotFound(w, "no such session")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleCreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.cfg.Sessions.Create()
		WriteJSON(w, http.StatusCreated, viewOf(sess))
	}
}

func (s *Server) handleGetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessionOr404(w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(sess))
	}
}

func (s *Server) handleToggleServer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessionOr404(w, r)
		if !ok {
			return
		}
		var body struct {
			Server string `json:"server"`
		}
		if err := DecodeBody(r, &body); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if !s.serverExists(body.Server) {
			writeInvalidArgument(w, "unknown server "+body.Server)
			return
		}
		if err := sess.ToggleServer(body.Server); err != nil {
			WriteError(w, http.StatusConflict, "CONFLICT", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(sess))
	}
}

func (s *Server) serverExists(name string) bool {
	for _, d := range s.cfg.Servers() {
		if d.Name == name {
			return true
		}
	}
	return false
}

func (s *Server) handleSelectProtocols() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessionOr404(w, r)
		if !ok {
			return
		}
		if err := sess.SelectProtocols(); err != nil {
			WriteError(w, http.StatusConflict, "CONFLICT", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(sess))
	}
}

func (s *Server) handleToggleProtocol() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessionOr404(w, r)
		if !ok {
			return
		}
		var body struct {
			Protocol string `json:"protocol"`
		}
		if err := DecodeBody(r, &body); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if err := sess.ToggleProtocol(directory.Protocol(body.Protocol)); err != nil {
			WriteError(w, http.StatusConflict, "CONFLICT", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(sess))
	}
}

// handleConfirmSession advances to the confirmation state and returns
// the per-server eligible-user counts so the operator sees what the
// batch will touch before executing.
func (s *Server) handleConfirmSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessionOr404(w, r)
		if !ok {
			return
		}
		if err := sess.Confirm(); err != nil {
			WriteError(w, http.StatusConflict, "CONFLICT", err.Error())
			return
		}
		previews, total, err := s.cfg.Regen.PreviewBatches(r.Context(), sess)
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, "PREVIEW_FAILED", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"session": viewOf(sess),
			"servers": previews,
			"total":   total,
		})
	}
}

// handleExecuteSession starts the confirmed batch in the background and
// returns immediately; progress lands in the operator chat and the runs
// endpoint has the final record.
func (s *Server) handleExecuteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessionOr404(w, r)
		if !ok {
			return
		}
		// Claiming the session here makes double-execute a clean 409:
		// only the caller that wins the transition reaches the goroutine.
		if err := sess.BeginExecution(); err != nil {
			WriteError(w, http.StatusConflict, "CONFLICT", "session is not confirmed")
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.executions.Store(sess.ID, cancel)

		go func() {
			defer cancel()
			defer s.executions.Delete(sess.ID)
			defer s.cfg.Sessions.Remove(sess.ID)

			if _, err := s.cfg.Regen.Execute(ctx, sess, s.cfg.ProgressChat); err != nil {
				log.Printf("[api] batch %s: %v", sess.ID, err)
			}
		}()

		WriteJSON(w, http.StatusAccepted, map[string]string{"run_id": sess.ID})
	}
}

// handleCancelSession cancels a running batch at the next per-user
// boundary, or discards a not-yet-executed session.
func (s *Server) handleCancelSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if cancel, ok := s.executions.Load(id); ok {
			cancel()
			WriteJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
			return
		}
		if _, ok := s.cfg.Sessions.Get(id); !ok {
			writeNotFound(w, "no such session")
			return
		}
		s.cfg.Sessions.Remove(id)
		WriteJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
	}
}

func (s *Server) handleListRuns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, err := ParsePagination(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		kind := runlog.RunKind(r.URL.Query().Get("kind"))
		if kind != "" && kind != runlog.KindSweep && kind != runlog.KindRegen {
			writeInvalidArgument(w, "kind: must be sweep or regen")
			return
		}

		runs, err := s.cfg.Runs.List(runlog.ListFilter{Kind: kind, Limit: pg.Limit, Offset: pg.Offset})
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		if runs == nil {
			runs = []runlog.Run{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func (s *Server) handleGetRun() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.cfg.Runs.GetByID(r.PathValue("id"))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		if run == nil {
			writeNotFound(w, "no such run")
			return
		}
		WriteJSON(w, http.StatusOK, run)
	}
}
