package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/crewclaw/internal/operator"
	"github.com/nextlevelbuilder/crewclaw/internal/scheduler"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// Server is the HTTP control plane over one workspace.
type Server struct {
	store  *workspace.Store
	ctrl   *scheduler.Controller
	hub    *EventHub
	broker *operator.Broker

	httpSrv  *http.Server
	shutdown chan struct{}
	ready    chan struct{}
	addr     string
}

// New builds a server; Start binds it.
func New(store *workspace.Store, ctrl *scheduler.Controller) *Server {
	return &Server{
		store:    store,
		ctrl:     ctrl,
		hub:      NewEventHub(),
		shutdown: make(chan struct{}),
		ready:    make(chan struct{}),
	}
}

// WaitAddr blocks until the listener is bound and returns its address.
func (s *Server) WaitAddr(ctx context.Context) (string, error) {
	select {
	case <-s.ready:
		return s.addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Hub exposes the event broadcast hub so the runner and scheduler can feed it.
func (s *Server) Hub() *EventHub { return s.hub }

// AttachBroker routes operator inbounds through a broker. Must be called
// before Start; without one the operator endpoint rejects every inbound.
func (s *Server) AttachBroker(b *operator.Broker) { s.broker = b }

// ShutdownRequested resolves once a shutdown endpoint call arrives.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdown }

// Start binds the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/control-plane/runs/start", s.auth(s.handleRunStart))
	mux.HandleFunc("POST /api/control-plane/reload", s.auth(s.handleReload))
	mux.HandleFunc("GET /api/runs", s.auth(s.handleRuns))
	mux.HandleFunc("POST /api/runs/interrupt", s.auth(s.handleRunsInterrupt))
	mux.HandleFunc("GET /api/runs/trace", s.auth(s.handleRunTrace))
	mux.HandleFunc("GET /api/heartbeats", s.auth(s.handleHeartbeats))
	mux.HandleFunc("POST /api/heartbeats/create", s.auth(s.handleHeartbeatCreate))
	mux.HandleFunc("POST /api/heartbeats/update", s.auth(s.handleHeartbeatUpdate))
	mux.HandleFunc("POST /api/heartbeats/delete", s.auth(s.handleHeartbeatDelete))
	mux.HandleFunc("GET /api/cron", s.auth(s.handleCron))
	mux.HandleFunc("POST /api/cron/create", s.auth(s.handleCronCreate))
	mux.HandleFunc("POST /api/cron/update", s.auth(s.handleCronUpdate))
	mux.HandleFunc("POST /api/cron/delete", s.auth(s.handleCronDelete))
	mux.HandleFunc("POST /api/operator/inbound", s.auth(s.handleOperatorInbound))
	mux.HandleFunc("POST /api/server/shutdown", s.auth(s.handleShutdown))
	mux.HandleFunc("GET /ws/events", s.auth(s.handleEventsWS))

	cfg := s.store.Config
	addr := net.JoinHostPort(cfg.ControlPlane.Host, strconv.Itoa(cfg.ControlPlane.Port))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return workspace.Wrap(workspace.KindServerUnreachable, err, "bind %s", addr)
	}
	s.addr = ln.Addr().String()
	close(s.ready)
	slog.Info("httpapi.listening", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		return s.httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// auth enforces the configured bearer token. An empty token disables auth.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.store.Config.ControlPlane.Token
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RunStartRequest is the body of POST /api/control-plane/runs/start.
type RunStartRequest struct {
	Prompt    string `json:"prompt"`
	MaxSteps  int    `json:"max_steps"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var req RunStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.MaxSteps <= 0 {
		req.MaxSteps = s.store.Config.SchedulerSnapshot().MaxSteps
	}
	run, err := s.ctrl.Enqueue(scheduler.EnqueueRequest{
		Prompt:   req.Prompt,
		MaxSteps: req.MaxSteps,
		Source:   "http",
	})
	if err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Config.Reload(s.store.Layout.ConfigFile()); err != nil {
		writeKindedError(w, err)
		return
	}
	slog.Info("httpapi.config_reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	runs := s.ctrl.List(scheduler.ListFilter{Status: q.Get("status"), Limit: limit})
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunsInterrupt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RootIssueID string `json:"root_issue_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	run, err := s.ctrl.Interrupt(req.RootIssueID)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"heartbeats": s.ctrl.ListHeartbeats()})
}

func (s *Server) handleHeartbeatCreate(w http.ResponseWriter, r *http.Request) {
	var p scheduler.HeartbeatProgram
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	created, err := s.ctrl.CreateHeartbeat(p)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleRunTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := s.ctrl.TraceFor(r.URL.Query().Get("job"))
	if err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// HeartbeatPatch carries the mutable fields of a heartbeat program. Nil
// pointers leave the field unchanged; a non-nil Metadata replaces the map.
type HeartbeatPatch struct {
	ProgramID string            `json:"program_id"`
	Title     *string           `json:"title,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
	EveryMS   *int64            `json:"every_ms,omitempty"`
	WakeMode  *string           `json:"wake_mode,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleHeartbeatUpdate(w http.ResponseWriter, r *http.Request) {
	var patch HeartbeatPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	updated, err := s.ctrl.UpdateHeartbeat(patch.ProgramID, func(p *scheduler.HeartbeatProgram) {
		if patch.Title != nil {
			p.Title = *patch.Title
		}
		if patch.Enabled != nil {
			p.Enabled = *patch.Enabled
		}
		if patch.EveryMS != nil {
			p.EveryMS = *patch.EveryMS
		}
		if patch.WakeMode != nil {
			p.WakeMode = *patch.WakeMode
		}
		if patch.Metadata != nil {
			p.Metadata = patch.Metadata
		}
	})
	if err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleHeartbeatDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProgramID string `json:"program_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.ctrl.DeleteHeartbeat(req.ProgramID); err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCronCreate(w http.ResponseWriter, r *http.Request) {
	var p scheduler.CronProgram
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	created, err := s.ctrl.CreateCron(p)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

// CronPatch carries the mutable fields of a cron program. A non-nil Schedule
// replaces the whole schedule and re-arms the next occurrence.
type CronPatch struct {
	ProgramID string              `json:"program_id"`
	Title     *string             `json:"title,omitempty"`
	Enabled   *bool               `json:"enabled,omitempty"`
	Schedule  *scheduler.Schedule `json:"schedule,omitempty"`
	Prompt    *string             `json:"prompt,omitempty"`
	MaxSteps  *int                `json:"max_steps,omitempty"`
}

func (s *Server) handleCronUpdate(w http.ResponseWriter, r *http.Request) {
	var patch CronPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	updated, err := s.ctrl.UpdateCron(patch.ProgramID, func(p *scheduler.CronProgram) {
		if patch.Title != nil {
			p.Title = *patch.Title
		}
		if patch.Enabled != nil {
			p.Enabled = *patch.Enabled
		}
		if patch.Schedule != nil {
			p.Schedule = *patch.Schedule
		}
		if patch.Prompt != nil {
			p.Prompt = *patch.Prompt
		}
		if patch.MaxSteps != nil {
			p.MaxSteps = *patch.MaxSteps
		}
	})
	if err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCronDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProgramID string `json:"program_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.ctrl.DeleteCron(req.ProgramID); err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   s.ctrl.CronSnapshot(),
		"programs": s.ctrl.ListCron(),
	})
}

// OperatorInboundRequest pairs an inbound envelope with the identity it
// arrived under. Ingress adapters deliver these; signature verification is
// theirs.
type OperatorInboundRequest struct {
	Inbound  operator.Inbound     `json:"inbound"`
	Identity operator.IdentityRef `json:"identity"`
}

func (s *Server) handleOperatorInbound(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "no operator backend configured")
		return
	}
	var req OperatorInboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	decision, err := s.broker.HandleInbound(r.Context(), req.Inbound, req.Identity)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeKindedError maps a workspace error kind to an HTTP status.
func writeKindedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch workspace.KindOf(err) {
	case workspace.KindInvalidInput, workspace.KindCLIValidationFailed:
		status = http.StatusBadRequest
	case workspace.KindNotFound:
		status = http.StatusNotFound
	case workspace.KindAmbiguous:
		status = http.StatusConflict
	case workspace.KindContextUnauthorized:
		status = http.StatusForbidden
	case workspace.KindRequestTimeout, workspace.KindBackendTimeout:
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, err.Error())
}
