// Package api is the HTTP control surface: health and state reads, cycle and
// kill-switch control, the websocket event stream and Prometheus metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradeloop/internal/logger"
	"github.com/rewired-gh/tradeloop/internal/metrics"
	"github.com/rewired-gh/tradeloop/internal/models"
	"github.com/rewired-gh/tradeloop/internal/soul"
	"github.com/rewired-gh/tradeloop/internal/storage"
	"github.com/rewired-gh/tradeloop/internal/stream"
	"github.com/rewired-gh/tradeloop/internal/synapse"
)

// Orchestrator is the cycle control the API exposes.
type Orchestrator interface {
	TriggerCycle(ctx context.Context, trigger models.Trigger) soul.Ack
	CancelCycle(ctx context.Context) soul.Ack
	SetKillSwitch(ctx context.Context, active bool) error
	SetAutoMode(enabled bool)
	Health(ctx context.Context) soul.Health
}

// Vault is the capital guard the API exposes.
type Vault interface {
	State(ctx context.Context) (*models.VaultState, error)
	Unlock(ctx context.Context) error
	ReconcileStale(ctx context.Context, release bool) (int, decimal.Decimal, error)
}

// Errors is the error dispatcher the API exposes.
type Errors interface {
	List(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ErrorRecord, error)
	Resolve(ctx context.Context, id string) error
}

// Queue is the work queue the API exposes.
type Queue interface {
	Size(ctx context.Context, ch synapse.Channel) (int, error)
	InFlight(ctx context.Context, ch synapse.Channel) (int, error)
	PeekErrors(ctx context.Context) (int, error)
}

// Stream is the event hub.
type Stream interface {
	Subscribe(since uint64) (*stream.Subscription, []models.Event)
}

// Deps bundles the components behind the API.
type Deps struct {
	Orchestrator Orchestrator
	Vault        Vault
	Errors       Errors
	Queue        Queue
	Stream       Stream
}

// Server is the HTTP API.
type Server struct {
	httpServer *http.Server
	deps       Deps
	token      string
	upgrader   websocket.Upgrader
	startedAt  time.Time
}

// NewServer creates a server bound to addr. A non-empty token is required as a
// bearer token on every mutating endpoint.
func NewServer(addr, token string, deps Deps) *Server {
	s := &Server{
		deps:      deps,
		token:     token,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/vault", s.handleVault)
	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("GET /api/errors", s.handleErrors)
	mux.HandleFunc("POST /api/errors/{id}/resolve", s.auth(s.handleResolve))
	mux.HandleFunc("POST /api/cycle", s.auth(s.handleTrigger))
	mux.HandleFunc("POST /api/cycle/cancel", s.auth(s.handleCancel))
	mux.HandleFunc("POST /api/kill-switch", s.auth(s.handleKillSwitch))
	mux.HandleFunc("POST /api/vault/unlock", s.auth(s.handleUnlock))
	mux.HandleFunc("POST /api/vault/reconcile", s.auth(s.handleReconcile))
	mux.HandleFunc("POST /api/auto", s.auth(s.handleAuto))
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start begins serving in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	logger.Info("API server listening on %s", ln.Addr())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// result is the acknowledgement of every mutating endpoint.
type result struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, result{OK: false, Error: err.Error()})
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
		}
		next(w, r)
	}
}

// GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Orchestrator.Health(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"health":   h,
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

// GET /api/vault
func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Vault.State(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":           st,
		"current_balance": st.CurrentBalance(),
		"available":       st.Available(),
		"above_floor":     st.AboveFloor(),
	})
}

// GET /api/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{}
	for _, ch := range []synapse.Channel{synapse.ChannelOpportunity, synapse.ChannelExecution} {
		size, err := s.deps.Queue.Size(ctx, ch)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		inFlight, err := s.deps.Queue.InFlight(ctx, ch)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out[string(ch)] = map[string]int{"pending": size, "in_flight": inFlight}
	}
	failed, err := s.deps.Queue.PeekErrors(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out["failed"] = failed
	writeJSON(w, http.StatusOK, out)
}

// GET /api/errors?unresolved=true&limit=50
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unresolved := q.Get("unresolved") == "true" || q.Get("unresolved") == "1"
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.deps.Errors.List(r.Context(), unresolved, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []models.ErrorRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": recs})
}

// POST /api/errors/{id}/resolve
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.deps.Errors.Resolve(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, result{OK: true, Detail: map[string]string{"id": id}})
	}
}

// POST /api/cycle
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ack := s.deps.Orchestrator.TriggerCycle(r.Context(), models.TriggerManual)
	status := http.StatusOK
	if !ack.Accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, ack)
}

// POST /api/cycle/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ack := s.deps.Orchestrator.CancelCycle(r.Context())
	status := http.StatusOK
	if !ack.Accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, ack)
}

type toggleRequest struct {
	Active  *bool `json:"active,omitempty"`
	Enabled *bool `json:"enabled,omitempty"`
	Release *bool `json:"release,omitempty"`
}

func decodeToggle(r *http.Request) (toggleRequest, error) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid JSON body")
	}
	return req, nil
}

// POST /api/kill-switch {"active": bool}
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeToggle(r)
	if err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"active": bool}`))
		return
	}
	if err := s.deps.Orchestrator.SetKillSwitch(r.Context(), *req.Active); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, result{OK: true, Detail: map[string]bool{"active": *req.Active}})
}

// POST /api/vault/unlock
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Vault.Unlock(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, result{OK: true})
}

// POST /api/vault/reconcile {"release": bool}
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	req, err := decodeToggle(r)
	if err != nil || req.Release == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"release": bool}`))
		return
	}
	n, total, err := s.deps.Vault.ReconcileStale(r.Context(), *req.Release)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result{OK: true, Detail: map[string]any{
		"reservations": n,
		"total":        total,
		"released":     *req.Release,
	}})
}

// POST /api/auto {"enabled": bool}
func (s *Server) handleAuto(w http.ResponseWriter, r *http.Request) {
	req, err := decodeToggle(r)
	if err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"enabled": bool}`))
		return
	}
	s.deps.Orchestrator.SetAutoMode(*req.Enabled)
	writeJSON(w, http.StatusOK, result{OK: true, Detail: map[string]bool{"enabled": *req.Enabled}})
}
