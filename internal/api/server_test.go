package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/tradeloop/internal/models"
	"github.com/rewired-gh/tradeloop/internal/soul"
	"github.com/rewired-gh/tradeloop/internal/storage"
	"github.com/rewired-gh/tradeloop/internal/stream"
	"github.com/rewired-gh/tradeloop/internal/synapse"
)

type fakeOrchestrator struct {
	mu        sync.Mutex
	triggered int
	cancelled int
	kill      *bool
	auto      *bool
	refuse    string
}

func (f *fakeOrchestrator) TriggerCycle(_ context.Context, trigger models.Trigger) soul.Ack {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse != "" {
		return soul.Ack{Accepted: false, Phase: models.PhaseIdle, Reason: f.refuse}
	}
	f.triggered++
	return soul.Ack{Accepted: true, CycleID: "cyc-1", Phase: models.PhaseRunning}
}

func (f *fakeOrchestrator) CancelCycle(context.Context) soul.Ack {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return soul.Ack{Accepted: true, CycleID: "cyc-1", Phase: models.PhaseIdle, Released: "12.5"}
}

func (f *fakeOrchestrator) SetKillSwitch(_ context.Context, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kill = &active
	return nil
}

func (f *fakeOrchestrator) SetAutoMode(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auto = &enabled
}

func (f *fakeOrchestrator) Health(context.Context) soul.Health {
	return soul.Health{Phase: models.PhaseIdle, QueueDepth: map[string]int{}, InFlight: map[string]int{}}
}

type fakeVault struct {
	mu         sync.Mutex
	unlocked   bool
	reconciled *bool
}

func (f *fakeVault) State(context.Context) (*models.VaultState, error) {
	return &models.VaultState{
		Principal:      decimal.RequireFromString("300"),
		ReservedFunds:  decimal.RequireFromString("20"),
		RealizedProfit: decimal.Zero,
		HardFloor:      decimal.RequireFromString("255"),
	}, nil
}

func (f *fakeVault) Unlock(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocked = true
	return nil
}

func (f *fakeVault) ReconcileStale(_ context.Context, release bool) (int, decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = &release
	return 2, decimal.RequireFromString("30"), nil
}

type fakeErrors struct {
	mu       sync.Mutex
	recs     []models.ErrorRecord
	resolved []string
}

func (f *fakeErrors) List(_ context.Context, unresolvedOnly bool, limit int) ([]models.ErrorRecord, error) {
	var out []models.ErrorRecord
	for _, r := range f.recs {
		if unresolvedOnly && r.Resolved {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeErrors) Resolve(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.recs {
		if r.ID == id {
			f.resolved = append(f.resolved, id)
			return nil
		}
	}
	return fmt.Errorf("error record %s: %w", id, storage.ErrNotFound)
}

func (f *fakeOrchestrator) snapshot() (triggered int, kill, auto *bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggered, f.kill, f.auto
}

func (f *fakeVault) snapshot() (bool, *bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unlocked, f.reconciled
}

func (f *fakeErrors) resolvedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

type fakeQueue struct{}

func (fakeQueue) Size(_ context.Context, ch synapse.Channel) (int, error) {
	if ch == synapse.ChannelOpportunity {
		return 3, nil
	}
	return 1, nil
}

func (fakeQueue) InFlight(context.Context, synapse.Channel) (int, error) { return 0, nil }
func (fakeQueue) PeekErrors(context.Context) (int, error)                { return 4, nil }

type fixture struct {
	srv   *httptest.Server
	orch  *fakeOrchestrator
	vault *fakeVault
	errs  *fakeErrors
	hub   *stream.Hub
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	f := &fixture{
		orch:  &fakeOrchestrator{},
		vault: &fakeVault{},
		errs: &fakeErrors{recs: []models.ErrorRecord{
			{ID: "e1", Severity: models.SeverityCritical, Domain: "vault", Message: "below floor"},
			{ID: "e2", Severity: models.SeverityWarning, Domain: "hand", Message: "rejected", Resolved: true},
		}},
		hub: stream.NewHub(16, 16),
	}
	s := NewServer("127.0.0.1:0", token, Deps{
		Orchestrator: f.orch,
		Vault:        f.vault,
		Errors:       f.errs,
		Queue:        fakeQueue{},
		Stream:       f.hub,
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body, token string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestReadEndpoints(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, code)
	health := body["health"].(map[string]any)
	assert.Equal(t, string(models.PhaseIdle), health["phase"])

	code, body = f.do(t, http.MethodGet, "/api/vault", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "280", body["available"])
	assert.Equal(t, true, body["above_floor"])

	code, body = f.do(t, http.MethodGet, "/api/queue", "", "")
	assert.Equal(t, http.StatusOK, code)
	opp := body["opportunity"].(map[string]any)
	assert.EqualValues(t, 3, opp["pending"])
	assert.EqualValues(t, 4, body["failed"])

	code, body = f.do(t, http.MethodGet, "/api/errors?unresolved=true", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["errors"], 1)

	code, body = f.do(t, http.MethodGet, "/api/errors?limit=5", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["errors"], 2)
}

func TestControlEndpoints(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodPost, "/api/cycle", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "cyc-1", body["cycle_id"])

	code, body = f.do(t, http.MethodPost, "/api/cycle/cancel", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "12.5", body["released"])

	code, _ = f.do(t, http.MethodPost, "/api/kill-switch", `{"active": true}`, "")
	assert.Equal(t, http.StatusOK, code)
	_, kill, _ := f.orch.snapshot()
	require.NotNil(t, kill)
	assert.True(t, *kill)

	code, body = f.do(t, http.MethodPost, "/api/kill-switch", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["ok"])

	code, _ = f.do(t, http.MethodPost, "/api/auto", `{"enabled": false}`, "")
	assert.Equal(t, http.StatusOK, code)
	_, _, auto := f.orch.snapshot()
	require.NotNil(t, auto)
	assert.False(t, *auto)

	code, _ = f.do(t, http.MethodPost, "/api/vault/unlock", "", "")
	assert.Equal(t, http.StatusOK, code)
	unlocked, _ := f.vault.snapshot()
	assert.True(t, unlocked)

	code, body = f.do(t, http.MethodPost, "/api/vault/reconcile", `{"release": true}`, "")
	assert.Equal(t, http.StatusOK, code)
	detail := body["detail"].(map[string]any)
	assert.EqualValues(t, 2, detail["reservations"])
	assert.Equal(t, "30", detail["total"])
	_, released := f.vault.snapshot()
	require.NotNil(t, released)
	assert.True(t, *released)

	code, _ = f.do(t, http.MethodPost, "/api/errors/e1/resolve", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"e1"}, f.errs.resolvedIDs())

	code, _ = f.do(t, http.MethodPost, "/api/errors/missing/resolve", "", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRefusedTriggerIsConflict(t *testing.T) {
	f := newFixture(t, "")
	f.orch.mu.Lock()
	f.orch.refuse = "vault locked"
	f.orch.mu.Unlock()

	code, body := f.do(t, http.MethodPost, "/api/cycle", "", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["accepted"])
	assert.Equal(t, "vault locked", body["reason"])
}

func TestMutationsRequireToken(t *testing.T) {
	f := newFixture(t, "s3cret")

	code, _ := f.do(t, http.MethodPost, "/api/cycle", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(t, http.MethodPost, "/api/cycle", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	triggered, _, _ := f.orch.snapshot()
	assert.Zero(t, triggered)

	code, _ = f.do(t, http.MethodPost, "/api/cycle", "", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	triggered, _, _ = f.orch.snapshot()
	assert.Equal(t, 1, triggered)

	// Reads stay open.
	code, _ = f.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketReplayThenLive(t *testing.T) {
	f := newFixture(t, "")
	f.hub.Publish(models.EventLog, "one")
	f.hub.Publish(models.EventLog, "two")
	f.hub.Publish(models.EventLog, "three")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?since=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() models.Event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ev models.Event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	assert.Equal(t, uint64(2), read().Seq)
	assert.Equal(t, uint64(3), read().Seq)

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	f.hub.Publish(models.EventCycle, map[string]string{"outcome": "completed"})
	ev := read()
	assert.Equal(t, uint64(4), ev.Seq)
	assert.Equal(t, models.EventCycle, ev.Kind)
}

func TestWebsocketRejectsBadSince(t *testing.T) {
	f := newFixture(t, "")
	resp, err := http.Get(f.srv.URL + "/ws?since=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
