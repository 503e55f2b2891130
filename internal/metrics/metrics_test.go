package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegistered(t *testing.T) {
	DecisionsTotal.WithLabelValues("vetoed").Inc()
	ErrorsTotal.WithLabelValues("critical", "vault").Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	want := map[string]bool{"tradeloop_decisions_total": false, "tradeloop_errors_total": false}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s metric not found", name)
		}
	}
}

func TestSetBool(t *testing.T) {
	SetBool(VaultLocked, true)
	if got := testutil.ToFloat64(VaultLocked); got != 1 {
		t.Errorf("locked gauge: got %v, want 1", got)
	}
	SetBool(VaultLocked, false)
	if got := testutil.ToFloat64(VaultLocked); got != 0 {
		t.Errorf("locked gauge: got %v, want 0", got)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	CyclesTotal.WithLabelValues("completed").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tradeloop_cycles_total") {
		t.Error("exposition does not contain tradeloop_cycles_total")
	}
}
