package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradeloop/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testOpportunity(id string, priority int, enqueued time.Time, ttl time.Duration) *models.Opportunity {
	return &models.Opportunity{
		ID:            id,
		CycleID:       "cycle-1",
		Symbol:        "MKT-" + id,
		ObservedPrice: 0.4,
		Metadata:      map[string]string{"venue": "test"},
		Source:        "test",
		Priority:      priority,
		EnqueuedAt:    enqueued,
		ExpiresAt:     enqueued.Add(ttl),
	}
}

func TestStorage_ClaimOrder(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Now()

	inputs := []struct {
		id       string
		priority int
		offset   time.Duration
	}{
		{"low-old", 1, 0},
		{"high-new", 5, 2 * time.Second},
		{"high-old", 5, time.Second},
		{"mid", 3, 0},
	}
	for _, in := range inputs {
		if _, err := s.InsertOpportunity(ctx, testOpportunity(in.id, in.priority, base.Add(in.offset), time.Hour)); err != nil {
			t.Fatalf("InsertOpportunity(%s): %v", in.id, err)
		}
	}

	want := []string{"high-old", "high-new", "mid", "low-old"}
	for _, id := range want {
		got, _, err := s.ClaimOpportunity(ctx, base.Add(3*time.Second))
		if err != nil {
			t.Fatalf("ClaimOpportunity: %v", err)
		}
		if got.ID != id {
			t.Errorf("got %s, want %s", got.ID, id)
		}
	}
	if _, _, err := s.ClaimOpportunity(ctx, base); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty queue, got %v", err)
	}
}

func TestStorage_ClaimSkipsExpired(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Now()

	if _, err := s.InsertOpportunity(ctx, testOpportunity("stale", 9, base, time.Second)); err != nil {
		t.Fatalf("InsertOpportunity: %v", err)
	}
	if _, err := s.InsertOpportunity(ctx, testOpportunity("fresh", 1, base, time.Hour)); err != nil {
		t.Fatalf("InsertOpportunity: %v", err)
	}

	got, res, err := s.ClaimOpportunity(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimOpportunity: %v", err)
	}
	if got.ID != "fresh" {
		t.Errorf("got %s, want fresh", got.ID)
	}
	if res.Expired != 1 {
		t.Errorf("expired count: got %d, want 1", res.Expired)
	}
	n, err := s.CountOpportunities(ctx, StatusExpired)
	if err != nil {
		t.Fatalf("CountOpportunities: %v", err)
	}
	if n != 1 {
		t.Errorf("expired rows: got %d, want 1", n)
	}
}

func TestStorage_ExpiredOnlyQueueCommitsExpiry(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Now()

	if _, err := s.InsertOpportunity(ctx, testOpportunity("stale", 1, base, time.Second)); err != nil {
		t.Fatalf("InsertOpportunity: %v", err)
	}
	_, res, err := s.ClaimOpportunity(ctx, base.Add(time.Minute))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if res.Expired != 1 {
		t.Errorf("expired count: got %d, want 1", res.Expired)
	}
	pending, _ := s.CountOpportunities(ctx, StatusPending)
	if pending != 0 {
		t.Errorf("pending: got %d, want 0", pending)
	}
}

func TestStorage_PendingIDUnique(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.InsertOpportunity(ctx, testOpportunity("dup", 1, now, time.Hour)); err != nil {
		t.Fatalf("InsertOpportunity: %v", err)
	}
	if _, err := s.InsertOpportunity(ctx, testOpportunity("dup", 1, now, time.Hour)); err == nil {
		t.Fatal("expected duplicate pending id to be rejected")
	}

	claimed, _, err := s.ClaimOpportunity(ctx, now)
	if err != nil {
		t.Fatalf("ClaimOpportunity: %v", err)
	}
	if err := s.FinishOpportunity(ctx, claimed.Seq, StatusDone); err != nil {
		t.Fatalf("FinishOpportunity: %v", err)
	}
	// Once consumed, the same id may be observed again.
	if _, err := s.InsertOpportunity(ctx, testOpportunity("dup", 1, now, time.Hour)); err != nil {
		t.Fatalf("re-insert after consumption: %v", err)
	}
}

func TestStorage_CancelPendingByCycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		o := testOpportunity(fmt.Sprintf("a-%d", i), 1, now, time.Hour)
		o.CycleID = "cycle-a"
		if _, err := s.InsertOpportunity(ctx, o); err != nil {
			t.Fatalf("InsertOpportunity: %v", err)
		}
	}
	other := testOpportunity("b-0", 1, now, time.Hour)
	other.CycleID = "cycle-b"
	if _, err := s.InsertOpportunity(ctx, other); err != nil {
		t.Fatalf("InsertOpportunity: %v", err)
	}

	n, err := s.CancelPendingOpportunities(ctx, "cycle-a")
	if err != nil {
		t.Fatalf("CancelPendingOpportunities: %v", err)
	}
	if n != 3 {
		t.Errorf("cancelled: got %d, want 3", n)
	}
	pending, _ := s.CountOpportunities(ctx, StatusPending)
	if pending != 1 {
		t.Errorf("pending: got %d, want 1", pending)
	}
}

func testSignal(id string, priority int, created time.Time) *models.ExecutionSignal {
	return &models.ExecutionSignal{
		ID:            id,
		OpportunityID: "opp-" + id,
		CycleID:       "cycle-1",
		Symbol:        "MKT",
		Action:        models.ActionBuy,
		Side:          models.SideYes,
		Price:         0.8,
		Confidence:    0.9,
		ExpectedValue: 0.1,
		Variance:      0.05,
		WinRate:       0.92,
		Size:          decimal.RequireFromString("12.50"),
		Priority:      priority,
		CreatedAt:     created,
	}
}

func TestStorage_SignalLifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.InsertSignal(ctx, testSignal("s1", 1, now)); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}
	if _, err := s.InsertSignal(ctx, testSignal("s2", 2, now.Add(time.Second))); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	got, err := s.ClaimSignal(ctx, now)
	if err != nil {
		t.Fatalf("ClaimSignal: %v", err)
	}
	if got.ID != "s2" {
		t.Errorf("got %s, want s2 (higher priority)", got.ID)
	}
	if got.Status != models.SignalExecuting {
		t.Errorf("status: got %s, want executing", got.Status)
	}
	if !got.Size.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("size: got %s, want 12.5", got.Size)
	}

	if err := s.TransitionSignal(ctx, "s2", models.SignalExecuting, models.SignalCompleted, "", "venue-1"); err != nil {
		t.Fatalf("TransitionSignal: %v", err)
	}
	if err := s.TransitionSignal(ctx, "s2", models.SignalExecuting, models.SignalFailed, "late", ""); err == nil {
		t.Error("expected transition from a terminal status to fail")
	}

	loaded, err := s.GetSignal(ctx, "s2")
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if loaded.Status != models.SignalCompleted || loaded.VenueOrderID != "venue-1" {
		t.Errorf("unexpected signal after completion: %+v", loaded)
	}
}

func TestStorage_RecoverClaimed(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.InsertOpportunity(ctx, testOpportunity("o1", 1, now, time.Hour)); err != nil {
		t.Fatalf("InsertOpportunity: %v", err)
	}
	if _, _, err := s.ClaimOpportunity(ctx, now); err != nil {
		t.Fatalf("ClaimOpportunity: %v", err)
	}
	if _, err := s.InsertSignal(ctx, testSignal("s1", 1, now)); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}
	if _, err := s.ClaimSignal(ctx, now); err != nil {
		t.Fatalf("ClaimSignal: %v", err)
	}

	abandoned, err := s.AbandonClaimedOpportunities(ctx)
	if err != nil || abandoned != 1 {
		t.Fatalf("AbandonClaimedOpportunities: n=%d err=%v", abandoned, err)
	}
	failed, err := s.FailExecutingSignals(ctx, "interrupted")
	if err != nil || failed != 1 {
		t.Fatalf("FailExecutingSignals: n=%d err=%v", failed, err)
	}
	total, err := s.CountFailedItems(ctx)
	if err != nil {
		t.Fatalf("CountFailedItems: %v", err)
	}
	if total != 2 {
		t.Errorf("failed items: got %d, want 2", total)
	}
}

func TestStorage_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()
	now := time.Now()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.InsertOpportunity(ctx, testOpportunity("persisted", 1, now, time.Hour)); err != nil {
		t.Fatalf("InsertOpportunity: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, _, err := reopened.ClaimOpportunity(ctx, now)
	if err != nil {
		t.Fatalf("ClaimOpportunity after reopen: %v", err)
	}
	if got.ID != "persisted" || got.Metadata["venue"] != "test" {
		t.Errorf("unexpected opportunity after reopen: %+v", got)
	}
}

func TestStorage_VaultTx(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	err := s.UpdateVault(ctx, func(vt *VaultTx) error {
		if _, err := vt.State(); !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("expected ErrNotFound before init, got %v", err)
		}
		st := &models.VaultState{
			Principal:      decimal.NewFromInt(300),
			ReservedFunds:  decimal.NewFromInt(20),
			RealizedProfit: decimal.Zero,
			HardFloor:      decimal.NewFromInt(255),
			PeriodStart:    now,
			UpdatedAt:      now,
		}
		if err := vt.SaveState(st); err != nil {
			return err
		}
		return vt.InsertReservation(&models.Reservation{
			ID: "r1", SignalID: "s1", CycleID: "c1",
			Amount: decimal.NewFromInt(20), Status: models.ReservationHeld, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("UpdateVault: %v", err)
	}

	st, err := s.LoadVaultState(ctx)
	if err != nil {
		t.Fatalf("LoadVaultState: %v", err)
	}
	if !st.ReservedFunds.Equal(decimal.NewFromInt(20)) {
		t.Errorf("reserved: got %s, want 20", st.ReservedFunds)
	}

	err = s.UpdateVault(ctx, func(vt *VaultTx) error {
		sum, err := vt.SumHeld()
		if err != nil {
			return err
		}
		if !sum.Equal(decimal.NewFromInt(20)) {
			return fmt.Errorf("sum held: got %s", sum)
		}
		if err := vt.SettleReservation("r1", models.ReservationReleased, now); err != nil {
			return err
		}
		if err := vt.SettleReservation("r1", models.ReservationConfirmed, now); !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("expected double settle to fail, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateVault: %v", err)
	}
}

func TestStorage_ErrorRecords(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	records := []models.ErrorRecord{
		{ID: "e1", Severity: models.SeverityWarning, Domain: "brain", Message: "w", Timestamp: now},
		{ID: "e2", Severity: models.SeverityCritical, Domain: "vault", Message: "c", Timestamp: now.Add(time.Second)},
		{ID: "e3", Severity: models.SeverityError, Domain: "hand", Message: "e", Timestamp: now.Add(2 * time.Second)},
	}
	for i := range records {
		if err := s.InsertError(ctx, &records[i]); err != nil {
			t.Fatalf("InsertError: %v", err)
		}
	}

	n, _ := s.CountUnresolvedErrors(ctx, models.SeverityCritical)
	if n != 1 {
		t.Errorf("critical unresolved: got %d, want 1", n)
	}
	n, _ = s.CountUnresolvedErrors(ctx, models.SeverityWarning)
	if n != 3 {
		t.Errorf("all unresolved: got %d, want 3", n)
	}

	if err := s.ResolveError(ctx, "e2", now); err != nil {
		t.Fatalf("ResolveError: %v", err)
	}
	if err := s.ResolveError(ctx, "e2", now); err != nil {
		t.Errorf("second ResolveError should be a no-op, got %v", err)
	}
	if err := s.ResolveError(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	n, _ = s.CountUnresolvedErrors(ctx, models.SeverityCritical)
	if n != 0 {
		t.Errorf("critical unresolved after resolve: got %d, want 0", n)
	}

	list, err := s.ListErrors(ctx, true, 10)
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if len(list) != 2 || list[0].ID != "e3" {
		t.Errorf("unexpected unresolved list: %+v", list)
	}
}

func TestStorage_SaveLoadSensorState(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	state := &models.SensorState{
		Symbol:       "MKT",
		WelfordCount: 10,
		WelfordMean:  0.55,
		WelfordM2:    0.025,
		LastPrice:    0.60,
		LastSigma:    0.05,
		UpdatedAt:    time.Now(),
	}
	if err := s.SaveSensorState(ctx, state); err != nil {
		t.Fatalf("SaveSensorState: %v", err)
	}
	loaded, err := s.LoadSensorStates(ctx)
	if err != nil {
		t.Fatalf("LoadSensorStates: %v", err)
	}
	got, ok := loaded["MKT"]
	if !ok {
		t.Fatal("state for MKT not found")
	}
	if got.WelfordCount != 10 || got.WelfordMean != 0.55 {
		t.Errorf("unexpected state: %+v", got)
	}
}

func TestStorage_Flags(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	v, err := s.Flag(ctx, "kill_switch")
	if err != nil || v {
		t.Fatalf("unset flag: v=%v err=%v", v, err)
	}
	if err := s.SetFlag(ctx, "kill_switch", true); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}
	v, err = s.Flag(ctx, "kill_switch")
	if err != nil || !v {
		t.Fatalf("set flag: v=%v err=%v", v, err)
	}
}

func TestBackoffBounded(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: 40 * time.Millisecond, Factor: 2, Attempts: 5}
	want := []time.Duration{10, 20, 40, 40, 40}
	for i, w := range want {
		if got := b.Next(i + 1); got != w*time.Millisecond {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
}

func TestWithRetryBusy(t *testing.T) {
	s := newTestStorage(t)
	s.SetBackoff(Backoff{Min: time.Millisecond, Max: time.Millisecond, Factor: 2, Attempts: 3})

	calls := 0
	err := s.withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}

	calls = 0
	err = s.withRetry(context.Background(), func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}

	calls = 0
	permanent := errors.New("constraint failed")
	err = s.withRetry(context.Background(), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("non-busy error must not retry: calls=%d err=%v", calls, err)
	}
}

func TestStorage_DefaultPath(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("New with empty path: %v", err)
	}
	defer s.Close()
}
