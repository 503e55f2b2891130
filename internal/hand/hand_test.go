package hand

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/tradeloop/internal/dispatcher"
	"github.com/rewired-gh/tradeloop/internal/models"
	"github.com/rewired-gh/tradeloop/internal/storage"
	"github.com/rewired-gh/tradeloop/internal/synapse"
	"github.com/rewired-gh/tradeloop/internal/vault"
	"github.com/rewired-gh/tradeloop/internal/venue"
)

type fixture struct {
	disp  *dispatcher.Dispatcher
	queue *synapse.Queue
	vault *vault.Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.New(":memory:")
	require.NoError(t, err)
	disp := dispatcher.New(s, dispatcher.DefaultConfig())
	t.Cleanup(func() {
		disp.Close()
		_ = s.Close()
	})
	v, err := vault.Open(context.Background(), s, disp, vault.Config{
		Principal: decimal.NewFromInt(300),
		HardFloor: decimal.NewFromInt(255),
	})
	require.NoError(t, err)
	v.OpenCycle("c1")
	return &fixture{disp: disp, queue: synapse.New(s, disp), vault: v}
}

func (f *fixture) push(t *testing.T, id, size string) {
	t.Helper()
	_, err := f.queue.PushSignal(context.Background(), &models.ExecutionSignal{
		ID:            id,
		OpportunityID: "opp-" + id,
		CycleID:       "c1",
		Symbol:        "MKT",
		Action:        models.ActionBuy,
		Side:          models.SideYes,
		Price:         0.8,
		Confidence:    0.95,
		Size:          decimal.RequireFromString(size),
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T) (decimal.Decimal, decimal.Decimal) {
	t.Helper()
	st, err := f.vault.State(context.Background())
	require.NoError(t, err)
	return st.CurrentBalance(), st.ReservedFunds
}

func (f *fixture) status(t *testing.T, id string) *models.ExecutionSignal {
	t.Helper()
	sig, err := f.queue.Signal(context.Background(), id)
	require.NoError(t, err)
	return sig
}

type stubExchange struct {
	*venue.Paper
	err     error
	entered chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (s *stubExchange) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	if s.entered != nil {
		s.once.Do(func() { close(s.entered) })
		select {
		case <-s.proceed:
		case <-ctx.Done():
			return venue.OrderResult{}, ctx.Err()
		}
	}
	if s.err != nil {
		return venue.OrderResult{}, s.err
	}
	return s.Paper.PlaceOrder(ctx, req)
}

func newPaper() *venue.Paper {
	return venue.NewPaper(decimal.NewFromInt(300), decimal.Zero, nil)
}

func TestExecuteFill(t *testing.T) {
	f := newFixture(t)
	paper := newPaper()
	h := New(DefaultConfig(), paper, f.queue, f.vault, f.disp)
	f.push(t, "s1", "18.75")

	r, err := h.ProcessNext(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SignalCompleted, r.Status)
	require.NotNil(t, r.Order)

	sig := f.status(t, "s1")
	assert.Equal(t, models.SignalCompleted, sig.Status)
	assert.Equal(t, r.Order.OrderID, sig.VenueOrderID)

	bal, reserved := f.balance(t)
	assert.True(t, bal.Equal(decimal.RequireFromString("281.25")), "balance %s", bal)
	assert.True(t, reserved.IsZero())
	assert.Len(t, paper.Orders(), 1)

	_, err = h.ProcessNext(context.Background(), "c1")
	assert.ErrorIs(t, err, synapse.ErrEmpty)
}

func TestExecuteRefusedReservation(t *testing.T) {
	f := newFixture(t)
	paper := newPaper()
	h := New(DefaultConfig(), paper, f.queue, f.vault, f.disp)
	f.push(t, "s1", "50")

	r, err := h.ProcessNext(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SignalCancelled, r.Status)
	assert.Contains(t, r.Reason, "insufficient funds")
	assert.Empty(t, paper.Orders(), "no order may be placed without a reservation")

	bal, reserved := f.balance(t)
	assert.True(t, bal.Equal(decimal.NewFromInt(300)))
	assert.True(t, reserved.IsZero())
}

func TestExecuteClosedCycle(t *testing.T) {
	f := newFixture(t)
	h := New(DefaultConfig(), newPaper(), f.queue, f.vault, f.disp)
	_, err := f.vault.CloseCycle(context.Background(), "c1")
	require.NoError(t, err)
	f.push(t, "s1", "10")

	r, err := h.ProcessNext(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SignalCancelled, r.Status)
}

func TestExecuteVenueFailureReleases(t *testing.T) {
	f := newFixture(t)
	ex := &stubExchange{Paper: newPaper(), err: errors.Join(venue.ErrRejected, errors.New("market closed"))}
	h := New(DefaultConfig(), ex, f.queue, f.vault, f.disp)
	f.push(t, "s1", "10")

	r, err := h.ProcessNext(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SignalFailed, r.Status)
	assert.Equal(t, models.SignalFailed, f.status(t, "s1").Status)

	bal, reserved := f.balance(t)
	assert.True(t, bal.Equal(decimal.NewFromInt(300)))
	assert.True(t, reserved.IsZero())

	f.disp.Flush()
	n, err := f.disp.UnresolvedCount(context.Background(), models.SeverityWarning)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecuteOrderTimeout(t *testing.T) {
	f := newFixture(t)
	ex := &stubExchange{Paper: newPaper(), entered: make(chan struct{}), proceed: make(chan struct{})}
	h := New(Config{OrderTimeout: 20 * time.Millisecond}, ex, f.queue, f.vault, f.disp)
	f.push(t, "s1", "10")

	r, err := h.ProcessNext(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SignalFailed, r.Status)

	_, reserved := f.balance(t)
	assert.True(t, reserved.IsZero())

	f.disp.Flush()
	n, err := f.disp.UnresolvedCount(context.Background(), models.SeverityError)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLateFillAfterCancel(t *testing.T) {
	f := newFixture(t)
	ex := &stubExchange{Paper: newPaper(), entered: make(chan struct{}), proceed: make(chan struct{})}
	h := New(DefaultConfig(), ex, f.queue, f.vault, f.disp)
	f.push(t, "s1", "10")

	done := make(chan Result, 1)
	go func() {
		r, err := h.ProcessNext(context.Background(), "c1")
		assert.NoError(t, err)
		done <- r
	}()

	<-ex.entered
	released, err := f.vault.CloseCycle(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, released.Equal(decimal.NewFromInt(10)))
	close(ex.proceed)

	r := <-done
	assert.Equal(t, models.SignalCompleted, r.Status)

	bal, reserved := f.balance(t)
	assert.True(t, bal.Equal(decimal.NewFromInt(290)), "late fill must still be booked, got %s", bal)
	assert.True(t, reserved.IsZero())

	f.disp.Flush()
	recs, err := f.disp.List(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SeverityWarning, recs[0].Severity)
	assert.Equal(t, dispatcher.DomainHand, recs[0].Domain)
}

// cancellingVault cancels the cycle right after a reservation is granted.
type cancellingVault struct {
	*vault.Vault
	cancel context.CancelFunc
}

func (c *cancellingVault) Reserve(ctx context.Context, cycleID, signalID string, amount decimal.Decimal) (models.Reservation, error) {
	res, err := c.Vault.Reserve(ctx, cycleID, signalID, amount)
	if err == nil {
		c.cancel()
		if _, cerr := c.Vault.CloseCycle(context.Background(), cycleID); cerr != nil {
			return res, cerr
		}
	}
	return res, err
}

func TestCancelBetweenReserveAndOrder(t *testing.T) {
	f := newFixture(t)
	paper := newPaper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(DefaultConfig(), paper, f.queue, &cancellingVault{Vault: f.vault, cancel: cancel}, f.disp)
	f.push(t, "s1", "10")

	r, err := h.ProcessNext(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SignalCancelled, r.Status)
	assert.Equal(t, "cycle cancelled", r.Reason)
	assert.Nil(t, r.Order)
	assert.Empty(t, paper.Orders(), "no order may be sent after the cycle was cancelled")
	assert.Equal(t, models.SignalCancelled, f.status(t, "s1").Status)

	bal, reserved := f.balance(t)
	assert.True(t, bal.Equal(decimal.NewFromInt(300)), "balance %s", bal)
	assert.True(t, reserved.IsZero())
}

type gate struct {
	ctx context.Context
	id  string
}

func (g gate) Active() (context.Context, string, bool) { return g.ctx, g.id, true }

func TestRunDrainsQueue(t *testing.T) {
	f := newFixture(t)
	paper := newPaper()
	h := New(Config{PollInterval: 5 * time.Millisecond}, paper, f.queue, f.vault, f.disp)
	f.push(t, "s1", "5")
	f.push(t, "s2", "5")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx, gate{ctx: ctx, id: "c1"})
		close(done)
	}()

	require.Eventually(t, func() bool { return len(paper.Orders()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	bal, _ := f.balance(t)
	assert.True(t, bal.Equal(decimal.NewFromInt(290)))
}
