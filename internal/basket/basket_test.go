package basket

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorelink/internal/domain"
	"chorelink/internal/engine"
	"chorelink/internal/marketdata"
	"chorelink/internal/store"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

var control = engine.OrderControl{BreachTicks: 150}

type replaceCall struct {
	id  string
	px  float64
	qty int64
}

type fakePlacer struct {
	mu          sync.Mutex
	next        int
	placed      []engine.NewChoreRequest
	replaced    []replaceCall
	cancels     []string
	status      map[string]engine.ChoreStatus
	failPlace   string
	panicOn     string
	killed      bool
	cancelClose bool
}

func newFakePlacer() *fakePlacer {
	return &fakePlacer{next: 1000, status: make(map[string]engine.ChoreStatus), cancelClose: true}
}

func (f *fakePlacer) PlaceNewChore(_ context.Context, req engine.NewChoreRequest) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Security.SystemID == f.panicOn {
		panic("adapter exploded")
	}
	if f.failPlace != "" {
		return false, f.failPlace
	}
	f.next++
	id := fmt.Sprint(f.next)
	f.placed = append(f.placed, req)
	f.status[id] = engine.ChoreStatus{ChoreID: id, Status: domain.StatusAcked, Px: req.Px, Qty: req.Qty}
	return true, id
}

func (f *fakePlacer) ReplaceChore(_ context.Context, id string, px *float64, qty *int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return "", false
	}
	call := replaceCall{id: id}
	if px != nil {
		call.px = *px
		st.Px = *px
	}
	if qty != nil {
		call.qty = *qty
		st.Qty = *qty
	}
	f.status[id] = st
	f.replaced = append(f.replaced, call)
	return id, true
}

func (f *fakePlacer) PlaceCancelChore(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return false
	}
	f.cancels = append(f.cancels, id)
	if f.cancelClose {
		st.Status = domain.StatusDOD
	} else {
		st.Status = domain.StatusCxlUnack
	}
	f.status[id] = st
	return true
}

func (f *fakePlacer) GetChoreStatus(id string) (engine.ChoreStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	return st, ok
}

func (f *fakePlacer) KillSwitchActive() bool { return f.killed }

func (f *fakePlacer) setStatus(id string, fn func(*engine.ChoreStatus)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.status[id]
	fn(&st)
	f.status[id] = st
}

type harness struct {
	m     *Manager
	p     *fakePlacer
	md    *marketdata.Store
	clock time.Time
}

func newHarness(t *testing.T, cfg Config, st store.BasketStore) *harness {
	t.Helper()
	h := &harness{p: newFakePlacer(), md: marketdata.NewStore(0.01, 0), clock: t0}
	if cfg.Control == (engine.OrderControl{}) {
		cfg.Control = control
	}
	h.m = New(h.p, h.md, st, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.m.now = func() time.Time { return h.clock }
	h.m.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func (h *harness) book(sym string, bid, ask float64) {
	h.md.Update(domain.TopOfBook{Symbol: sym, Bid: bid, Ask: ask, UpdatedAt: h.clock})
}

func (h *harness) add(t *testing.T, c domain.Chore) string {
	t.Helper()
	ref, err := h.m.Add(context.Background(), c)
	require.NoError(t, err)
	return ref
}

func (h *harness) cycle() time.Duration {
	return h.m.RunCycle(context.Background())
}

func (h *harness) chore(ref string) (domain.Chore, bool) {
	for _, c := range h.m.List() {
		if c.LogicalID() == ref {
			return c, true
		}
	}
	return domain.Chore{}, false
}

func buy(sym string, qty int64, px float64) domain.Chore {
	return domain.Chore{
		Security: domain.SecurityRef{SystemID: sym, Source: "TICKER", InstType: domain.InstrumentEquity},
		Side:     domain.SideBuy,
		Px:       px,
		Qty:      qty,
		Account:  "ACC1",
		Exchange: "SMART",
	}
}

func TestGenerateAlgoMarketChorePrice(t *testing.T) {
	tests := []struct {
		name     string
		side     domain.Side
		bid, ask float64
		existing float64
		want     float64
		ok       bool
	}{
		{"first price for a buy", domain.SideBuy, 99.99, 100, 0, 100.5, true},
		{"move beyond noise", domain.SideBuy, 99.99, 100, 100, 100.5, true},
		{"move within noise", domain.SideBuy, 99.5, 99.502, 100, 0, false},
		{"wide spread", domain.SideBuy, 98, 100, 0, 0, false},
		{"sell rests above the breach", domain.SideSell, 100, 100.01, 0, 99.5, true},
		{"short sell prices like a sell", domain.SideShortSell, 100, 100.01, 0, 99.5, true},
		{"crossed book", domain.SideBuy, 100.01, 100, 0, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			book := domain.TopOfBook{Symbol: "AAPL", Bid: tc.bid, Ask: tc.ask, TickSize: 0.01}
			got, ok := GenerateAlgoMarketChorePrice(control, tc.side, book, tc.existing)
			assert.Equal(t, tc.ok, ok)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}

	_, ok := GenerateAlgoMarketChorePrice(control, domain.SideBuy, domain.TopOfBook{Bid: 1, Ask: 1.01}, 0)
	assert.False(t, ok, "no tick size")
}

func TestGeneratedPriceRoundsToThreeDecimals(t *testing.T) {
	book := domain.TopOfBook{Bid: 10, Ask: 10.0001, TickSize: 0.00013}
	px, ok := GenerateAlgoMarketChorePrice(engine.OrderControl{BreachTicks: 150}, domain.SideBuy, book, 0)
	require.True(t, ok)
	assert.Equal(t, 10.007, px)
}

func TestMarketTrackingSubmitAndAmend(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.book("AAPL", 99.49, 99.5)
	ref := h.add(t, buy("AAPL", 100, 0))

	assert.Equal(t, h.m.cfg.CycleInterval, h.cycle())
	require.Len(t, h.p.placed, 1)
	assert.Equal(t, 100.0, h.p.placed[0].Px)
	assert.Equal(t, ref, h.p.placed[0].ClientRef)

	c, ok := h.chore(ref)
	require.True(t, ok)
	assert.Equal(t, domain.SubmitDone, c.SubmitState)
	assert.True(t, c.MarketTracking)
	assert.Equal(t, "1001", c.ID)

	// 100.002 is noise against the posted 100.00.
	h.book("AAPL", 99.5, 99.502)
	h.cycle()
	assert.Empty(t, h.p.replaced)

	h.book("AAPL", 99.99, 100)
	h.cycle()
	require.Len(t, h.p.replaced, 1)
	assert.Equal(t, replaceCall{id: "1001", px: 100.5}, h.p.replaced[0])
	c, _ = h.chore(ref)
	assert.Equal(t, 100.5, c.Px)
	assert.Equal(t, domain.SubmitDone, c.SubmitState, "tracking chores stay managed")
}

func TestAmendDeferredWhileUnacked(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.book("AAPL", 99.49, 99.5)
	ref := h.add(t, buy("AAPL", 100, 0))
	h.cycle()
	h.p.setStatus("1001", func(st *engine.ChoreStatus) { st.Status = domain.StatusUnack })

	h.book("AAPL", 99.99, 100)
	h.cycle()
	assert.Empty(t, h.p.replaced)

	h.p.setStatus("1001", func(st *engine.ChoreStatus) { st.Status = domain.StatusAcked })
	h.cycle()
	assert.Len(t, h.p.replaced, 1)

	h.p.setStatus("1001", func(st *engine.ChoreStatus) { st.Status = domain.StatusFilled })
	h.cycle()
	_, ok := h.chore(ref)
	assert.False(t, ok, "closed chore leaves management")
}

func TestQueuedAmendWinsOverRegeneratedPrice(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.book("AAPL", 99.49, 99.5)
	ref := h.add(t, buy("AAPL", 100, 0))
	h.cycle()

	h.book("AAPL", 99.99, 100)
	require.NoError(t, h.m.Amend(ref, 99.75, 80))
	h.cycle()
	require.Len(t, h.p.replaced, 1)
	assert.Equal(t, replaceCall{id: "1001", px: 99.75, qty: 80}, h.p.replaced[0])

	c, _ := h.chore(ref)
	assert.False(t, c.HasPendingAmend())
	assert.Equal(t, int64(80), c.Qty)

	assert.Error(t, h.m.Amend(ref, 0, 0))
}

func TestLimitChoreSteadyStateLeavesManagement(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.book("AAPL", 99.99, 100)
	ref := h.add(t, buy("AAPL", 10, 99.9))

	h.cycle()
	require.Len(t, h.p.placed, 1)
	_, ok := h.chore(ref)
	assert.True(t, ok)

	h.cycle()
	_, ok = h.chore(ref)
	assert.False(t, ok, "acknowledged limit chore needs no management")
}

func TestUnackedLimitChoreStaysManaged(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.book("AAPL", 99.99, 100)
	ref := h.add(t, buy("AAPL", 10, 99.9))
	h.cycle()
	h.p.setStatus("1001", func(st *engine.ChoreStatus) { st.Status = domain.StatusUnack })

	h.cycle()
	_, ok := h.chore(ref)
	assert.True(t, ok)
}

func TestOutOfBandChoreIsDeferred(t *testing.T) {
	h := newHarness(t, Config{DeferWarnEvery: 10 * time.Second}, nil)
	h.book("AAPL", 99.99, 100)
	ref := h.add(t, buy("AAPL", 10, 150))

	h.cycle()
	assert.Empty(t, h.p.placed)
	c, _ := h.chore(ref)
	assert.Equal(t, domain.SubmitPending, c.SubmitState)
	assert.Equal(t, t0, c.DeferredSince)

	h.clock = t0.Add(11 * time.Second)
	h.cycle()
	h.cycle()
	assert.Len(t, h.m.lastWarned, 1)

	h.book("AAPL", 149.99, 150)
	h.cycle()
	require.Len(t, h.p.placed, 1)
	c, _ = h.chore(ref)
	assert.True(t, c.DeferredSince.IsZero())
	assert.Empty(t, h.m.lastWarned)
}

func TestUnreadyMarketDataResubscribes(t *testing.T) {
	h := newHarness(t, Config{StaleAfter: 30 * time.Second, MaxResubscribe: 2}, nil)
	h.add(t, buy("MSFT", 10, 0))

	assert.Equal(t, h.m.cfg.FastCycleInterval, h.cycle())
	assert.Equal(t, 0, h.md.Resubscriptions("MSFT"))

	for i := 1; i <= 4; i++ {
		h.clock = h.clock.Add(31 * time.Second)
		assert.Equal(t, h.m.cfg.FastCycleInterval, h.cycle())
	}
	assert.Equal(t, 2, h.md.Resubscriptions("MSFT"), "resubscribes are bounded")
	assert.Empty(t, h.p.placed)

	h.book("MSFT", 299.99, 300)
	assert.Equal(t, h.m.cfg.CycleInterval, h.cycle())
	assert.Len(t, h.p.placed, 1)
}

func TestCancelBeforeAndAfterSubmission(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.book("AAPL", 99.99, 100)

	early := h.add(t, buy("AAPL", 10, 99.9))
	h.m.Cancel(early)
	h.cycle()
	assert.Empty(t, h.p.placed, "never reaches the broker")
	_, ok := h.chore(early)
	assert.False(t, ok)

	h.p.cancelClose = false
	late := h.add(t, buy("AAPL", 10, 0))
	h.cycle()
	require.Len(t, h.p.placed, 1)
	h.m.Cancel(late)
	h.cycle()
	assert.Equal(t, []string{"1001"}, h.p.cancels)
	c, ok := h.chore(late)
	require.True(t, ok, "kept until the broker confirms")
	assert.True(t, c.CxlIssued)

	h.cycle()
	assert.Len(t, h.p.cancels, 1, "cancel is issued once")

	h.p.setStatus("1001", func(st *engine.ChoreStatus) { st.Status = domain.StatusDOD })
	h.cycle()
	_, ok = h.chore(late)
	assert.False(t, ok)

	h.m.Cancel("nope")
	h.cycle()
}

func TestSubmitRetriesExhausted(t *testing.T) {
	h := newHarness(t, Config{MaxSubmitRetries: 2}, nil)
	h.book("AAPL", 99.99, 100)
	h.p.failPlace = "broker: not connected"
	ref := h.add(t, buy("AAPL", 10, 99.9))

	h.cycle()
	h.cycle()
	c, ok := h.chore(ref)
	require.True(t, ok)
	assert.Equal(t, 2, c.SubmitRetries)
	assert.Equal(t, domain.SubmitRetry, c.SubmitState)
	assert.Contains(t, c.Text, "broker: not connected")

	h.cycle()
	_, ok = h.chore(ref)
	assert.False(t, ok)
}

func TestKillSwitchHoldsSubmissions(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.book("AAPL", 99.99, 100)
	h.p.killed = true
	ref := h.add(t, buy("AAPL", 10, 99.9))

	h.cycle()
	assert.Empty(t, h.p.placed)
	c, _ := h.chore(ref)
	assert.Equal(t, domain.SubmitPending, c.SubmitState)

	h.p.killed = false
	h.cycle()
	assert.Len(t, h.p.placed, 1)
}

func TestSoftAmendResubmitsRemainder(t *testing.T) {
	h := newHarness(t, Config{SoftAmend: true}, nil)
	h.book("AAPL", 99.49, 99.5)
	ref := h.add(t, buy("AAPL", 100, 0))
	h.cycle()
	h.p.setStatus("1001", func(st *engine.ChoreStatus) { st.FilledQty = 30 })

	h.book("AAPL", 99.99, 100)
	h.cycle()
	assert.Equal(t, []string{"1001"}, h.p.cancels)
	require.Len(t, h.p.placed, 2)
	assert.Equal(t, int64(70), h.p.placed[1].Qty)
	assert.Equal(t, 100.5, h.p.placed[1].Px)

	c, _ := h.chore(ref)
	assert.Equal(t, "1002", c.ID)
	assert.Equal(t, int64(70), c.Qty)
	assert.Contains(t, c.Text, "soft amend of 1001")
}

func TestSoftAmendAbandonsUnconfirmedCancel(t *testing.T) {
	h := newHarness(t, Config{SoftAmend: true, SoftAmendRetries: 3}, nil)
	h.book("AAPL", 99.49, 99.5)
	ref := h.add(t, buy("AAPL", 100, 0))
	h.cycle()
	h.p.cancelClose = false

	sleeps := 0
	h.m.sleep = func(context.Context, time.Duration) error { sleeps++; return nil }
	h.book("AAPL", 99.99, 100)
	h.cycle()

	assert.Equal(t, 3, sleeps)
	assert.Len(t, h.p.placed, 1, "no resubmission")
	_, ok := h.chore(ref)
	assert.False(t, ok, "abandoned chore leaves management")
}

func TestDuplicateRefKeepsLatest(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.book("AAPL", 99.99, 100)
	first := buy("AAPL", 10, 99.9)
	first.Ref = "dup"
	h.add(t, first)
	h.clock = t0.Add(time.Second)
	second := buy("AAPL", 20, 99.9)
	second.Ref = "dup"
	h.add(t, second)

	h.cycle()
	require.Len(t, h.p.placed, 1)
	assert.Equal(t, int64(20), h.p.placed[0].Qty)
}

func TestPanickingChoreDoesNotAbortCycle(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.book("AAPL", 99.99, 100)
	h.book("BOOM", 9.99, 10)
	h.p.panicOn = "BOOM"
	h.add(t, buy("BOOM", 1, 9.99))
	h.add(t, buy("AAPL", 1, 99.9))

	h.cycle()
	require.Len(t, h.p.placed, 1)
	assert.Equal(t, "AAPL", h.p.placed[0].Security.SystemID)
	assert.Len(t, h.m.List(), 2)
}

func TestAddValidation(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	_, err := h.m.Add(ctx, domain.Chore{Side: domain.SideBuy, Qty: 1})
	assert.Error(t, err)
	_, err = h.m.Add(ctx, buy("AAPL", 0, 1))
	assert.Error(t, err)
	_, err = h.m.Add(ctx, buy("AAPL", 1, -1))
	assert.Error(t, err)
	bad := buy("AAPL", 1, 1)
	bad.Side = "hold"
	_, err = h.m.Add(ctx, bad)
	assert.Error(t, err)

	ref, err := h.m.Add(ctx, buy("AAPL", 1, 1))
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, []string{"AAPL"}, h.md.Symbols())
}

func TestBasketPersistence(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewBoltBasketStore(filepath.Join(t.TempDir(), "basket.db"))
	require.NoError(t, err)
	defer st.Close()

	h := newHarness(t, Config{}, st)
	h.book("AAPL", 99.49, 99.5)
	ref := h.add(t, buy("AAPL", 100, 0))
	h.cycle()

	saved, err := st.LoadChore(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitDone, saved.SubmitState)
	assert.Equal(t, "1001", saved.ID)

	restarted := newHarness(t, Config{}, st)
	n, err := restarted.m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	c, ok := restarted.chore(ref)
	require.True(t, ok)
	assert.Equal(t, 100.0, c.Px)
	assert.Equal(t, []string{"AAPL"}, restarted.md.Symbols())

	h.p.setStatus("1001", func(s *engine.ChoreStatus) { s.Status = domain.StatusFilled })
	h.cycle()
	_, err = st.LoadChore(ctx, ref)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelUnsentChoreWhileUnready(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ref := h.add(t, buy("TSLA", 10, 0))
	h.m.Cancel(ref)

	assert.Equal(t, h.m.cfg.FastCycleInterval, h.cycle())
	_, ok := h.chore(ref)
	assert.False(t, ok)
	assert.Empty(t, h.p.placed)
}
