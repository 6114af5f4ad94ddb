package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorelink/internal/domain"
)

func drain(ch <-chan domain.BrokerEvent) []domain.BrokerEvent {
	var out []domain.BrokerEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func statuses(evs []domain.BrokerEvent) []domain.BrokerStatus {
	var out []domain.BrokerStatus
	for _, ev := range evs {
		if su, ok := ev.(domain.StatusUpdate); ok {
			out = append(out, su.Barter.Status)
		}
	}
	return out
}

func TestSimulatorBrokerName(t *testing.T) {
	b := NewSimulatorBroker()
	if got := b.Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
}

func TestSimulatorRequiresConnect(t *testing.T) {
	b := NewSimulatorBroker()
	_, err := b.SubmitChore(context.Background(), domain.ChoreSpec{Qty: 1})
	assert.ErrorIs(t, err, ErrNotConnected)

	b.SetConnectError(errors.New("refused"))
	assert.Error(t, b.Connect(context.Background()))
	b.SetConnectError(nil)
	require.NoError(t, b.Connect(context.Background()))
	assert.True(t, b.IsConnected())
}

func TestSimulatorSubmitAckFillLifecycle(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker()
	require.NoError(t, b.Connect(ctx))

	bt, err := b.SubmitChore(ctx, domain.ChoreSpec{
		Security: domain.SecurityRef{SystemID: "AAPL"},
		Side:     domain.SideBuy,
		Px:       10,
		Qty:      100,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerSubmitted, bt.Status)
	assert.Equal(t, []domain.BrokerStatus{domain.BrokerPendingSubmit, domain.BrokerSubmitted}, statuses(drain(b.Events())))

	require.NoError(t, b.Fill(bt.ID, 40, 10))
	evs := drain(b.Events())
	require.Len(t, evs, 1)
	exec := evs[0].(domain.Execution)
	assert.Equal(t, "BOT", exec.Fill.Side)
	assert.Equal(t, int64(40), exec.Barter.Filled)
	assert.Equal(t, int64(60), exec.Barter.Remaining)

	require.NoError(t, b.Fill(bt.ID, 60, 11))
	evs = drain(b.Events())
	require.Len(t, evs, 2)
	final := evs[1].(domain.StatusUpdate).Barter
	assert.Equal(t, domain.BrokerFilled, final.Status)
	assert.InDelta(t, 10.6, final.AvgFillPx, 1e-9)

	assert.Error(t, b.Fill(bt.ID, 1, 10), "filling a filled chore must fail")
}

func TestSimulatorCancel(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker()
	require.NoError(t, b.Connect(ctx))
	bt, _ := b.SubmitChore(ctx, domain.ChoreSpec{Side: domain.SideSell, Px: 5, Qty: 10})
	drain(b.Events())

	got, err := b.CancelChore(ctx, bt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerCancelled, got.Status)
	assert.Equal(t, int64(0), got.Remaining)
	assert.Equal(t, int64(10), got.CxlQty())
	assert.Equal(t, []domain.BrokerStatus{domain.BrokerPendingCancel, domain.BrokerCancelled}, statuses(drain(b.Events())))

	open, err := b.QueryOpenChores(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := b.QueryAllBarters(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSimulatorManualCancel(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(WithManualCancel(true))
	require.NoError(t, b.Connect(ctx))
	bt, _ := b.SubmitChore(ctx, domain.ChoreSpec{Side: domain.SideBuy, Px: 5, Qty: 10})

	got, err := b.CancelChore(ctx, bt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerPendingCancel, got.Status)

	require.NoError(t, b.SetStatus(bt.ID, domain.BrokerCancelled))
	cur, _ := b.Barter(bt.ID)
	assert.Equal(t, domain.BrokerCancelled, cur.Status)
}

func TestSimulatorAmend(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker()
	require.NoError(t, b.Connect(ctx))
	bt, _ := b.SubmitChore(ctx, domain.ChoreSpec{Side: domain.SideBuy, Px: 5, Qty: 10})
	require.NoError(t, b.Fill(bt.ID, 4, 5))

	got, err := b.AmendChore(ctx, bt.ID, 5.5, 20)
	require.NoError(t, err)
	assert.Equal(t, 5.5, got.LimitPx)
	assert.Equal(t, int64(20), got.TotalQty)
	assert.Equal(t, int64(16), got.Remaining)

	_, err = b.AmendChore(ctx, bt.ID, 0, 3)
	assert.Error(t, err, "amend below filled must fail")

	_, err = b.AmendChore(ctx, "nope", 1, 0)
	assert.ErrorIs(t, err, ErrUnknownChore)
}

func TestSimulatorFillOnSubmit(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(WithFillOnSubmit(true))
	require.NoError(t, b.Connect(ctx))
	bt, err := b.SubmitChore(ctx, domain.ChoreSpec{Side: domain.SideBuy, Px: 5, Qty: 10})
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerFilled, bt.Status)
	assert.Equal(t, int64(10), bt.Filled)
}

func TestSimulatorDropConnection(t *testing.T) {
	b := NewSimulatorBroker()
	require.NoError(t, b.Connect(context.Background()))
	b.DropConnection("socket closed")
	assert.False(t, b.IsConnected())
	evs := drain(b.Events())
	require.Len(t, evs, 1)
	assert.Equal(t, domain.Disconnected{Reason: "socket closed"}, evs[0])
}

type fakeAlpaca struct {
	placed   []alpaca.PlaceOrderRequest
	replaced map[string]alpaca.ReplaceOrderRequest
	orders   map[string]*alpaca.Order
	handler  func(alpaca.TradeUpdate)
	acctErr  error
}

func (f *fakeAlpaca) GetAccount() (*alpaca.Account, error) {
	if f.acctErr != nil {
		return nil, f.acctErr
	}
	return &alpaca.Account{AccountNumber: "PA123"}, nil
}

func (f *fakeAlpaca) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	f.placed = append(f.placed, req)
	o := &alpaca.Order{ID: "a1", Symbol: req.Symbol, Qty: req.Qty, LimitPrice: req.LimitPrice, Side: req.Side, Status: "accepted"}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeAlpaca) ReplaceOrder(id string, req alpaca.ReplaceOrderRequest) (*alpaca.Order, error) {
	f.replaced[id] = req
	old := f.orders[id]
	o := &alpaca.Order{ID: id + "r", Symbol: old.Symbol, Qty: req.Qty, LimitPrice: req.LimitPrice, Side: old.Side, Status: "new"}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeAlpaca) CancelOrder(id string) error {
	o, ok := f.orders[id]
	if !ok {
		return errors.New("order not found")
	}
	o.Status = "canceled"
	return nil
}

func (f *fakeAlpaca) GetOrder(id string) (*alpaca.Order, error) {
	return f.orders[id], nil
}

func (f *fakeAlpaca) GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error) {
	var out []alpaca.Order
	for _, o := range f.orders {
		if req.Status == "open" && o.Status != "new" && o.Status != "accepted" {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (f *fakeAlpaca) StreamTradeUpdatesInBackground(_ context.Context, h func(alpaca.TradeUpdate)) {
	f.handler = h
}

func newFakeAlpaca() *fakeAlpaca {
	return &fakeAlpaca{replaced: map[string]alpaca.ReplaceOrderRequest{}, orders: map[string]*alpaca.Order{}}
}

func TestAlpacaBrokerName(t *testing.T) {
	b := newAlpacaBroker(newFakeAlpaca(), AlpacaOptions{})
	if got := b.Name(); got != "alpaca" {
		t.Errorf("AlpacaBroker.Name() = %q, want %q", got, "alpaca")
	}
}

func TestAlpacaSubmitAmendCancel(t *testing.T) {
	ctx := context.Background()
	f := newFakeAlpaca()
	b := newAlpacaBroker(f, AlpacaOptions{Exchange: "SMART"})

	_, err := b.SubmitChore(ctx, domain.ChoreSpec{Qty: 1})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, b.Connect(ctx))
	require.NotNil(t, f.handler)

	bt, err := b.SubmitChore(ctx, domain.ChoreSpec{
		Security: domain.SecurityRef{SystemID: "AAPL", Source: "TICKER", InstType: domain.InstrumentEquity},
		Side:     domain.SideBuy,
		Px:       101.25,
		Qty:      10,
	})
	require.NoError(t, err)
	require.Len(t, f.placed, 1)
	assert.Equal(t, alpaca.Limit, f.placed[0].Type)
	assert.True(t, f.placed[0].LimitPrice.Equal(decimal.RequireFromString("101.25")))
	assert.Equal(t, domain.BrokerPendingSubmit, bt.Status)
	assert.Equal(t, "PA123", bt.Account)
	assert.Equal(t, "SMART", bt.Exchange)

	amended, err := b.AmendChore(ctx, bt.ID, 102, 0)
	require.NoError(t, err)
	assert.Equal(t, "a1r", amended.ID)
	assert.Nil(t, f.replaced["a1"].Qty)

	cx, err := b.CancelChore(ctx, amended.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerCancelled, cx.Status)
	assert.Equal(t, int64(0), cx.Remaining)
}

func TestAlpacaMarketOrder(t *testing.T) {
	ctx := context.Background()
	f := newFakeAlpaca()
	b := newAlpacaBroker(f, AlpacaOptions{})
	require.NoError(t, b.Connect(ctx))

	_, err := b.SubmitChore(ctx, domain.ChoreSpec{Side: domain.SideSell, Qty: 5})
	require.NoError(t, err)
	assert.Equal(t, alpaca.Market, f.placed[0].Type)
	assert.Nil(t, f.placed[0].LimitPrice)
	assert.Equal(t, alpaca.Sell, f.placed[0].Side)
}

func TestAlpacaTradeUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFakeAlpaca()
	b := newAlpacaBroker(f, AlpacaOptions{})
	require.NoError(t, b.Connect(ctx))

	qty := decimal.NewFromInt(10)
	fillQty := decimal.NewFromInt(10)
	px := decimal.NewFromFloat(50)
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	f.handler(alpaca.TradeUpdate{
		Event:       "fill",
		ExecutionID: "e1",
		Qty:         &fillQty,
		Price:       &px,
		At:          at,
		Order: alpaca.Order{
			ID: "o1", Symbol: "MSFT", Qty: &qty, FilledQty: fillQty, FilledAvgPrice: &px,
			Side: alpaca.Buy, Status: "filled",
		},
	})

	evs := drain(b.Events())
	require.Len(t, evs, 2)
	exec := evs[0].(domain.Execution)
	assert.Equal(t, "e1", exec.Fill.ExecID)
	assert.Equal(t, "buy", exec.Fill.Side)
	assert.Equal(t, int64(10), exec.Fill.Qty)
	assert.Equal(t, at, exec.Fill.Time)
	assert.Equal(t, domain.BrokerFilled, evs[1].(domain.StatusUpdate).Barter.Status)

	f.handler(alpaca.TradeUpdate{Event: "canceled", Order: alpaca.Order{ID: "o2", Qty: &qty, Status: "canceled"}})
	evs = drain(b.Events())
	require.Len(t, evs, 1)
	assert.Equal(t, domain.BrokerCancelled, evs[0].(domain.StatusUpdate).Barter.Status)
}

func TestAlpacaConnectFailure(t *testing.T) {
	f := newFakeAlpaca()
	f.acctErr = errors.New("401 unauthorized")
	b := newAlpacaBroker(f, AlpacaOptions{})
	assert.Error(t, b.Connect(context.Background()))
	assert.False(t, b.IsConnected())
}

func TestAlpacaStatus(t *testing.T) {
	tests := map[string]domain.BrokerStatus{
		"pending_new":      domain.BrokerPendingSubmit,
		"accepted":         domain.BrokerPendingSubmit,
		"new":              domain.BrokerSubmitted,
		"partially_filled": domain.BrokerSubmitted,
		"pending_cancel":   domain.BrokerPendingCancel,
		"canceled":         domain.BrokerCancelled,
		"filled":           domain.BrokerFilled,
		"expired":          domain.BrokerInactive,
		"rejected":         domain.BrokerInactive,
	}
	for in, want := range tests {
		got, ok := AlpacaStatus(in)
		if !ok || got != want {
			t.Errorf("AlpacaStatus(%q) = (%q, %v), want %q", in, got, ok, want)
		}
	}
	if _, ok := AlpacaStatus("held"); ok {
		t.Error("AlpacaStatus(held) should be unmapped")
	}
}
