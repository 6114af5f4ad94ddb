package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"chorelink/internal/domain"
	"chorelink/internal/util"
)

// Compile-time interface check.
var _ Adapter = (*AlpacaBroker)(nil)

// alpacaClient is the subset of *alpaca.Client the adapter uses.
type alpacaClient interface {
	GetAccount() (*alpaca.Account, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	ReplaceOrder(orderID string, req alpaca.ReplaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	StreamTradeUpdatesInBackground(ctx context.Context, handler func(alpaca.TradeUpdate))
}

// AlpacaBroker implements Adapter on the Alpaca trading API. Order state
// changes arrive through the trade-update stream and are translated into
// domain events.
type AlpacaBroker struct {
	client  alpacaClient
	limiter *util.RateLimiter
	events  chan domain.BrokerEvent
	log     *slog.Logger

	account  string
	exchange string

	mu         sync.Mutex
	connected  bool
	stopStream context.CancelFunc
}

// AlpacaOptions configures NewAlpacaBroker.
type AlpacaOptions struct {
	APIKey      string
	APISecret   string
	BaseURL     string
	Account     string
	Exchange    string
	RatePerMin  int
	EventBuffer int
	Logger      *slog.Logger
}

// NewAlpacaBroker creates an adapter for the given credentials and endpoint.
func NewAlpacaBroker(opts AlpacaOptions) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	return newAlpacaBroker(client, opts)
}

func newAlpacaBroker(client alpacaClient, opts AlpacaOptions) *AlpacaBroker {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 4096
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaBroker{
		client:   client,
		limiter:  util.NewRateLimiter(opts.RatePerMin, 10),
		events:   make(chan domain.BrokerEvent, opts.EventBuffer),
		log:      log.With("component", "broker", "broker", "alpaca"),
		account:  opts.Account,
		exchange: opts.Exchange,
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Connect checks the account is reachable and starts the trade-update
// stream.
func (b *AlpacaBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	err := util.Retry(ctx, 3, 200*time.Millisecond, func(ctx context.Context) error {
		if err := b.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		acct, err := b.client.GetAccount()
		if err != nil {
			return err
		}
		if acct.TradingBlocked {
			return util.Permanent(errors.New("trading blocked on account"))
		}
		if b.account == "" {
			b.account = acct.AccountNumber
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("alpaca connect: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	b.stopStream = cancel
	b.client.StreamTradeUpdatesInBackground(streamCtx, b.onTradeUpdate)
	b.connected = true
	b.log.Info("connected", "account", b.account)
	return nil
}

// Disconnect stops the trade-update stream.
func (b *AlpacaBroker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopStream != nil {
		b.stopStream()
		b.stopStream = nil
	}
	b.connected = false
	return nil
}

// IsConnected reports the connection flag.
func (b *AlpacaBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Events returns the push-event stream.
func (b *AlpacaBroker) Events() <-chan domain.BrokerEvent {
	return b.events
}

func (b *AlpacaBroker) ready(ctx context.Context) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	return b.limiter.Wait(ctx)
}

// SubmitChore places a day limit order, or a market order when the spec
// carries no price.
func (b *AlpacaBroker) SubmitChore(ctx context.Context, spec domain.ChoreSpec) (domain.Barter, error) {
	if err := b.ready(ctx); err != nil {
		return domain.Barter{}, err
	}
	qty := decimal.NewFromInt(spec.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        spec.Security.SystemID,
		Qty:           &qty,
		Side:          alpacaSide(spec.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: spec.ClientRef,
	}
	if !spec.IsMarket() {
		px := decimal.NewFromFloat(spec.Px)
		req.Type = alpaca.Limit
		req.LimitPrice = &px
	}
	o, err := b.client.PlaceOrder(req)
	if err != nil {
		return domain.Barter{}, fmt.Errorf("alpaca place order: %w", err)
	}
	bt := b.toBarter(*o)
	// Alpaca has no short-sell side; keep the requested one.
	bt.Side = spec.Side
	bt.Security = spec.Security
	return bt, nil
}

// AmendChore replaces the order. Alpaca assigns the replacement a new id.
func (b *AlpacaBroker) AmendChore(ctx context.Context, id string, px float64, qty int64) (domain.Barter, error) {
	if err := b.ready(ctx); err != nil {
		return domain.Barter{}, err
	}
	var req alpaca.ReplaceOrderRequest
	if qty > 0 {
		q := decimal.NewFromInt(qty)
		req.Qty = &q
	}
	if px > 0 {
		p := decimal.NewFromFloat(px)
		req.LimitPrice = &p
	}
	o, err := b.client.ReplaceOrder(id, req)
	if err != nil {
		return domain.Barter{}, fmt.Errorf("alpaca replace order %s: %w", id, err)
	}
	return b.toBarter(*o), nil
}

// CancelChore requests cancellation and returns the order as it stands
// after the request.
func (b *AlpacaBroker) CancelChore(ctx context.Context, id string) (domain.Barter, error) {
	if err := b.ready(ctx); err != nil {
		return domain.Barter{}, err
	}
	if err := b.client.CancelOrder(id); err != nil {
		return domain.Barter{}, fmt.Errorf("alpaca cancel order %s: %w", id, err)
	}
	o, err := b.client.GetOrder(id)
	if err != nil {
		return domain.Barter{}, fmt.Errorf("alpaca get order %s: %w", id, err)
	}
	return b.toBarter(*o), nil
}

// QueryOpenChores lists open orders.
func (b *AlpacaBroker) QueryOpenChores(ctx context.Context) ([]domain.Barter, error) {
	return b.list(ctx, "open")
}

// QueryAllBarters lists today's orders in any state.
func (b *AlpacaBroker) QueryAllBarters(ctx context.Context) ([]domain.Barter, error) {
	return b.list(ctx, "all")
}

func (b *AlpacaBroker) list(ctx context.Context, status string) ([]domain.Barter, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	now := time.Now()
	orders, err := b.client.GetOrders(alpaca.GetOrdersRequest{
		Status: status,
		Limit:  500,
		After:  time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()),
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca get orders: %w", err)
	}
	out := make([]domain.Barter, 0, len(orders))
	for _, o := range orders {
		out = append(out, b.toBarter(o))
	}
	return out, nil
}

func (b *AlpacaBroker) onTradeUpdate(tu alpaca.TradeUpdate) {
	bt := b.toBarter(tu.Order)
	switch tu.Event {
	case "fill", "partial_fill":
		var qty int64
		var px float64
		if tu.Qty != nil {
			qty = tu.Qty.IntPart()
		}
		if tu.Price != nil {
			px = tu.Price.InexactFloat64()
		}
		at := tu.At
		if tu.Timestamp != nil {
			at = *tu.Timestamp
		}
		b.events <- domain.Execution{
			Barter: bt,
			Fill: domain.FillDetail{
				ExecID: tu.ExecutionID,
				Side:   string(tu.Order.Side),
				Px:     px,
				Qty:    qty,
				Time:   at,
			},
		}
		if tu.Event == "fill" {
			b.events <- domain.StatusUpdate{Barter: bt}
		}
	default:
		b.events <- domain.StatusUpdate{Barter: bt}
	}
}

func (b *AlpacaBroker) toBarter(o alpaca.Order) domain.Barter {
	status, ok := AlpacaStatus(o.Status)
	if !ok {
		b.log.Error("unmapped alpaca order status", "choreID", o.ID, "status", o.Status)
		status = domain.BrokerStatus(o.Status)
	}
	var total int64
	if o.Qty != nil {
		total = o.Qty.IntPart()
	}
	filled := o.FilledQty.IntPart()
	var avg, limit float64
	if o.FilledAvgPrice != nil {
		avg = o.FilledAvgPrice.InexactFloat64()
	}
	if o.LimitPrice != nil {
		limit = o.LimitPrice.InexactFloat64()
	}
	remaining := total - filled
	if status.IsTerminal() {
		remaining = 0
	}
	side := domain.SideBuy
	if o.Side == alpaca.Sell {
		side = domain.SideSell
	}
	return domain.Barter{
		ID:        o.ID,
		Security:  domain.SecurityRef{SystemID: o.Symbol, Source: "TICKER", InstType: domain.InstrumentEquity},
		Side:      side,
		Account:   b.account,
		Exchange:  b.exchange,
		LimitPx:   limit,
		TotalQty:  total,
		Status:    status,
		Filled:    filled,
		Remaining: remaining,
		AvgFillPx: avg,
		UpdatedAt: o.UpdatedAt,
	}
}

// AlpacaStatus maps an Alpaca order status onto the broker-neutral set.
func AlpacaStatus(s string) (domain.BrokerStatus, bool) {
	switch s {
	case "pending_new", "accepted":
		return domain.BrokerPendingSubmit, true
	case "new", "partially_filled", "accepted_for_bidding", "calculated":
		return domain.BrokerSubmitted, true
	case "pending_cancel", "pending_replace":
		return domain.BrokerPendingCancel, true
	case "canceled", "replaced":
		return domain.BrokerCancelled, true
	case "filled":
		return domain.BrokerFilled, true
	case "expired", "done_for_day", "rejected", "suspended", "stopped":
		return domain.BrokerInactive, true
	}
	return "", false
}

func alpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideBuy {
		return alpaca.Buy
	}
	return alpaca.Sell
}
