package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"chorelink/internal/domain"
)

// Compile-time interface check.
var _ Adapter = (*SimulatorBroker)(nil)

// SimOption configures a SimulatorBroker.
type SimOption func(*SimulatorBroker)

// WithAutoAck controls whether submitted chores move straight to Submitted.
func WithAutoAck(on bool) SimOption { return func(b *SimulatorBroker) { b.autoAck = on } }

// WithFillOnSubmit fills every submitted chore in full at its limit price.
func WithFillOnSubmit(on bool) SimOption { return func(b *SimulatorBroker) { b.fillOnSubmit = on } }

// WithManualCancel leaves cancelled chores in PendingCancel until
// SetStatus confirms them.
func WithManualCancel(on bool) SimOption { return func(b *SimulatorBroker) { b.manualCancel = on } }

// WithEventBuffer sets the capacity of the push-event channel.
func WithEventBuffer(n int) SimOption { return func(b *SimulatorBroker) { b.buffer = n } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SimOption { return func(b *SimulatorBroker) { b.now = now } }

// SimulatorBroker is an in-memory broker for paper trading and tests. It
// keeps chores in a map and pushes the same event variants a live adapter
// produces.
type SimulatorBroker struct {
	mu        sync.Mutex
	barters   map[string]*domain.Barter
	nextID    int
	execSeq   int
	connected bool
	events    chan domain.BrokerEvent

	connectErr error
	submitErr  error

	autoAck      bool
	fillOnSubmit bool
	manualCancel bool
	buffer       int
	now          func() time.Time
}

// NewSimulatorBroker creates a simulator. By default chores are
// acknowledged on submit and cancels confirm immediately.
func NewSimulatorBroker(opts ...SimOption) *SimulatorBroker {
	b := &SimulatorBroker{
		barters: make(map[string]*domain.Barter),
		nextID:  1000,
		autoAck: true,
		buffer:  4096,
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.events = make(chan domain.BrokerEvent, b.buffer)
	return b
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Connect marks the simulator connected unless SetConnectError is armed.
func (b *SimulatorBroker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	return nil
}

// Disconnect marks the simulator disconnected without emitting an event.
func (b *SimulatorBroker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// IsConnected reports the connection flag.
func (b *SimulatorBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Events returns the push-event stream.
func (b *SimulatorBroker) Events() <-chan domain.BrokerEvent {
	return b.events
}

// SubmitChore records the chore as PendingSubmit and, depending on
// options, acknowledges and fills it.
func (b *SimulatorBroker) SubmitChore(_ context.Context, spec domain.ChoreSpec) (domain.Barter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return domain.Barter{}, ErrNotConnected
	}
	if b.submitErr != nil {
		return domain.Barter{}, b.submitErr
	}
	if spec.Qty <= 0 {
		return domain.Barter{}, fmt.Errorf("simulator: invalid qty %d", spec.Qty)
	}

	b.nextID++
	bt := &domain.Barter{
		ID:        strconv.Itoa(b.nextID),
		Security:  spec.Security,
		Side:      spec.Side,
		Account:   spec.Account,
		Exchange:  spec.Exchange,
		LimitPx:   spec.Px,
		TotalQty:  spec.Qty,
		Status:    domain.BrokerPendingSubmit,
		Remaining: spec.Qty,
		Text:      append([]string(nil), spec.Text...),
		UpdatedAt: b.now(),
	}
	b.barters[bt.ID] = bt
	b.emitStatus(bt)

	if b.autoAck || b.fillOnSubmit {
		bt.Status = domain.BrokerSubmitted
		b.emitStatus(bt)
	}
	if b.fillOnSubmit {
		b.fillLocked(bt, bt.TotalQty, bt.LimitPx, nativeSide(bt.Side))
	}
	return *bt, nil
}

// AmendChore changes the working price and/or quantity.
func (b *SimulatorBroker) AmendChore(_ context.Context, id string, px float64, qty int64) (domain.Barter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return domain.Barter{}, ErrNotConnected
	}
	bt, ok := b.barters[id]
	if !ok {
		return domain.Barter{}, fmt.Errorf("%w: %s", ErrUnknownChore, id)
	}
	if bt.Status.IsTerminal() {
		return *bt, fmt.Errorf("%w: %s is %s", ErrChoreClosed, id, bt.Status)
	}
	if qty > 0 {
		if qty <= bt.Filled {
			return *bt, fmt.Errorf("simulator: amend qty %d not above filled %d", qty, bt.Filled)
		}
		bt.TotalQty = qty
		bt.Remaining = qty - bt.Filled
	}
	if px > 0 {
		bt.LimitPx = px
	}
	bt.Status = domain.BrokerSubmitted
	bt.UpdatedAt = b.now()
	b.emitStatus(bt)
	return *bt, nil
}

// CancelChore moves the chore to PendingCancel and, unless manual cancel
// is on, to Cancelled.
func (b *SimulatorBroker) CancelChore(_ context.Context, id string) (domain.Barter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return domain.Barter{}, ErrNotConnected
	}
	bt, ok := b.barters[id]
	if !ok {
		return domain.Barter{}, fmt.Errorf("%w: %s", ErrUnknownChore, id)
	}
	if bt.Status.IsTerminal() {
		return *bt, nil
	}
	bt.Status = domain.BrokerPendingCancel
	bt.UpdatedAt = b.now()
	b.emitStatus(bt)
	if !b.manualCancel {
		b.setStatusLocked(bt, domain.BrokerCancelled)
	}
	return *bt, nil
}

// QueryOpenChores returns the non-terminal chores.
func (b *SimulatorBroker) QueryOpenChores(_ context.Context) ([]domain.Barter, error) {
	return b.query(true)
}

// QueryAllBarters returns every chore, open or closed.
func (b *SimulatorBroker) QueryAllBarters(_ context.Context) ([]domain.Barter, error) {
	return b.query(false)
}

func (b *SimulatorBroker) query(openOnly bool) ([]domain.Barter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	out := make([]domain.Barter, 0, len(b.barters))
	for _, bt := range b.barters {
		if openOnly && bt.Status.IsTerminal() {
			continue
		}
		out = append(out, *bt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Seed installs a chore as if it had been submitted in an earlier session.
// No events are emitted.
func (b *SimulatorBroker) Seed(bt domain.Barter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := bt
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = b.now()
	}
	b.barters[c.ID] = &c
}

// Barter returns the simulator's current view of id.
func (b *SimulatorBroker) Barter(id string) (domain.Barter, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bt, ok := b.barters[id]
	if !ok {
		return domain.Barter{}, false
	}
	return *bt, true
}

// Fill executes qty at px against id and emits an Execution, followed by a
// Filled status update once nothing remains.
func (b *SimulatorBroker) Fill(id string, qty int64, px float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bt, ok := b.barters[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChore, id)
	}
	return b.fillLocked(bt, qty, px, nativeSide(bt.Side))
}

// FillAs is Fill with an explicit broker-native side string.
func (b *SimulatorBroker) FillAs(id string, qty int64, px float64, side string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bt, ok := b.barters[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChore, id)
	}
	return b.fillLocked(bt, qty, px, side)
}

func (b *SimulatorBroker) fillLocked(bt *domain.Barter, qty int64, px float64, side string) error {
	if bt.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrChoreClosed, bt.ID, bt.Status)
	}
	if qty <= 0 || qty > bt.Remaining {
		return fmt.Errorf("simulator: fill qty %d outside remaining %d", qty, bt.Remaining)
	}
	notional := bt.AvgFillPx*float64(bt.Filled) + px*float64(qty)
	bt.Filled += qty
	bt.Remaining -= qty
	bt.AvgFillPx = notional / float64(bt.Filled)
	bt.UpdatedAt = b.now()
	if bt.Remaining == 0 {
		bt.Status = domain.BrokerFilled
	}

	b.execSeq++
	b.events <- domain.Execution{
		Barter: *bt,
		Fill: domain.FillDetail{
			ExecID: fmt.Sprintf("sim-%s-%d", bt.ID, b.execSeq),
			Side:   side,
			Px:     px,
			Qty:    qty,
			Time:   bt.UpdatedAt,
		},
	}
	if bt.Status == domain.BrokerFilled {
		b.emitStatus(bt)
	}
	return nil
}

// SetStatus forces a status change, as when the broker cancels or lapses
// a chore on its own.
func (b *SimulatorBroker) SetStatus(id string, status domain.BrokerStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bt, ok := b.barters[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChore, id)
	}
	b.setStatusLocked(bt, status)
	return nil
}

func (b *SimulatorBroker) setStatusLocked(bt *domain.Barter, status domain.BrokerStatus) {
	bt.Status = status
	if status.IsTerminal() {
		bt.Remaining = 0
	}
	bt.UpdatedAt = b.now()
	b.emitStatus(bt)
}

// InjectError pushes a broker error event.
func (b *SimulatorBroker) InjectError(requestID string, code int, msg string) {
	b.events <- domain.BrokerError{RequestID: requestID, Code: code, Message: msg}
}

// DropConnection marks the simulator disconnected and pushes a
// Disconnected event.
func (b *SimulatorBroker) DropConnection(reason string) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	b.events <- domain.Disconnected{Reason: reason}
}

// SetConnectError makes Connect fail with err until cleared with nil.
func (b *SimulatorBroker) SetConnectError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// SetSubmitError makes SubmitChore fail with err until cleared with nil.
func (b *SimulatorBroker) SetSubmitError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErr = err
}

func (b *SimulatorBroker) emitStatus(bt *domain.Barter) {
	b.events <- domain.StatusUpdate{Barter: *bt}
}

func nativeSide(s domain.Side) string {
	switch s {
	case domain.SideBuy:
		return "BOT"
	case domain.SideSell:
		return "SLD"
	case domain.SideShortSell:
		return "SSHORT"
	}
	return string(s)
}
