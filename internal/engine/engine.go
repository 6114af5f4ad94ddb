// Package engine is the broker link: it turns broker push events into
// ledger entries, reconciles the broker with the persisted store, and
// exposes the chore placement surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chorelink/internal/bridge"
	"chorelink/internal/broker"
	"chorelink/internal/chorecache"
	"chorelink/internal/domain"
)

// ErrKillSwitch is reported when a submission is refused because the kill
// switch is active.
var ErrKillSwitch = errors.New("engine: kill switch active")

// Phase is the mode of the event processor.
type Phase int32

const (
	// PhaseReconciling suppresses live ledger writes; events only update
	// the cache.
	PhaseReconciling Phase = iota
	// PhaseLive appends ledger entries for every event.
	PhaseLive
)

func (p Phase) String() string {
	if p == PhaseLive {
		return "live"
	}
	return "reconciling"
}

// State is what the engine reports to its listeners.
type State struct {
	Phase  Phase
	Killed bool
}

// Callbacks are the persistence hooks the engine writes through.
type Callbacks struct {
	CreateChoreLedger  func(ctx context.Context, entry domain.ChoreLedger) error
	CreateFillLedger   func(ctx context.Context, entry domain.FillLedger) error
	PatchChoreSnapshot func(ctx context.Context, patch domain.ChoreSnapshotPatch) error
}

func (c Callbacks) complete() bool {
	return c.CreateChoreLedger != nil && c.CreateFillLedger != nil && c.PatchChoreSnapshot != nil
}

// Options tunes timeouts and collaborators. Zero durations take defaults.
type Options struct {
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	SettleDelay        time.Duration
	BatchCancelTimeout time.Duration
	// RecoverBackoff is the first wait between recovery attempts after a
	// disconnect; it doubles up to maxRecoverBackoff.
	RecoverBackoff time.Duration
	// Snapshots lists the persisted snapshots for the reconciliation pass
	// that follows a reconnect. Without it recovery only replays what the
	// event stream missed for cached chores.
	Snapshots func(ctx context.Context) ([]domain.ChoreSnapshot, error)
	Risk      *RiskManager
	Logger    *slog.Logger
	Now       func() time.Time
}

func (o *Options) defaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.BatchCancelTimeout <= 0 {
		o.BatchCancelTimeout = 10 * time.Second
	}
	if o.RecoverBackoff <= 0 {
		o.RecoverBackoff = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine owns the chore cache and serialises every broker call through a
// single bridge loop.
type Engine struct {
	adapter broker.Adapter
	cache   *chorecache.Cache
	loop    *bridge.Loop
	cb      Callbacks
	risk    *RiskManager
	opts    Options
	log     *slog.Logger

	// phase and closed are guarded by the cache lock.
	phase  Phase
	closed map[string]chorecache.Entry

	killed atomic.Bool

	// stale is set by a disconnect and cleared by a successful Recover.
	stale      atomic.Bool
	recovering atomic.Bool
	recoverMu  sync.Mutex

	listenMu  sync.Mutex
	listeners []func(State)
}

// New creates an engine in the reconciling phase. Live ledger writes start
// after the first successful Reconcile.
func New(adapter broker.Adapter, cache *chorecache.Cache, cb Callbacks, opts Options) *Engine {
	opts.defaults()
	if cache == nil {
		cache = chorecache.New()
	}
	log := opts.Logger.With("component", "engine", "broker", adapter.Name())
	return &Engine{
		adapter: adapter,
		cache:   cache,
		loop:    bridge.NewLoop(256, log),
		cb:      cb,
		risk:    opts.Risk,
		opts:    opts,
		log:     log,
		phase:   PhaseReconciling,
		closed:  make(map[string]chorecache.Entry),
	}
}

// Cache exposes the chore cache for read-only inspection.
func (e *Engine) Cache() *chorecache.Cache { return e.cache }

// Start launches the bridge loop. It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	go e.loop.Run(ctx)
}

// Run starts the bridge loop and dispatches broker events until ctx is
// done. The adapter's stream is drained into an unbounded queue so a
// handler waiting on the cache lock never stalls the adapter's sends. A
// disconnect starts recovery in the background.
func (e *Engine) Run(ctx context.Context) error {
	e.Start(ctx)
	q := newEventQueue()
	go q.fill(ctx, e.adapter.Events())
	for {
		ev, ok := q.pop(ctx)
		if !ok {
			return ctx.Err()
		}
		e.Dispatch(ctx, ev)
		if _, down := ev.(domain.Disconnected); down {
			go e.recoverLoop(ctx)
		}
	}
}

// Dispatch routes one broker event to its handler.
func (e *Engine) Dispatch(ctx context.Context, ev domain.BrokerEvent) {
	switch ev := ev.(type) {
	case domain.StatusUpdate:
		e.OnStatusUpdate(ctx, ev.Barter)
	case domain.Execution:
		e.OnExecution(ctx, ev.Barter, ev.Fill)
	case domain.BrokerError:
		e.OnError(ctx, ev)
	case domain.Disconnected:
		e.OnDisconnected(ev.Reason)
	default:
		e.log.Error("unknown broker event", "type", fmt.Sprintf("%T", ev))
	}
}

// Phase returns the current processing phase.
func (e *Engine) Phase() Phase {
	var p Phase
	e.cache.Do(func(*chorecache.Tx) { p = e.phase })
	return p
}

// State returns the phase and kill-switch flag.
func (e *Engine) State() State {
	return State{Phase: e.Phase(), Killed: e.killed.Load()}
}

// Subscribe registers fn to be called on every phase or kill-switch
// change. fn is called once immediately with the current state.
func (e *Engine) Subscribe(fn func(State)) {
	e.listenMu.Lock()
	e.listeners = append(e.listeners, fn)
	e.listenMu.Unlock()
	fn(e.State())
}

func (e *Engine) notify() {
	st := e.State()
	e.listenMu.Lock()
	ls := append([]func(State){}, e.listeners...)
	e.listenMu.Unlock()
	for _, fn := range ls {
		fn(st)
	}
}

func (e *Engine) setPhase(p Phase) {
	changed := false
	e.cache.Do(func(*chorecache.Tx) {
		changed = e.phase != p
		e.phase = p
	})
	if changed {
		e.log.Info("phase changed", "phase", p.String())
		e.notify()
	}
}

// ensureConnected makes the adapter usable for a request, running
// recovery first when the link dropped since the last pass.
func (e *Engine) ensureConnected(ctx context.Context) error {
	if e.stale.Load() {
		return e.Recover(ctx)
	}
	return e.connect(ctx)
}

// connect connects the adapter through the bridge if needed.
func (e *Engine) connect(ctx context.Context) error {
	if e.adapter.IsConnected() {
		return nil
	}
	_, err := bridge.Call(ctx, e.loop, e.opts.ConnectTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.adapter.Connect(ctx)
	})
	if err != nil {
		e.log.Error("broker connect failed", "error", err)
	}
	return err
}

// closeChore removes id from the cache and remembers its final entry.
// Callers hold the cache lock.
func (e *Engine) closeChore(tx *chorecache.Tx, id string, entry *chorecache.Entry) {
	tx.Remove(id)
	e.closed[id] = *entry
}
