// Package basket is the order-management loop: it owns symbol-keyed chores
// and drives each through submission, amendment and cleanup on a periodic
// cycle.
package basket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chorelink/internal/domain"
	"chorelink/internal/engine"
	"chorelink/internal/store"
)

// Placer is the chore placement surface the manager drives.
type Placer interface {
	PlaceNewChore(ctx context.Context, req engine.NewChoreRequest) (bool, string)
	ReplaceChore(ctx context.Context, id string, px *float64, qty *int64) (string, bool)
	PlaceCancelChore(ctx context.Context, id string) bool
	GetChoreStatus(id string) (engine.ChoreStatus, bool)
	KillSwitchActive() bool
}

// MarketData is the per-symbol book cache the manager prices from.
type MarketData interface {
	Subscribe(symbols ...string)
	Book(symbol string) (domain.TopOfBook, bool)
	Ready(symbol string) bool
	Resubscribe(ctx context.Context, symbol string) error
}

// Config tunes the cycle. Zero values take defaults.
type Config struct {
	CycleInterval     time.Duration
	FastCycleInterval time.Duration
	// StaleAfter is how long a symbol's market data may stay unready
	// before it is resubscribed.
	StaleAfter       time.Duration
	MaxResubscribe   int
	SoftAmend        bool
	SoftAmendRetries int
	SoftAmendSleep   time.Duration
	MaxSubmitRetries int
	DeferWarnEvery   time.Duration
	Control          engine.OrderControl
}

func (c *Config) defaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 5 * time.Second
	}
	if c.FastCycleInterval <= 0 {
		c.FastCycleInterval = 500 * time.Millisecond
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.MaxResubscribe <= 0 {
		c.MaxResubscribe = 3
	}
	if c.SoftAmendRetries <= 0 {
		c.SoftAmendRetries = 10
	}
	if c.SoftAmendSleep <= 0 {
		c.SoftAmendSleep = 500 * time.Millisecond
	}
	if c.MaxSubmitRetries <= 0 {
		c.MaxSubmitRetries = 3
	}
	if c.DeferWarnEvery <= 0 {
		c.DeferWarnEvery = 10 * time.Second
	}
}

// ErrUnknownChore is returned for a ref the manager does not hold.
var ErrUnknownChore = errors.New("basket: unknown chore")

type requestKind int

const (
	reqAdd requestKind = iota
	reqAmend
	reqCancel
)

type request struct {
	kind  requestKind
	chore domain.Chore
	ref   string
	px    float64
	qty   int64
}

// Manager owns the managed chores. Requests from other goroutines queue in
// an inbox that the cycle drains, so callers never wait on broker calls.
type Manager struct {
	placer Placer
	md     MarketData
	store  store.BasketStore
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	inboxMu sync.Mutex
	inbox   []request

	// Guarded by mu; held for a whole cycle.
	mu         sync.Mutex
	chores     map[string][]*domain.Chore
	unready    map[string]time.Time
	resubs     map[string]int
	lastWarned map[string]time.Time
}

// New creates a manager. st may be nil, in which case nothing is persisted.
func New(placer Placer, md MarketData, st store.BasketStore, cfg Config, log *slog.Logger) *Manager {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		placer:     placer,
		md:         md,
		store:      st,
		cfg:        cfg,
		log:        log.With("component", "basket"),
		now:        time.Now,
		sleep:      sleepCtx,
		chores:     make(map[string][]*domain.Chore),
		unready:    make(map[string]time.Time),
		resubs:     make(map[string]int),
		lastWarned: make(map[string]time.Time),
	}
}

// Load restores persisted chores. Call before Run.
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	list, err := m.store.ListChores(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading basket: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range list {
		if c.SubmitState == domain.SubmitNA {
			continue
		}
		m.chores[c.Symbol()] = append(m.chores[c.Symbol()], &c)
		m.md.Subscribe(c.Symbol())
	}
	m.log.Info("basket loaded", "chores", len(list))
	return len(list), nil
}

// Add queues a new managed chore and returns its logical id.
func (m *Manager) Add(ctx context.Context, c domain.Chore) (string, error) {
	switch {
	case c.Symbol() == "":
		return "", errors.New("basket: missing symbol")
	case c.Qty <= 0:
		return "", fmt.Errorf("basket: qty %d must be positive", c.Qty)
	case c.Px < 0:
		return "", fmt.Errorf("basket: px %g must not be negative", c.Px)
	}
	if _, res := domain.MapFillSide(string(c.Side)); res != domain.Mapped {
		return "", fmt.Errorf("basket: unknown side %q", c.Side)
	}
	if c.Ref == "" {
		c.Ref = uuid.NewString()
	}
	c.ID = ""
	c.SubmitState = domain.SubmitPending
	c.AddedAt = m.now()
	c.MarketTracking = c.MarketTracking || c.Px == 0

	m.persist(ctx, &c)
	m.md.Subscribe(c.Symbol())
	m.push(request{kind: reqAdd, chore: c})
	m.log.Info("chore queued", "ref", c.Ref, "symbol", c.Symbol(), "side", c.Side, "qty", c.Qty, "px", c.Px)
	return c.Ref, nil
}

// Amend queues a price and/or quantity change; zero leaves a field as is.
func (m *Manager) Amend(ref string, px float64, qty int64) error {
	if px <= 0 && qty <= 0 {
		return errors.New("basket: amend without changes")
	}
	m.push(request{kind: reqAmend, ref: ref, px: px, qty: qty})
	return nil
}

// Cancel queues a cancellation.
func (m *Manager) Cancel(ref string) {
	m.push(request{kind: reqCancel, ref: ref})
}

// List returns a copy of every managed chore, including queued additions.
func (m *Manager) List() []domain.Chore {
	m.mu.Lock()
	var out []domain.Chore
	for _, list := range m.chores {
		for _, c := range list {
			out = append(out, *c)
		}
	}
	m.mu.Unlock()

	m.inboxMu.Lock()
	for _, r := range m.inbox {
		if r.kind == reqAdd {
			out = append(out, r.chore)
		}
	}
	m.inboxMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol() != out[j].Symbol() {
			return out[i].Symbol() < out[j].Symbol()
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

// Run cycles until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.log.Info("basket manager started", "interval", m.cfg.CycleInterval, "softAmend", m.cfg.SoftAmend)
	for {
		next := m.RunCycle(ctx)
		select {
		case <-ctx.Done():
			m.log.Info("basket manager stopped")
			return
		case <-time.After(next):
		}
	}
}

// RunCycle processes every symbol once and returns the delay before the
// next cycle: the fast interval while any symbol's market data is unready.
func (m *Manager) RunCycle(ctx context.Context) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.drainInbox(ctx)

	symbols := make([]string, 0, len(m.chores))
	for sym := range m.chores {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	fast := false
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		if m.cycleSymbol(ctx, sym) {
			fast = true
		}
		if len(m.chores[sym]) == 0 {
			delete(m.chores, sym)
			delete(m.unready, sym)
			delete(m.resubs, sym)
		}
	}
	if fast {
		return m.cfg.FastCycleInterval
	}
	return m.cfg.CycleInterval
}

func (m *Manager) push(r request) {
	m.inboxMu.Lock()
	m.inbox = append(m.inbox, r)
	m.inboxMu.Unlock()
}

// drainInbox applies queued requests. Callers hold mu.
func (m *Manager) drainInbox(ctx context.Context) {
	m.inboxMu.Lock()
	reqs := m.inbox
	m.inbox = nil
	m.inboxMu.Unlock()

	for _, r := range reqs {
		switch r.kind {
		case reqAdd:
			c := r.chore
			m.chores[c.Symbol()] = append(m.chores[c.Symbol()], &c)
		case reqAmend, reqCancel:
			c := m.find(r.ref)
			if c == nil {
				m.log.Warn("request for unknown chore", "ref", r.ref)
				continue
			}
			if r.kind == reqCancel {
				c.PendingCxl = true
			} else {
				c.PendingAmendPx = r.px
				c.PendingAmendQty = r.qty
			}
			m.persist(ctx, c)
		}
	}
}

// find returns the most recently added chore with the given ref. Callers
// hold mu.
func (m *Manager) find(ref string) *domain.Chore {
	var found *domain.Chore
	for _, list := range m.chores {
		for _, c := range list {
			if c.LogicalID() == ref && (found == nil || !c.AddedAt.Before(found.AddedAt)) {
				found = c
			}
		}
	}
	return found
}

func (m *Manager) persist(ctx context.Context, c *domain.Chore) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveChore(ctx, *c); err != nil {
		m.log.Error("persist chore failed", "ref", c.Ref, "choreID", c.ID, "error", err)
	}
}

func (m *Manager) forget(ctx context.Context, c *domain.Chore) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteChore(ctx, c.LogicalID()); err != nil {
		m.log.Error("forget chore failed", "ref", c.Ref, "choreID", c.ID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
