// Package marketdata keeps the per-symbol top-of-book and static reference
// data the basket manager prices from, refreshed by a poller over a
// pluggable Source.
package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"chorelink/internal/domain"
)

// Store is the read-mostly book cache. The zero value is not usable; call
// NewStore.
type Store struct {
	mu          sync.RWMutex
	books       map[string]domain.TopOfBook
	ticks       map[string]float64
	watched     map[string]bool
	resubs      map[string]int
	defaultTick float64
	staleAfter  time.Duration
	now         func() time.Time

	poke chan struct{}
}

// NewStore creates a cache. defaultTick applies to symbols without static
// data; staleAfter of zero never ages quotes out.
func NewStore(defaultTick float64, staleAfter time.Duration) *Store {
	return &Store{
		books:       make(map[string]domain.TopOfBook),
		ticks:       make(map[string]float64),
		watched:     make(map[string]bool),
		resubs:      make(map[string]int),
		defaultTick: defaultTick,
		staleAfter:  staleAfter,
		now:         time.Now,
		poke:        make(chan struct{}, 1),
	}
}

// Subscribe adds symbols to the polled set.
func (s *Store) Subscribe(symbols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.watched[sym] = true
	}
}

// Symbols returns the polled set.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.watched))
	for sym := range s.watched {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Update records a quote. A positive TickSize on the quote is kept as the
// symbol's static tick.
func (s *Store) Update(b domain.TopOfBook) {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.TickSize > 0 {
		s.ticks[b.Symbol] = b.TickSize
	}
	s.books[b.Symbol] = b
}

// SetTick records static tick size for a symbol.
func (s *Store) SetTick(symbol string, tick float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[symbol] = tick
}

// Book returns the last quote for symbol with its tick size filled in.
func (s *Store) Book(symbol string) (domain.TopOfBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[symbol]
	if !ok {
		return domain.TopOfBook{}, false
	}
	b.TickSize = s.tickLocked(symbol)
	return b, true
}

// Ready reports whether symbol has a valid, fresh quote and a tick size.
func (s *Store) Ready(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[symbol]
	if !ok || !b.Valid() || s.tickLocked(symbol) <= 0 {
		return false
	}
	return s.staleAfter <= 0 || s.now().Sub(b.UpdatedAt) <= s.staleAfter
}

// Resubscribe asks the poller for an immediate refresh of symbol.
func (s *Store) Resubscribe(_ context.Context, symbol string) error {
	s.mu.Lock()
	s.watched[symbol] = true
	s.resubs[symbol]++
	s.mu.Unlock()
	select {
	case s.poke <- struct{}{}:
	default:
	}
	return nil
}

// Resubscriptions returns how often symbol was resubscribed.
func (s *Store) Resubscriptions(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resubs[symbol]
}

func (s *Store) tickLocked(symbol string) float64 {
	if t, ok := s.ticks[symbol]; ok && t > 0 {
		return t
	}
	return s.defaultTick
}
