// Package chorecache holds the in-memory view of what the broker currently
// reports for every in-flight chore. A single mutex guards the whole map so
// that check-then-act sequences are atomic across event handlers, placement
// calls and reconciliation.
package chorecache

import (
	"sort"
	"sync"

	"chorelink/internal/domain"
)

// Entry is the last-known broker state of one chore plus the ledger
// bookkeeping the event processor needs.
type Entry struct {
	Barter domain.Barter
	// LedgerStarted is set once a NEW entry has been appended.
	LedgerStarted bool
	// Acked is set once an ACK entry has been appended.
	Acked bool
	// LoggedEvent is the last status-change event appended.
	LoggedEvent domain.ChoreEventType
	// CumFilled is the cumulative quantity of the last appended fill.
	CumFilled int64
	// FillNotional is the summed notional of the appended fills.
	FillNotional float64
}

// Cache maps chore id to Entry.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// Tx is the view of the cache inside a critical section. It must not be
// retained after Do returns.
type Tx struct {
	c *Cache
}

// Do runs fn with the cache lock held.
func (c *Cache) Do(fn func(tx *Tx)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&Tx{c: c})
}

// Get returns the live entry for id. Mutations through the pointer are
// visible to later critical sections.
func (tx *Tx) Get(id string) (*Entry, bool) {
	e, ok := tx.c.entries[id]
	return e, ok
}

// Put overwrites the entry for id.
func (tx *Tx) Put(id string, e *Entry) {
	tx.c.entries[id] = e
}

// Remove deletes id and reports whether it was present.
func (tx *Tx) Remove(id string) bool {
	_, ok := tx.c.entries[id]
	delete(tx.c.entries, id)
	return ok
}

// IDs returns the cached ids in sorted order.
func (tx *Tx) IDs() []string {
	ids := make([]string, 0, len(tx.c.entries))
	for id := range tx.c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of cached chores.
func (tx *Tx) Len() int { return len(tx.c.entries) }

// Get returns a copy of the entry for id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of cached chores.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// IDs returns the cached ids in sorted order.
func (c *Cache) IDs() []string {
	var ids []string
	c.Do(func(tx *Tx) { ids = tx.IDs() })
	return ids
}
