package marketdata

import (
	"context"
	"log/slog"
	"time"
)

// Poller refreshes a Store from a Source on an interval and whenever a
// symbol is resubscribed.
type Poller struct {
	store    *Store
	src      Source
	interval time.Duration
	log      *slog.Logger
}

// NewPoller creates a poller. interval defaults to one second.
func NewPoller(store *Store, src Source, interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		store:    store,
		src:      src,
		interval: interval,
		log:      log.With("component", "marketdata", "source", src.Name()),
	}
}

// PollOnce fetches every watched symbol and returns how many were updated.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	symbols := p.store.Symbols()
	if len(symbols) == 0 {
		return 0, nil
	}
	books, err := p.src.Fetch(ctx, symbols)
	for _, b := range books {
		p.store.Update(b)
	}
	return len(books), err
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("market data poller started", "interval", p.interval)
	for {
		if n, err := p.PollOnce(ctx); err != nil {
			p.log.Warn("poll failed", "updated", n, "error", err)
		}
		select {
		case <-ctx.Done():
			p.log.Info("market data poller stopped")
			return
		case <-ticker.C:
		case <-p.store.poke:
		}
	}
}
