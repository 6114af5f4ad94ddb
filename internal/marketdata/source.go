package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/redis/go-redis/v9"

	"chorelink/internal/domain"
)

// ErrNoQuote is returned when a source has nothing usable for a symbol.
var ErrNoQuote = errors.New("marketdata: no quote")

// Source fetches the current top of book for a set of symbols. Symbols it
// has nothing for are omitted from the result.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbols []string) ([]domain.TopOfBook, error)
}

// Compile-time interface checks.
var (
	_ Source = (*AlpacaSource)(nil)
	_ Source = (*RedisSource)(nil)
	_ Source = (*StaticSource)(nil)
)

// ---------------------------------------------------------------------------
// Alpaca
// ---------------------------------------------------------------------------

// quoteClient is the part of *marketdata.Client the source uses.
type quoteClient interface {
	GetLatestQuotes(symbols []string, req marketdata.GetLatestQuoteRequest) (map[string]marketdata.Quote, error)
}

// AlpacaSource reads latest quotes from the Alpaca data API.
type AlpacaSource struct {
	client quoteClient
	feed   marketdata.Feed
}

// NewAlpacaSource creates a source from Alpaca credentials. An empty dataURL
// uses the SDK default.
func NewAlpacaSource(apiKey, apiSecret, dataURL string) *AlpacaSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaSource{client: marketdata.NewClient(opts), feed: marketdata.IEX}
}

func (a *AlpacaSource) Name() string { return "alpaca" }

func (a *AlpacaSource) Fetch(_ context.Context, symbols []string) ([]domain.TopOfBook, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	quotes, err := a.client.GetLatestQuotes(symbols, marketdata.GetLatestQuoteRequest{Feed: a.feed})
	if err != nil {
		return nil, fmt.Errorf("alpaca latest quotes: %w", err)
	}
	out := make([]domain.TopOfBook, 0, len(quotes))
	for sym, q := range quotes {
		out = append(out, domain.TopOfBook{
			Symbol:    sym,
			Bid:       q.BidPrice,
			Ask:       q.AskPrice,
			BidSize:   int64(q.BidSize),
			AskSize:   int64(q.AskSize),
			UpdatedAt: q.Timestamp,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// hashReader is the part of redis.UniversalClient the source uses.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisOptions configures NewRedisSource.
type RedisOptions struct {
	Addrs    []string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// RedisSource reads externally published top-of-book hashes stored at
// <prefix>tob:<symbol> with fields bid, ask, bid_size, ask_size, tick_size
// and ts (unix ms).
type RedisSource struct {
	client hashReader
	prefix string
	log    *slog.Logger
}

// NewRedisSource connects a standalone or cluster client depending on the
// number of addresses.
func NewRedisSource(opts RedisOptions, log *slog.Logger) *RedisSource {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        opts.Addrs,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	return &RedisSource{client: client, prefix: opts.Prefix, log: log.With("component", "marketdata", "source", "redis")}
}

func (r *RedisSource) Name() string { return "redis" }

// Key returns the hash key for symbol.
func (r *RedisSource) Key(symbol string) string { return r.prefix + "tob:" + symbol }

func (r *RedisSource) Fetch(ctx context.Context, symbols []string) ([]domain.TopOfBook, error) {
	var out []domain.TopOfBook
	for _, sym := range symbols {
		fields, err := r.client.HGetAll(ctx, r.Key(sym)).Result()
		if err != nil {
			return out, fmt.Errorf("redis hgetall %s: %w", r.Key(sym), err)
		}
		b, err := parseTopOfBook(sym, fields)
		if err != nil {
			r.log.Debug("skipping symbol", "symbol", sym, "error", err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func parseTopOfBook(symbol string, fields map[string]string) (domain.TopOfBook, error) {
	if len(fields) == 0 {
		return domain.TopOfBook{}, ErrNoQuote
	}
	b := domain.TopOfBook{Symbol: symbol}
	var err error
	num := func(key string, required bool) float64 {
		v, ok := fields[key]
		if !ok || v == "" {
			if required && err == nil {
				err = fmt.Errorf("%w: %s missing %s", ErrNoQuote, symbol, key)
			}
			return 0
		}
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil && err == nil {
			err = fmt.Errorf("%s field %s: %w", symbol, key, perr)
		}
		return f
	}
	b.Bid = num("bid", true)
	b.Ask = num("ask", true)
	b.BidSize = int64(num("bid_size", false))
	b.AskSize = int64(num("ask_size", false))
	b.TickSize = num("tick_size", false)
	if ts := num("ts", false); ts > 0 {
		b.UpdatedAt = time.UnixMilli(int64(ts)).UTC()
	}
	return b, err
}

// ---------------------------------------------------------------------------
// Static
// ---------------------------------------------------------------------------

// StaticSource serves fixed books, refreshed with the current time on
// every fetch. Used with the simulator broker.
type StaticSource struct {
	books map[string]domain.TopOfBook
	now   func() time.Time
}

// NewStaticSource creates a source from fixed books.
func NewStaticSource(books ...domain.TopOfBook) *StaticSource {
	m := make(map[string]domain.TopOfBook, len(books))
	for _, b := range books {
		m[b.Symbol] = b
	}
	return &StaticSource{books: m, now: time.Now}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Fetch(_ context.Context, symbols []string) ([]domain.TopOfBook, error) {
	var out []domain.TopOfBook
	for _, sym := range symbols {
		if b, ok := s.books[sym]; ok {
			b.UpdatedAt = s.now()
			out = append(out, b)
		}
	}
	return out, nil
}
