package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chorelink/internal/broker"
	"chorelink/internal/config"
	"chorelink/internal/engine"
	"chorelink/internal/ledger"
	"chorelink/internal/marketdata"
	"chorelink/internal/store"
	"chorelink/internal/util"
)

// trader is the engine and the ledger path behind it.
type trader struct {
	cfg      *config.Config
	log      *slog.Logger
	adapter  broker.Adapter
	ledger   *store.SQLiteStore
	recorder *ledger.Recorder
	eng      *engine.Engine
	closers  []func() error
}

// newTrader opens the ledger store and builds the engine. feed may be nil.
func newTrader(cfg *config.Config, log *slog.Logger, feed ledger.Broadcaster) (*trader, error) {
	t := &trader{cfg: cfg, log: log}

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger store: %w", err)
	}
	t.ledger = st
	t.closers = append(t.closers, st.Close)

	var pub ledger.Publisher
	if cfg.Kafka.Enabled() {
		kp := ledger.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		pub = kp
		t.closers = append(t.closers, kp.Close)
		log.Info("publishing ledger to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	t.recorder = ledger.NewRecorder(st, pub, feed, log)

	t.adapter = newAdapter(cfg, log)
	t.eng = engine.New(t.adapter, nil, t.recorder.Callbacks(), engine.Options{
		ConnectTimeout:     cfg.Broker.ConnectTimeout,
		RequestTimeout:     cfg.Broker.RequestTimeout,
		SettleDelay:        cfg.Broker.SettleDelay,
		BatchCancelTimeout: cfg.Trading.BatchCancelTimeout,
		Snapshots:          st.ListChoreSnapshots,
		Risk:               engine.NewRiskManager(cfg.Trading.MaxQty, cfg.Trading.MaxNotional),
		Logger:             log,
	})
	return t, nil
}

func newAdapter(cfg *config.Config, log *slog.Logger) broker.Adapter {
	if cfg.Broker.Kind == "alpaca" {
		return broker.NewAlpacaBroker(broker.AlpacaOptions{
			APIKey:     cfg.Alpaca.APIKey,
			APISecret:  cfg.Alpaca.APISecret,
			BaseURL:    cfg.Alpaca.BaseURL,
			Account:    cfg.Trading.DefaultAccount,
			Exchange:   cfg.Trading.DefaultExchange,
			RatePerMin: cfg.Broker.RateLimitPerMin,
			Logger:     log,
		})
	}
	log.Warn("using the in-memory simulator broker")
	return broker.NewSimulatorBroker()
}

func newQuoteSource(cfg *config.Config, log *slog.Logger) marketdata.Source {
	md := cfg.MarketData
	switch md.Source {
	case "alpaca":
		return marketdata.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
	case "redis":
		return marketdata.NewRedisSource(marketdata.RedisOptions{
			Addrs:    md.Redis.Addrs,
			Password: md.Redis.Password,
			DB:       md.Redis.DB,
			Prefix:   md.Redis.Prefix,
		}, log)
	}
	return marketdata.NewStaticSource()
}

// reconcile runs a reconciliation pass, retrying with backoff until it
// succeeds or ctx is done.
func (t *trader) reconcile(ctx context.Context) (engine.Report, error) {
	var rep engine.Report
	attempt := 0
	err := util.Retry(ctx, 8, time.Second, func(ctx context.Context) error {
		attempt++
		snaps, err := t.ledger.ListChoreSnapshots(ctx)
		if err != nil {
			return fmt.Errorf("listing snapshots: %w", err)
		}
		r, ok := t.eng.Reconcile(ctx, snaps, t.recorder.Callbacks())
		if !ok {
			t.log.Warn("reconciliation failed, retrying", "attempt", attempt)
			return errors.New("reconciliation did not complete")
		}
		rep = r
		return nil
	})
	return rep, err
}

func (t *trader) Close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			t.log.Warn("close failed", "error", err)
		}
	}
	if err := t.adapter.Disconnect(); err != nil {
		t.log.Warn("broker disconnect failed", "error", err)
	}
}
