package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chorelink/internal/api"
	"chorelink/internal/basket"
	"chorelink/internal/engine"
	"chorelink/internal/marketdata"
	"chorelink/internal/store"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var noBasket bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile with the broker, then serve placements and manage the basket",
		Long: `Start the chore trader.

The engine connects to the configured broker and reconciles its chores
with the ledger before going live. While reconciling the gRPC health
service reports NOT_SERVING. Once live, the HTTP API accepts placements,
the basket manager drives managed chores and every ledger entry is
streamed to websocket listeners and, when configured, to Kafka.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, opts, !noBasket)
		},
	}
	cmd.Flags().BoolVar(&noBasket, "no-basket", false, "serve direct placements only")
	return cmd
}

func run(ctx context.Context, opts *rootOptions, withBasket bool) error {
	cfg, log := opts.cfg, opts.log

	hub := api.NewHub(log)
	t, err := newTrader(cfg, log, hub)
	if err != nil {
		return err
	}
	defer t.Close()

	health := api.NewHealthServer(log)
	t.eng.Subscribe(health.Update)

	bolt, err := store.NewBoltBasketStore(cfg.Storage.BoltPath)
	if err != nil {
		return fmt.Errorf("opening basket store: %w", err)
	}
	defer bolt.Close()
	killed, err := bolt.KillSwitch(ctx)
	if err != nil {
		return fmt.Errorf("reading kill switch: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := t.eng.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	log.Info("chore trader starting", "broker", t.adapter.Name(), "http", cfg.Server.Addr(), "grpc", cfg.Server.GRPCAddr())
	rep, err := t.reconcile(gctx)
	if err != nil {
		return fmt.Errorf("initial reconciliation: %w", err)
	}
	log.Info("reconciled", "brokerChores", rep.BrokerChores, "discrepancies", rep.Discrepancies, "patches", rep.Patches)

	if killed {
		log.Warn("kill switch was active at shutdown, re-applying")
		t.eng.TriggerKillSwitch(gctx)
	}
	t.eng.Subscribe(func(st engine.State) {
		if err := bolt.SetKillSwitch(context.Background(), st.Killed); err != nil {
			log.Error("persisting kill switch failed", "error", err)
		}
	})

	var bm *basket.Manager
	if withBasket {
		quotes := marketdata.NewStore(cfg.MarketData.TickSize, cfg.Trading.MDStaleAfter)
		quotes.Subscribe(cfg.MarketData.Symbols...)
		poller := marketdata.NewPoller(quotes, newQuoteSource(cfg, log), cfg.MarketData.PollInterval, log)

		bm = basket.New(t.eng, quotes, bolt, basket.Config{
			CycleInterval:     cfg.Trading.CycleInterval,
			FastCycleInterval: cfg.Trading.FastCycleInterval,
			StaleAfter:        cfg.Trading.MDStaleAfter,
			MaxResubscribe:    cfg.Trading.MDMaxResubscribe,
			SoftAmend:         cfg.Trading.SoftAmend,
			SoftAmendRetries:  cfg.Trading.SoftAmendRetries,
			SoftAmendSleep:    cfg.Trading.SoftAmendSleep,
			MaxSubmitRetries:  cfg.Trading.MaxSubmitRetries,
			Control:           engine.OrderControl{BreachPct: cfg.Trading.BreachPct, BreachTicks: cfg.Trading.BreachTicks},
		}, log)
		n, err := bm.Load(gctx)
		if err != nil {
			return err
		}
		log.Info("basket restored", "chores", n)

		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
		g.Go(func() error {
			bm.Run(gctx)
			return nil
		})
	}

	srv := api.NewServer(cfg.Server, t.eng, basketOrNil(bm), hub, health,
		api.Defaults{Account: cfg.Trading.DefaultAccount, Exchange: cfg.Trading.DefaultExchange}, log)
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	err = g.Wait()
	log.Info("chore trader stopped")
	return err
}

// basketOrNil keeps a nil manager from becoming a non-nil interface.
func basketOrNil(bm *basket.Manager) api.Basket {
	if bm == nil {
		return nil
	}
	return bm
}
