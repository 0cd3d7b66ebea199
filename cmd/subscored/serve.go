// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/eventcore/subscore"
	"github.com/eventcore/subscore/internal/broadcast"
	"github.com/eventcore/subscore/internal/checkpoint"
	checkpointmem "github.com/eventcore/subscore/internal/checkpoint/memory"
	checkpointpg "github.com/eventcore/subscore/internal/checkpoint/postgres"
	"github.com/eventcore/subscore/internal/config"
	"github.com/eventcore/subscore/internal/event"
	"github.com/eventcore/subscore/internal/historyreader"
	historymem "github.com/eventcore/subscore/internal/historyreader/memory"
	historypg "github.com/eventcore/subscore/internal/historyreader/postgres"
	"github.com/eventcore/subscore/internal/logging"
	"github.com/eventcore/subscore/internal/observability"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// demoTickInterval is how often the demo producer appends a synthetic
// event when --demo / demo_enabled is set.
const demoTickInterval = 2 * time.Second

func newServeCmd() *cobra.Command {
	var demoFlag bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the subscription core daemon",
		Long: `Start the subscription core: a Checkpoint Store, a Historical Reader,
an in-process Broadcast Bus, and the observability HTTP server. With
--demo (or demo_enabled in config), also runs a synthetic event producer
standing in for the out-of-scope writer so subscriptions have something
to catch up on and receive live.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, demoFlag)
		},
	}

	cmd.Flags().BoolVar(&demoFlag, "demo", false, "run the synthetic demo event producer")

	return cmd
}

func runServe(cmd *cobra.Command, demoFlag bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
	}
	if demoFlag {
		cfg.DemoEnabled = true
	}

	logging.SetDefault("subscored", version, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	checkpoints, history, mem, pool, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	bus := broadcast.New()
	svc := subscore.NewService(ctx, checkpoints, history, bus)

	obsServer := observability.NewServer(cfg.ObservabilityAddr, func() bool { return true })
	svc.SetMetrics(obsServer.Metrics())
	if err := obsServer.Start(); err != nil {
		return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = obsServer.Stop(stopCtx)
	}()

	if cfg.DemoEnabled {
		producer := newDemoProducer(bus, pool, mem)
		go producer.Run(ctx, demoTickInterval)
		go runDemoSubscriber(ctx, svc, obsServer.Metrics())
	}

	slog.Info("subscored ready", "serve_addr", cfg.ServeAddr, "observability_addr", obsServer.Addr(), "demo", cfg.DemoEnabled)

	<-ctx.Done()
	return nil
}

// buildStores wires a Postgres-backed pair when cfg.DatabaseURL is set, or
// an in-memory pair (suitable for --demo) otherwise. mem is non-nil only
// in the in-memory case, so the demo producer knows which backend to
// append through.
func buildStores(ctx context.Context, cfg *config.Config) (
	checkpointStore checkpoint.Store,
	historyReader historyreader.Reader,
	mem *historymem.Store,
	pool *pgxpool.Pool,
	err error,
) {
	if cfg.DatabaseURL == "" {
		hist := historymem.New()
		return checkpointmem.New(), hist, hist, nil, nil
	}

	pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	return checkpointpg.New(pool), historypg.New(pool), nil, pool, nil
}

// demoSubscriber acks every batch it receives from the demo $all
// subscription, so --demo produces visible ack/delivery activity on the
// observability metrics without requiring an external subscriber process.
type demoSubscriber struct {
	svc     *subscore.Service
	handle  *atomic.Pointer[subscore.Handle]
	metrics *observability.Metrics
}

func (d demoSubscriber) Events(_ context.Context, batch []any) error {
	if len(batch) == 0 {
		return nil
	}
	d.metrics.EventsDelivered.WithLabelValues("all_streams", "demo").Add(float64(len(batch)))

	last, ok := batch[len(batch)-1].(event.RecordedEvent)
	if !ok {
		return nil
	}
	handle := d.handle.Load()
	if handle == nil {
		return nil
	}
	if err := d.svc.Ack(handle, last.Cursor()); err != nil {
		return err
	}
	d.metrics.AcksTotal.WithLabelValues("all_streams").Inc()
	return nil
}

func runDemoSubscriber(ctx context.Context, svc *subscore.Service, metrics *observability.Metrics) {
	var handleRef atomic.Pointer[subscore.Handle]
	h, err := svc.SubscribeToAllStreams(ctx, "demo-watcher", demoSubscriber{svc: svc, handle: &handleRef, metrics: metrics}, subscore.Options{})
	if err != nil {
		slog.Error("demo subscriber failed to subscribe", "error", err)
		return
	}
	handleRef.Store(h)
	metrics.SubscriptionsActive.WithLabelValues("all_streams").Inc()
	defer metrics.SubscriptionsActive.WithLabelValues("all_streams").Dec()

	<-ctx.Done()
	_ = svc.UnsubscribeFromStream(context.Background(), event.StreamKeyAll, "demo-watcher")
}
