package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/tokenflow/internal/api"
	"github.com/punchamoorthee/tokenflow/internal/config"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/ledger/memledger"
	"github.com/punchamoorthee/tokenflow/internal/ledger/pgledger"
	"github.com/punchamoorthee/tokenflow/internal/schedule"
	"github.com/punchamoorthee/tokenflow/internal/service"
	"github.com/punchamoorthee/tokenflow/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		client ledger.Client
		stores service.Stores
	)
	if cfg.DBSource != "" {
		db, err := store.NewStore(ctx, cfg.DBSource)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := pgledger.EnsureSchema(ctx, db.Db); err != nil {
			return err
		}
		client = pgledger.New(db.Db, cfg.LedgerFee, cfg.MaxCheckpointAge)
		stores = service.Stores{Usage: db.Usage(), Streams: db.Streams()}
		logger.Info("using postgres ledger and state")
	} else {
		client = memledger.New(memledger.WithFee(cfg.LedgerFee), memledger.WithMaxCheckpointAge(cfg.MaxCheckpointAge))
		stores = service.Stores{Usage: store.NewMemoryUsage(), Streams: store.NewMemoryStreams()}
		logger.Warn("DB_SOURCE not set, using in-memory ledger and state")
	}

	engineCfg := service.Config{
		Network:           cfg.Network,
		Commitment:        cfg.Commitment,
		SubmitTimeout:     cfg.SubmitTimeout,
		PollInterval:      cfg.PollInterval,
		DefaultNetworkFee: cfg.DefaultNetworkFee,
		StatusCacheSize:   cfg.StatusCacheSize,
	}
	engine, err := service.NewEngine(engineCfg, client, stores, schedule.Real{}, schedule.Real{}, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	restored, err := engine.Streams.RestoreTimers(ctx)
	if err != nil {
		return err
	}
	logger.Info("stream timers restored", "count", restored)

	server := api.NewServer(cfg.Port, api.NewHandler(engine, logger).Router(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Run)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		cleanupLoop(gctx, engine.Streams, cfg.CleanupInterval, logger)
		return nil
	})
	return g.Wait()
}

// cleanupLoop evicts stopped streams past their retention window.
func cleanupLoop(ctx context.Context, streams *service.StreamFlow, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := streams.CleanupCompletedStreams(ctx)
			if err != nil {
				logger.Error("stream cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("cleaned up completed streams", "count", n)
			}
		}
	}
}
