package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/gmpusage/pkg/coordinator"
	"github.com/raterudder/gmpusage/pkg/gmp"
	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/metrics"
	"github.com/raterudder/gmpusage/pkg/server"
	"github.com/raterudder/gmpusage/pkg/setup"
	"github.com/raterudder/gmpusage/pkg/storage"
	"github.com/raterudder/gmpusage/pkg/types"
)

func main() {
	// init packages
	g := gmp.Configured()
	opts := setup.Configured()
	pollCfg := coordinator.Configured()
	influxCfg := metrics.ConfiguredInflux()
	s := storage.Configured()

	// init server
	srv := server.Configured(s)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, g, opts, pollCfg, influxCfg, s, srv); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "gmpusage failed", slog.Any("error", err))
		if cerr := s.Close(); cerr != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", cerr))
		}
		os.Exit(1)
	}
	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
	}
	log.Ctx(ctx).InfoContext(ctx, "gmpusage exited cleanly")
}

func run(
	ctx context.Context,
	g *gmp.Config,
	opts *setup.Options,
	pollCfg *coordinator.Config,
	influxCfg *metrics.InfluxConfig,
	s storage.Database,
	srv *server.Server,
) error {
	if err := g.Validate(); err != nil {
		return err
	}

	entry, err := setup.Resolve(ctx, s, *opts, func(username, password string) setup.Authenticator {
		return g.NewClient(username, password, "")
	})
	if err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}
	ctx = log.WithAttrs(ctx, slog.String("accountID", entry.AccountID))

	client := g.NewClient(entry.Username, entry.Password, entry.ClientID)
	c := coordinator.New(client, entry.AccountID, pollCfg, g.Location)

	// serve the last stored result until the first cycle finishes
	if snap, err := s.GetLatestSnapshot(ctx, entry.AccountID); err == nil {
		c.Restore(snap)
	} else if !errors.Is(err, storage.ErrSnapshotNotFound) {
		log.Ctx(ctx).WarnContext(ctx, "failed to load latest snapshot", slog.Any("error", err))
	}

	c.AddListener(func(ctx context.Context, r types.PollingResult) {
		if err := s.InsertSnapshot(ctx, entry.AccountID, r); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to store snapshot", slog.Any("error", err))
		}
	})
	if influxCfg.Enabled() {
		exporter := metrics.NewExporter(influxCfg, entry.AccountID)
		defer exporter.Close()
		c.AddListener(exporter.OnUpdate)
	}
	c.AddListener(srv.OnUpdate)
	srv.SetPoller(c)

	// Run will block until context is canceled or error happens
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return c.Run(ctx)
	})
	eg.Go(func() error {
		return srv.Run(ctx)
	})
	return eg.Wait()
}
