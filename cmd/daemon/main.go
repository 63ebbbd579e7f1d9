package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/streamforge/supervisor/internal/api"
	"github.com/streamforge/supervisor/internal/bus"
	"github.com/streamforge/supervisor/internal/capability"
	"github.com/streamforge/supervisor/internal/command"
	"github.com/streamforge/supervisor/internal/config"
	"github.com/streamforge/supervisor/internal/fanout"
	"github.com/streamforge/supervisor/internal/ffprobe"
	"github.com/streamforge/supervisor/internal/health"
	"github.com/streamforge/supervisor/internal/log"
	"github.com/streamforge/supervisor/internal/logsink"
	"github.com/streamforge/supervisor/internal/osstats"
	"github.com/streamforge/supervisor/internal/parser"
	"github.com/streamforge/supervisor/internal/seed"
	"github.com/streamforge/supervisor/internal/store"
	"github.com/streamforge/supervisor/internal/supervisor"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.Load()

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "streamforge",
		Version: version,
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.MediaBasePath, 0o755); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.MediaBasePath).Msg("creating media root")
	}

	st, err := store.Open(store.Options{
		Path:                    cfg.DBPath,
		MaxLogEntriesPerChannel: cfg.MaxLogEntriesPerChannel,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("opening store")
	}
	defer func() { _ = st.Close() }()

	// Tracing: in-process provider so the HTTP middleware produces real
	// spans; exporters are an operator concern layered on via env.
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	probe := capability.New(capability.Options{
		FFmpegPath: cfg.FFmpegPath,
		TTL:        cfg.CapabilityProbeTTL,
	})
	builder := command.New(probe, command.Options{
		FFmpegPath:          cfg.FFmpegPath,
		HWAccelEnabled:      cfg.HWAccelEnabled,
		HWAccelAuto:         cfg.HWAccelAuto,
		NVENCPresetOverride: cfg.NVENCPresetOverride,
	})
	metricsParser := parser.New()
	eventBus := bus.New()
	stats := osstats.New()

	sup := supervisor.New(st, builder, metricsParser, eventBus, supervisor.Options{
		MediaRoot:           cfg.MediaBasePath,
		RestartBudgetMax:    cfg.RestartBudgetMax,
		RestartBudgetWindow: cfg.RestartBudgetWindow,
	})

	if cfg.ChannelSeedPath != "" {
		if _, _, err := seed.ImportFile(ctx, st, cfg.ChannelSeedPath); err != nil {
			logger.Warn().Err(err).Str("path", cfg.ChannelSeedPath).Msg("importing channel seed")
		}
	}

	persister := logsink.New(st, eventBus)
	healthLoop := health.New(st, sup, stats, cfg.HealthCheckInterval)
	fan := fanout.New(st, sup, stats, cfg.SubscriberPushInterval)
	prober := ffprobe.New(cfg.FFprobePath)

	apiServer := api.New(st, sup, fan, probe, prober, stats)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("addr", cfg.ListenAddr).
		Str("metrics_addr", cfg.MetricsAddr).
		Str("media_root", cfg.MediaBasePath).
		Msg("starting streamforge supervisor")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		persister.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := healthLoop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.ChannelSeedPath != "" {
		g.Go(func() error {
			err := config.WatchFile(gctx, cfg.ChannelSeedPath, 0, func() {
				if _, _, err := seed.ImportFile(gctx, st, cfg.ChannelSeedPath); err != nil {
					logger.Warn().Err(err).Msg("re-importing channel seed")
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Order matters: stop accepting operator requests, stop the
		// fanout's emitters, terminate encoders, then close the bus so the
		// persister drains the final lifecycle events.
		_ = httpServer.Shutdown(shutdownCtx)
		_ = metricsServer.Shutdown(shutdownCtx)
		fan.Close()
		if err := sup.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("supervisor shutdown incomplete")
		}
		eventBus.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("server exiting")
}
