package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bci-mcp/backend/internal/config"
	"github.com/bci-mcp/backend/internal/health"
	"github.com/bci-mcp/backend/internal/metric"
	"github.com/bci-mcp/backend/internal/persist"
	"github.com/bci-mcp/backend/internal/protocol"
	"github.com/bci-mcp/backend/internal/session"
)

const appName = "bci-server"

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	host := flag.String("host", "", "Override listen host")
	port := flag.Int("port", 0, "Override server port")
	deviceType := flag.String("device", "", "Override device type: simulated, serial, mqtt")
	devicePort := flag.String("device-port", "", "Override device port")
	connect := flag.Bool("connect", false, "Connect to the configured device at startup")
	logLevel := flag.String("log-level", "", "Override log level: debug, info, warn, error")
	migrate := flag.Bool("migrate", false, "Apply database migrations and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *deviceType != "" {
		cfg.Device.Type = *deviceType
	}
	if *devicePort != "" {
		cfg.Device.Port = *devicePort
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrate {
		if cfg.Storage.PostgresDSN == "" {
			return errors.New("-migrate needs storage.postgres_dsn")
		}
		if err := persist.Migrate(ctx, cfg.Storage.PostgresDSN); err != nil {
			return err
		}
		logger.Info("migrations applied")
		return nil
	}

	metrics := metric.New()
	mgr := session.NewManager(session.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
	})
	srv := protocol.NewServer(protocol.Options{
		Config:  cfg,
		Manager: mgr,
		Metrics: metrics,
		Health:  health.NewChecker(Version),
		Logger:  logger,
		Version: Version,
	})
	mgr.SetNotifier(srv.Hub())

	logger.Info("starting",
		"addr", cfg.Addr(),
		"device_type", cfg.Device.Type,
		"sample_rate", cfg.Device.SampleRate,
		"channels", cfg.Device.Channels)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(gctx)
	})
	g.Go(func() error {
		return protocol.ListenAndServe(gctx, cfg.Addr(), srv.Handler(), logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Close()
		return nil
	})
	if *connect {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, 30*time.Second)
			defer cancel()
			res, err := mgr.ConnectDevice(cctx, "", "")
			if err != nil {
				logger.Warn("startup connect failed", "error", err)
				return nil
			}
			logger.Info("startup connect", "port", res.Port, "device_type", res.DeviceType)
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
