// Command gapline runs the interval database behind a PostgreSQL wire
// protocol listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gapline-db/gapline"
	"github.com/gapline-db/gapline/internal/pgwire"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("GAPLINE_CONFIG")
	}

	cfg, err := gapline.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gapline: load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "gapline: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(&cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *gapline.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tenants, err := gapline.NewTenantManager(gapline.TenantManagerOptions{
		DataDir:          cfg.Storage.DataDir,
		MaxTenants:       cfg.Engine.MaxTenants,
		Limits:           cfg.Engine.Limits(),
		ReapInterval:     cfg.Holds.ReapInterval,
		CompactInterval:  cfg.Storage.CompactInterval,
		CompactThreshold: cfg.Storage.CompactThreshold,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("open data dir: %w", err)
	}

	var observer pgwire.Observer
	var httpServers []*http.Server
	if cfg.Metrics.Enabled {
		m := gapline.NewMetrics(tenants.TenantCount)
		observer = gapline.NewWireObserver(m)
		srv := m.Serve(cfg.Server.Bind, cfg.Metrics.Port)
		httpServers = append(httpServers, srv)
		logger.Info("metrics listening", "addr", srv.Addr)
	}

	backend := gapline.NewWireBackend(tenants, cfg.Server.Password)
	pgCfg := pgwire.DefaultPGWireConfig()
	pgCfg.Address = fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port)
	server, err := pgwire.NewPGServer(backend, pgCfg, observer)
	if err != nil {
		return fmt.Errorf("wire server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("listen %s: %w", pgCfg.Address, err)
	}
	logger.Info("gapline listening", "addr", server.Addr())

	if cfg.Streaming.Enabled {
		srv := gapline.NewStreamServer(tenants, logger).Serve(cfg.Server.Bind, cfg.Streaming.Port)
		httpServers = append(httpServers, srv)
		logger.Info("stream listening", "addr", srv.Addr)
	}

	if cfg.Archive != nil && cfg.Archive.Enabled {
		archiver, err := gapline.NewArchiver(ctx, *cfg.Archive, tenants, logger)
		if err != nil {
			return fmt.Errorf("archiver: %w", err)
		}
		go archiver.Run(ctx)
		logger.Info("archiver running", "bucket", cfg.Archive.Bucket)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	server.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range httpServers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := tenants.Close(); err != nil {
		return fmt.Errorf("close tenants: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
