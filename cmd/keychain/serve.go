package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/keychainkit/keychain-go/bus"
	"github.com/keychainkit/keychain-go/engine"
	httpkeychain "github.com/keychainkit/keychain-go/http"
	keychainchi "github.com/keychainkit/keychain-go/http/chi"
	"github.com/keychainkit/keychain-go/internal/config"
	"github.com/keychainkit/keychain-go/internal/logger"
	"github.com/keychainkit/keychain-go/orderapi"
	"github.com/keychainkit/keychain-go/store"
)

const shutdownTimeout = 30 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the origin gate, popup relay and order status endpoints",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "resume",
				Value: true,
				Usage: "Resume orders left in flight by a previous run",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orders, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	api, err := newOrderAPI(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := engine.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	events := bus.New(bus.WithLogger(slog.Default()))
	eng := engine.New(api, nil,
		engine.WithStore(orders),
		engine.WithBus(events),
		engine.WithMetrics(metrics),
		engine.WithStrictBridgeStatuses(cfg.StrictBridgeStatuses),
	)
	defer eng.Close()

	if cmd.Bool("resume") {
		go func() {
			n, err := eng.ResumeAll(ctx)
			if err != nil {
				slog.Error("failed to resume orders", "error", err)
				return
			}
			slog.Info("resumed orders finished", "count", n)
		}()
	}

	popup := httpkeychain.NewPopupHandler(events,
		httpkeychain.WithPopupLogger(slog.Default()),
		httpkeychain.WithEventLimiter(httpkeychain.NewKeyedLimiter(cfg.PopupEventRate, cfg.PopupEventBurst, 10*time.Minute)),
	)

	server := &http.Server{
		Addr: cfg.Addr(),
		Handler: keychainchi.NewRouter(keychainchi.RouterConfig{
			Gate: &httpkeychain.Config{
				AllowedOrigins: cfg.Origins(),
				Strict:         cfg.StrictOrigin,
				AllowLocalhost: cfg.AllowLocalhost,
			},
			Orders:   orders,
			Popup:    popup,
			Gatherer: registry,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", server.Addr, "origins", cfg.Origins().Len())
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		slog.Info("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during shutdown", "error", err)
			return err
		}
		slog.Info("server stopped")
		return nil
	}
}

// openStore opens Postgres when a DSN is configured and falls back to memory.
func openStore(ctx context.Context, cfg *config.Config) (store.OrderStore, func(), error) {
	if cfg.PostgresDSN == "" {
		slog.Warn("POSTGRES_DSN not set; orders are kept in memory")
		return store.NewMemory(), func() {}, nil
	}

	pg, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	slog.Info("connected to database")
	return pg, pg.Close, nil
}

func newOrderAPI(cfg *config.Config) (*orderapi.Client, error) {
	return orderAPIClient(cfg.OrderAPIURL, cfg.OrderAPIKeyName, cfg.OrderAPIKeySecret)
}
