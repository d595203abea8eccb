// Command chatmeterd serves plan-enforced chat over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ineyio/chatmeter"
	"github.com/ineyio/chatmeter/cmd/chatmeterd/internal/config"
	"github.com/ineyio/chatmeter/cmd/chatmeterd/internal/server"
	"github.com/ineyio/chatmeter/meter"
	"github.com/ineyio/chatmeter/policy"
)

func main() {
	if err := run(); err != nil {
		slog.Error("chatmeterd", "error", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: settings.Level()}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(settings.Config)
	if err != nil {
		return err
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	providers := buildProviders(cfg)
	for _, p := range providers {
		logger.Info("provider", "name", p.Name(), "configured", p.Configured())
	}

	router, err := chatmeter.NewRouter(catalog, providers,
		chatmeter.WithFallbackOrder(cfg.RouterOrder()...),
		chatmeter.WithPolicy(&policy.HealthFirst{}),
	)
	if err != nil {
		return err
	}

	enforcer, err := chatmeter.NewEnforcer(catalog, chatmeter.NewLedger(store, catalog), router,
		chatmeter.WithPlanResolver(server.ContextPlans(nil)),
		chatmeter.WithMeter(meter.NewLogMeter(logger)),
		chatmeter.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: settings.Addr,
		Handler: server.New(enforcer, catalog,
			server.WithRateLimit(settings.RatePerSec, settings.RateBurst),
			server.WithDefaultModel(cfg.DefaultModel),
			server.WithLogger(logger),
		).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("chatmeterd listening", "addr", settings.Addr, "ledger", settings.Ledger)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
