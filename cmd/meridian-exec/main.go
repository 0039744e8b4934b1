package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"meridian/internal/api"
	"meridian/internal/config"
	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/idempotency"
	"meridian/internal/ledger"
	"meridian/internal/metrics"
	"meridian/internal/util"
	"meridian/internal/venue"
)

func main() {
	cfgPath := "config/meridian.yaml"
	if p := os.Getenv("MERIDIAN_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	limits, err := cfg.RiskLimits()
	if err != nil {
		log.Fatalf("invalid risk limits: %v", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}

	idem, err := idempotency.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening idempotency store: %v", err)
	}
	defer idem.Close()

	ledgerPath := filepath.Join(cfg.Storage.DataDir, "ledger.db")
	auditTrail, err := ledger.NewSQLiteLedger(ledgerPath)
	if err != nil {
		log.Fatalf("opening ledger: %v", err)
	}
	defer auditTrail.Close()

	m := metrics.New()

	registry := venue.NewRegistry(cfg.Trading.LiveEnable)
	sim := venue.NewSimAdapter()
	registry.Register(sim)
	if cfg.Alpaca.APIKey != "" {
		registry.Register(venue.NewAlpacaAdapter(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL))
	}

	gate := engine.NewRiskGate(limits, cfg.Trading.SnapshotMaxAge.Std())
	retry := engine.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay.Std(), cfg.Retry.MaxElapsed.Std())

	// TODO: replace with the portfolio collaborator's live snapshot feed.
	snapshot := func() domain.PortfolioSnapshot {
		return domain.PortfolioSnapshot{
			Equity:  decimal.Zero,
			TakenAt: time.Now().UTC(),
		}
	}

	router := engine.NewRouter(logger, engine.RouterConfig{
		AllowedModes:    cfg.Trading.AllowedModes,
		AdapterTimeout:  cfg.Trading.AdapterTimeout.Std(),
		VenueRatePerMin: cfg.Trading.VenueRatePerMin,
	}, registry, idem, gate, retry, auditTrail, m, snapshot)
	sim.OnFill = router.HandleFill

	server := api.NewServer(router, auditTrail, m, logger)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: server.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("meridian-exec listening",
			"addr", httpSrv.Addr, "venues", registry.Venues(), "live_enable", cfg.Trading.LiveEnable)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Fatalf("http server: %v", err)
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Error("router shutdown", "error", err)
	}
	logger.Info("shutdown complete")
}
