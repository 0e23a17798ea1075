// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nishisan-dev/n-fleet/internal/broker"
	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/engine"
	"github.com/nishisan-dev/n-fleet/internal/logging"
	"github.com/nishisan-dev/n-fleet/internal/observability"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

// pendingQueryTimeout limita a consulta da fila de recálculo feita a cada
// scrape do Prometheus.
const pendingQueryTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "/etc/nfleet/engine.yaml", "path to engine config file")
	flag.Parse()

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	st := store.Open(cfg.Database, logger)
	defer st.Close()

	client, err := broker.NewClient(cfg.Broker, logger)
	if err != nil {
		logger.Error("broker client error", "error", err)
		os.Exit(1)
	}
	client.Start()
	defer client.Stop()

	eng := engine.New(cfg, logger, st, client)

	// SIGHUP recarrega o catálogo de calculadoras sem reiniciar o daemon.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	go func() {
		for range hupCh {
			logger.Info("received SIGHUP, reloading calculator catalog")
			if err := eng.ReloadCatalog(ctx); err != nil {
				logger.Error("catalog reload failed", "error", err)
			}
		}
	}()

	mon := observability.NewSystemMonitor(logger)
	mon.Start()
	defer mon.Stop()

	checks := []observability.ReadyCheck{
		{Name: "database", Probe: st.Ping},
		{Name: "broker", Probe: func(ctx context.Context) error {
			if !client.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}},
	}

	pendingJobs := func() (int, error) {
		qctx, qcancel := context.WithTimeout(context.Background(), pendingQueryTimeout)
		defer qcancel()
		return st.PendingJobCount(qctx)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		observability.NewEngineCollector(eng.Stats(), eng.CacheLen, pendingJobs),
		observability.NewBreakerCollector(eng.Breakers),
		observability.NewReadinessCollector(checks),
		observability.NewHostCollector(mon),
	)

	router := observability.NewRouter(observability.Options{
		Service:  "nfleet-engine",
		Gatherer: reg,
		Checks:   checks,
	}, observability.NewACL(cfg.Observability.ParsedCIDRs))
	obs := observability.NewServer(cfg.Observability.Listen, logger, router)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := obs.Run(ctx); err != nil {
			logger.Error("observability endpoint error", "error", err)
		}
	}()

	runErr := eng.Run(ctx)
	cancel()
	wg.Wait()

	if runErr != nil {
		logger.Error("engine error", "error", runErr)
		os.Exit(1)
	}
}
