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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nishisan-dev/n-fleet/internal/broker"
	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/gateway"
	"github.com/nishisan-dev/n-fleet/internal/logging"
	"github.com/nishisan-dev/n-fleet/internal/observability"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/nfleet/gateway.yaml", "path to gateway config file")
	flag.Parse()

	cfg, err := config.LoadGatewayConfig(*configPath)
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

	gw := gateway.New(cfg, logger, st, client)

	// Journal de eventos de conexão: com arquivo configurado persiste em
	// JSONL, sem arquivo fica só no ring em memória.
	var journal observability.Journal
	if cfg.Observability.EventLogFile != "" {
		es, err := observability.NewEventStore(cfg.Observability.EventLogFile, cfg.Observability.EventRingSize, 0)
		if err != nil {
			logger.Error("event journal error", "error", err)
			os.Exit(1)
		}
		defer es.Close()
		journal = es
	} else {
		journal = observability.NewEventRing(cfg.Observability.EventRingSize)
	}
	gw.SetEventSink(journal)

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

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		observability.NewGatewayCollector(gw.Stats(), gw.StagingDepth),
		observability.NewBreakerCollector(gw.Breakers),
		observability.NewReadinessCollector(checks),
		observability.NewHostCollector(mon),
	)

	router := observability.NewRouter(observability.Options{
		Service:     "nfleet-gateway",
		Gatherer:    reg,
		Checks:      checks,
		Connections: gw.Connections,
		Events:      journal,
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

	runErr := gw.Run(ctx)
	cancel()
	wg.Wait()

	if runErr != nil {
		logger.Error("gateway error", "error", runErr)
		os.Exit(1)
	}
}
