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

	"github.com/nishisan-dev/n-fleet/internal/archiver"
	"github.com/nishisan-dev/n-fleet/internal/broker"
	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/consumer"
	"github.com/nishisan-dev/n-fleet/internal/logging"
	"github.com/nishisan-dev/n-fleet/internal/observability"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/nfleet/consumer.yaml", "path to consumer config file")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig(*configPath)
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

	cons, err := consumer.New(cfg, logger, st, client)
	if err != nil {
		logger.Error("consumer setup error", "error", err)
		os.Exit(1)
	}

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
		observability.NewConsumerCollector(cons.Stats(), cons.DedupLen),
		observability.NewBreakerCollector(cons.Breakers),
		observability.NewReadinessCollector(checks),
		observability.NewHostCollector(mon),
	)

	var wg sync.WaitGroup

	// O archiver roda dentro do daemon do consumer: compartilha o client do
	// broker e sobe os contadores no mesmo registry.
	if cfg.Archiver.Enabled {
		up, err := archiver.NewUploader(ctx, cfg.Archiver, logger)
		if err != nil {
			logger.Error("archiver setup error", "error", err)
			os.Exit(1)
		}
		arch := archiver.New(cfg.Archiver, client, up, logger)
		reg.MustRegister(observability.NewArchiverCollector(arch.Stats()))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := arch.Run(ctx); err != nil {
				logger.Error("archiver error", "error", err)
			}
		}()
	}

	router := observability.NewRouter(observability.Options{
		Service:  "nfleet-consumer",
		Gatherer: reg,
		Checks:   checks,
	}, observability.NewACL(cfg.Observability.ParsedCIDRs))
	obs := observability.NewServer(cfg.Observability.Listen, logger, router)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := obs.Run(ctx); err != nil {
			logger.Error("observability endpoint error", "error", err)
		}
	}()

	runErr := cons.Run(ctx)
	cancel()
	wg.Wait()

	if runErr != nil {
		logger.Error("consumer error", "error", runErr)
		os.Exit(1)
	}
}
