// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// nfleet-recalc enfileira um job de recálculo direto na fila durável do
// banco. Não depende do engine estar de pé: os workers pegam o job quando
// estiverem rodando.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/engine"
	"github.com/nishisan-dev/n-fleet/internal/logging"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

const enqueueTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "/etc/nfleet/engine.yaml", "path to engine config file")
	jobKind := flag.String("job-kind", "", "job kind: recompute_violations | refresh_single_view | refresh_all_views")
	trigger := flag.String("trigger", "", "trigger: manual | configuration_change | formula_version_change | scheduled (default manual)")
	scopeIdentity := flag.String("scope-identity", "", "limit the job to one device identity")
	scopeTenant := flag.String("scope-tenant", "", "limit the job to one tenant")
	scopeDateFrom := flag.String("scope-date-from", "", "start of the date range (RFC 3339 or YYYY-MM-DD)")
	scopeDateTo := flag.String("scope-date-to", "", "end of the date range (RFC 3339 or YYYY-MM-DD)")
	scopeView := flag.String("scope-view", "", "view name, required by refresh_single_view")
	reason := flag.String("reason", "", "free-form operator note stored with the job")
	priority := flag.Int("priority", 0, "job priority, lower runs first (default 100)")
	flag.Parse()

	dateFrom, err := parseDate(*scopeDateFrom)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	dateTo, err := parseDate(*scopeDateTo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	req := engine.RecalcRequest{
		JobKind:       *jobKind,
		Trigger:       *trigger,
		Priority:      *priority,
		Reason:        *reason,
		ScopeIdentity: *scopeIdentity,
		ScopeTenant:   *scopeTenant,
		ScopeDateFrom: dateFrom,
		ScopeDateTo:   dateTo,
		ScopeView:     *scopeView,
	}
	job, err := req.Job()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	st := store.Open(cfg.Database, logger)
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	if err := st.EnqueueRecalcJob(ctx, job); err != nil {
		fmt.Fprintf(os.Stderr, "Error enqueueing job: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Job %d enqueued: %s (trigger=%s priority=%d)\n", job.ID, job.JobKind, job.Trigger, job.Priority)
}

// parseDate aceita RFC 3339 completo ou só a data.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want RFC 3339 or YYYY-MM-DD)", s)
	}
	return t.UTC(), nil
}
