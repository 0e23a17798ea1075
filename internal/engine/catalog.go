// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nishisan-dev/n-fleet/internal/store"
)

// ReloadCatalog reconcilia o registry em código com o catálogo persistido:
// registra calculators novos, grava aumentos de versão de fórmula
// (enfileirando o recompute correspondente) e aplica o flag enabled.
// Chamado no boot e a cada SIGHUP.
func (e *Engine) ReloadCatalog(ctx context.Context) error {
	var entries []store.CatalogEntry
	err := e.dbBreaker.Execute(func() error {
		var loadErr error
		entries, loadErr = e.store.LoadCatalog(ctx)
		return loadErr
	})
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	known := make(map[string]store.CatalogEntry, len(entries))
	disabled := make(map[string]struct{})
	for _, entry := range entries {
		known[entry.Name] = entry
		if !entry.Enabled {
			disabled[entry.Name] = struct{}{}
		}
	}

	if e.cfg.Engine.ShadowMode {
		// Em shadow mode a reconciliação é somente leitura: aplica o flag
		// enabled e deixa o catálogo como está.
		e.setDisabled(disabled)
		return nil
	}

	now := time.Now().UTC()
	for _, calc := range e.registry.All() {
		entry, ok := known[calc.Name()]
		switch {
		case !ok:
			if err := e.store.SaveCatalogVersion(ctx, calc.Name(), calc.Version(), now); err != nil {
				return fmt.Errorf("registering calculator %s: %w", calc.Name(), err)
			}
			e.logger.Info("Calculator registered in catalog",
				"calculator", calc.Name(), "version", calc.Version())

		case calc.Version() > entry.Version:
			if err := e.store.SaveCatalogVersion(ctx, calc.Name(), calc.Version(), now); err != nil {
				return fmt.Errorf("updating calculator %s: %w", calc.Name(), err)
			}
			job := &store.RecalcJob{
				JobKind:  store.JobRecomputeViolations,
				Trigger:  store.TriggerFormulaVersionChange,
				Priority: recalcPriorityDefault,
				Reason:   fmt.Sprintf("%s v%d -> v%d", calc.Name(), entry.Version, calc.Version()),
			}
			if err := e.store.EnqueueRecalcJob(ctx, job); err != nil {
				return fmt.Errorf("enqueueing recompute for %s: %w", calc.Name(), err)
			}
			e.logger.Info("Formula version raised, recompute enqueued",
				"calculator", calc.Name(), "from", entry.Version, "to", calc.Version(), "job", job.ID)

		case calc.Version() < entry.Version:
			e.logger.Warn("Calculator version behind catalog, keeping catalog",
				"calculator", calc.Name(), "code", calc.Version(), "catalog", entry.Version)
		}
	}

	e.setDisabled(disabled)
	return nil
}

func (e *Engine) setDisabled(disabled map[string]struct{}) {
	e.disabledMu.Lock()
	e.disabled = disabled
	e.disabledMu.Unlock()

	if len(disabled) > 0 {
		names := make([]string, 0, len(disabled))
		for name := range disabled {
			names = append(names, name)
		}
		sort.Strings(names)
		e.logger.Info("Calculators disabled by catalog", "calculators", names)
	}
}

func (e *Engine) isDisabled(name string) bool {
	e.disabledMu.RLock()
	defer e.disabledMu.RUnlock()
	_, off := e.disabled[name]
	return off
}
