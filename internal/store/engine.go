// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// EngineBatch acumula os efeitos de banco de um lote do engine: métricas,
// violações e snapshots de estado, todos gravados em uma transação.
type EngineBatch struct {
	Metrics    []*MetricEvent
	Violations []*Violation
	States     []*DeviceState
}

// Empty informa se não há nada a gravar.
func (b *EngineBatch) Empty() bool {
	return len(b.Metrics) == 0 && len(b.Violations) == 0 && len(b.States) == 0
}

// Size retorna o total de linhas pendentes no lote.
func (b *EngineBatch) Size() int {
	return len(b.Metrics) + len(b.Violations) + len(b.States)
}

// FlushEngineBatch persiste um lote do engine atomicamente: inserts
// multi-linha para métricas e violações, upsert por identity para o estado.
func (s *Store) FlushEngineBatch(ctx context.Context, batch *EngineBatch) error {
	if batch.Empty() {
		return nil
	}
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if len(batch.Metrics) > 0 {
			if _, err := tx.NewInsert().Model(&batch.Metrics).
				Returning("NULL").
				Exec(ctx); err != nil {
				return fmt.Errorf("inserting metric events: %w", err)
			}
		}
		if len(batch.Violations) > 0 {
			if _, err := tx.NewInsert().Model(&batch.Violations).
				Returning("NULL").
				Exec(ctx); err != nil {
				return fmt.Errorf("inserting violations: %w", err)
			}
		}
		for _, st := range batch.States {
			if _, err := tx.NewInsert().Model(st).
				On("CONFLICT (identity) DO UPDATE").
				Set("last_latitude = EXCLUDED.last_latitude").
				Set("last_longitude = EXCLUDED.last_longitude").
				Set("last_speed = EXCLUDED.last_speed").
				Set("last_ignition = EXCLUDED.last_ignition").
				Set("last_mileage = EXCLUDED.last_mileage").
				Set("last_seen_at = EXCLUDED.last_seen_at").
				Set("ignition_on_at = EXCLUDED.ignition_on_at").
				Set("odometer = EXCLUDED.odometer").
				Set("updated_at = EXCLUDED.updated_at").
				Returning("NULL").
				Exec(ctx); err != nil {
				return fmt.Errorf("upserting device state %s: %w", st.Identity, err)
			}
		}
		return nil
	})
}

// DeleteViolationsInScope limpa as violações do escopo antes de um
// recompute. Escopo vazio limpa tudo (mudança global de fórmula).
func (s *Store) DeleteViolationsInScope(ctx context.Context, scope Scope) (int64, error) {
	q := s.db.NewDelete().Model((*Violation)(nil))
	if scope.IsZero() {
		q = q.Where("TRUE")
	}
	if scope.Identity != "" {
		q = q.Where("identity = ?", scope.Identity)
	}
	if scope.Tenant != "" {
		q = q.Where("tenant = ?", scope.Tenant)
	}
	if !scope.DateFrom.IsZero() {
		q = q.Where("occurred_at >= ?", scope.DateFrom)
	}
	if !scope.DateTo.IsZero() {
		q = q.Where("occurred_at < ?", scope.DateTo)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("clearing violations in scope: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LoadCatalog carrega o catálogo de calculators.
func (s *Store) LoadCatalog(ctx context.Context) ([]CatalogEntry, error) {
	var entries []CatalogEntry
	if err := s.db.NewSelect().Model(&entries).
		Order("name ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("loading calculator catalog: %w", err)
	}
	return entries, nil
}

// SaveCatalogVersion registra a versão corrente de um calculator no
// catálogo, criando a entrada quando nova.
func (s *Store) SaveCatalogVersion(ctx context.Context, name string, version int, now time.Time) error {
	entry := &CatalogEntry{
		Name:      name,
		Version:   version,
		Enabled:   true,
		UpdatedAt: now,
	}
	_, err := s.db.NewInsert().Model(entry).
		On("CONFLICT (name) DO UPDATE").
		Set("version = EXCLUDED.version").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("saving catalog version for %s: %w", name, err)
	}
	return nil
}

// DeviceConfigByIdentity resolve o cadastro de um dispositivo. Retorna nil
// quando desconhecido; dispositivo sem cadastro não é erro.
func (s *Store) DeviceConfigByIdentity(ctx context.Context, identity string) (*DeviceConfig, error) {
	var row DeviceConfig
	err := s.db.NewSelect().Model(&row).
		Where("identity = ?", identity).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching device config: %w", err)
	}
	return &row, nil
}

// DeviceStateByIdentity carrega o snapshot de estado de um dispositivo, ou
// nil quando nunca visto.
func (s *Store) DeviceStateByIdentity(ctx context.Context, identity string) (*DeviceState, error) {
	var row DeviceState
	err := s.db.NewSelect().Model(&row).
		Where("identity = ?", identity).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching device state: %w", err)
	}
	return &row, nil
}

// RefreshView atualiza uma materialized view derivada. As views elegíveis
// têm índice único, requisito do refresh concorrente.
func (s *Store) RefreshView(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY ?", bun.Ident(name)); err != nil {
		return fmt.Errorf("refreshing view %s: %w", name, err)
	}
	return nil
}
