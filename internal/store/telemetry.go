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

// InsertPositions grava um lote de telemetria em um único insert multi-linha
// dentro de uma transação. O conflito no índice único de fingerprint é a
// barreira L2 de deduplicação: linhas repetidas são ignoradas. Retorna
// quantas linhas eram de fato novas.
func (s *Store) InsertPositions(ctx context.Context, batch []*Position) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	var inserted int64
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().Model(&batch).
			On("CONFLICT (fingerprint) DO NOTHING").
			Returning("NULL").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("inserting positions: %w", err)
		}
		inserted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// PositionsPage pagina a telemetria fonte de um recálculo por keyset (id
// crescente), aplicando os filtros do escopo. Linhas marcadas como invalid
// ficam de fora; os calculators não processam registros implausíveis.
func (s *Store) PositionsPage(ctx context.Context, scope Scope, afterID int64, limit int) ([]Position, error) {
	var rows []Position
	q := s.db.NewSelect().Model(&rows).
		Where("p.id > ?", afterID).
		Where("p.invalid = FALSE").
		Order("p.id ASC").
		Limit(limit)
	if scope.Identity != "" {
		q = q.Where("p.identity = ?", scope.Identity)
	}
	if scope.Tenant != "" {
		q = q.Where("p.identity IN (SELECT identity FROM device_config WHERE tenant = ?)", scope.Tenant)
	}
	if !scope.DateFrom.IsZero() {
		q = q.Where("p.recorded_at >= ?", scope.DateFrom)
	}
	if !scope.DateTo.IsZero() {
		q = q.Where("p.recorded_at < ?", scope.DateTo)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("paging positions: %w", err)
	}
	return rows, nil
}

// LatestPosition retorna a posição mais recente de um dispositivo, ou nil
// quando não há nenhuma.
func (s *Store) LatestPosition(ctx context.Context, identity string) (*Position, error) {
	var row Position
	err := s.db.NewSelect().Model(&row).
		Where("p.identity = ?", identity).
		Order("p.recorded_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching latest position: %w", err)
	}
	return &row, nil
}

// CountPositionsSince conta linhas recebidas a partir de um instante. Usado
// pelos endpoints de observabilidade.
func (s *Store) CountPositionsSince(ctx context.Context, since time.Time) (int, error) {
	n, err := s.db.NewSelect().Model((*Position)(nil)).
		Where("received_at >= ?", since).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting positions: %w", err)
	}
	return n, nil
}
