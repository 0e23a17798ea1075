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

// EnqueueRecalcJob insere um job na fila de recálculo. Status e created_at
// recebem defaults quando zerados; o id gerado volta preenchido no model.
func (s *Store) EnqueueRecalcJob(ctx context.Context, job *RecalcJob) error {
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.NewInsert().Model(job).Returning("id").Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing recalculation job: %w", err)
	}
	return nil
}

// ClaimNextJob reivindica o próximo job visível: pending, ou running com
// lease vencido (worker anterior morreu). A menor priority vence; empate por
// id, FIFO. O claim marca running e estende o lease em uma transação com
// FOR UPDATE SKIP LOCKED, então workers concorrentes nunca pegam o mesmo
// job. Retorna nil quando a fila está vazia.
func (s *Store) ClaimNextJob(ctx context.Context, lease time.Duration, now time.Time) (*RecalcJob, error) {
	var job RecalcJob
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().Model(&job).
			Where("status = ?", JobStatusPending).
			WhereOr("status = ? AND lease_expires_at < ?", JobStatusRunning, now).
			Order("priority ASC", "id ASC").
			Limit(1).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			return err
		}

		job.Status = JobStatusRunning
		job.ClaimedAt = now
		job.LeaseExpiresAt = now.Add(lease)
		if _, err := tx.NewUpdate().Model(&job).
			Column("status", "claimed_at", "lease_expires_at").
			WherePK().
			Exec(ctx); err != nil {
			return fmt.Errorf("claiming job %d: %w", job.ID, err)
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming recalculation job: %w", err)
	}
	return &job, nil
}

// ExtendLease renova o lease de um job em execução. Jobs longos chamam isto
// entre páginas para não serem reivindicados por outro worker.
func (s *Store) ExtendLease(ctx context.Context, jobID int64, lease time.Duration, now time.Time) error {
	_, err := s.db.NewUpdate().Model((*RecalcJob)(nil)).
		Set("lease_expires_at = ?", now.Add(lease)).
		Where("id = ?", jobID).
		Where("status = ?", JobStatusRunning).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("extending lease of job %d: %w", jobID, err)
	}
	return nil
}

// CompleteJob marca o desfecho de um job: done, ou failed com a mensagem de
// erro preservada para diagnóstico.
func (s *Store) CompleteJob(ctx context.Context, jobID int64, jobErr error) error {
	q := s.db.NewUpdate().Model((*RecalcJob)(nil)).
		Where("id = ?", jobID)
	if jobErr != nil {
		q = q.Set("status = ?", JobStatusFailed).
			Set("error = ?", jobErr.Error())
	} else {
		q = q.Set("status = ?", JobStatusDone).
			Set("error = NULL")
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("completing job %d: %w", jobID, err)
	}
	return nil
}

// PendingJobCount conta jobs ainda não terminais. Exposto como gauge de
// observabilidade.
func (s *Store) PendingJobCount(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().Model((*RecalcJob)(nil)).
		Where("status IN (?)", bun.In([]string{JobStatusPending, JobStatusRunning})).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting pending jobs: %w", err)
	}
	return n, nil
}
