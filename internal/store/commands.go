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

// ErrCommandTaken indica que outra instância consumiu a linha do outbox
// entre o poll e a marcação de envio.
var ErrCommandTaken = errors.New("store: outbox command already taken")

// SweepResult contabiliza um ciclo de varredura de comandos expirados.
type SweepResult struct {
	OutboxFailed int
	SentNoReply  int
}

// EnqueueCommand insere um comando no outbox. Em produção o outbox é
// alimentado pela API de operação; este caminho serve o simulador e os
// testes de integração.
func (s *Store) EnqueueCommand(ctx context.Context, cmd *CommandOutbox) error {
	if cmd.Method == "" {
		cmd.Method = MethodGPRS
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.NewInsert().Model(cmd).Returning("id").Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing command: %w", err)
	}
	return nil
}

// PendingCommands retorna comandos do outbox para o método dado, limitados
// aos dispositivos informados (os conectados localmente), na ordem de
// criação.
func (s *Store) PendingCommands(ctx context.Context, method string, identities []string, limit int) ([]CommandOutbox, error) {
	if len(identities) == 0 {
		return nil, nil
	}
	var rows []CommandOutbox
	err := s.db.NewSelect().Model(&rows).
		Where("method = ?", method).
		Where("identity IN (?)", bun.In(identities)).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("polling command outbox: %w", err)
	}
	return rows, nil
}

// MarkSent move um comando do outbox para a tabela de enviados, gravando a
// entrada outgoing/sent no histórico, tudo em uma transação. Se a linha do
// outbox sumiu no meio do caminho (outro gateway assumiu o dispositivo),
// retorna ErrCommandTaken e nada é persistido.
func (s *Store) MarkSent(ctx context.Context, cmd *CommandOutbox, now time.Time) (*CommandSent, error) {
	sent := &CommandSent{
		Identity:  cmd.Identity,
		Method:    cmd.Method,
		Payload:   cmd.Payload,
		Status:    CommandStatusSent,
		CreatedAt: cmd.CreatedAt,
		SentAt:    now,
	}
	hist := &CommandHistory{
		Identity:   cmd.Identity,
		Direction:  DirectionOutgoing,
		Payload:    cmd.Payload,
		Status:     CommandStatusSent,
		Method:     cmd.Method,
		CreatedAt:  cmd.CreatedAt,
		SentAt:     now,
		ArchivedAt: now,
	}

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(sent).Returning("id").Exec(ctx); err != nil {
			return fmt.Errorf("inserting sent command: %w", err)
		}
		if _, err := tx.NewInsert().Model(hist).Returning("id").Exec(ctx); err != nil {
			return fmt.Errorf("inserting command history: %w", err)
		}
		res, err := tx.NewDelete().Model((*CommandOutbox)(nil)).
			Where("id = ?", cmd.ID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("deleting outbox row: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrCommandTaken
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sent, nil
}

// CorrelateResponse associa uma resposta recebida do dispositivo ao comando
// enviado mais recente de mesmo identity+method. No match, em uma transação:
// remove a linha de enviados, marca o histórico outgoing como successful e
// grava a entrada incoming. Resposta sem comando pendente não é erro; vira
// uma entrada incoming com status received.
func (s *Store) CorrelateResponse(ctx context.Context, identity, method, payload string, now time.Time) (bool, error) {
	matched := false
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		matched = false

		var sent CommandSent
		err := tx.NewSelect().Model(&sent).
			Where("identity = ?", identity).
			Where("method = ?", method).
			Where("status = ?", CommandStatusSent).
			Order("sent_at DESC").
			Limit(1).
			For("UPDATE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			in := &CommandHistory{
				Identity:   identity,
				Direction:  DirectionIncoming,
				Payload:    payload,
				Status:     CommandStatusReceived,
				Method:     method,
				CreatedAt:  now,
				ArchivedAt: now,
			}
			if _, err := tx.NewInsert().Model(in).Returning("id").Exec(ctx); err != nil {
				return fmt.Errorf("inserting unmatched response: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("looking up sent command: %w", err)
		}

		if _, err := tx.NewDelete().Model((*CommandSent)(nil)).
			Where("id = ?", sent.ID).
			Exec(ctx); err != nil {
			return fmt.Errorf("deleting sent command: %w", err)
		}

		if _, err := tx.NewUpdate().Model((*CommandHistory)(nil)).
			Set("status = ?", CommandStatusSuccessful).
			Set("archived_at = ?", now).
			Where("identity = ?", identity).
			Where("method = ?", method).
			Where("direction = ?", DirectionOutgoing).
			Where("status = ?", CommandStatusSent).
			Exec(ctx); err != nil {
			return fmt.Errorf("updating outgoing history: %w", err)
		}

		in := &CommandHistory{
			Identity:   identity,
			Direction:  DirectionIncoming,
			Payload:    payload,
			Status:     CommandStatusSuccessful,
			Method:     method,
			CreatedAt:  now,
			SentAt:     sent.SentAt,
			ArchivedAt: now,
		}
		if _, err := tx.NewInsert().Model(in).Returning("id").Exec(ctx); err != nil {
			return fmt.Errorf("inserting incoming history: %w", err)
		}

		matched = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

// SweepExpiredCommands aplica os dois timeouts de comando: linhas do outbox
// nunca entregues dentro de outboxTimeout viram histórico failed; comandos
// enviados sem resposta dentro de replyTimeout viram no_reply. Uma transação
// por ciclo.
func (s *Store) SweepExpiredCommands(ctx context.Context, outboxTimeout, replyTimeout time.Duration, now time.Time) (SweepResult, error) {
	var result SweepResult
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		result = SweepResult{}

		var stale []CommandOutbox
		if err := tx.NewSelect().Model(&stale).
			Where("created_at < ?", now.Add(-outboxTimeout)).
			For("UPDATE SKIP LOCKED").
			Scan(ctx); err != nil {
			return fmt.Errorf("selecting expired outbox rows: %w", err)
		}
		for i := range stale {
			cmd := &stale[i]
			hist := &CommandHistory{
				Identity:   cmd.Identity,
				Direction:  DirectionOutgoing,
				Payload:    cmd.Payload,
				Status:     CommandStatusFailed,
				Method:     cmd.Method,
				CreatedAt:  cmd.CreatedAt,
				ArchivedAt: now,
			}
			if _, err := tx.NewInsert().Model(hist).Returning("id").Exec(ctx); err != nil {
				return fmt.Errorf("archiving expired outbox command: %w", err)
			}
			if _, err := tx.NewDelete().Model((*CommandOutbox)(nil)).
				Where("id = ?", cmd.ID).
				Exec(ctx); err != nil {
				return fmt.Errorf("deleting expired outbox row: %w", err)
			}
			result.OutboxFailed++
		}

		var unanswered []CommandSent
		if err := tx.NewSelect().Model(&unanswered).
			Where("status = ?", CommandStatusSent).
			Where("sent_at < ?", now.Add(-replyTimeout)).
			For("UPDATE SKIP LOCKED").
			Scan(ctx); err != nil {
			return fmt.Errorf("selecting unanswered commands: %w", err)
		}
		for i := range unanswered {
			cmd := &unanswered[i]
			if _, err := tx.NewUpdate().Model((*CommandHistory)(nil)).
				Set("status = ?", CommandStatusNoReply).
				Set("archived_at = ?", now).
				Where("identity = ?", cmd.Identity).
				Where("method = ?", cmd.Method).
				Where("direction = ?", DirectionOutgoing).
				Where("status = ?", CommandStatusSent).
				Exec(ctx); err != nil {
				return fmt.Errorf("marking history no_reply: %w", err)
			}
			if _, err := tx.NewDelete().Model((*CommandSent)(nil)).
				Where("id = ?", cmd.ID).
				Exec(ctx); err != nil {
				return fmt.Errorf("deleting unanswered command: %w", err)
			}
			result.SentNoReply++
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}
	return result, nil
}
