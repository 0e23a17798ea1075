// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/nishisan-dev/n-fleet/internal/breaker"
	"github.com/nishisan-dev/n-fleet/internal/broker"
	"github.com/nishisan-dev/n-fleet/internal/protocol"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

// Orçamento do retry de escrita. Estourado, o lote inteiro vai para a DLQ
// com razão db_write_failure.
const (
	writeRetryInitial = 500 * time.Millisecond
	writeRetryMax     = 5 * time.Second
	writeRetryBudget  = 30 * time.Second
)

// pendingWrite é um registro aceito aguardando o insert do lote.
type pendingWrite struct {
	d    amqp.Delivery
	body []byte
	row  *store.Position
	key  string
}

// pendingReject é um registro recusado aguardando a publicação na DLQ.
type pendingReject struct {
	d    amqp.Delivery
	body []byte
	rej  rejection
}

// flush descarrega um lote pelo pipeline: deduplicador, validator e escrita
// em uma transação única. As entregas gravadas são ackadas juntas após o
// commit; hits de dedup são ackados (a linha já está no banco de um commit
// anterior); recusas vão para a DLQ. Retorna erro apenas quando o canal não
// aceita mais dispositions ou o contexto morre, casos em que o broker
// reentrega o que ficou sem ack.
func (c *Consumer) flush(ctx context.Context, queue string, logger *slog.Logger, batch []amqp.Delivery) error {
	if len(batch) == 0 {
		return nil
	}
	c.stats.Batches.Add(1)

	writes := make([]pendingWrite, 0, len(batch))
	var (
		drops   []amqp.Delivery
		rejects []pendingReject
	)

	for _, d := range batch {
		body, err := broker.DecodeBody(d)
		if err != nil {
			c.stats.DecodeFailures.Add(1)
			rejects = append(rejects, pendingReject{d: d, body: d.Body, rej: rejection{Reason: ReasonDecodeFailure}})
			continue
		}
		var rec protocol.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			c.stats.DecodeFailures.Add(1)
			rejects = append(rejects, pendingReject{d: d, body: body, rej: rejection{Reason: ReasonDecodeFailure}})
			continue
		}
		if rej := validateRecord(&rec); rej != nil {
			c.stats.countRejection(rej.Field)
			rejects = append(rejects, pendingReject{d: d, body: body, rej: *rej})
			continue
		}
		key := dedupKey(rec.Identity, rec.Timestamp, rec.Fingerprint)
		if c.dedup.Seen(key) {
			c.stats.DedupL1.Add(1)
			drops = append(drops, d)
			continue
		}
		writes = append(writes, pendingWrite{d: d, body: body, row: toPosition(&rec, d.Timestamp), key: key})
	}

	writeOK := true
	if len(writes) > 0 {
		rows := make([]*store.Position, len(writes))
		for i := range writes {
			rows[i] = writes[i].row
		}
		inserted, err := c.writeBatch(ctx, rows)
		switch {
		case err != nil && ctx.Err() != nil:
			// Shutdown no meio do retry: sai sem disposition, o broker
			// reentrega e a deduplicação absorve a reaplicação.
			return ctx.Err()
		case err != nil:
			writeOK = false
			c.stats.WriteFailures.Add(1)
			logger.Error("Batch write failed, dead-lettering batch",
				"records", len(writes),
				"error", err,
			)
		default:
			c.stats.Inserted.Add(inserted)
			c.stats.DedupL2.Add(int64(len(writes)) - inserted)
			keys := make([]string, len(writes))
			for i := range writes {
				keys[i] = writes[i].key
			}
			// Só entra na L1 o que está garantido no banco.
			c.dedup.Commit(keys)
		}
	}

	var dispErr error
	keep := func(err error) {
		if err != nil && dispErr == nil {
			dispErr = err
		}
	}

	for _, w := range writes {
		if writeOK {
			if err := w.d.Ack(false); err != nil {
				keep(err)
				continue
			}
			c.stats.Acked.Add(1)
			continue
		}
		keep(c.deadLetter(ctx, queue, logger, w.d, w.body, rejection{Reason: ReasonDBWriteFailure}))
	}
	for _, d := range drops {
		if err := d.Ack(false); err != nil {
			keep(err)
			continue
		}
		c.stats.Acked.Add(1)
	}
	for _, r := range rejects {
		keep(c.deadLetter(ctx, queue, logger, r.d, r.body, r.rej))
	}
	return dispErr
}

// writeBatch grava o lote com retry exponencial sob o breaker de banco.
// Retorna quantas linhas eram novas; o restante caiu na barreira L2.
func (c *Consumer) writeBatch(ctx context.Context, rows []*store.Position) (int64, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = writeRetryInitial
	bo.MaxInterval = writeRetryMax
	bo.MaxElapsedTime = c.retryBudget
	bo.Reset()

	var inserted int64
	for {
		err := c.dbBreaker.Execute(func() error {
			n, err := c.store.InsertPositions(ctx, rows)
			inserted = n
			return err
		})
		if err == nil {
			return inserted, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return 0, err
		}
		c.stats.WriteRetries.Add(1)
		if breaker.FailedFast(err) {
			c.logger.Debug("Batch write held by open circuit", "retry_in", delay)
		} else {
			c.logger.Warn("Batch write failed, will retry", "error", err, "retry_in", delay)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// deadLetter publica a mensagem na DLQ da fila de origem com os headers de
// diagnóstico e acka a entrega original. Quando a publicação falha, o
// fallback é nack sem requeue: a DLX configurada na fila roteia a mensagem
// original para a mesma DLQ, sem os headers.
func (c *Consumer) deadLetter(ctx context.Context, queue string, logger *slog.Logger, d amqp.Delivery, body []byte, rej rejection) error {
	if err := c.pub.PublishDead(ctx, queue, rej.Reason, rej.Field, body); err != nil {
		logger.Warn("Dead-letter publish failed, nacking instead",
			"reason", rej.Reason,
			"error", err,
		)
		c.stats.NackFallbacks.Add(1)
		return d.Nack(false, false)
	}
	c.stats.DeadLettered.Add(1)
	return d.Ack(false)
}
