// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package consumer implementa o daemon de persistência: consome as filas de
// telemetria, alarmes e eventos do broker, acumula lotes, deduplica, valida
// e grava no banco com ack somente após o commit.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/nishisan-dev/n-fleet/internal/breaker"
	"github.com/nishisan-dev/n-fleet/internal/broker"
	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

const (
	// drainTimeout limita o flush do lote parcial durante o shutdown. Cobre
	// um ciclo completo de retry de escrita; estourar abandona o lote para
	// reentrega.
	drainTimeout = 30 * time.Second

	statsInterval = 15 * time.Second
)

// consumedQueues são as filas persistidas por este daemon. A fila do engine
// é um segundo binding da mesma telemetria, com consumo próprio.
var consumedQueues = []string{
	broker.QueueTelemetry,
	broker.QueueAlarms,
	broker.QueueEvents,
}

// deadPublisher publica mensagens rejeitadas na DLQ da fila de origem.
type deadPublisher interface {
	PublishDead(ctx context.Context, originalQueue, reason, field string, body []byte) error
}

// Consumer é o daemon de persistência montado sobre as dependências
// compartilhadas.
type Consumer struct {
	cfg    *config.ConsumerConfig
	logger *slog.Logger
	store  *store.Store
	client *broker.Client
	pub    deadPublisher

	dbBreaker *breaker.Breaker
	dedup     *Dedup
	stats     *Stats

	retryBudget time.Duration
}

// New monta o Consumer. O banco ganha um circuit breaker; a barreira L1 de
// deduplicação é dimensionada pela configuração.
func New(cfg *config.ConsumerConfig, logger *slog.Logger, st *store.Store, client *broker.Client) (*Consumer, error) {
	dedup, err := NewDedup(cfg.Consumer.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("building dedup cache: %w", err)
	}
	return &Consumer{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		client:      client,
		pub:         broker.NewPublisher(client, logger),
		dbBreaker:   breaker.New(breaker.NameDatabase, logger, nil),
		dedup:       dedup,
		stats:       &Stats{},
		retryBudget: writeRetryBudget,
	}, nil
}

// Stats expõe os contadores para a observabilidade.
func (c *Consumer) Stats() *Stats {
	return c.stats
}

// DedupLen retorna o tamanho corrente da barreira L1.
func (c *Consumer) DedupLen() int {
	return c.dedup.Len()
}

// Breakers expõe os circuit breakers do daemon.
func (c *Consumer) Breakers() []*breaker.Breaker {
	return []*breaker.Breaker{c.dbBreaker}
}

// Run sobe os workers (um grupo por fila) e bloqueia até o contexto ser
// cancelado. Cada worker drena o lote parcial antes de sair.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consumer starting",
		"queues", consumedQueues,
		"workers_per_queue", c.cfg.Consumer.Workers,
		"batch_size", c.cfg.Consumer.BatchSize,
		"batch_timeout", c.cfg.Consumer.BatchTimeout,
		"prefetch", c.cfg.Consumer.Prefetch,
	)

	var wg sync.WaitGroup
	for _, queue := range consumedQueues {
		for i := 0; i < c.cfg.Consumer.Workers; i++ {
			wg.Add(1)
			go func(queue string, idx int) {
				defer wg.Done()
				c.runWorker(ctx, queue, idx)
			}(queue, i)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.stats.StartReporter(ctx, c.logger, statsInterval, c.dedup.Len)
	}()

	wg.Wait()
	c.logger.Info("Consumer stopped")
	return nil
}

// runWorker mantém uma subscription viva na fila: assina, consome até o
// canal cair e reassina com backoff. Sai apenas com o contexto cancelado.
func (c *Consumer) runWorker(ctx context.Context, queue string, idx int) {
	logger := c.logger.With("queue", queue, "worker", idx)
	tag := fmt.Sprintf("nfleet-consumer-%s-%d", queue, idx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := c.client.Subscribe(queue, tag, c.cfg.Consumer.Prefetch)
		if err != nil {
			delay := bo.NextBackOff()
			if !errors.Is(err, broker.ErrNotConnected) {
				logger.Warn("Subscribe failed", "error", err, "retry_in", delay)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		bo.Reset()
		logger.Info("Consuming queue", "prefetch", c.cfg.Consumer.Prefetch)

		err = c.consumeLoop(ctx, queue, logger, sub.Deliveries(), sub.Closed())
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		c.stats.Resubscribes.Add(1)
		logger.Warn("Consume loop ended, resubscribing", "error", err)
	}
}

// consumeLoop acumula entregas até encher o lote ou vencer o timeout desde
// a primeira entrega, e então descarrega pelo pipeline de flush.
func (c *Consumer) consumeLoop(ctx context.Context, queue string, logger *slog.Logger, deliveries <-chan amqp.Delivery, closes <-chan *amqp.Error) error {
	batch := make([]amqp.Delivery, 0, c.cfg.Consumer.BatchSize)

	timer := time.NewTimer(c.cfg.Consumer.BatchTimeout)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				// O contexto de consumo já morreu; o flush de drain ganha um
				// prazo próprio para não perder o lote parcial.
				drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
				if err := c.flush(drainCtx, queue, logger, batch); err != nil {
					logger.Warn("Partial batch drain failed, broker will redeliver", "error", err)
				}
				cancel()
			}
			return ctx.Err()

		case amqpErr := <-closes:
			// Canal AMQP caiu: acks do lote corrente falhariam. Abandona; o
			// broker reentrega e a deduplicação absorve a reaplicação.
			return fmt.Errorf("channel closed: %v", amqpErr)

		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.stats.Consumed.Add(1)
			if d.Redelivered {
				c.stats.Redelivered.Add(1)
			}
			if len(batch) == 0 {
				timer.Reset(c.cfg.Consumer.BatchTimeout)
			}
			batch = append(batch, d)
			if len(batch) >= c.cfg.Consumer.BatchSize {
				if err := c.flush(ctx, queue, logger, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}

		case <-timer.C:
			if len(batch) == 0 {
				continue
			}
			if err := c.flush(ctx, queue, logger, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
}
