// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package engine implementa o serviço de métricas: consome a cópia de
// telemetria do broker, enriquece com o cadastro do dispositivo, executa o
// fan-out de calculators e persiste métricas, violações e o espelho de
// estado por dispositivo. O mesmo processo opera a fila durável de
// recálculo e o refresh agendado das views derivadas.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/nishisan-dev/n-fleet/internal/breaker"
	"github.com/nishisan-dev/n-fleet/internal/broker"
	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/protocol"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

const (
	writeRetryInitial = 500 * time.Millisecond
	writeRetryMax     = 5 * time.Second
	writeRetryBudget  = 30 * time.Second

	drainTimeout  = 30 * time.Second
	statsInterval = 15 * time.Second
)

// violationPublisher publica notificações de violação na exchange.
type violationPublisher interface {
	Publish(ctx context.Context, key string, body []byte, headers amqp.Table) error
}

// Engine é o daemon de métricas montado sobre as dependências
// compartilhadas.
type Engine struct {
	cfg    *config.EngineConfig
	logger *slog.Logger
	store  *store.Store
	client *broker.Client
	pub    violationPublisher

	registry *Registry
	enricher *enricher

	dbBreaker     *breaker.Breaker
	brokerBreaker *breaker.Breaker

	// Espelho em memória do estado por dispositivo, atualizado somente
	// após o commit do lote.
	mu     sync.Mutex
	states map[string]*store.DeviceState

	// Calculators desligados pelo flag enabled do catálogo.
	disabledMu sync.RWMutex
	disabled   map[string]struct{}

	stats       *Stats
	retryBudget time.Duration
}

// New monta o Engine com o registry de calculators de produção.
func New(cfg *config.EngineConfig, logger *slog.Logger, st *store.Store, client *broker.Client) *Engine {
	e := &Engine{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		client:        client,
		pub:           broker.NewPublisher(client, logger),
		registry:      DefaultRegistry(),
		dbBreaker:     breaker.New(breaker.NameDatabase, logger, nil),
		brokerBreaker: breaker.New(breaker.NameBroker, logger, nil),
		states:        make(map[string]*store.DeviceState),
		stats:         &Stats{},
		retryBudget:   writeRetryBudget,
	}
	e.enricher = newEnricher(st, e.dbBreaker, cfg.Engine.EnrichmentTTL, e.stats)
	return e
}

// Stats expõe os contadores para a observabilidade.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// CacheLen retorna o número de cadastros vivos no cache de enriquecimento.
func (e *Engine) CacheLen() int {
	return e.enricher.len()
}

// Breakers expõe os circuit breakers do daemon.
func (e *Engine) Breakers() []*breaker.Breaker {
	return []*breaker.Breaker{e.dbBreaker, e.brokerBreaker}
}

// Run sobe o pipeline de telemetria, os workers de recálculo, o listener
// da fila de recálculo e o scheduler de refresh, e bloqueia até o contexto
// ser cancelado. Em shadow mode apenas o pipeline roda; tudo que escreve
// fica desligado.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Engine starting",
		"calculators", len(e.registry.All()),
		"batch_size", e.cfg.Engine.BatchSize,
		"batch_timeout", e.cfg.Engine.BatchTimeout,
		"prefetch", e.cfg.Engine.Prefetch,
		"recalc_workers", e.cfg.Engine.Workers,
		"shadow_mode", e.cfg.Engine.ShadowMode,
	)

	if err := e.ReloadCatalog(ctx); err != nil {
		// O catálogo pode ser reconciliado depois via SIGHUP; o boot segue.
		e.logger.Warn("Initial catalog reconcile failed", "error", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runTelemetryWorker(ctx)
	}()

	if e.cfg.Engine.ShadowMode {
		e.logger.Warn("Shadow mode active: DB writes, alarms, recalc workers and scheduler disabled")
	} else {
		for i := 0; i < e.cfg.Engine.Workers; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				e.runRecalcWorker(ctx, idx)
			}(i)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runRecalcListener(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runScheduler(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.stats.StartReporter(ctx, e.logger, statsInterval, e.enricher.len)
	}()

	wg.Wait()
	e.logger.Info("Engine stopped")
	return nil
}

// runTelemetryWorker mantém a subscription de telemetria viva. É uma única
// subscription por instância: transições de ignição dependem da ordem por
// dispositivo, e round-robin entre consumidores a quebraria.
func (e *Engine) runTelemetryWorker(ctx context.Context) {
	logger := e.logger.With("queue", broker.QueueEngineTelemetry)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := e.client.Subscribe(broker.QueueEngineTelemetry, "nfleet-engine-telemetry", e.cfg.Engine.Prefetch)
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
		logger.Info("Consuming engine telemetry", "prefetch", e.cfg.Engine.Prefetch)

		err = e.telemetryLoop(ctx, logger, sub.Deliveries(), sub.Closed())
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		e.stats.Resubscribes.Add(1)
		logger.Warn("Telemetry loop ended, resubscribing", "error", err)
	}
}

// telemetryLoop acumula entregas até encher o lote ou vencer o timeout
// desde a primeira entrega, e então processa pelo fan-out de calculators.
func (e *Engine) telemetryLoop(ctx context.Context, logger *slog.Logger, deliveries <-chan amqp.Delivery, closes <-chan *amqp.Error) error {
	batch := make([]amqp.Delivery, 0, e.cfg.Engine.BatchSize)

	timer := time.NewTimer(e.cfg.Engine.BatchTimeout)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
				if err := e.processBatch(drainCtx, logger, batch); err != nil {
					logger.Warn("Partial batch drain failed, broker will redeliver", "error", err)
				}
				cancel()
			}
			return ctx.Err()

		case amqpErr := <-closes:
			// Canal AMQP caiu: acks do lote corrente falhariam. Abandona; o
			// broker reentrega e o commit do espelho só acontece após flush,
			// então o reprocessamento parte do estado consistente.
			return fmt.Errorf("channel closed: %v", amqpErr)

		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			e.stats.Consumed.Add(1)
			if d.Redelivered {
				e.stats.Redelivered.Add(1)
			}
			if len(batch) == 0 {
				timer.Reset(e.cfg.Engine.BatchTimeout)
			}
			batch = append(batch, d)
			if len(batch) >= e.cfg.Engine.BatchSize {
				if err := e.processBatch(ctx, logger, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}

		case <-timer.C:
			if len(batch) == 0 {
				continue
			}
			if err := e.processBatch(ctx, logger, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
}

// processBatch roda o fan-out sobre um lote e persiste o resultado em uma
// transação. Os estados trabalhados são cópias; o espelho em memória só é
// atualizado depois do commit, para que um flush falho não contamine o
// baseline dos próximos lotes.
func (e *Engine) processBatch(ctx context.Context, logger *slog.Logger, deliveries []amqp.Delivery) error {
	e.stats.Batches.Add(1)
	now := time.Now().UTC()

	batch := &store.EngineBatch{}
	work := make(map[string]*store.DeviceState)
	acks := make([]amqp.Delivery, 0, len(deliveries))
	var rejects []amqp.Delivery

	var procErr error
	for _, d := range deliveries {
		if procErr != nil {
			// O lote já está condenado; o restante segue junto para a DLQ.
			acks = append(acks, d)
			continue
		}
		body, err := broker.DecodeBody(d)
		if err != nil {
			e.stats.DecodeFailures.Add(1)
			rejects = append(rejects, d)
			continue
		}
		var rec protocol.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			e.stats.DecodeFailures.Add(1)
			rejects = append(rejects, d)
			continue
		}
		acks = append(acks, d)
		if rec.Identity == "" || rec.Invalid {
			e.stats.InvalidSkipped.Add(1)
			continue
		}
		procErr = e.processRecord(ctx, logger, &rec, now, work, batch)
	}

	if procErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.stats.FlushFailures.Add(1)
		logger.Error("Batch processing failed, dead-lettering batch", "error", procErr)
		return e.disposeFailed(append(acks, rejects...))
	}

	// Ordena os estados para escrita determinística.
	ids := make([]string, 0, len(work))
	for id := range work {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		batch.States = append(batch.States, work[id])
	}

	if !batch.Empty() {
		if e.cfg.Engine.ShadowMode {
			e.stats.ShadowSuppressed.Add(int64(batch.Size()))
			logger.Info("Shadow mode: writes suppressed",
				"metrics", len(batch.Metrics),
				"violations", len(batch.Violations),
				"states", len(batch.States),
			)
		} else if err := e.flushBatch(ctx, logger, batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.stats.FlushFailures.Add(1)
			logger.Error("Engine flush failed, dead-lettering batch", "error", err)
			return e.disposeFailed(append(acks, rejects...))
		}
	}

	// Commit do espelho em memória: os baselines dos próximos lotes.
	e.mu.Lock()
	for id, st := range work {
		e.states[id] = st
	}
	e.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, d := range acks {
		if err := d.Ack(false); err != nil {
			keep(err)
			continue
		}
		e.stats.Acked.Add(1)
	}
	for _, d := range rejects {
		if err := d.Nack(false, false); err != nil {
			keep(err)
			continue
		}
		e.stats.DeadLettered.Add(1)
	}

	if !e.cfg.Engine.ShadowMode {
		e.publishViolations(ctx, logger, batch.Violations)
	}
	return firstErr
}

// processRecord executa o fan-out de um registro e aplica o espelho de
// estado. O estado entregue aos calculators é o anterior ao registro.
func (e *Engine) processRecord(ctx context.Context, logger *slog.Logger, rec *protocol.Record, now time.Time, work map[string]*store.DeviceState, batch *store.EngineBatch) error {
	st, ok := work[rec.Identity]
	if !ok {
		loaded, err := e.loadState(ctx, logger, rec.Identity)
		if err != nil {
			return fmt.Errorf("loading state for %s: %w", rec.Identity, err)
		}
		st = loaded
		work[rec.Identity] = st
	}

	cfg, err := e.enricher.configFor(ctx, rec.Identity)
	if err != nil {
		// Cadastro indisponível: processa sem enriquecimento. Violações
		// dependentes de config ficam para o recompute.
		e.stats.EnrichFailures.Add(1)
		cfg = nil
	}

	ectx := &Context{Config: cfg, State: st, Now: now}
	for _, calc := range e.registry.All() {
		if e.isDisabled(calc.Name()) {
			continue
		}
		res, err := calc.Process(rec, ectx)
		if err != nil {
			e.stats.CalcErrors.Add(1)
			logger.Error("Calculator failed", "calculator", calc.Name(), "identity", rec.Identity, "error", err)
			continue
		}
		batch.Metrics = append(batch.Metrics, res.Metrics...)
		batch.Violations = append(batch.Violations, res.Violations...)
		e.stats.MetricsEmitted.Add(int64(len(res.Metrics)))
		e.stats.ViolationsEmitted.Add(int64(len(res.Violations)))
	}

	// Espelho de estado. Posição sem fix não sobrescreve a última conhecida.
	if !rec.Position.NoFix() {
		st.LastLatitude = rec.Position.Latitude
		st.LastLongitude = rec.Position.Longitude
	}
	st.LastSpeed = int32(rec.Position.Speed)
	st.LastIgnition = rec.Ignition
	if rec.Mileage > 0 {
		st.LastMileage = int64(rec.Mileage)
	}
	st.LastSeenAt = rec.Timestamp
	st.UpdatedAt = now

	e.stats.Processed.Add(1)
	return nil
}

// loadState resolve o baseline de um dispositivo: espelho em memória
// primeiro, banco em seguida. Sempre retorna uma cópia de trabalho.
func (e *Engine) loadState(ctx context.Context, logger *slog.Logger, identity string) (*store.DeviceState, error) {
	e.mu.Lock()
	if st, ok := e.states[identity]; ok {
		e.mu.Unlock()
		return cloneState(st), nil
	}
	e.mu.Unlock()

	var st *store.DeviceState
	err := e.withDBRetry(ctx, logger, "device_state", func() error {
		s, err := e.store.DeviceStateByIdentity(ctx, identity)
		if err != nil {
			return err
		}
		st = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &store.DeviceState{Identity: identity}
	}
	return st, nil
}

func cloneState(st *store.DeviceState) *store.DeviceState {
	cp := *st
	return &cp
}

// flushBatch persiste o lote com retry sob o circuit breaker do banco.
func (e *Engine) flushBatch(ctx context.Context, logger *slog.Logger, batch *store.EngineBatch) error {
	return e.withDBRetry(ctx, logger, "engine_flush", func() error {
		return e.store.FlushEngineBatch(ctx, batch)
	})
}

// withDBRetry executa fn sob o circuit breaker com retry exponencial até o
// orçamento esgotar.
func (e *Engine) withDBRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = writeRetryInitial
	bo.MaxInterval = writeRetryMax
	bo.MaxElapsedTime = e.retryBudget
	bo.Reset()

	for {
		err := e.dbBreaker.Execute(fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		e.stats.DBRetries.Add(1)
		if breaker.FailedFast(err) {
			logger.Debug("Database call held by open circuit", "op", op, "retry_in", delay)
		} else {
			logger.Warn("Database call failed, will retry", "op", op, "error", err, "retry_in", delay)
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

// disposeFailed encaminha o lote inteiro para a DLQ do engine. O registro
// bruto continua disponível via archiver; métricas são recuperáveis por
// recompute.
func (e *Engine) disposeFailed(deliveries []amqp.Delivery) error {
	var firstErr error
	for _, d := range deliveries {
		if err := d.Nack(false, false); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.stats.DeadLettered.Add(1)
	}
	return firstErr
}

// publishViolations emite as notificações de violação na exchange. É um
// canal best-effort: a linha no banco é a fonte de verdade e falha de
// publicação não condena o lote já commitado.
func (e *Engine) publishViolations(ctx context.Context, logger *slog.Logger, violations []*store.Violation) {
	for _, v := range violations {
		body, err := json.Marshal(v)
		if err != nil {
			logger.Error("Violation marshal failed", "calculator", v.Calculator, "error", err)
			continue
		}
		headers := amqp.Table{
			"x-source":     "engine",
			"x-calculator": v.Calculator,
		}
		pubErr := e.brokerBreaker.Execute(func() error {
			return e.pub.Publish(ctx, broker.KeyViolations, body, headers)
		})
		if pubErr != nil {
			e.stats.AlarmPublishFailures.Add(1)
			if !breaker.FailedFast(pubErr) {
				logger.Warn("Violation publish failed", "calculator", v.Calculator, "identity", v.Identity, "error", pubErr)
			}
			continue
		}
		e.stats.AlarmsPublished.Add(1)
	}
}
