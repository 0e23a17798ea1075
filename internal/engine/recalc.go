// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/nishisan-dev/n-fleet/internal/breaker"
	"github.com/nishisan-dev/n-fleet/internal/broker"
	"github.com/nishisan-dev/n-fleet/internal/protocol"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

const (
	// recalcPageSize dimensiona a paginação por keyset do recompute. Cada
	// página renova a lease do job.
	recalcPageSize = 500

	recalcPrefetch = 16
)

// Prioridades dos jobs enfileirados pelo próprio engine (menor executa
// primeiro).
const (
	recalcPriorityDefault   = 5
	recalcPriorityScheduled = 9
)

// derivedViews são as materialized views mantidas pelo engine, na ordem
// de refresh.
var derivedViews = []string{"fleet_daily_summary", "driver_scores"}

func viewKnown(name string) bool {
	for _, v := range derivedViews {
		if v == name {
			return true
		}
	}
	return false
}

// runRecalcWorker disputa jobs da fila durável no intervalo de poll. O
// claim usa SKIP LOCKED, então múltiplos workers e múltiplas instâncias
// drenam a fila sem colisão.
func (e *Engine) runRecalcWorker(ctx context.Context, idx int) {
	logger := e.logger.With("recalc_worker", idx)

	ticker := time.NewTicker(e.cfg.Engine.RecalcPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainJobs(ctx, logger)
		}
	}
}

// drainJobs executa jobs até a fila esvaziar ou o contexto morrer.
func (e *Engine) drainJobs(ctx context.Context, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		var job *store.RecalcJob
		err := e.dbBreaker.Execute(func() error {
			j, claimErr := e.store.ClaimNextJob(ctx, e.cfg.Engine.RecalcLease, time.Now().UTC())
			if claimErr != nil {
				return claimErr
			}
			job = j
			return nil
		})
		if err != nil {
			if !breaker.FailedFast(err) {
				logger.Warn("Claiming recalculation job failed", "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		e.stats.JobsClaimed.Add(1)
		e.executeJob(ctx, logger, job)
	}
}

// executeJob despacha o job pelo kind e registra o desfecho. Um kind
// desconhecido marca o job como failed em vez de devolvê-lo à fila.
func (e *Engine) executeJob(ctx context.Context, logger *slog.Logger, job *store.RecalcJob) {
	logger = logger.With("job", job.ID, "kind", job.JobKind)
	logger.Info("Recalculation job claimed",
		"trigger", job.Trigger, "priority", job.Priority, "reason", job.Reason)
	start := time.Now()

	var jobErr error
	switch job.JobKind {
	case store.JobRecomputeViolations:
		jobErr = e.recomputeViolations(ctx, logger, job)
	case store.JobRefreshSingleView:
		jobErr = e.refreshSingleView(ctx, job)
	case store.JobRefreshAllViews:
		jobErr = e.refreshAllViews(ctx, logger)
	default:
		jobErr = fmt.Errorf("unknown job kind %q", job.JobKind)
	}

	if err := e.store.CompleteJob(ctx, job.ID, jobErr); err != nil {
		// O job fica como running e volta pela expiração da lease.
		logger.Error("Completing recalculation job failed", "error", err)
	}

	if jobErr != nil {
		e.stats.JobsFailed.Add(1)
		logger.Error("Recalculation job failed", "error", jobErr, "elapsed", time.Since(start))
		return
	}
	e.stats.JobsDone.Add(1)
	logger.Info("Recalculation job finished", "elapsed", time.Since(start))
}

// recomputeViolations apaga as violações do escopo e reavalia o histórico
// de posições página a página, renovando a lease a cada página. Apenas
// calculators com regra pura participam; os dependentes de estado não têm
// reavaliação histórica.
func (e *Engine) recomputeViolations(ctx context.Context, logger *slog.Logger, job *store.RecalcJob) error {
	scope := store.Scope{
		Identity: job.ScopeIdentity,
		Tenant:   job.ScopeTenant,
		DateFrom: job.ScopeDateFrom,
		DateTo:   job.ScopeDateTo,
	}

	cleared, err := e.store.DeleteViolationsInScope(ctx, scope)
	if err != nil {
		return fmt.Errorf("clearing violations: %w", err)
	}

	var regenerated int64
	afterID := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := e.store.PositionsPage(ctx, scope, afterID, recalcPageSize)
		if err != nil {
			return fmt.Errorf("paging positions after id %d: %w", afterID, err)
		}
		if len(rows) == 0 {
			break
		}

		batch := &store.EngineBatch{}
		for i := range rows {
			rec := positionToRecord(&rows[i])
			cfg, err := e.enricher.configFor(ctx, rec.Identity)
			if err != nil {
				return fmt.Errorf("enriching %s: %w", rec.Identity, err)
			}
			for _, calc := range e.registry.All() {
				if e.isDisabled(calc.Name()) {
					continue
				}
				rc, ok := calc.(Rechecker)
				if !ok {
					continue
				}
				if v := rc.Recheck(rec, cfg); v != nil {
					batch.Violations = append(batch.Violations, v)
				}
			}
		}

		if !batch.Empty() {
			if err := e.store.FlushEngineBatch(ctx, batch); err != nil {
				return fmt.Errorf("writing recomputed violations: %w", err)
			}
			regenerated += int64(len(batch.Violations))
		}

		afterID = rows[len(rows)-1].ID
		if err := e.store.ExtendLease(ctx, job.ID, e.cfg.Engine.RecalcLease, time.Now().UTC()); err != nil {
			return fmt.Errorf("extending lease: %w", err)
		}
	}

	logger.Info("Violations recomputed", "cleared", cleared, "regenerated", regenerated)
	return nil
}

func (e *Engine) refreshSingleView(ctx context.Context, job *store.RecalcJob) error {
	if !viewKnown(job.ScopeView) {
		return fmt.Errorf("unknown view %q", job.ScopeView)
	}
	if err := e.store.RefreshView(ctx, job.ScopeView); err != nil {
		return fmt.Errorf("refreshing view %s: %w", job.ScopeView, err)
	}
	e.stats.ViewsRefreshed.Add(1)
	return nil
}

// refreshAllViews tenta todas as views mesmo quando alguma falha; os erros
// são agregados no desfecho do job.
func (e *Engine) refreshAllViews(ctx context.Context, logger *slog.Logger) error {
	var errs []error
	for _, name := range derivedViews {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := e.store.RefreshView(ctx, name); err != nil {
			logger.Error("View refresh failed", "view", name, "error", err)
			errs = append(errs, fmt.Errorf("view %s: %w", name, err))
			continue
		}
		e.stats.ViewsRefreshed.Add(1)
		logger.Info("View refreshed", "view", name)
	}
	return errors.Join(errs...)
}

// positionToRecord reidrata um registro persistido para o formato de
// pipeline, para reavaliação pelos calculators.
func positionToRecord(p *store.Position) *protocol.Record {
	return &protocol.Record{
		Identity:  p.Identity,
		Sequence:  uint64(p.Sequence),
		Timestamp: p.RecordedAt,
		Priority:  uint8(p.Priority),
		Position: protocol.Position{
			Latitude:   p.Latitude,
			Longitude:  p.Longitude,
			Altitude:   p.Altitude,
			Heading:    uint16(p.Heading),
			Speed:      uint16(p.Speed),
			Satellites: uint8(p.Satellites),
		},
		IO:          p.IO,
		EventID:     uint8(p.EventID),
		Ignition:    p.Ignition,
		Mileage:     uint64(p.Mileage),
		NetworkType: p.NetworkType,
		Fingerprint: p.Fingerprint,
	}
}

// RecalcRequest é o corpo JSON aceito na fila de recálculo para
// enfileiramento remoto de jobs. Datas em RFC 3339.
type RecalcRequest struct {
	JobKind       string    `json:"job_kind"`
	Trigger       string    `json:"trigger"`
	Priority      int       `json:"priority"`
	Reason        string    `json:"reason"`
	ScopeIdentity string    `json:"scope_identity"`
	ScopeTenant   string    `json:"scope_tenant"`
	ScopeDateFrom time.Time `json:"scope_date_from"`
	ScopeDateTo   time.Time `json:"scope_date_to"`
	ScopeView     string    `json:"scope_view"`
}

// Job valida a requisição e a converte em um job persistível, aplicando
// os defaults de trigger e prioridade.
func (r *RecalcRequest) Job() (*store.RecalcJob, error) {
	switch r.JobKind {
	case store.JobRecomputeViolations, store.JobRefreshSingleView, store.JobRefreshAllViews:
	default:
		return nil, fmt.Errorf("unknown job kind %q", r.JobKind)
	}

	trigger := r.Trigger
	switch trigger {
	case "":
		trigger = store.TriggerManual
	case store.TriggerManual, store.TriggerConfigurationChange, store.TriggerFormulaVersionChange, store.TriggerScheduled:
	default:
		return nil, fmt.Errorf("unknown trigger %q", trigger)
	}

	if r.JobKind == store.JobRefreshSingleView && !viewKnown(r.ScopeView) {
		return nil, fmt.Errorf("unknown view %q", r.ScopeView)
	}

	priority := r.Priority
	if priority <= 0 {
		priority = recalcPriorityDefault
	}

	return &store.RecalcJob{
		JobKind:       r.JobKind,
		Trigger:       trigger,
		Priority:      priority,
		Reason:        r.Reason,
		ScopeIdentity: r.ScopeIdentity,
		ScopeTenant:   r.ScopeTenant,
		ScopeDateFrom: r.ScopeDateFrom,
		ScopeDateTo:   r.ScopeDateTo,
		ScopeView:     r.ScopeView,
	}, nil
}

// runRecalcListener consome a fila de recálculo: cada mensagem aceita vira
// um job durável. O ack só acontece depois do insert; corpo inválido segue
// para a DLQ.
func (e *Engine) runRecalcListener(ctx context.Context) {
	logger := e.logger.With("queue", broker.QueueRecalc)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := e.client.Subscribe(broker.QueueRecalc, "nfleet-engine-recalc", recalcPrefetch)
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
		logger.Info("Listening for recalculation requests")

		err = e.listenLoop(ctx, logger, sub.Deliveries(), sub.Closed())
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		e.stats.Resubscribes.Add(1)
		logger.Warn("Recalculation listener ended, resubscribing", "error", err)
	}
}

func (e *Engine) listenLoop(ctx context.Context, logger *slog.Logger, deliveries <-chan amqp.Delivery, closes <-chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closes:
			return fmt.Errorf("channel closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			e.handleRecalcRequest(ctx, logger, d)
		}
	}
}

func (e *Engine) handleRecalcRequest(ctx context.Context, logger *slog.Logger, d amqp.Delivery) {
	body, err := broker.DecodeBody(d)
	var req RecalcRequest
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	var job *store.RecalcJob
	if err == nil {
		job, err = req.Job()
	}
	if err != nil {
		logger.Warn("Invalid recalculation request, dead-lettering", "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			logger.Warn("Nack failed", "error", nackErr)
		}
		return
	}

	err = e.withDBRetry(ctx, logger, "enqueue_recalc", func() error {
		return e.store.EnqueueRecalcJob(ctx, job)
	})
	if err != nil {
		// Sem persistir não há ack: a mensagem volta para a fila.
		logger.Error("Enqueueing recalculation job failed", "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Warn("Nack failed", "error", nackErr)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Warn("Ack failed", "job", job.ID, "error", err)
		return
	}
	logger.Info("Recalculation job enqueued",
		"job", job.ID, "kind", job.JobKind, "trigger", job.Trigger, "priority", job.Priority)
}

// runScheduler segura a primeira ativação pelo delay inicial e mantém o
// cron de refresh até o contexto morrer.
func (e *Engine) runScheduler(ctx context.Context) {
	sched, err := NewScheduler(e.cfg.Engine.ScheduledRefreshInterval, e.logger, e.enqueueScheduledRefresh)
	if err != nil {
		e.logger.Error("View refresh scheduler setup failed", "error", err)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(e.cfg.Engine.ScheduledRefreshInitialDelay):
	}

	sched.Start()
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	sched.Stop(stopCtx)
}

func (e *Engine) enqueueScheduledRefresh(ctx context.Context) error {
	job := &store.RecalcJob{
		JobKind:  store.JobRefreshAllViews,
		Trigger:  store.TriggerScheduled,
		Priority: recalcPriorityScheduled,
		Reason:   "scheduled view refresh",
	}
	if err := e.store.EnqueueRecalcJob(ctx, job); err != nil {
		return err
	}
	e.logger.Info("Scheduled view refresh enqueued", "job", job.ID)
	return nil
}
