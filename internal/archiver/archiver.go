// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archiver drena as DLQs para armazenamento frio. Cada mensagem
// morta vira uma linha JSONL em segmentos comprimidos no spool local; um
// segmento fechado sobe para o bucket S3 e só então sai do disco. O ack das
// entregas acontece em lote no fechamento do segmento, então uma queda no
// meio de um segmento só custa redeliveries, nunca dados.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/nishisan-dev/n-fleet/internal/broker"
	"github.com/nishisan-dev/n-fleet/internal/config"
)

const (
	statsInterval = 60 * time.Second

	// requeueDelay segura o worker depois de uma falha de spool para não
	// girar em redelivery imediato com o disco doente.
	requeueDelay = 5 * time.Second

	// drainTimeout limita o fechamento e upload do segmento parcial durante
	// o shutdown.
	drainTimeout = 30 * time.Second

	// sweepInterval dita o retry de upload dos segmentos fechados que
	// sobraram no spool.
	sweepInterval = 1 * time.Minute
)

// archivedQueues são as DLQs drenadas para o arquivo frio.
var archivedQueues = []string{
	broker.DLQName(broker.QueueTelemetry),
	broker.DLQName(broker.QueueAlarms),
	broker.DLQName(broker.QueueEvents),
	broker.DLQName(broker.QueueEngineTelemetry),
	broker.DLQName(broker.QueueRecalc),
}

// SegmentUploader sobe um segmento fechado para o armazenamento frio e
// remove o arquivo local em caso de sucesso.
type SegmentUploader interface {
	Upload(ctx context.Context, file string) error
}

// Archiver consome as DLQs e espelha cada mensagem no spool comprimido.
type Archiver struct {
	cfg    config.ArchiverInfo
	logger *slog.Logger
	client *broker.Client
	up     SegmentUploader
	stats  *Stats

	// uploadMu serializa uploads entre os workers e a varredura para o
	// mesmo arquivo não subir duas vezes.
	uploadMu sync.Mutex
}

// New cria o Archiver. O uploader é injetável para os testes.
func New(cfg config.ArchiverInfo, client *broker.Client, up SegmentUploader, logger *slog.Logger) *Archiver {
	return &Archiver{
		cfg:    cfg,
		logger: logger.With("component", "archiver"),
		client: client,
		up:     up,
		stats:  &Stats{},
	}
}

// Stats expõe os contadores do Archiver.
func (a *Archiver) Stats() *Stats {
	return a.stats
}

// Run prepara o spool, sobe um worker por DLQ e bloqueia até o contexto ser
// cancelado. Segmentos parciais são fechados e enviados no drain.
func (a *Archiver) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}
	a.cleanSpool()
	a.uploadClosed(ctx)

	a.logger.Info("Archiver starting",
		"queues", archivedQueues,
		"spool_dir", a.cfg.SpoolDir,
		"compression", a.cfg.CompressionMode,
		"segment_max_records", a.cfg.SegmentMaxRecords,
		"segment_max_age", a.cfg.SegmentMaxAge,
	)

	var wg sync.WaitGroup
	for _, queue := range archivedQueues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			a.runWorker(ctx, queue)
		}(queue)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runSweeper(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.stats.StartReporter(ctx, a.logger, statsInterval)
	}()

	wg.Wait()
	a.logger.Info("Archiver stopped")
	return nil
}

// runWorker mantém uma subscription viva na DLQ: assina, consome até o canal
// cair e reassina com backoff. Sai apenas com o contexto cancelado.
func (a *Archiver) runWorker(ctx context.Context, queue string) {
	logger := a.logger.With("queue", queue)
	tag := "nfleet-archiver-" + queue

	// O ack é em lote no fechamento do segmento, então o prefetch precisa
	// cobrir um segmento inteiro para o canal não estrangular antes do corte.
	prefetch := a.cfg.SegmentMaxRecords + 1

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := a.client.Subscribe(queue, tag, prefetch)
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
		logger.Info("Draining dead letters")

		err = a.consumeLoop(ctx, queue, logger, sub.Deliveries(), sub.Closed())
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		a.stats.Resubscribes.Add(1)
		logger.Warn("Consume loop ended, resubscribing", "error", err)
	}
}

// consumeLoop espelha entregas no segmento aberto da fila e fecha o segmento
// quando ele enche ou quando vence o prazo desde a primeira entrega. O ack
// das entregas pendentes só acontece com o segmento renomeado no spool.
func (a *Archiver) consumeLoop(ctx context.Context, queue string, logger *slog.Logger, deliveries <-chan amqp.Delivery, closes <-chan *amqp.Error) error {
	timer := time.NewTimer(a.cfg.SegmentMaxAge)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var seg *Segment
	var pending []amqp.Delivery

	for {
		select {
		case <-ctx.Done():
			if seg != nil {
				// O contexto de consumo já morreu; o drain ganha um prazo
				// próprio para não perder o segmento parcial.
				drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
				a.closeAndAck(drainCtx, logger, seg, pending)
				cancel()
			}
			return ctx.Err()

		case amqpErr := <-closes:
			// Canal AMQP caiu: acks pendentes seriam inválidos. Descarta o
			// segmento; o broker reentrega tudo que não foi ackado.
			if seg != nil {
				seg.Abort()
			}
			return fmt.Errorf("channel closed: %v", amqpErr)

		case <-timer.C:
			if seg == nil {
				continue
			}
			a.closeAndAck(ctx, logger, seg, pending)
			seg, pending = nil, nil

		case d, ok := <-deliveries:
			if !ok {
				if seg != nil {
					seg.Abort()
				}
				return errors.New("deliveries channel closed")
			}

			if seg == nil {
				var err error
				seg, err = newSegment(a.cfg.SpoolDir, queue, a.cfg.CompressionMode, a.cfg.FileExtension())
				if err != nil {
					a.stats.SpoolFailures.Add(1)
					logger.Warn("Segment open failed, requeueing", "error", err)
					a.requeue(ctx, logger, d)
					continue
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(a.cfg.SegmentMaxAge)
			}

			if err := seg.Append(a.entry(queue, d)); err != nil {
				// Segmento suspeito: descarta e devolve tudo que ele tinha.
				a.stats.SpoolFailures.Add(1)
				logger.Warn("Spool write failed, requeueing segment", "records", seg.Count(), "error", err)
				seg.Abort()
				seg = nil
				pending = append(pending, d)
				a.requeueAll(ctx, logger, pending)
				pending = nil
				continue
			}

			pending = append(pending, d)
			if seg.Count() >= a.cfg.SegmentMaxRecords {
				a.closeAndAck(ctx, logger, seg, pending)
				seg, pending = nil, nil
			}
		}
	}
}

// entry monta a linha JSONL de uma entrega. O motivo vem do header x-reason
// gravado pelo PublishDead; mensagens roteadas pelo DLX do broker (nack sem
// requeue) não trazem o header e ficam marcadas como rejected.
func (a *Archiver) entry(queue string, d amqp.Delivery) Entry {
	reason := headerString(d.Headers, "x-reason")
	if reason == "" {
		if _, ok := d.Headers["x-death"]; ok {
			reason = "rejected"
		} else {
			reason = "unknown"
		}
	}
	return Entry{
		Queue:         queue,
		Reason:        reason,
		Field:         headerString(d.Headers, "x-field"),
		OriginalQueue: headerString(d.Headers, "x-original-queue"),
		Encoding:      d.ContentEncoding,
		MessageID:     d.MessageId,
		Redelivered:   d.Redelivered,
		ArchivedAt:    time.Now().UTC(),
		Body:          d.Body,
	}
}

// closeAndAck fecha o segmento, acka as entregas espelhadas nele e tenta o
// upload na hora. Se o fechamento falhar as entregas voltam para a fila; se
// só o upload falhar o segmento fica no spool para a varredura.
func (a *Archiver) closeAndAck(ctx context.Context, logger *slog.Logger, seg *Segment, pending []amqp.Delivery) {
	records := seg.Count()
	age := seg.Age()
	file, err := seg.Close()
	if err != nil {
		a.stats.SpoolFailures.Add(1)
		logger.Error("Segment close failed, requeueing", "records", records, "error", err)
		a.requeueAll(ctx, logger, pending)
		return
	}
	a.stats.SegmentsClosed.Add(1)

	if len(pending) > 0 {
		// Multi-ack: confirma tudo até a última entrega do segmento. O canal
		// é exclusivo desta subscription, então não há acks de terceiros.
		if err := pending[len(pending)-1].Ack(true); err != nil {
			logger.Warn("Batch ack failed, broker may redeliver archived messages", "error", err)
		} else {
			a.stats.Archived.Add(int64(records))
		}
	}
	logger.Info("Segment closed", "file", filepath.Base(file), "records", records, "age", age.Round(time.Millisecond))

	a.uploadFile(ctx, file)
}

// requeue devolve uma entrega para a fila e segura o worker pelo delay de
// requeue para não girar com o disco doente.
func (a *Archiver) requeue(ctx context.Context, logger *slog.Logger, d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		logger.Warn("Nack failed, broker will redeliver on channel close", "error", err)
	}
	a.stats.Requeued.Add(1)
	select {
	case <-ctx.Done():
	case <-time.After(requeueDelay):
	}
}

// requeueAll devolve um lote de entregas com um único nack múltiplo.
func (a *Archiver) requeueAll(ctx context.Context, logger *slog.Logger, pending []amqp.Delivery) {
	if len(pending) == 0 {
		return
	}
	if err := pending[len(pending)-1].Nack(true, true); err != nil {
		logger.Warn("Nack failed, broker will redeliver on channel close", "error", err)
	}
	a.stats.Requeued.Add(int64(len(pending)))
	select {
	case <-ctx.Done():
	case <-time.After(requeueDelay):
	}
}

func (a *Archiver) uploadFile(ctx context.Context, file string) {
	a.uploadMu.Lock()
	defer a.uploadMu.Unlock()

	if _, err := os.Stat(file); err != nil {
		return
	}
	if err := a.up.Upload(ctx, file); err != nil {
		a.stats.UploadFailures.Add(1)
		a.logger.Warn("Segment upload failed, kept on spool", "file", filepath.Base(file), "error", err)
		return
	}
	a.stats.Uploads.Add(1)
}

// runSweeper retenta periodicamente o upload dos segmentos fechados que
// sobraram no spool por falha de upload ou reboot.
func (a *Archiver) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.uploadClosed(ctx)
		}
	}
}

// uploadClosed varre o spool por segmentos fechados e tenta subir cada um.
// Olha as duas extensões conhecidas para não abandonar segmentos de uma
// configuração de compressão anterior.
func (a *Archiver) uploadClosed(ctx context.Context) {
	entries, err := os.ReadDir(a.cfg.SpoolDir)
	if err != nil {
		a.logger.Warn("Spool scan failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".jsonl.gz") && !strings.HasSuffix(name, ".jsonl.zst") {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		a.uploadFile(ctx, filepath.Join(a.cfg.SpoolDir, name))
	}
}

// cleanSpool remove arquivos .tmp órfãos de uma execução anterior. Nada se
// perde: as entregas de um segmento parcial nunca foram ackadas e o broker
// as reentrega.
func (a *Archiver) cleanSpool() {
	entries, err := os.ReadDir(a.cfg.SpoolDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(a.cfg.SpoolDir, e.Name())); err == nil {
			a.logger.Warn("Removed orphaned spool segment", "file", e.Name())
		}
	}
}

func headerString(h amqp.Table, key string) string {
	if h == nil {
		return ""
	}
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}
