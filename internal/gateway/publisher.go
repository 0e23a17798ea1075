// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/nishisan-dev/n-fleet/internal/breaker"
	"github.com/nishisan-dev/n-fleet/internal/broker"
)

// Quantos registros o publisher lê do staging por iteração.
const publishBatchMax = 64

// recordPublisher é a superfície do broker usada pelo publisher do Gateway.
type recordPublisher interface {
	Publish(ctx context.Context, key string, body []byte, headers amqp.Table) error
}

// runPublisher drena o staging ring e publica cada registro na exchange com
// a routing key da sua classe. O tail do ring só avança depois do confirm:
// falha de publish reapresenta o registro com backoff, e queda do broker
// reapresenta tudo o que ainda está staged após a reconexão.
func (g *Gateway) runPublisher(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	offset := g.staging.Tail()
	for {
		recs, err := g.staging.Next(offset, publishBatchMax)
		if err != nil {
			if !errors.Is(err, ErrStagingClosed) {
				g.logger.Error("Publisher stopped", "error", err)
			}
			return
		}

		for i := range recs {
			rec := &recs[i]
			body, err := json.Marshal(rec)
			if err != nil {
				g.logger.Error("Record marshal failed, dropping", "identity", rec.Identity, "error", err)
				offset++
				g.staging.Advance(offset)
				continue
			}

			key := broker.RoutingKeyFor(rec.Kind())
			headers := amqp.Table{
				"x-identity": rec.Identity,
				"x-kind":     string(rec.Kind()),
			}
			if !g.publishWithRetry(ctx, bo, key, body, headers, g.logger) {
				return
			}

			offset++
			g.staging.Advance(offset)
			g.stats.RecordsPublished.Add(1)
		}
	}
}

// publishWithRetry insiste na publicação até o confirm ou o cancelamento do
// contexto. Retorna false quando o contexto encerrou.
func (g *Gateway) publishWithRetry(ctx context.Context, bo *backoff.ExponentialBackOff, key string, body []byte, headers amqp.Table, logger *slog.Logger) bool {
	for {
		err := g.brokerBreaker.Execute(func() error {
			return g.pub.Publish(ctx, key, body, headers)
		})
		if err == nil {
			bo.Reset()
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		g.stats.PublishRetries.Add(1)
		delay := bo.NextBackOff()
		if breaker.FailedFast(err) {
			logger.Debug("Publish held by open circuit", "key", key, "retry_in", delay)
		} else {
			logger.Warn("Publish failed, will retry", "key", key, "retry_in", delay, "error", err)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}
