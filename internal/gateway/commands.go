// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package gateway

import (
	"context"
	"errors"
	"time"

	xrate "golang.org/x/time/rate"

	"github.com/nishisan-dev/n-fleet/internal/store"
)

// Intervalo do sweep de comandos expirados.
const commandSweepInterval = time.Minute

// sendJob é um comando já marcado como enviado no banco, aguardando a
// escrita no socket.
type sendJob struct {
	sent *store.CommandSent
}

// runOutboxPoller seleciona do outbox, a cada intervalo, os comandos gprs
// destinados a dispositivos conectados neste Gateway e os move para enviados
// dentro de uma transação por linha.
func (g *Gateway) runOutboxPoller(ctx context.Context, sendCh chan<- sendJob) {
	ticker := time.NewTicker(g.cfg.Gateway.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.pollOutboxOnce(ctx, sendCh)
		}
	}
}

func (g *Gateway) pollOutboxOnce(ctx context.Context, sendCh chan<- sendJob) {
	identities := g.table.Identities()
	if len(identities) == 0 {
		return
	}

	var rows []store.CommandOutbox
	err := g.dbBreaker.Execute(func() error {
		var e error
		rows, e = g.store.PendingCommands(ctx, store.MethodGPRS, identities, g.cfg.Gateway.PollBatchSize)
		return e
	})
	if err != nil {
		g.logger.Warn("Outbox poll failed", "error", err)
		return
	}

	for i := range rows {
		cmd := &rows[i]
		// O dispositivo pode ter caído entre o SELECT e agora.
		if _, ok := g.table.Lookup(cmd.Identity); !ok {
			continue
		}

		var sent *store.CommandSent
		err := g.dbBreaker.Execute(func() error {
			var e error
			sent, e = g.store.MarkSent(ctx, cmd, time.Now().UTC())
			return e
		})
		if errors.Is(err, store.ErrCommandTaken) {
			// Outra instância levou a linha do outbox; nada a fazer.
			continue
		}
		if err != nil {
			g.logger.Warn("Command mark-sent failed", "command_id", cmd.ID, "error", err)
			return
		}

		select {
		case sendCh <- sendJob{sent: sent}:
		case <-ctx.Done():
			return
		}
	}
}

// runCommandSender escreve os comandos nos sockets na cadência configurada.
// Um dispositivo que caiu entre o mark-sent e a escrita fica por conta do
// sweep, que o resolve como no_reply.
func (g *Gateway) runCommandSender(ctx context.Context, sendCh <-chan sendJob) {
	limiter := xrate.NewLimiter(xrate.Every(g.cfg.Gateway.CommandDelay), 1)

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-sendCh:
			if err := limiter.Wait(ctx); err != nil {
				return
			}

			c, ok := g.table.Lookup(job.sent.Identity)
			if !ok {
				g.logger.Warn("Device disconnected before command write",
					"identity", job.sent.Identity, "command_id", job.sent.ID)
				continue
			}
			if err := c.WriteCommand(job.sent.Payload); err != nil {
				g.stats.CommandsFailed.Add(1)
				g.logger.Warn("Command write failed",
					"identity", job.sent.Identity, "command_id", job.sent.ID, "error", err)
				continue
			}

			g.stats.CommandsSent.Add(1)
			g.logger.Info("Command sent to device",
				"identity", job.sent.Identity, "command_id", job.sent.ID)
			pushEvent(g.events, "info", "command_sent", job.sent.Identity, job.sent.Payload)
		}
	}
}

// runResponseCorrelator casa cada resposta de dispositivo com o comando
// enviado mais recente da identidade. Resposta sem comando pendente não é
// erro: vira uma linha received no histórico.
func (g *Gateway) runResponseCorrelator(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-g.responses:
			var matched bool
			err := g.dbBreaker.Execute(func() error {
				var e error
				matched, e = g.store.CorrelateResponse(ctx, r.identity, store.MethodGPRS, r.payload, r.at.UTC())
				return e
			})
			if err != nil {
				g.logger.Warn("Response correlation failed", "identity", r.identity, "error", err)
				continue
			}

			if matched {
				g.stats.ResponsesMatched.Add(1)
				g.logger.Info("Command response matched", "identity", r.identity)
				pushEvent(g.events, "info", "command_reply", r.identity, r.payload)
			} else {
				g.stats.ResponsesUnmatched.Add(1)
				g.logger.Info("Unmatched device response recorded", "identity", r.identity)
				pushEvent(g.events, "info", "command_reply", r.identity, "unmatched: "+r.payload)
			}
		}
	}
}

// runCommandSweep expira comandos uma vez por minuto: outbox vencido vira
// failed, enviado sem resposta vira no_reply.
func (g *Gateway) runCommandSweep(ctx context.Context) {
	ticker := time.NewTicker(commandSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var res store.SweepResult
			err := g.dbBreaker.Execute(func() error {
				var e error
				res, e = g.store.SweepExpiredCommands(ctx,
					g.cfg.Gateway.OutboxTimeout(), g.cfg.Gateway.ReplyTimeout(), time.Now().UTC())
				return e
			})
			if err != nil {
				g.logger.Warn("Command sweep failed", "error", err)
				continue
			}

			if res.OutboxFailed > 0 || res.SentNoReply > 0 {
				g.stats.SweepOutboxFailed.Add(int64(res.OutboxFailed))
				g.stats.SweepNoReply.Add(int64(res.SentNoReply))
				g.logger.Info("Command sweep",
					"outbox_failed", res.OutboxFailed, "sent_no_reply", res.SentNoReply)
			}
		}
	}
}
