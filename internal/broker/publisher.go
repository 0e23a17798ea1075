// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/nishisan-dev/n-fleet/internal/config"
)

// Publisher publica mensagens com publisher confirms em um canal dedicado.
// As publicações são serializadas: cada uma aguarda o confirm do broker
// antes de retornar, então a ordem de confirmação é a ordem de publicação.
//
// Em erro de canal (publish falho, confirm timeout, canal fechado) o canal
// é descartado; a próxima chamada reabre sobre a conexão corrente.
type Publisher struct {
	client *Client
	cfg    config.BrokerInfo
	logger *slog.Logger

	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	closes   chan *amqp.Error
}

// NewPublisher cria um publisher sobre o cliente. O canal AMQP é aberto de
// forma preguiçosa na primeira publicação.
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		cfg:    client.cfg,
		logger: logger.With("component", "publisher"),
	}
}

// Publish publica body na exchange principal com a routing key dada e
// aguarda o confirm do broker. O corpo é comprimido conforme a configuração.
func (p *Publisher) Publish(ctx context.Context, key string, body []byte, headers amqp.Table) error {
	encoded, encoding, err := compressBody(p.cfg.Compression, body)
	if err != nil {
		return fmt.Errorf("compressing message body: %w", err)
	}
	return p.publish(ctx, p.cfg.Exchange, key, encoded, encoding, headers)
}

// PublishDead publica uma mensagem rejeitada diretamente na DLQ da fila de
// origem, com os headers de diagnóstico da rejeição. O corpo vai como
// recebido, sem recompressão.
func (p *Publisher) PublishDead(ctx context.Context, originalQueue, reason, field string, body []byte) error {
	headers := amqp.Table{
		"x-reason":         reason,
		"x-original-queue": originalQueue,
	}
	if field != "" {
		headers["x-field"] = field
	}
	return p.publish(ctx, DLXName(p.cfg.Exchange), originalQueue, body, "", headers)
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, body []byte, encoding string, headers amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return err
	}

	mode := amqp.Transient
	if p.cfg.Persistent() {
		mode = amqp.Persistent
	}

	pub := amqp.Publishing{
		Headers:         headers,
		ContentType:     "application/json",
		ContentEncoding: encoding,
		DeliveryMode:    mode,
		MessageId:       uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		Body:            body,
	}

	if err := p.ch.Publish(exchange, key, false, false, pub); err != nil {
		p.dropChannel()
		return fmt.Errorf("publishing to %s/%s: %w", exchange, key, err)
	}

	if !p.cfg.ConfirmsEnabled() {
		return nil
	}

	timer := time.NewTimer(p.cfg.ConfirmTimeout)
	defer timer.Stop()

	select {
	case conf, ok := <-p.confirms:
		if !ok {
			p.dropChannel()
			return ErrNotConnected
		}
		if !conf.Ack {
			return fmt.Errorf("%w: %s/%s", ErrPublishNacked, exchange, key)
		}
		return nil
	case amqpErr := <-p.closes:
		p.dropChannel()
		return fmt.Errorf("channel closed awaiting confirm (%v): %w", amqpErr, ErrNotConnected)
	case <-timer.C:
		// Sem o confirm o canal fica em estado indeterminado; descarta.
		p.dropChannel()
		return ErrConfirmTimeout
	case <-ctx.Done():
		p.dropChannel()
		return ctx.Err()
	}
}

// ensureChannel abre o canal em modo confirm quando necessário. Chamado com
// p.mu em posse.
func (p *Publisher) ensureChannel() error {
	if p.ch != nil {
		return nil
	}
	ch, err := p.client.Channel()
	if err != nil {
		return err
	}
	if p.cfg.ConfirmsEnabled() {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return fmt.Errorf("enabling publisher confirms: %w", err)
		}
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.closes = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// dropChannel descarta o canal corrente. Chamado com p.mu em posse.
func (p *Publisher) dropChannel() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
}

// Close fecha o canal do publisher. O cliente subjacente não é afetado.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.dropChannel()
	p.mu.Unlock()
}
