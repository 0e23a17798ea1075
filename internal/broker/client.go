// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package broker mantém a conexão AMQP com o broker de mensagens: reconexão
// com backoff exponencial, declaração de topologia, publicação com confirms
// e consumo com ack manual.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/pki"
)

// Estados do cliente.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

var (
	// ErrNotConnected indica que não há conexão ativa com o broker.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrConfirmTimeout indica que o broker não confirmou a publicação a tempo.
	ErrConfirmTimeout = errors.New("broker: publish confirm timeout")
	// ErrPublishNacked indica que o broker rejeitou (nack) a publicação.
	ErrPublishNacked = errors.New("broker: publish nacked")
)

// Client mantém uma conexão AMQP viva. Quando a conexão cai, reconecta em
// loop com backoff exponencial e redeclara a topologia. Publishers e
// subscriptions abrem canais sobre a conexão corrente via Channel().
type Client struct {
	cfg    config.BrokerInfo
	logger *slog.Logger
	tlsCfg *tls.Config

	mu   sync.Mutex
	conn *amqp.Connection

	state atomic.Value // string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient cria o cliente sem conectar. Start() inicia o loop de conexão.
func NewClient(cfg config.BrokerInfo, logger *slog.Logger) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "broker"),
		stopCh: make(chan struct{}),
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CAFile, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("building broker TLS config: %w", err)
		}
		c.tlsCfg = tlsCfg
	}
	c.state.Store(StateDisconnected)
	return c, nil
}

// Start inicia o loop de conexão em background.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
	c.logger.Info("broker client started", "host", c.cfg.Host, "port", c.cfg.Port, "tls", c.cfg.TLS.Enabled)
}

// Stop encerra o loop e fecha a conexão. Idempotente.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	// Fecha a conexão antes do Wait para desbloquear o loop.
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.state.Store(StateDisconnected)
	c.logger.Info("broker client stopped")
}

// State retorna o estado corrente: disconnected, connecting ou connected.
func (c *Client) State() string {
	return c.state.Load().(string)
}

// IsConnected informa se há conexão ativa.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// WaitConnected bloqueia até a conexão estar ativa ou o contexto expirar.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Channel abre um canal AMQP sobre a conexão corrente. Retorna
// ErrNotConnected quando não há conexão.
func (c *Client) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	return ch, nil
}

// run é o loop de conexão: conecta, espera a queda e reconecta com
// backoff. O backoff reseta após cada conexão bem sucedida.
func (c *Client) run() {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.state.Store(StateConnecting)
		closeCh, err := c.connect()
		if err != nil {
			c.state.Store(StateDisconnected)
			delay := bo.NextBackOff()
			c.logger.Warn("broker connection failed", "error", err, "retry_in", delay)
			select {
			case <-c.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}

		bo.Reset()
		c.state.Store(StateConnected)
		c.logger.Info("broker connected", "host", c.cfg.Host, "vhost", c.cfg.VHost, "exchange", c.cfg.Exchange)

		select {
		case <-c.stopCh:
			return
		case amqpErr := <-closeCh:
			c.state.Store(StateDisconnected)
			if amqpErr != nil {
				c.logger.Warn("broker connection lost", "code", amqpErr.Code, "reason", amqpErr.Reason)
			} else {
				c.logger.Info("broker connection closed")
			}
		}
	}
}

// connect disca, declara a topologia em um canal descartável e instala a
// conexão. Retorna o canal de NotifyClose da conexão.
func (c *Client) connect() (chan *amqp.Error, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	if c.tlsCfg != nil {
		conn, err = amqp.DialTLS(c.cfg.URL(), c.tlsCfg)
	} else {
		conn, err = amqp.Dial(c.cfg.URL())
	}
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening topology channel: %w", err)
	}
	if err := DeclareTopology(ch, c.cfg.Exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	ch.Close()

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return closeCh, nil
}

// Subscription é um consumo com ack manual sobre um canal dedicado.
type Subscription struct {
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closes     chan *amqp.Error
}

// Subscribe inicia um consumo na fila com o prefetch dado. O chamador é
// responsável por Ack/Nack de cada delivery e por Close() ao terminar.
func (c *Client) Subscribe(queue, tag string, prefetch int) (*Subscription, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("setting qos on %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("starting consume on %s: %w", queue, err)
	}
	return &Subscription{
		ch:         ch,
		deliveries: deliveries,
		closes:     ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// Deliveries retorna o canal de entregas. Fecha quando o canal AMQP cai.
func (s *Subscription) Deliveries() <-chan amqp.Delivery {
	return s.deliveries
}

// Closed sinaliza a queda do canal AMQP da subscription.
func (s *Subscription) Closed() <-chan *amqp.Error {
	return s.closes
}

// Close encerra o canal AMQP da subscription.
func (s *Subscription) Close() error {
	return s.ch.Close()
}
