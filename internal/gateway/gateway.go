// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package gateway implementa o daemon de ingest: aceita conexões TCP de
// dispositivos, decodifica frames, publica os registros no broker e opera o
// caminho de comandos (outbox → sender → correlator → sweep).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nishisan-dev/n-fleet/internal/breaker"
	"github.com/nishisan-dev/n-fleet/internal/broker"
	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

const (
	// Limites do shutdown gracioso. Estourar qualquer um loga e segue.
	connDrainTimeout  = 30 * time.Second
	stageDrainTimeout = 30 * time.Second

	statsInterval = 15 * time.Second

	// Capacidade dos canais internos do caminho de comandos.
	responseBuffer = 256
	sendBuffer     = 64
)

// EventSink recebe os eventos de ciclo de vida das conexões e de comandos
// para o journal de observabilidade. Implementações precisam ser seguras
// para uso concorrente; nil desliga o journal.
type EventSink interface {
	PushEvent(level, eventType, identity, message string)
}

// pushEvent encaminha um evento ao sink quando houver um configurado.
func pushEvent(sink EventSink, level, eventType, identity, message string) {
	if sink != nil {
		sink.PushEvent(level, eventType, identity, message)
	}
}

// Gateway é o daemon de ingest montado sobre as dependências compartilhadas.
type Gateway struct {
	cfg    *config.GatewayConfig
	logger *slog.Logger
	store  *store.Store
	pub    recordPublisher
	events EventSink

	dbBreaker     *breaker.Breaker
	brokerBreaker *breaker.Breaker

	table   *Table
	staging *Staging
	stats   *Stats
	handler *Handler

	responses chan deviceResponse
}

// New monta o Gateway. O publisher de broker é criado aqui; banco e broker
// ganham um circuit breaker cada.
func New(cfg *config.GatewayConfig, logger *slog.Logger, st *store.Store, client *broker.Client) *Gateway {
	g := &Gateway{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		pub:           broker.NewPublisher(client, logger),
		dbBreaker:     breaker.New(breaker.NameDatabase, logger, nil),
		brokerBreaker: breaker.New(breaker.NameBroker, logger, nil),
		table:         NewTable(cfg.Gateway.MaxConcurrentConnections),
		staging:       NewStaging(cfg.Gateway.StagingCapacity),
		stats:         &Stats{},
		responses:     make(chan deviceResponse, responseBuffer),
	}
	g.handler = &Handler{
		cfg:       cfg.Gateway,
		logger:    logger,
		table:     g.table,
		staging:   g.staging,
		stats:     g.stats,
		responses: g.responses,
	}
	return g
}

// SetEventSink liga o journal de eventos operacionais.
// Deve ser chamado antes de Run.
func (g *Gateway) SetEventSink(sink EventSink) {
	g.events = sink
	g.handler.events = sink
}

// Stats expõe os contadores acumulados do Gateway.
func (g *Gateway) Stats() *Stats { return g.stats }

// Connections expõe a visão corrente da tabela de conexões.
func (g *Gateway) Connections() []ConnInfo { return g.table.Snapshot() }

// StagingDepth expõe a profundidade corrente do staging ring.
func (g *Gateway) StagingDepth() int64 { return g.staging.Depth() }

// Breakers expõe os circuit breakers do daemon.
func (g *Gateway) Breakers() []*breaker.Breaker {
	return []*breaker.Breaker{g.dbBreaker, g.brokerBreaker}
}

// Run abre o listener TCP de ingest e serve até o contexto encerrar.
func (g *Gateway) Run(ctx context.Context) error {
	addr := net.JoinHostPort(g.cfg.Gateway.BindIP, strconv.Itoa(g.cfg.Gateway.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return g.RunWithListener(ctx, ln)
}

// RunWithListener serve sobre um listener já aberto. Separado de Run para
// permitir listeners efêmeros nos testes.
func (g *Gateway) RunWithListener(ctx context.Context, ln net.Listener) error {
	g.logger.Info("Gateway listening",
		"addr", ln.Addr().String(),
		"max_connections", g.cfg.Gateway.MaxConcurrentConnections)

	// As tarefas de apoio drenam sob taskCtx, que sobrevive ao ctx do accept
	// para o shutdown ordenado.
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	sendCh := make(chan sendJob, sendBuffer)

	var tasks sync.WaitGroup
	tasks.Add(6)
	go func() { defer tasks.Done(); g.runOutboxPoller(taskCtx, sendCh) }()
	go func() { defer tasks.Done(); g.runCommandSender(taskCtx, sendCh) }()
	go func() { defer tasks.Done(); g.runResponseCorrelator(taskCtx) }()
	go func() { defer tasks.Done(); g.runCommandSweep(taskCtx) }()
	go func() { defer tasks.Done(); g.runTableSweep(taskCtx) }()
	go func() { defer tasks.Done(); g.stats.StartReporter(taskCtx, g.logger, statsInterval, g.staging.Depth) }()

	var pubDone sync.WaitGroup
	pubDone.Add(1)
	go func() { defer pubDone.Done(); g.runPublisher(taskCtx) }()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var conns sync.WaitGroup
	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				acceptErr = fmt.Errorf("gateway accept: %w", err)
			}
			break
		}

		conns.Add(1)
		go func() {
			defer conns.Done()
			g.handler.HandleConnection(ctx, conn)
		}()
	}

	g.shutdown(&conns, &pubDone, cancelTasks, &tasks)
	return acceptErr
}

// shutdown executa a sequência graciosa: o listener já parou; fecha as
// conexões, espera os read loops, drena o staging e encerra as tarefas de
// apoio.
func (g *Gateway) shutdown(conns, pubDone *sync.WaitGroup, cancelTasks context.CancelFunc, tasks *sync.WaitGroup) {
	g.logger.Info("Gateway shutting down")

	for _, c := range g.table.CloseAll() {
		c.Close()
	}
	if !waitTimeout(conns, connDrainTimeout) {
		g.logger.Warn("Connection drain timed out, proceeding", "timeout", connDrainTimeout)
	}

	// Sem mais produtores: fecha o ring e deixa o publisher entregar o que
	// resta antes de derrubar as tarefas.
	g.staging.Close()
	if !waitTimeout(pubDone, stageDrainTimeout) {
		g.logger.Warn("Staging drain timed out, records discarded",
			"timeout", stageDrainTimeout, "staged", g.staging.Depth())
	}

	cancelTasks()
	pubDone.Wait()
	tasks.Wait()
	g.logger.Info("Gateway stopped")
}

// runTableSweep fecha conexões ociosas além do idle_timeout. Cobre sockets
// que o deadline do read loop não alcançou, como conexões que nunca saíram
// do handshake.
func (g *Gateway) runTableSweep(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Gateway.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := g.table.Sweep(g.cfg.Gateway.IdleTimeout, time.Now())
			for _, c := range idle {
				c.Close()
				g.stats.IdleCloses.Add(1)
				g.logger.Info("Idle connection swept",
					"identity", c.Identity(), "remote", c.Remote())
			}
		}
	}
}

// waitTimeout espera o WaitGroup até o limite. Retorna false no estouro.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
