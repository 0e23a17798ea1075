// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package breaker envolve as dependências externas (banco, broker) em
// circuit breakers. Quando uma dependência degrada, o breaker abre e os
// chamadores falham rápido em vez de enfileirar trabalho.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Nomes dos breakers padrão do pipeline.
const (
	NameDatabase = "database"
	NameBroker   = "broker"
)

const (
	consecutiveFailureTrip = 5
	halfOpenProbes         = 3
	openCooldown           = 30 * time.Second
	countingWindow         = 60 * time.Second
)

// StateChangeFunc é notificada em cada transição de estado, além do log.
// Usada para manter o gauge de observabilidade.
type StateChangeFunc func(name string, state gobreaker.State)

// Breaker é um circuit breaker nomeado sobre uma dependência.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New cria um breaker com a política padrão: abre após uma sequência de
// falhas, esfria e deixa passar poucas sondas em half-open. Cancelamento de
// contexto não conta como falha; shutdown não abre breaker.
func New(name string, logger *slog.Logger, onChange StateChangeFunc) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenProbes,
		Interval:    countingWindow,
		Timeout:     openCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailureTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if onChange != nil {
				onChange(name, to)
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute roda fn sob o breaker. Com o breaker aberto retorna
// gobreaker.ErrOpenState sem invocar fn.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State retorna o estado corrente.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name retorna o nome do breaker.
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// FailedFast informa se o erro veio do próprio breaker (aberto ou limite de
// sondas), sem a dependência ter sido tocada.
func FailedFast(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// GaugeValue converte um estado para o valor do gauge de observabilidade:
// closed=0, half-open=1, open=2.
func GaugeValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
