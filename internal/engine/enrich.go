// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/nishisan-dev/n-fleet/internal/breaker"
	"github.com/nishisan-dev/n-fleet/internal/store"
)

// enricher resolve o cadastro de dispositivos com cache TTL na frente do
// banco. Resultados negativos também são cacheados: dispositivo sem
// cadastro é o caso comum em frotas em onboarding e não pode virar uma
// consulta por registro.
type enricher struct {
	store   *store.Store
	breaker *breaker.Breaker
	cache   *cache.Cache
	stats   *Stats
}

func newEnricher(st *store.Store, br *breaker.Breaker, ttl time.Duration, stats *Stats) *enricher {
	return &enricher{
		store:   st,
		breaker: br,
		cache:   cache.New(ttl, 2*ttl),
		stats:   stats,
	}
}

// configFor retorna o cadastro do dispositivo, nil quando não há cadastro.
// Erros de banco não são cacheados; o chamador decide degradar.
func (e *enricher) configFor(ctx context.Context, identity string) (*store.DeviceConfig, error) {
	if v, ok := e.cache.Get(identity); ok {
		e.stats.EnrichHits.Add(1)
		cfg, _ := v.(*store.DeviceConfig)
		return cfg, nil
	}
	e.stats.EnrichMisses.Add(1)

	var cfg *store.DeviceConfig
	err := e.breaker.Execute(func() error {
		c, err := e.store.DeviceConfigByIdentity(ctx, identity)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.cache.SetDefault(identity, cfg)
	return cfg, nil
}

// invalidate remove uma entrada do cache. Usado quando o cadastro muda
// por fora do TTL.
func (e *enricher) invalidate(identity string) {
	e.cache.Delete(identity)
}

// len retorna o número de entradas vivas no cache.
func (e *enricher) len() int {
	return e.cache.ItemCount()
}
