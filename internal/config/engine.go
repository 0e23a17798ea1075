// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig representa a configuração completa do nfleet-engine. O
// nfleet-recalc usa o mesmo arquivo (só as seções engine e database).
type EngineConfig struct {
	Engine        EngineInfo        `yaml:"engine"`
	Broker        BrokerInfo        `yaml:"broker"`
	Database      DatabaseInfo      `yaml:"database"`
	Observability ObservabilityInfo `yaml:"observability"`
	Logging       LoggingInfo       `yaml:"logging"`
}

// EngineInfo contém o dimensionamento do pipeline de métricas e da fila de
// recálculo.
type EngineInfo struct {
	Workers      int           `yaml:"workers"`       // default: 2
	Prefetch     int           `yaml:"prefetch"`      // 0 = batch_size × 4
	BatchSize    int           `yaml:"batch_size"`    // default: 100
	BatchTimeout time.Duration `yaml:"batch_timeout"` // default: 2s

	// ShadowMode roda todos os calculators mas suprime escritas no banco e
	// publicação de alarmes; só loga e conta.
	ShadowMode bool `yaml:"shadow_mode"`

	EnrichmentTTL time.Duration `yaml:"enrichment_ttl"` // cache de device_config (default: 5m)

	// Fila de recálculo
	RecalcPollInterval time.Duration `yaml:"recalc_poll_interval"` // default: 10s
	RecalcLease        time.Duration `yaml:"recalc_lease"`         // visibilidade do claim (default: 5m)

	// Refresh agendado de views derivadas
	ScheduledRefreshInterval     time.Duration `yaml:"scheduled_refresh_interval"`      // default: 1h
	ScheduledRefreshInitialDelay time.Duration `yaml:"scheduled_refresh_initial_delay"` // default: 1m
}

// LoadEngineConfig lê e valida o arquivo YAML de configuração do engine.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine config: %w", err)
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing engine config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating engine config: %w", err)
	}

	return &cfg, nil
}

func (c *EngineConfig) validate() error {
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 2
	}
	if c.Engine.BatchSize <= 0 {
		c.Engine.BatchSize = 100
	}
	if c.Engine.BatchTimeout <= 0 {
		c.Engine.BatchTimeout = 2 * time.Second
	}
	if c.Engine.Prefetch <= 0 {
		c.Engine.Prefetch = c.Engine.BatchSize * prefetchFactor
	}
	if c.Engine.EnrichmentTTL <= 0 {
		c.Engine.EnrichmentTTL = 5 * time.Minute
	}
	if c.Engine.RecalcPollInterval <= 0 {
		c.Engine.RecalcPollInterval = 10 * time.Second
	}
	if c.Engine.RecalcLease < time.Minute {
		if c.Engine.RecalcLease > 0 {
			return fmt.Errorf("engine.recalc_lease must be at least 1m, got %s", c.Engine.RecalcLease)
		}
		c.Engine.RecalcLease = 5 * time.Minute
	}
	if c.Engine.ScheduledRefreshInterval <= 0 {
		c.Engine.ScheduledRefreshInterval = 1 * time.Hour
	}
	if c.Engine.ScheduledRefreshInitialDelay <= 0 {
		c.Engine.ScheduledRefreshInitialDelay = 1 * time.Minute
	}

	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Observability.validate("127.0.0.1:9613"); err != nil {
		return err
	}
	c.Logging.validate()
	return nil
}
