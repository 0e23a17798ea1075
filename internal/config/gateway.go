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

// GatewayConfig representa a configuração completa do nfleet-gateway.
type GatewayConfig struct {
	Gateway       GatewayInfo       `yaml:"gateway"`
	Broker        BrokerInfo        `yaml:"broker"`
	Database      DatabaseInfo      `yaml:"database"`
	Observability ObservabilityInfo `yaml:"observability"`
	Logging       LoggingInfo       `yaml:"logging"`
}

// GatewayInfo contém o listener TCP de ingest e os knobs do caminho de
// comandos e do decoder.
type GatewayInfo struct {
	BindIP                   string        `yaml:"bind_ip"`                    // default: "0.0.0.0"
	Port                     int           `yaml:"port"`                       // porta TCP de ingest
	ListenBacklog            int           `yaml:"listen_backlog"`             // informativo; o SO governa (default: 511)
	MaxConcurrentConnections int           `yaml:"max_concurrent_connections"` // default: 5000
	IdleTimeout              time.Duration `yaml:"idle_timeout"`               // default: 5m
	SweepInterval            time.Duration `yaml:"sweep_interval"`             // default: 1m

	// Caminho de comandos (outbox → sender → correlator)
	OutboxTimeoutMinutes int           `yaml:"outbox_timeout_minutes"` // default: 1
	ReplyTimeoutMinutes  int           `yaml:"reply_timeout_minutes"`  // default: 2
	PollInterval         time.Duration `yaml:"poll_interval"`          // default: 5s
	PollBatchSize        int           `yaml:"poll_batch_size"`        // default: 50
	CommandDelay         time.Duration `yaml:"command_delay"`          // intervalo entre comandos (default: 100ms)

	// Decoder
	DeviceUTCOffset   time.Duration `yaml:"device_utc_offset"`   // fuso local dos dispositivos (default: 0)
	IOIgnitionChannel int           `yaml:"io_ignition_channel"` // default: 239
	IOMileageChannel  int           `yaml:"io_mileage_channel"`  // default: 16
	IONetworkChannel  int           `yaml:"io_network_channel"`  // default: 241

	// Staging entre decoder e publisher
	StagingCapacity int `yaml:"staging_capacity"` // registros (default: 8192)

	// Trace por conexão (vazio = desabilitado)
	TraceDir        string `yaml:"trace_dir"`
	TraceMaxSize    string `yaml:"trace_max_size"` // ex: "1mb" (default: 1mb)
	TraceMaxSizeRaw int64  `yaml:"-"`
}

// OutboxTimeout retorna T₁ como duração.
func (g GatewayInfo) OutboxTimeout() time.Duration {
	return time.Duration(g.OutboxTimeoutMinutes) * time.Minute
}

// ReplyTimeout retorna T₂ como duração.
func (g GatewayInfo) ReplyTimeout() time.Duration {
	return time.Duration(g.ReplyTimeoutMinutes) * time.Minute
}

// LoadGatewayConfig lê e valida o arquivo YAML de configuração do gateway.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gateway config: %w", err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing gateway config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating gateway config: %w", err)
	}

	return &cfg, nil
}

func (c *GatewayConfig) validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port is required (1-65535)")
	}
	if c.Gateway.BindIP == "" {
		c.Gateway.BindIP = "0.0.0.0"
	}
	if c.Gateway.ListenBacklog <= 0 {
		c.Gateway.ListenBacklog = 511
	}
	if c.Gateway.MaxConcurrentConnections <= 0 {
		c.Gateway.MaxConcurrentConnections = 5000
	}
	if c.Gateway.IdleTimeout <= 0 {
		c.Gateway.IdleTimeout = 5 * time.Minute
	}
	if c.Gateway.SweepInterval <= 0 {
		c.Gateway.SweepInterval = 1 * time.Minute
	}
	if c.Gateway.OutboxTimeoutMinutes <= 0 {
		c.Gateway.OutboxTimeoutMinutes = 1
	}
	if c.Gateway.ReplyTimeoutMinutes <= 0 {
		c.Gateway.ReplyTimeoutMinutes = 2
	}
	if c.Gateway.PollInterval <= 0 {
		c.Gateway.PollInterval = 5 * time.Second
	}
	if c.Gateway.PollBatchSize <= 0 {
		c.Gateway.PollBatchSize = 50
	}
	if c.Gateway.CommandDelay <= 0 {
		c.Gateway.CommandDelay = 100 * time.Millisecond
	}
	if c.Gateway.IOIgnitionChannel == 0 {
		c.Gateway.IOIgnitionChannel = 239
	}
	if c.Gateway.IOMileageChannel == 0 {
		c.Gateway.IOMileageChannel = 16
	}
	if c.Gateway.IONetworkChannel == 0 {
		c.Gateway.IONetworkChannel = 241
	}
	for key, ch := range map[string]int{
		"io_ignition_channel": c.Gateway.IOIgnitionChannel,
		"io_mileage_channel":  c.Gateway.IOMileageChannel,
		"io_network_channel":  c.Gateway.IONetworkChannel,
	} {
		if ch < 0 || ch > 255 {
			return fmt.Errorf("gateway.%s must be between 0 and 255, got %d", key, ch)
		}
	}
	if c.Gateway.StagingCapacity <= 0 {
		c.Gateway.StagingCapacity = 8192
	}
	if c.Gateway.TraceMaxSize == "" {
		c.Gateway.TraceMaxSize = "1mb"
	}
	parsed, err := ParseByteSize(c.Gateway.TraceMaxSize)
	if err != nil {
		return fmt.Errorf("gateway.trace_max_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("gateway.trace_max_size must be > 0, got %s", c.Gateway.TraceMaxSize)
	}
	c.Gateway.TraceMaxSizeRaw = parsed

	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Observability.validate("127.0.0.1:9611"); err != nil {
		return err
	}
	c.Logging.validate()
	return nil
}
