// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// prefetchFactor dimensiona a janela de mensagens não-ackadas por worker em
// múltiplos do batch (prefetch = batch_size × prefetchFactor quando omitido).
const prefetchFactor = 4

// ConsumerConfig representa a configuração completa do nfleet-consumer.
type ConsumerConfig struct {
	Consumer      ConsumerInfo      `yaml:"consumer"`
	Broker        BrokerInfo        `yaml:"broker"`
	Database      DatabaseInfo      `yaml:"database"`
	Archiver      ArchiverInfo      `yaml:"archiver"`
	Observability ObservabilityInfo `yaml:"observability"`
	Logging       LoggingInfo       `yaml:"logging"`
}

// ConsumerInfo contém o dimensionamento do pipeline de persistência.
type ConsumerInfo struct {
	Workers      int           `yaml:"workers"`       // por fila (default: 2)
	Prefetch     int           `yaml:"prefetch"`      // 0 = batch_size × 4
	BatchSize    int           `yaml:"batch_size"`    // default: 200
	BatchTimeout time.Duration `yaml:"batch_timeout"` // default: 2s
	DedupSize    int           `yaml:"dedup_size"`    // capacidade do L1 (default: 65536)
}

// ArchiverInfo configura o arquivamento frio das DLQs em object storage.
type ArchiverInfo struct {
	Enabled           bool          `yaml:"enabled"`
	Bucket            string        `yaml:"bucket"`
	Prefix            string        `yaml:"prefix"`   // default: "dlq"
	Endpoint          string        `yaml:"endpoint"` // vazio = AWS
	Region            string        `yaml:"region"`   // default: "us-east-1"
	AccessKey         string        `yaml:"access_key"`
	SecretKey         string        `yaml:"secret_key"`
	CompressionMode   string        `yaml:"compression_mode"`    // gzip|zst (default: gzip)
	SpoolDir          string        `yaml:"spool_dir"`           // default: "/var/spool/nfleet"
	SegmentMaxRecords int           `yaml:"segment_max_records"` // default: 1000
	SegmentMaxAge     time.Duration `yaml:"segment_max_age"`     // default: 5m
}

// FileExtension retorna a extensão dos segmentos arquivados.
func (a ArchiverInfo) FileExtension() string {
	switch a.CompressionMode {
	case "zst":
		return ".jsonl.zst"
	default:
		return ".jsonl.gz"
	}
}

// LoadConsumerConfig lê e valida o arquivo YAML de configuração do consumer.
func LoadConsumerConfig(path string) (*ConsumerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading consumer config: %w", err)
	}

	var cfg ConsumerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing consumer config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating consumer config: %w", err)
	}

	return &cfg, nil
}

func (c *ConsumerConfig) validate() error {
	if c.Consumer.Workers <= 0 {
		c.Consumer.Workers = 2
	}
	if c.Consumer.BatchSize <= 0 {
		c.Consumer.BatchSize = 200
	}
	if c.Consumer.BatchTimeout <= 0 {
		c.Consumer.BatchTimeout = 2 * time.Second
	}
	if c.Consumer.Prefetch <= 0 {
		c.Consumer.Prefetch = c.Consumer.BatchSize * prefetchFactor
	}
	if c.Consumer.DedupSize <= 0 {
		c.Consumer.DedupSize = 65536
	}

	if err := c.Archiver.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Observability.validate("127.0.0.1:9612"); err != nil {
		return err
	}
	c.Logging.validate()
	return nil
}

func (a *ArchiverInfo) validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Bucket == "" {
		return fmt.Errorf("archiver.bucket is required when archiver is enabled")
	}
	if a.Prefix == "" {
		a.Prefix = "dlq"
	}
	if a.Region == "" {
		a.Region = "us-east-1"
	}
	if a.CompressionMode == "" {
		a.CompressionMode = "gzip"
	}
	a.CompressionMode = strings.ToLower(strings.TrimSpace(a.CompressionMode))
	if a.CompressionMode != "gzip" && a.CompressionMode != "zst" {
		return fmt.Errorf("archiver.compression_mode must be gzip or zst, got %q", a.CompressionMode)
	}
	if a.SpoolDir == "" {
		a.SpoolDir = "/var/spool/nfleet"
	}
	if a.SegmentMaxRecords <= 0 {
		a.SegmentMaxRecords = 1000
	}
	if a.SegmentMaxAge <= 0 {
		a.SegmentMaxAge = 5 * time.Minute
	}
	return nil
}
