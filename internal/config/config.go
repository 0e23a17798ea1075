// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida os arquivos YAML de configuração dos
// serviços n-fleet. Cada binário tem seu Load*Config; as seções
// compartilhadas (broker, database, logging, observability) vivem aqui.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BrokerInfo contém a conexão AMQP e as garantias de publicação.
type BrokerInfo struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`     // default: 5672 (5671 com TLS)
	VHost             string        `yaml:"vhost"`    // default: "/"
	User              string        `yaml:"user"`     // default: "guest"
	Password          string        `yaml:"password"` // default: "guest"
	Exchange          string        `yaml:"exchange"` // default: "nfleet"
	Confirms          *bool         `yaml:"confirms"`           // default: true
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`    // default: 5s
	MessagePersistent *bool         `yaml:"message_persistent"` // default: true
	Compression       string        `yaml:"compression"`        // none|gzip|zst (default: none)
	TLS               BrokerTLS     `yaml:"tls"`
}

// BrokerTLS contém o material TLS para conexões amqps.
type BrokerTLS struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ConfirmsEnabled informa se publisher confirms estão habilitados.
func (b BrokerInfo) ConfirmsEnabled() bool {
	return b.Confirms == nil || *b.Confirms
}

// Persistent informa se as mensagens devem ser marcadas como persistentes.
func (b BrokerInfo) Persistent() bool {
	return b.MessagePersistent == nil || *b.MessagePersistent
}

// URL monta a URI AMQP da conexão. O vhost default ("/") viaja como path
// vazio; qualquer outro vhost é path-escaped.
func (b BrokerInfo) URL() string {
	scheme := "amqp"
	if b.TLS.Enabled {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(b.User, b.Password),
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
	}
	if b.VHost != "/" {
		u.Path = "/" + url.PathEscape(b.VHost)
	}
	return u.String()
}

func (b *BrokerInfo) validate() error {
	if b.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if b.Port == 0 {
		if b.TLS.Enabled {
			b.Port = 5671
		} else {
			b.Port = 5672
		}
	}
	if b.VHost == "" {
		b.VHost = "/"
	}
	if b.User == "" {
		b.User = "guest"
	}
	if b.Password == "" {
		b.Password = "guest"
	}
	if b.Exchange == "" {
		b.Exchange = "nfleet"
	}
	if b.ConfirmTimeout <= 0 {
		b.ConfirmTimeout = 5 * time.Second
	}
	if b.Compression == "" {
		b.Compression = "none"
	}
	b.Compression = strings.ToLower(strings.TrimSpace(b.Compression))
	if b.Compression != "none" && b.Compression != "gzip" && b.Compression != "zst" {
		return fmt.Errorf("broker.compression must be none, gzip or zst, got %q", b.Compression)
	}
	if b.TLS.Enabled {
		if b.TLS.CAFile == "" {
			return fmt.Errorf("broker.tls.ca_file is required when tls is enabled")
		}
		if b.TLS.CertFile == "" {
			return fmt.Errorf("broker.tls.cert_file is required when tls is enabled")
		}
		if b.TLS.KeyFile == "" {
			return fmt.Errorf("broker.tls.key_file is required when tls is enabled")
		}
	}
	return nil
}

// DatabaseInfo contém a conexão Postgres e os limites do pool.
type DatabaseInfo struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // default: 5432
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	PoolMin  int    `yaml:"pool_min"` // default: 2
	PoolMax  int    `yaml:"pool_max"` // default: 10
}

// Addr retorna host:port para o driver.
func (d DatabaseInfo) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d *DatabaseInfo) validate() error {
	if d.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if d.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if d.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if d.Port == 0 {
		d.Port = 5432
	}
	if d.PoolMin <= 0 {
		d.PoolMin = 2
	}
	if d.PoolMax <= 0 {
		d.PoolMax = 10
	}
	if d.PoolMax < d.PoolMin {
		return fmt.Errorf("database.pool_max must be >= pool_min, got %d < %d", d.PoolMax, d.PoolMin)
	}
	return nil
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // default: "json"
	File   string `yaml:"file"`   // vazio = somente stdout
}

func (l *LoggingInfo) validate() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

// ObservabilityInfo configura o listener HTTP de health/metrics/admin.
type ObservabilityInfo struct {
	Listen        string   `yaml:"listen"`          // default por serviço (loopback)
	ACLCIDRs      []string `yaml:"acl_cidrs"`       // IP ou CIDR; vazio = sem ACL
	EventLogFile  string   `yaml:"event_log_file"`  // vazio = sem persistência
	EventRingSize int      `yaml:"event_ring_size"` // default: 512

	// Parsed é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

func (o *ObservabilityInfo) validate(defaultListen string) error {
	if o.Listen == "" {
		o.Listen = defaultListen
	}
	if o.EventRingSize <= 0 {
		o.EventRingSize = 512
	}
	for _, origin := range o.ACLCIDRs {
		_, cidr, err := net.ParseCIDR(origin)
		if err != nil {
			// Tenta como IP único → converte para /32 ou /128
			ip := net.ParseIP(strings.TrimSpace(origin))
			if ip == nil {
				return fmt.Errorf("observability.acl_cidrs: %q is not a valid IP or CIDR", origin)
			}
			if ip.To4() != nil {
				_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
			} else {
				_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
			}
		}
		o.ParsedCIDRs = append(o.ParsedCIDRs, cidr)
	}
	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
