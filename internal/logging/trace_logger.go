// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
)

// maxTraceComponent limita identity e connID como componentes de caminho.
const maxTraceComponent = 64

// fanOutHandler despacha cada registro para o handler global e para o
// handler do arquivo de trace da conexão.
type fanOutHandler struct {
	global slog.Handler
	trace  slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.global.Enabled(ctx, level) || h.trace.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Enabled() é verificado por handler: registros DEBUG vão só para o
	// trace quando o logger global aceita apenas INFO ou superior.
	if h.global.Enabled(ctx, r.Level) {
		if err := h.global.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Erro de escrita no trace não derruba o log global.
	if h.trace.Enabled(ctx, r.Level) {
		_ = h.trace.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{global: h.global.WithAttrs(attrs), trace: h.trace.WithAttrs(attrs)}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{global: h.global.WithGroup(name), trace: h.trace.WithGroup(name)}
}

// cappedWriter limita o total de bytes gravados no arquivo de trace; ao
// atingir o limite descarta silenciosamente e marca o truncamento.
type cappedWriter struct {
	w         io.Writer
	remaining int64
	truncated atomic.Bool
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.remaining <= 0 || int64(len(p)) > c.remaining {
		c.truncated.Store(true)
		c.remaining = 0
		// Reporta sucesso: o trace é best-effort e o slog.Handler não deve
		// propagar erro para o caminho de dados.
		return len(p), nil
	}
	n, err := c.w.Write(p)
	c.remaining -= int64(n)
	return n, err
}

// Truncated informa se o trace atingiu o limite de tamanho.
func (c *cappedWriter) Truncated() bool { return c.truncated.Load() }

// NewConnTrace cria um logger que grava tanto no logger global quanto em um
// arquivo de trace dedicado à conexão, criado em:
//
//	{traceDir}/{identity}/{connID}.log
//
// O arquivo captura em JSON nível DEBUG e para de crescer em maxBytes.
// Retorna o logger, um io.Closer a ser chamado no fim da conexão e o path
// do arquivo. Com traceDir vazio, retorna o logger global sem modificações.
func NewConnTrace(base *slog.Logger, traceDir, identity, connID string, maxBytes int64) (*slog.Logger, io.Closer, string, error) {
	if traceDir == "" {
		return base, io.NopCloser(nil), "", nil
	}

	identity = sanitizeTraceComponent(identity)
	connID = sanitizeTraceComponent(connID)

	dir := filepath.Join(traceDir, identity)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating trace directory %s: %w", dir, err)
	}

	tracePath := filepath.Join(dir, connID+".log")
	f, err := os.OpenFile(tracePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening trace file %s: %w", tracePath, err)
	}

	capped := &cappedWriter{w: f, remaining: maxBytes}
	traceHandler := slog.NewJSONHandler(capped, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		global: base.Handler(),
		trace:  traceHandler,
	}

	return slog.New(combined), f, tracePath, nil
}

// sanitizeTraceComponent torna um valor seguro como componente de caminho:
// qualquer byte fora de [A-Za-z0-9._-] vira '-', nomes com prefixo '.' ou
// vazios viram "unknown", e o comprimento é limitado.
func sanitizeTraceComponent(name string) string {
	if len(name) > maxTraceComponent {
		name = name[:maxTraceComponent]
	}
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		b := name[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
			out = append(out, b)
		case b == '.' || b == '_' || b == '-':
			out = append(out, b)
		default:
			out = append(out, '-')
		}
	}
	s := string(out)
	if s == "" || s[0] == '.' {
		return "unknown"
	}
	return s
}
