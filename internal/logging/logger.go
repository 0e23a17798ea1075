// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging constrói os loggers slog dos serviços n-fleet: o logger
// global de cada binário e os traces por conexão do gateway.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger cria o slog.Logger global de um serviço.
// Formatos suportados: "json" (default) e "text".
// Níveis suportados: "debug", "info" (default), "warn", "error".
// Se filePath não for vazio, grava em stdout + arquivo (MultiWriter).
// O io.Closer retornado deve ser chamado no shutdown; é no-op sem arquivo.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	w, closer := openSink(filePath)
	handler := buildHandler(format, w, parseLevel(level))
	return slog.New(handler), closer
}

// openSink abre o destino de escrita: stdout, ou stdout + arquivo em append.
// Falha ao abrir o arquivo degrada para stdout com aviso em stderr.
func openSink(filePath string) (io.Writer, io.Closer) {
	if filePath == "" {
		return os.Stdout, io.NopCloser(strings.NewReader(""))
	}
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		return os.Stdout, io.NopCloser(strings.NewReader(""))
	}
	return io.MultiWriter(os.Stdout, f), f
}

func buildHandler(format string, w io.Writer, lvl slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
