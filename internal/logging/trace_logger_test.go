// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewConnTrace_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewConnTrace(base, "", "123456789012345", "conn-1", 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when traceDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewConnTrace_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, tracePath, err := NewConnTrace(base, dir, "123456789012345", "conn-abc", 1<<20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deviceDir := filepath.Join(dir, "123456789012345")
	if _, err := os.Stat(deviceDir); os.IsNotExist(err) {
		t.Fatalf("device trace dir not created: %s", deviceDir)
	}

	expectedPath := filepath.Join(deviceDir, "conn-abc.log")
	if tracePath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, tracePath)
	}

	logger.Info("frame decoded", "records", 3)
	closer.Close()

	if !strings.Contains(baseBuf.String(), "frame decoded") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	data, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("reading trace file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "frame decoded") {
		t.Errorf("log message not found in trace file: %s", content)
	}
	if !strings.Contains(content, `"records":3`) {
		t.Errorf("structured key not found in trace file: %s", content)
	}
}

func TestNewConnTrace_DebugInTraceInfoInBase(t *testing.T) {
	dir := t.TempDir()

	// Logger global com nível INFO, não aceita DEBUG
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, tracePath, err := NewConnTrace(base, dir, "123456789012345", "conn-dbg", 1<<20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("raw frame", "bytes", 42)
	closer.Close()

	if strings.Contains(baseBuf.String(), "raw frame") {
		t.Error("debug record leaked into INFO-level base handler")
	}

	data, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("reading trace file: %v", err)
	}
	if !strings.Contains(string(data), "raw frame") {
		t.Errorf("debug record not captured in trace file: %s", data)
	}
}

func TestNewConnTrace_SizeCap(t *testing.T) {
	dir := t.TempDir()
	base := slog.New(slog.NewJSONHandler(new(bytes.Buffer), &slog.HandlerOptions{Level: slog.LevelError}))

	// Cap pequeno: poucas linhas cabem
	logger, closer, tracePath, err := NewConnTrace(base, dir, "123456789012345", "conn-cap", 256)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 100; i++ {
		logger.Info("trace line", "seq", i)
	}
	closer.Close()

	info, err := os.Stat(tracePath)
	if err != nil {
		t.Fatalf("stat trace file: %v", err)
	}
	if info.Size() > 256 {
		t.Errorf("trace file exceeded cap: %d bytes", info.Size())
	}
}

func TestSanitizeTraceComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"123456789012345", "123456789012345"},
		{"10.0.0.1:56789", "10.0.0.1-56789"},
		{"../../etc/passwd", "unknown"},
		{"a/b\\c", "a-b-c"},
		{"", "unknown"},
		{".hidden", "unknown"},
		{"conn_01-ok", "conn_01-ok"},
	}

	for _, tt := range tests {
		if got := sanitizeTraceComponent(tt.in); got != tt.want {
			t.Errorf("sanitizeTraceComponent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
