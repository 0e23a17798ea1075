// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archiver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"github.com/nishisan-dev/n-fleet/internal/config"
)

func testArchiverConfig(spool string) config.ArchiverInfo {
	return config.ArchiverInfo{
		Enabled:           true,
		Bucket:            "fleet-cold",
		Prefix:            "dlq",
		CompressionMode:   "gzip",
		SpoolDir:          spool,
		SegmentMaxRecords: 3,
		SegmentMaxAge:     time.Minute,
	}
}

// fakeUploader cumpre o contrato do Uploader real: remove o arquivo no
// sucesso, mantém no erro.
type fakeUploader struct {
	mu    sync.Mutex
	err   error
	files []string
}

func (f *fakeUploader) Upload(ctx context.Context, file string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.files = append(f.files, filepath.Base(file))
	return os.Remove(file)
}

func (f *fakeUploader) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.files...)
	sort.Strings(out)
	return out
}

func TestEntry_ReasonFromHeaders(t *testing.T) {
	a := New(testArchiverConfig(t.TempDir()), nil, &fakeUploader{}, testLogger())

	cases := []struct {
		name    string
		headers amqp.Table
		reason  string
		field   string
	}{
		{
			"explicit dead letter",
			amqp.Table{"x-reason": "invalid-identity", "x-field": "identity", "x-original-queue": "nfleet.telemetry"},
			"invalid-identity", "identity",
		},
		{
			"broker dlx routing",
			amqp.Table{"x-death": []any{amqp.Table{"reason": "rejected"}}},
			"rejected", "",
		},
		{
			"no headers",
			nil,
			"unknown", "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := amqp.Delivery{
				Headers:         tc.headers,
				Body:            []byte(`{"seq":1}`),
				ContentEncoding: "zstd",
				MessageId:       "m-1",
				Redelivered:     true,
			}
			e := a.entry("nfleet.telemetry.dlq", d)
			if e.Reason != tc.reason {
				t.Errorf("Reason = %q, expected %q", e.Reason, tc.reason)
			}
			if e.Field != tc.field {
				t.Errorf("Field = %q, expected %q", e.Field, tc.field)
			}
			if e.Queue != "nfleet.telemetry.dlq" {
				t.Errorf("Queue = %q", e.Queue)
			}
			if e.Encoding != "zstd" || e.MessageID != "m-1" || !e.Redelivered {
				t.Errorf("delivery metadata not carried: %+v", e)
			}
			if e.ArchivedAt.IsZero() {
				t.Error("ArchivedAt not filled")
			}
		})
	}
}

func TestUploadClosed_ScansOnlyClosedSegments(t *testing.T) {
	spool := t.TempDir()
	for _, name := range []string{
		"nfleet.telemetry.dlq-2025-06-01T12-00-00.000.jsonl.gz",
		"nfleet.recalc.dlq-2025-06-01T12-05-00.000.jsonl.zst",
		"segment-123456.tmp",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(spool, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seeding spool: %v", err)
		}
	}

	up := &fakeUploader{}
	a := New(testArchiverConfig(spool), nil, up, testLogger())
	a.uploadClosed(context.Background())

	got := up.uploaded()
	want := []string{
		"nfleet.recalc.dlq-2025-06-01T12-05-00.000.jsonl.zst",
		"nfleet.telemetry.dlq-2025-06-01T12-00-00.000.jsonl.gz",
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("uploaded %v, expected %v", got, want)
	}
	if a.stats.Uploads.Load() != 2 {
		t.Errorf("Uploads = %d, expected 2", a.stats.Uploads.Load())
	}

	// O tmp e o arquivo estranho ficam onde estão.
	for _, name := range []string{"segment-123456.tmp", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(spool, name)); err != nil {
			t.Errorf("%s touched by the sweep: %v", name, err)
		}
	}
}

func TestUploadFile_FailureKeepsSegment(t *testing.T) {
	spool := t.TempDir()
	file := filepath.Join(spool, "nfleet.events.dlq-2025-06-01T12-00-00.000.jsonl.gz")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("seeding spool: %v", err)
	}

	up := &fakeUploader{err: errors.New("bucket unreachable")}
	a := New(testArchiverConfig(spool), nil, up, testLogger())
	a.uploadFile(context.Background(), file)

	if _, err := os.Stat(file); err != nil {
		t.Fatalf("segment removed after a failed upload: %v", err)
	}
	if a.stats.UploadFailures.Load() != 1 {
		t.Errorf("UploadFailures = %d, expected 1", a.stats.UploadFailures.Load())
	}

	// Retry depois da falha sobe o mesmo arquivo.
	up.err = nil
	a.uploadFile(context.Background(), file)
	if a.stats.Uploads.Load() != 1 {
		t.Errorf("Uploads = %d after retry, expected 1", a.stats.Uploads.Load())
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("segment still on spool after a successful retry")
	}
}

func TestCleanSpool_RemovesOnlyTmp(t *testing.T) {
	spool := t.TempDir()
	closed := "nfleet.telemetry.dlq-2025-06-01T12-00-00.000.jsonl.gz"
	for _, name := range []string{"segment-1.tmp", "segment-2.tmp", closed} {
		if err := os.WriteFile(filepath.Join(spool, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seeding spool: %v", err)
		}
	}

	a := New(testArchiverConfig(spool), nil, &fakeUploader{}, testLogger())
	a.cleanSpool()

	entries, err := os.ReadDir(spool)
	if err != nil {
		t.Fatalf("reading spool: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != closed {
		t.Fatalf("spool after clean: %v, expected only the closed segment", entries)
	}
}

func TestHeaderString(t *testing.T) {
	h := amqp.Table{"x-reason": "stale-timestamp", "x-count": int32(2)}
	if got := headerString(h, "x-reason"); got != "stale-timestamp" {
		t.Errorf("headerString = %q", got)
	}
	if got := headerString(h, "x-count"); got != "" {
		t.Errorf("non-string header returned %q, expected empty", got)
	}
	if got := headerString(nil, "x-reason"); got != "" {
		t.Errorf("nil table returned %q, expected empty", got)
	}
}
