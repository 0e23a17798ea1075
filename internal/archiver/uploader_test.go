// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archiver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeS3 implementa s3API gravando o que o uploader mandou.
type fakeS3 struct {
	err    error
	bucket string
	key    string
	body   []byte
	length int64
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = *params.Bucket
	f.key = *params.Key
	if params.ContentLength != nil {
		f.length = *params.ContentLength
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestUploader_UploadRemovesFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "nfleet.telemetry.dlq-2025-06-01T12-00-00.000.jsonl.gz")
	content := []byte("compressed-segment-bytes")
	if err := os.WriteFile(file, content, 0o644); err != nil {
		t.Fatalf("writing segment: %v", err)
	}
	info, err := os.Stat(file)
	if err != nil {
		t.Fatalf("stat segment: %v", err)
	}

	fake := &fakeS3{}
	u := &Uploader{client: fake, bucket: "fleet-cold", prefix: "dlq", logger: testLogger()}

	if err := u.Upload(context.Background(), file); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if fake.bucket != "fleet-cold" {
		t.Errorf("bucket = %q, expected fleet-cold", fake.bucket)
	}
	day := info.ModTime().UTC().Format("2006-01-02")
	want := path.Join("dlq", day, filepath.Base(file))
	if fake.key != want {
		t.Errorf("key = %q, expected %q", fake.key, want)
	}
	if string(fake.body) != string(content) {
		t.Errorf("body = %q, expected segment content", fake.body)
	}
	if fake.length != int64(len(content)) {
		t.Errorf("content length = %d, expected %d", fake.length, len(content))
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Errorf("segment still on disk after a successful upload")
	}
}

func TestUploader_PutFailureKeepsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "nfleet.alarms.dlq-2025-06-01T12-00-00.000.jsonl.gz")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing segment: %v", err)
	}

	fake := &fakeS3{err: errors.New("access denied")}
	u := &Uploader{client: fake, bucket: "fleet-cold", prefix: "dlq", logger: testLogger()}

	if err := u.Upload(context.Background(), file); err == nil {
		t.Fatal("expected an upload error")
	}
	if _, err := os.Stat(file); err != nil {
		t.Errorf("segment removed after a failed upload: %v", err)
	}
}

func TestUploader_MissingFile(t *testing.T) {
	u := &Uploader{client: &fakeS3{}, bucket: "fleet-cold", prefix: "dlq", logger: testLogger()}
	if err := u.Upload(context.Background(), "/nonexistent/segment.jsonl.gz"); err == nil {
		t.Fatal("expected an error for a missing segment")
	}
}
