// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archiver

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Entry é uma linha JSONL de um segmento arquivado. O corpo vai como chegou
// na DLQ (possivelmente comprimido pelo publisher); encoding preserva o
// content-encoding original para a descompressão offline.
type Entry struct {
	Queue         string    `json:"queue"`
	Reason        string    `json:"reason"`
	Field         string    `json:"field,omitempty"`
	OriginalQueue string    `json:"original_queue,omitempty"`
	Encoding      string    `json:"encoding,omitempty"`
	MessageID     string    `json:"message_id,omitempty"`
	Redelivered   bool      `json:"redelivered,omitempty"`
	ArchivedAt    time.Time `json:"archived_at"`
	Body          []byte    `json:"body"`
}

// flushWriter é o compressor do segmento. Flush descarrega o buffer interno
// no arquivo para que cada linha ackada sobreviva a uma queda do processo.
type flushWriter interface {
	io.WriteCloser
	Flush() error
}

func newCompressor(w io.Writer, mode string) (flushWriter, error) {
	switch mode {
	case "zst":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	default:
		gz, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return nil, err
		}
		if err := gz.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, err
		}
		return gz, nil
	}
}

// Segment é um arquivo JSONL comprimido em construção no spool. Nasce como
// .tmp e só ganha o nome final no Close, então um segmento parcial nunca é
// confundido com um fechado. Não é seguro para uso concorrente; cada worker
// do Archiver escreve no seu próprio segmento.
type Segment struct {
	queue    string
	dir      string
	ext      string
	tmpPath  string
	file     *os.File
	comp     flushWriter
	enc      *json.Encoder
	records  int
	openedAt time.Time
}

func newSegment(dir, queue, mode, ext string) (*Segment, error) {
	f, err := os.CreateTemp(dir, "segment-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating segment file: %w", err)
	}
	comp, err := newCompressor(f, mode)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("creating segment compressor: %w", err)
	}
	return &Segment{
		queue:    queue,
		dir:      dir,
		ext:      ext,
		tmpPath:  f.Name(),
		file:     f,
		comp:     comp,
		enc:      json.NewEncoder(comp),
		openedAt: time.Now().UTC(),
	}, nil
}

// Append grava uma linha e descarrega o compressor no arquivo.
func (s *Segment) Append(e Entry) error {
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("encoding archive entry: %w", err)
	}
	if err := s.comp.Flush(); err != nil {
		return fmt.Errorf("flushing segment: %w", err)
	}
	s.records++
	return nil
}

// Count retorna o número de linhas gravadas.
func (s *Segment) Count() int {
	return s.records
}

// Age retorna o tempo desde a abertura do segmento.
func (s *Segment) Age() time.Duration {
	return time.Since(s.openedAt)
}

// Close fecha o compressor, sincroniza em disco e renomeia o .tmp para o
// nome final {fila}-{timestamp}{ext}. Retorna o caminho final.
func (s *Segment) Close() (string, error) {
	if err := s.comp.Close(); err != nil {
		s.file.Close()
		return "", fmt.Errorf("closing segment compressor: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return "", fmt.Errorf("syncing segment: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return "", fmt.Errorf("closing segment file: %w", err)
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15-04-05.000")
	finalPath := filepath.Join(s.dir, fmt.Sprintf("%s-%s%s", s.queue, timestamp, s.ext))
	if err := os.Rename(s.tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("renaming segment: %w", err)
	}
	return finalPath, nil
}

// Abort descarta o segmento e remove o arquivo temporário. As mensagens
// espelhadas nele nunca foram ackadas, então o broker as reentrega.
func (s *Segment) Abort() {
	s.comp.Close()
	s.file.Close()
	os.Remove(s.tmpPath)
}
