// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/streadway/amqp"
)

// compressBody codifica o corpo conforme o modo configurado. Retorna o corpo
// codificado e o content-encoding de transporte ("" quando sem compressão).
func compressBody(mode string, body []byte) ([]byte, string, error) {
	switch mode {
	case "", "none":
		return body, "", nil
	case "gzip":
		var buf bytes.Buffer
		w := pgzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			w.Close()
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "gzip", nil
	case "zst":
		var buf bytes.Buffer
		w, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, "", err
		}
		if _, err := w.Write(body); err != nil {
			w.Close()
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "zstd", nil
	default:
		return nil, "", fmt.Errorf("unknown compression mode %q", mode)
	}
}

// DecodeBody devolve o corpo de uma delivery, descompactado conforme o
// content-encoding declarado.
func DecodeBody(d amqp.Delivery) ([]byte, error) {
	switch d.ContentEncoding {
	case "":
		return d.Body, nil
	case "gzip":
		r, err := pgzip.NewReader(bytes.NewReader(d.Body))
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(d.Body))
		if err != nil {
			return nil, fmt.Errorf("opening zstd body: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unknown content encoding %q", d.ContentEncoding)
	}
}
