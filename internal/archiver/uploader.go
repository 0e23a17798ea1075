// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archiver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-fleet/internal/config"
)

// s3API é o subconjunto do client S3 que o uploader usa. A SDK não fornece
// mock, então os testes implementam essa interface com um fake.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader sobe segmentos fechados para o bucket de armazenamento frio e
// remove o arquivo local apenas depois do put confirmado.
type Uploader struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewUploader monta o client S3 a partir da configuração do archiver.
// Credenciais estáticas no YAML têm precedência; sem elas vale a cadeia
// padrão da SDK (env, shared config, IAM role). Um endpoint custom liga o
// path-style para compatibilidade com MinIO e afins.
func NewUploader(ctx context.Context, cfg config.ArchiverInfo, logger *slog.Logger) (*Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With("component", "uploader"),
	}, nil
}

// Upload sobe um segmento para {prefix}/{dia}/{arquivo} e remove o arquivo
// local em caso de sucesso. O dia vem do mtime do segmento, então a chave
// não muda entre tentativas de retry.
func (u *Uploader) Upload(ctx context.Context, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening segment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("inspecting segment: %w", err)
	}
	day := info.ModTime().UTC().Format("2006-01-02")
	key := path.Join(u.prefix, day, filepath.Base(file))

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	f.Close()
	if err := os.Remove(file); err != nil {
		u.logger.Warn("Uploaded segment left on spool", "file", filepath.Base(file), "error", err)
	}
	u.logger.Info("Segment uploaded", "bucket", u.bucket, "key", key, "bytes", info.Size())
	return nil
}
