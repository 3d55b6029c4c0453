// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/tw-gate/internal/config"
)

// Uploader envia transcripts compactados para um bucket S3 ou compatível
// (endpoint customizado + path-style cobrem MinIO e afins).
type Uploader struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewUploader monta o client S3 a partir da config. Credenciais estáticas
// quando fornecidas; caso contrário a cadeia default do SDK (env, perfil,
// role da instância).
func NewUploader(ctx context.Context, cfg config.S3Config) (*Uploader, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &Uploader{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

// Upload envia o arquivo para o bucket e retorna a key usada.
func (u *Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening archive for upload: %w", err)
	}
	defer f.Close()

	key := path.Join(u.prefix, filepath.Base(localPath))
	if _, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return "", fmt.Errorf("uploading archive: %w", err)
	}
	return key, nil
}
