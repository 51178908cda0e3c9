package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "pricewatch/config"
	"pricewatch/identity"
	"pricewatch/models"
)

// Archiver keeps an off-box copy of every committed snapshot.
type Archiver interface {
	Archive(ctx context.Context, snap *models.Snapshot) error
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes snapshots as JSON objects to S3-compatible storage.
type S3Archiver struct {
	client objectPutter
	bucket string
}

func NewS3Archiver(ctx context.Context, cfg appconfig.S3Config) (*S3Archiver, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		// MinIO, R2, DO Spaces
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, snap *models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	meta := map[string]string{
		"search-term": snap.SearchTerm,
		"fingerprint": identity.Fingerprint(snap),
	}
	return a.upload(ctx, SnapshotKey(snap), bytes.NewReader(data), "application/json", meta)
}

func (a *S3Archiver) upload(ctx context.Context, key string, data io.Reader, contentType string, meta map[string]string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// SnapshotKey is snapshots/<term slug>/<yyyy-mm-dd>/<id>.json.
func SnapshotKey(snap *models.Snapshot) string {
	return fmt.Sprintf("snapshots/%s/%s/%s.json", identity.Slug(snap.SearchTerm), snap.ObservedAt.UTC().Format("2006-01-02"), snap.ID)
}
