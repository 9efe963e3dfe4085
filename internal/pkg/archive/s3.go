// Package archive stores raw webhook payloads in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
	"github.com/ommanoj88/SEV-sub002/internal/pkg/env"
)

// objectAPI is the subset of *s3.Client the archiver calls.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Archiver writes one object per webhook delivery.
type S3Archiver struct {
	api    objectAPI
	config *Config
}

// NewS3Archiver creates the S3 client and checks the bucket is reachable.
func NewS3Archiver(ctx context.Context, cfg *Config) (*S3Archiver, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("S3 archiving is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true // MinIO and B2 need path-style URLs
		}
	})

	a := newS3Archiver(client, cfg)
	if err := a.testConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[Archive] Archiving webhook payloads to s3://%s/%s", cfg.BucketName, cfg.Prefix)
	return a, nil
}

func newS3Archiver(api objectAPI, cfg *Config) *S3Archiver {
	return &S3Archiver{api: api, config: cfg}
}

func (a *S3Archiver) testConnection(ctx context.Context) error {
	bucket := a.config.BucketName
	_, err := a.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if !env.IsNonProduction() {
		return fmt.Errorf("bucket %s not accessible: %w", bucket, err)
	}

	log.Warnf("[Archive] Bucket %s not found, attempting to create it", bucket)
	if _, err := a.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

// ArchivePayload uploads payload under key. Keys are unique per delivery, so
// objects are never overwritten in normal operation.
func (a *S3Archiver) ArchivePayload(ctx context.Context, key string, payload []byte) error {
	objectKey := a.config.ObjectKey(key)
	_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.config.BucketName),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(payload))),
		Metadata: map[string]string{
			"upload-source": "fleet-billing-webhook",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive payload to s3://%s/%s: %w", a.config.BucketName, objectKey, err)
	}
	log.Debugf("[Archive] stored s3://%s/%s (%d bytes)", a.config.BucketName, objectKey, len(payload))
	return nil
}
