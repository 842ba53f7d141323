// Package storage uploads execution results to object storage. Each result
// becomes one JSON object named {requestId}.json in the results bucket.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/model"
)

// S3Config configures the result store. Endpoint and UsePathStyle support
// S3-compatible providers such as MinIO.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// Validate checks required settings.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// objectPutter is the slice of the S3 API the store uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ResultStore writes execution results.
type ResultStore struct {
	client objectPutter
	bucket string
}

// NewResultStore builds a store using the AWS default credential chain.
func NewResultStore(ctx context.Context, cfg S3Config) (*ResultStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &ResultStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
	}, nil
}

// UploadResult writes the outcome JSON and returns its s3:// location.
func (s *ResultStore) UploadResult(ctx context.Context, outcome model.ExecutionOutcome) (string, error) {
	body, err := json.Marshal(outcome)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}

	key := outcome.RequestID + ".json"
	contentType := "application/json"
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload result %s: %w", key, err)
	}

	location := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	logging.From(ctx).Info("result uploaded",
		zap.String("location", location),
		zap.Int("bytes", len(body)))
	return location, nil
}
