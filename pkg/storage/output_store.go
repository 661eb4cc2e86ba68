package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrInvalidReference is returned for references a store did not produce.
var ErrInvalidReference = errors.New("invalid output reference")

// S3OutputStore stores run output in S3-compatible storage
type S3OutputStore struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// S3OutputStoreConfig holds S3 configuration
type S3OutputStoreConfig struct {
	Bucket          string
	Prefix          string // e.g. "duty/billing/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3OutputStore creates a new S3-backed output store
func NewS3OutputStore(ctx context.Context, cfg S3OutputStoreConfig) (*S3OutputStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3OutputStore{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
	}, nil
}

// Store uploads output and returns an s3:// reference
func (s *S3OutputStore) Store(ctx context.Context, runID string, output []byte) (string, error) {
	key := s.Key(runID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(output),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload output to S3: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches output from S3
func (s *S3OutputStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	bucket, key, err := ParseS3Reference(reference)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get output from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	return data, nil
}

// Key is the object key for runID, partitioned by day.
func (s *S3OutputStore) Key(runID string) string {
	return fmt.Sprintf("%s%s/%s.log", s.prefix, s.now().UTC().Format("2006/01/02"), runID)
}

// ParseS3Reference splits "s3://bucket/key".
func ParseS3Reference(reference string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(reference, "s3://")
	if !ok {
		return "", "", ErrInvalidReference
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", ErrInvalidReference
	}
	return bucket, key, nil
}

// LocalOutputStore stores output on the local filesystem (development and
// single-host deployments)
type LocalOutputStore struct {
	basePath string
}

// NewLocalOutputStore creates a local filesystem output store
func NewLocalOutputStore(basePath string) (*LocalOutputStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &LocalOutputStore{basePath: basePath}, nil
}

// Store writes output to <base>/<runID>.log
func (l *LocalOutputStore) Store(ctx context.Context, runID string, output []byte) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return "", ErrInvalidReference
	}
	path := filepath.Join(l.basePath, runID+".log")
	if err := os.WriteFile(path, output, 0644); err != nil {
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	return path, nil
}

// Retrieve reads output previously written under the base path
func (l *LocalOutputStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	rel, err := filepath.Rel(l.basePath, reference)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, ErrInvalidReference
	}
	data, err := os.ReadFile(reference)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}
