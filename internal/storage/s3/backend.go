// Package s3 provides an S3-compatible object storage backend.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/annales/annales/internal/logging"
	"github.com/annales/annales/internal/metrics"
	"github.com/annales/annales/internal/storage"
)

// Config holds object storage connection settings.
type Config struct {
	Endpoint       string // empty uses the default AWS endpoint resolution
	Bucket         string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool
	KeyPrefix      string // namespace prefix for generated object keys
}

// Backend implements storage.Backend against S3 or an S3-compatible
// store such as MinIO.
type Backend struct {
	client    *awss3.Client
	bucket    string
	keyPrefix string
}

// New creates an object storage backend and verifies the bucket is
// reachable, creating it when missing.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
	})

	backend := &Backend{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}

	if err := backend.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return backend, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &awss3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			metrics.RecordStorageOperation(b.Provider(), "create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		metrics.RecordStorageOperation(b.Provider(), "create_bucket", time.Since(start), true)
		logging.Info("created object storage bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

// generateKey namespaces objects by upload month under the configured prefix.
func (b *Backend) generateKey() string {
	return fmt.Sprintf("%s%s/%s.pdf", b.keyPrefix, time.Now().UTC().Format("2006/01"), uuid.New().String())
}

// PutObject uploads the payload under a generated key.
func (b *Backend) PutObject(ctx context.Context, req storage.PutRequest) (string, int64, error) {
	start := time.Now()
	key := b.generateKey()

	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          req.Body,
		ContentLength: aws.Int64(req.Size),
		ContentType:   aws.String(req.ContentType),
	})
	if err != nil {
		metrics.RecordStorageOperation(b.Provider(), "put", time.Since(start), false)
		// A rejected upload stores nothing, but tolerate providers that
		// keep a partial object around.
		if _, delErr := b.DeleteObject(ctx, key); delErr != nil {
			logging.Warn("cleanup of failed object upload", zap.String("key", key), zap.Error(delErr))
		}
		return "", 0, &storage.WriteError{Provider: b.Provider(), Err: err}
	}

	metrics.RecordStorageOperation(b.Provider(), "put", time.Since(start), true)
	logging.Debug("object stored", zap.String("key", key), zap.Int64("size", req.Size))
	return key, req.Size, nil
}

// GetObject retrieves an object with range support. The returned size is
// the object's total size, parsed from Content-Range on partial reads.
func (b *Backend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()

	input := &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}

	ranged := offset > 0 || length > 0
	if ranged {
		if length > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), false)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, 0, storage.ErrNotFound
		}
		if isInvalidRange(err) {
			return nil, 0, storage.ErrRangeNotSatisfiable
		}
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}

	metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), true)

	totalSize := int64(0)
	if ranged && result.ContentRange != nil {
		totalSize = totalFromContentRange(*result.ContentRange)
	}
	if totalSize == 0 && result.ContentLength != nil {
		totalSize = *result.ContentLength
	}

	return result.Body, totalSize, nil
}

// totalFromContentRange parses the total size out of "bytes start-end/total".
func totalFromContentRange(cr string) int64 {
	idx := strings.LastIndexByte(cr, '/')
	if idx < 0 || idx == len(cr)-1 {
		return 0
	}
	total, err := strconv.ParseInt(cr[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return total
}

// isInvalidRange matches the provider's out-of-bounds range rejection.
func isInvalidRange(err error) bool {
	return strings.Contains(err.Error(), "InvalidRange")
}

// DeleteObject removes an object, tolerating already-gone keys.
func (b *Backend) DeleteObject(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	existed, err := b.ObjectExists(ctx, key)
	if err != nil {
		return false, err
	}

	_, err = b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return false, nil
		}
		metrics.RecordStorageOperation(b.Provider(), "delete", time.Since(start), false)
		return false, fmt.Errorf("delete object %s: %w", key, err)
	}

	metrics.RecordStorageOperation(b.Provider(), "delete", time.Since(start), true)
	logging.Debug("object deleted", zap.String("key", key))
	return existed, nil
}

// ObjectExists checks if an object exists.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	_, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		metrics.RecordStorageOperation(b.Provider(), "head", time.Since(start), false)
		return false, fmt.Errorf("head object %s: %w", key, err)
	}

	metrics.RecordStorageOperation(b.Provider(), "head", time.Since(start), true)
	return true, nil
}

// Provider returns the object storage provider tag.
func (b *Backend) Provider() string { return storage.ProviderObjectStorage }

// Close is a no-op for object storage backends.
func (b *Backend) Close() error { return nil }
