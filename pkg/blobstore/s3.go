package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/marmos91/profileserver/internal/logger"
)

// S3Backend is the external-collaborator blob store, backed by an S3
// bucket (or any S3-compatible endpoint), with bounded exponential-
// backoff retry on transient errors.
type S3Backend struct {
	client *s3.Client
	bucket string

	maxRetries        int
	initialBackoff    time.Duration
	backoffMultiplier float64
	maxBackoff        time.Duration
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// NewS3Backend builds a client from the default AWS credential chain,
// optionally overriding the endpoint for S3-compatible services.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{
		client:            client,
		bucket:            cfg.Bucket,
		maxRetries:        3,
		initialBackoff:    100 * time.Millisecond,
		backoffMultiplier: 2,
		maxBackoff:        2 * time.Second,
	}, nil
}

func (b *S3Backend) key(hash Hash) string {
	h := hash.String()
	return h[0:2] + "/" + h[2:4] + "/" + h
}

func (b *S3Backend) calculateBackoff(attempt int) time.Duration {
	backoff := float64(b.initialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= b.backoffMultiplier
	}
	if backoff > float64(b.maxBackoff) {
		backoff = float64(b.maxBackoff)
	}
	return time.Duration(backoff)
}

func (b *S3Backend) Put(ctx context.Context, hash Hash, data []byte) error {
	key := b.key(hash)

	// Idempotent by hash: skip the upload if it already exists.
	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return nil
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := b.calculateBackoff(attempt - 1)
			logger.Debug("blobstore: retrying put", "attempt", attempt, "backoff", backoff, "key", key)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		attempts++
		_, lastErr = b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if lastErr == nil {
			return nil
		}
		if !isRetryableS3Error(lastErr) {
			break
		}
	}
	return fmt.Errorf("put blob %s after %d attempts: %w", key, attempts, lastErr)
}

func (b *S3Backend) Get(ctx context.Context, hash Hash) ([]byte, error) {
	key := b.key(hash)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := b.calculateBackoff(attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		attempts++
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			defer out.Body.Close()
			return io.ReadAll(out.Body)
		}
		lastErr = err
		if isNotFoundS3Error(err) {
			return nil, ErrNotFound
		}
		if !isRetryableS3Error(err) {
			break
		}
	}
	return nil, fmt.Errorf("get blob %s after %d attempts: %w", key, attempts, lastErr)
}

func (b *S3Backend) Delete(ctx context.Context, hash Hash) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(hash)),
	})
	if err != nil && !isNotFoundS3Error(err) {
		return fmt.Errorf("delete blob %s: %w", b.key(hash), err)
	}
	return nil
}

func isNotFoundS3Error(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func isRetryableS3Error(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"InternalError", "ServiceUnavailable", "ServiceException":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied", "Forbidden":
			return false
		}
	}
	return false
}
