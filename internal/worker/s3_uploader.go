// internal/worker/s3_uploader.go
package worker

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"event-recorder/internal/config"
	"event-recorder/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// putObjectAPI 는 테스트에서 s3.Client 를 대체하기 위한 최소 인터페이스.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader 는 dead-letter 파일을 S3 로 올린다.
//   - SDK retry 는 끄고 S3AppRetries 만큼 앱에서 재시도
//   - 시도마다 S3Timeout
//   - backoff 200ms → 최대 2s
type S3Uploader struct {
	client  putObjectAPI
	bucket  string
	timeout time.Duration
	retries int
	backoff time.Duration
	metrics *metrics.Metrics
}

// NewS3Uploader 는 공유 AWS 설정으로 S3 client 를 만든다.
func NewS3Uploader(awsCfg aws.Config, cfg config.Config, m *metrics.Metrics) *S3Uploader {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
	})
	return &S3Uploader{
		client:  client,
		bucket:  cfg.DeadLetterBucket,
		timeout: cfg.S3Timeout,
		retries: cfg.S3AppRetries,
		backoff: 200 * time.Millisecond,
		metrics: m,
	}
}

// UploadFileWithRetryCtx
// -----------------------
// 로컬 파일을 그대로 올린다.
// 재시도 전에 Seek(0) 으로 되감는다. ctx 가 끝나면 즉시 중단.
func (u *S3Uploader) UploadFileWithRetryCtx(
	ctx context.Context,
	key string,
	f io.ReadSeeker,
	size int64,
) error {

	attempts := u.retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	backoff := u.backoff

	for attempt := 1; attempt <= attempts; attempt++ {

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if attempt > 1 {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("s3: rewind %s: %w", key, err)
			}
		}

		err := u.putObject(ctx, key, f, size)
		if err == nil {
			return nil
		}
		lastErr = err
		atomic.AddInt64(&u.metrics.S3PutErrorsTotal, 1)

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return lastErr
}

// putObject 는 PutObject 1회. timeout 은 시도 단위.
func (u *S3Uploader) putObject(
	ctx context.Context,
	key string,
	body io.Reader,
	size int64,
) error {

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            body,
		ContentLength:   aws.Int64(size),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})

	return err
}
