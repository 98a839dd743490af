package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/metrics"
	"github.com/fruitsalade/cellbridge/internal/storage"
	"github.com/fruitsalade/cellbridge/pkg/retry"
)

// ObjectClient is the subset of *s3.Client the remote device uses.
type ObjectClient interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

var _ ObjectClient = (*s3.Client)(nil)

// Config holds S3 connection settings.
type Config struct {
	Endpoint     string `json:"endpoint"`
	Bucket       string `json:"bucket"`
	Prefix       string `json:"prefix"`
	Region       string `json:"region"`
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	UsePathStyle bool   `json:"use_path_style"`
}

// NewClient creates an S3 client. Static credentials are used when an access
// key is configured, otherwise the default credential chain applies.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// objects wraps an ObjectClient with metrics and retries.
type objects struct {
	client ObjectClient
	bucket string
	retry  retry.Config
}

func newObjects(client ObjectClient, bucket string, rc retry.Config) *objects {
	rc.ShouldRetry = isTransient
	rc.OnRetry = func(attempt int, err error, wait time.Duration) {
		logging.Debug("retrying S3 call",
			zap.Int("attempt", attempt), zap.Error(err), zap.Duration("wait", wait))
	}
	return &objects{client: client, bucket: bucket, retry: rc}
}

// isTransient classifies throttling, server errors and network timeouts.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout",
			"RequestTimeTooSkewed", "InternalError", "ServiceUnavailable":
			return true
		}
	}
	var sc interface{ HTTPStatusCode() int }
	if errors.As(err, &sc) && sc.HTTPStatusCode() >= 500 {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isNotFound reports whether err is a missing key or bucket.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

func translate(err error) error {
	if err != nil && isNotFound(err) {
		return fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	}
	return err
}

func (o *objects) headBucket(ctx context.Context) error {
	start := time.Now()
	_, err := o.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.bucket)})
	metrics.RecordS3Operation("head_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", o.bucket, err)
	}
	return nil
}

// list returns every object under prefix.
func (o *objects) list(ctx context.Context, prefix string) ([]types.Object, error) {
	start := time.Now()
	var out []types.Object
	p := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			metrics.RecordS3Operation("list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		out = append(out, page.Contents...)
	}
	metrics.RecordS3Operation("list_objects", time.Since(start), true)
	return out, nil
}

// get reads an object. A zero length reads to the end.
func (o *objects) get(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	return retry.DoWithResult(ctx, o.retry, func() ([]byte, error) {
		start := time.Now()
		input := &s3.GetObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(key),
		}
		if offset > 0 || length > 0 {
			var rangeStr string
			if length > 0 {
				rangeStr = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
			} else {
				rangeStr = fmt.Sprintf("bytes=%d-", offset)
			}
			input.Range = aws.String(rangeStr)
		}

		result, err := o.client.GetObject(ctx, input)
		if err != nil {
			metrics.RecordS3Operation("get_object", time.Since(start), false)
			var ae smithy.APIError
			if errors.As(err, &ae) && ae.ErrorCode() == "InvalidRange" {
				return []byte{}, nil
			}
			return nil, fmt.Errorf("get object %s: %w", key, translate(err))
		}
		defer result.Body.Close()

		data, err := io.ReadAll(result.Body)
		metrics.RecordS3Operation("get_object", time.Since(start), err == nil)
		if err != nil {
			return nil, fmt.Errorf("read object %s: %w", key, err)
		}
		return data, nil
	})
}

func (o *objects) put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(o.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	logging.Debug("S3 put object", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

func (o *objects) delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, translate(err))
	}
	return nil
}

func (o *objects) copy(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	_, err := o.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(o.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(o.bucket, srcKey)),
	})
	metrics.RecordS3Operation("copy_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, translate(err))
	}
	return nil
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}
