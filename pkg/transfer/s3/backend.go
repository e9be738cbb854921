package s3

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/pkg/transfer"
)

// API is the subset of the S3 client used by the backend.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

var _ API = (*s3.Client)(nil)

// Backend implements transfer.Backend for s3:// URIs.
type Backend struct {
	client API
	logger *zap.Logger
}

var _ transfer.Backend = (*Backend)(nil)

// New creates an S3 backend using the AWS SDK v2 default credential chain
// unless explicit credentials are configured.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg, imdsRegion)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing S3 client.
func NewWithClient(client API, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{client: client, logger: logger}
}

// Schemes implements transfer.Backend.
func (b *Backend) Schemes() []string {
	return []string{transfer.SchemeS3}
}

// IsValid implements transfer.Backend.
func (b *Backend) IsValid(_ context.Context, location string) (bool, error) {
	if _, err := parse(location); err != nil {
		return false, err
	}
	return true, nil
}

// Fetch streams the object into localPath through a temp file.
//
// The byte count is checked against the reported content length so an object
// replaced mid-download never lands in the sandbox.
func (b *Backend) Fetch(ctx context.Context, remote, localPath string) error {
	loc, err := parse(remote)
	if err != nil {
		return transfer.Fail("Fetch", transfer.SchemeS3, remote, localPath, err)
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Host),
		Key:    aws.String(loc.Path),
	})
	if err != nil {
		return transfer.Fail("Fetch", transfer.SchemeS3, remote, localPath, classify(err))
	}
	defer func() { _ = out.Body.Close() }()

	expected := int64(-1)
	if out.ContentLength != nil {
		expected = *out.ContentLength
	}
	n, err := transfer.WriteFileAtomic(ctx, localPath, out.Body, expected)
	if err != nil {
		return transfer.Fail("Fetch", transfer.SchemeS3, remote, localPath, classify(err))
	}
	b.logger.Debug("Fetched object", zap.String("bucket", loc.Host), zap.String("key", loc.Path), zap.Int64("bytes", n))
	return nil
}

// Push uploads localPath with a single PutObject; the object only becomes
// visible once the upload completes.
func (b *Backend) Push(ctx context.Context, localPath, remote string) error {
	loc, err := parse(remote)
	if err != nil {
		return transfer.Fail("Push", transfer.SchemeS3, remote, localPath, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return transfer.Fail("Push", transfer.SchemeS3, remote, localPath, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return transfer.Fail("Push", transfer.SchemeS3, remote, localPath, err)
	}
	if st.IsDir() {
		return transfer.Fail("Push", transfer.SchemeS3, remote, localPath, fmt.Errorf("%w: %s is a directory", transfer.ErrNotFound, localPath))
	}

	size := st.Size()
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(loc.Host),
		Key:           aws.String(loc.Path),
		Body:          f,
		ContentLength: &size,
	})
	if err != nil {
		return transfer.Fail("Push", transfer.SchemeS3, remote, localPath, classify(err))
	}
	b.logger.Debug("Pushed object", zap.String("bucket", loc.Host), zap.String("key", loc.Path), zap.Int64("bytes", size))
	return nil
}

// LastModified implements transfer.Backend with a HeadObject call.
func (b *Backend) LastModified(ctx context.Context, location string) (time.Time, error) {
	loc, err := parse(location)
	if err != nil {
		return time.Time{}, transfer.Fail("LastModified", transfer.SchemeS3, location, "", err)
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Host),
		Key:    aws.String(loc.Path),
	})
	if err != nil {
		return time.Time{}, transfer.Fail("LastModified", transfer.SchemeS3, location, "", classify(err))
	}
	return aws.ToTime(out.LastModified), nil
}

func parse(location string) (transfer.Location, error) {
	loc, err := transfer.ParseLocation(location)
	if err != nil {
		return transfer.Location{}, err
	}
	if loc.Scheme != transfer.SchemeS3 {
		return transfer.Location{}, fmt.Errorf("%w: expected s3:// URI, got %q", transfer.ErrInvalidLocation, location)
	}
	return loc, nil
}

// classify maps S3 errors to transfer sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey), errors.As(err, &noSuchBucket):
		return fmt.Errorf("%w: %v", transfer.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %v", transfer.ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", transfer.ErrAccessDenied, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return fmt.Errorf("%w: %v", transfer.ErrThrottled, err)
		case "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w: %v", transfer.ErrUnavailable, err)
		}
		return err
	}

	// Fallback: check error message for common cases.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404"):
		return fmt.Errorf("%w: %v", transfer.ErrNotFound, err)
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "StatusCode: 403"):
		return fmt.Errorf("%w: %v", transfer.ErrAccessDenied, err)
	case strings.Contains(msg, "SlowDown") || strings.Contains(msg, "StatusCode: 429"):
		return fmt.Errorf("%w: %v", transfer.ErrThrottled, err)
	case strings.Contains(msg, "ServiceUnavailable") || strings.Contains(msg, "StatusCode: 503"):
		return fmt.Errorf("%w: %v", transfer.ErrUnavailable, err)
	}
	return err
}
