// Package upload moves photo blobs into object storage, independently of
// the survey sync queue, and records durable URLs back on the local rows.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// ObjectStore is the blob destination the pipeline uploads to.
type ObjectStore interface {
	// Put writes the blob under key and returns its durable URL. Put is
	// idempotent: re-writing the same key with the same bytes is harmless.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// S3Config locates the bucket. BaseEndpoint is set when talking to a
// MinIO-style deployment instead of AWS proper.
type S3Config struct {
	Region       string
	Bucket       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
}

// S3ObjectStore implements ObjectStore over an S3-compatible bucket.
type S3ObjectStore struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3ObjectStore builds the store client.
func NewS3ObjectStore(ctx context.Context, cfg S3Config) (*S3ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("failed to init object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			// MinIO does not serve virtual-hosted bucket names.
			o.UsePathStyle = true
		}
	})

	return &S3ObjectStore{client: client, cfg: cfg}, nil
}

func (s *S3ObjectStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", classifyS3Error(err)
	}
	return s.objectURL(key), nil
}

func (s *S3ObjectStore) objectURL(key string) string {
	if s.cfg.BaseEndpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.cfg.BaseEndpoint, s.cfg.Bucket, escapeKey(key))
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, escapeKey(key))
}

func escapeKey(key string) string {
	// Keys contain slashes that must survive as path separators.
	u := url.URL{Path: key}
	return u.EscapedPath()[1:]
}

// ErrPermanent wraps upload failures that retrying cannot fix, such as a
// missing bucket or denied credentials.
var ErrPermanent = errors.New("permanent upload failure")

// classifyS3Error separates failures retrying can fix from ones it cannot.
// Client-side faults (4xx except throttling and timeout) are permanent;
// everything else, including transport errors, is transient.
func classifyS3Error(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		if code >= 400 && code < 500 && code != 408 && code != 429 {
			return fmt.Errorf("%w: http %d: %v", ErrPermanent, code, err)
		}
		return err
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %s: %v", ErrPermanent, ae.ErrorCode(), err)
		}
	}
	return err
}
