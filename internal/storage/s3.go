package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/oshokin/fleet-ota/internal/retry"
	"github.com/oshokin/fleet-ota/internal/version"
)

// checksumMetadataKey stores the artifact checksum alongside the object.
const checksumMetadataKey = "sha256"

// S3Config holds the connection parameters of an S3-compatible bucket.
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	// Timeout bounds presigned downloads.
	Timeout time.Duration
}

// S3Store is the ObjectStore backed by S3 or any S3-compatible service.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	http    *http.Client
	bucket  string
}

// NewS3Store builds a path-style S3 client. SDK-level retries are disabled,
// callers retry through their own per-boundary policy.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
		awsconfig.WithAppID(version.UserAgent()),
	}

	if cfg.AccessKeyID != "" {
		options = append(options, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("load sdk config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing is required by most S3-compatible services.
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		http:    &http.Client{Timeout: cfg.Timeout},
		bucket:  cfg.BucketName,
	}, nil
}

// Put uploads data and treats a missing ETag as an unconfirmed write.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	checksum := Checksum(data)

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{checksumMetadataKey: checksum},
	})
	if err != nil {
		return "", classify(fmt.Errorf("upload %s: %w", key, err))
	}

	if out.ETag == nil || *out.ETag == "" {
		return "", retry.Transient(fmt.Errorf("upload %s: %w", key, ErrWriteNotConfirmed))
	}

	return checksum, nil
}

// Presign returns a GET URL valid for ttl. A missing key fails with
// ErrObjectNotFound instead of yielding a URL that can only 404.
func (s *S3Store) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	found, err := s.exists(ctx, key)
	if err != nil {
		return "", err
	}

	if !found {
		return "", fmt.Errorf("presign %s: %w", key, ErrObjectNotFound)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify(fmt.Errorf("presign %s: %w", key, err))
	}

	return req.URL, nil
}

// Get downloads through a presigned URL.
func (s *S3Store) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, classify(fmt.Errorf("download: %w", err))
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden:
		// S3 answers expired signatures with 403.
		return nil, fmt.Errorf("download: %s: %w", resp.Status, ErrURLExpired)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("download: %s: %w", resp.Status, ErrObjectNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, retry.Transient(fmt.Errorf("download: unexpected status %s", resp.Status))
	default:
		return nil, fmt.Errorf("download: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read body: %w", err))
	}

	return data, nil
}

// exists reports whether key is present in the bucket.
func (s *S3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}

		return false, classify(fmt.Errorf("head %s: %w", key, err))
	}

	return true, nil
}

// classify marks throttling, server-side and network errors as transient.
func classify(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return retry.Transient(err)
		}

		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Transient(err)
	}

	return err
}
