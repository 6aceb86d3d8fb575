// AWS S3 page backend.
//
// The AWS gateway backend stores page bytes in an upstream AWS S3 bucket via
// the AWS SDK for Go v2. Metadata stays in the metadata store; this backend
// handles raw bytes only.
//
// Key mapping:
//
//	Pages:  {prefix}pages/{page_id}
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.).
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API defines the subset of the AWS S3 client interface that the gateway
// backend uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// AWSGatewayBackend implements the PageStore interface by storing pages in
// an upstream Amazon S3 bucket under a key prefix.
type AWSGatewayBackend struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Region is the AWS region of the upstream bucket.
	Region string
	// Prefix is the key prefix for all pages in the upstream bucket.
	Prefix string
	// client is the AWS S3 client (satisfying S3API interface).
	client S3API
}

// NewAWSGatewayBackend creates a new AWSGatewayBackend for the specified S3
// bucket in the given region. It initializes the AWS SDK client using the
// default credential chain, with optional overrides for custom endpoint,
// path-style addressing, and static credentials.
func NewAWSGatewayBackend(ctx context.Context, bucket, region, prefix, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*AWSGatewayBackend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
		})
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	b := NewAWSGatewayBackendWithClient(bucket, region, prefix, s3.NewFromConfig(cfg, s3Opts...))

	// Verify the upstream bucket is accessible.
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}

	slog.Info("AWS gateway backend initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return b, nil
}

// NewAWSGatewayBackendWithClient creates an AWSGatewayBackend with a
// pre-configured S3 client. This is primarily used for testing with mock
// clients.
func NewAWSGatewayBackendWithClient(bucket, region, prefix string, client S3API) *AWSGatewayBackend {
	return &AWSGatewayBackend{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}
}

// s3Key maps a page ID to an upstream S3 key.
func (b *AWSGatewayBackend) s3Key(id int64) string {
	return b.Prefix + "pages/" + pageName(id)
}

// PutPage uploads page data to the upstream S3 bucket.
func (b *AWSGatewayBackend) PutPage(ctx context.Context, id int64, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.s3Key(id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("uploading page %d to S3: %w", id, err)
	}
	return nil
}

// GetPage downloads page data from the upstream S3 bucket.
func (b *AWSGatewayBackend) GetPage(ctx context.Context, id int64) ([]byte, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(id)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("page %d: %w", id, ErrPageNotFound)
		}
		return nil, fmt.Errorf("getting page %d from S3: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading page %d from S3: %w", id, err)
	}
	return data, nil
}

// DeletePage removes a page from the upstream S3 bucket. S3 DeleteObject is
// already idempotent; a not-found error is tolerated as well.
func (b *AWSGatewayBackend) DeletePage(ctx context.Context, id int64) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(id)),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting page %d from S3: %w", id, err)
	}
	return nil
}

// HealthCheck verifies that the upstream S3 bucket is accessible.
func (b *AWSGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	// Also check for types.NoSuchKey.
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	// Check HTTP status code via ResponseError.
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// Ensure AWSGatewayBackend implements PageStore at compile time.
var _ PageStore = (*AWSGatewayBackend)(nil)
