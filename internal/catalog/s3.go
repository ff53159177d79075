package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3GetObjectAPI is the part of the S3 client the catalog provider needs.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Provider is a koanf provider that reads a catalog document from an
// S3-compatible bucket.
type S3Provider struct {
	ctx    context.Context
	client S3GetObjectAPI
	bucket string
	key    string
}

// NewS3Provider returns a provider for the object at bucket/key.
func NewS3Provider(ctx context.Context, client S3GetObjectAPI, bucket, key string) *S3Provider {
	return &S3Provider{ctx: ctx, client: client, bucket: bucket, key: key}
}

// ReadBytes downloads the object.
func (p *S3Provider) ReadBytes() ([]byte, error) {
	out, err := p.client.GetObject(p.ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", p.bucket, p.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", p.bucket, p.key, err)
	}
	return data, nil
}

// Read is not supported; the provider only returns raw bytes for a parser.
func (p *S3Provider) Read() (map[string]interface{}, error) {
	return nil, errors.New("s3 provider does not support this method")
}

// S3Config holds the settings for an S3-compatible catalog store.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// NewS3Client creates a client for cfg. An empty region defaults to "auto"
// and a custom endpoint switches to path-style addressing.
func NewS3Client(cfg S3Config) (*s3.Client, error) {
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts), nil
}

// LoadS3 reads a YAML catalog from bucket/key.
func LoadS3(ctx context.Context, client S3GetObjectAPI, bucket, key string) (*Catalog, error) {
	return Load(NewS3Provider(ctx, client, bucket, key))
}
