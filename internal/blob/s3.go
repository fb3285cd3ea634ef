package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"cleaning-sync-backend/config"
)

// S3Store keeps photos in an S3 (or S3-compatible) bucket.
type S3Store struct {
	client   *s3.Client
	bucket   string
	region   string
	endpoint string // Custom endpoint for MinIO/S3-compatible services
}

// NewS3Store creates a new S3 blob store.
func NewS3Store(ctx context.Context, cfg *config.S3Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Store{
		client:   client,
		bucket:   cfg.Bucket,
		region:   cfg.Region,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
	}, nil
}

// Put uploads data and returns its object URL.
func (s *S3Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	key := objectKey(time.Now(), contentType)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	return s.fileURL(key), nil
}

// Get downloads the object behind url. Unknown keys yield nil, nil.
func (s *S3Store) Get(ctx context.Context, url string) ([]byte, error) {
	key, ok := s.keyFromURL(url)
	if !ok {
		return nil, nil
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return data, nil
}

// fileURL returns the full URL for a given key.
func (s *S3Store) fileURL(key string) string {
	return s.baseURL() + key
}

func (s *S3Store) baseURL() string {
	if s.endpoint != "" {
		// Format: <endpoint>/<bucket>/<key>
		return fmt.Sprintf("%s/%s/", s.endpoint, s.bucket)
	}
	// Format: https://<bucket>.s3.<region>.amazonaws.com/<key>
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/", s.bucket, s.region)
}

func (s *S3Store) keyFromURL(url string) (string, bool) {
	base := s.baseURL()
	if !strings.HasPrefix(url, base) {
		return "", false
	}
	return strings.TrimPrefix(url, base), true
}
