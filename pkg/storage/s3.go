package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3Config configures S3Storage
type S3Config struct {
	Endpoint        string // custom endpoint, e.g. MinIO; empty uses AWS
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	// ServerSideEncryption is applied to every put. Empty disables it.
	ServerSideEncryption string
	// Prefix is prepended to every key
	Prefix string
}

// Validate checks the required settings
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket cannot be empty")
	}
	if c.Region == "" {
		return errors.New("S3 region cannot be empty")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.New("S3 access key and secret key must be set together")
	}
	return nil
}

// s3API is the subset of *s3.Client used by S3Storage
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Storage stores objects in an S3 bucket
type S3Storage struct {
	client s3API
	cfg    S3Config
	logger *zap.Logger
}

// NewS3Storage builds a client from cfg. Static credentials are used when
// given, otherwise the default AWS credential chain.
func NewS3Storage(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3Storage(client, cfg, logger), nil
}

func newS3Storage(client s3API, cfg S3Config, logger *zap.Logger) *S3Storage {
	return &S3Storage{client: client, cfg: cfg, logger: logger.Named("s3-storage")}
}

// CheckBucket verifies the bucket is reachable
func (s *S3Storage) CheckBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s is not reachable: %w", s.cfg.Bucket, err)
	}
	s.logger.Info("Bucket is reachable", zap.String("bucket", s.cfg.Bucket))
	return nil
}

func (s *S3Storage) objectKey(key string) string {
	return s.cfg.Prefix + key
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if s.cfg.ServerSideEncryption != "" {
		in.ServerSideEncryption = types.ServerSideEncryption(s.cfg.ServerSideEncryption)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		s.logger.Error("Failed to upload object",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.logger.Info("Object uploaded",
		zap.String("key", key),
		zap.Int("size", len(data)))
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}
