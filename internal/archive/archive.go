// Package archive uploads downloaded parts to S3 or an S3-compatible store.
package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"libbyfetch/internal/config"
	"libbyfetch/internal/fault"
)

// PutObjectAPI is the subset of the S3 client used here.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader publishes files under bucket/prefix/<stem>/.
type Uploader struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates an uploader over an existing client.
func New(client PutObjectAPI, bucket, prefix string, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("archive"),
	}
}

// NewS3 builds an uploader using the AWS default credential chain (env vars,
// shared config, IAM role).
func NewS3(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fault.Errorf("archive", fault.KindConfig, "S3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fault.New("archive", fault.KindConfig, fmt.Errorf("failed to load AWS config: %w", err))
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return New(s3.NewFromConfig(awsConfig, s3Opts...), cfg.Bucket, cfg.Prefix, logger), nil
}

// Key returns the object key for a local file of a title.
func (u *Uploader) Key(stem, file string) string {
	return path.Join(u.prefix, stem, filepath.Base(file))
}

// Upload puts every file. Local files are never removed.
func (u *Uploader) Upload(ctx context.Context, stem string, files []string) ([]string, error) {
	keys := make([]string, 0, len(files))
	for _, file := range files {
		key := u.Key(stem, file)
		if err := u.put(ctx, key, file); err != nil {
			return keys, fault.New("archive", fault.KindArchive, fmt.Errorf("s3://%s/%s: %w", u.bucket, key, err))
		}
		u.logger.Info("uploaded part", zap.String("bucket", u.bucket), zap.String("key", key))
		keys = append(keys, key)
	}
	return keys, nil
}

func (u *Uploader) put(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("audio/mpeg"),
	})
	return err
}
