package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dpm-go/internal/config"
	"dpm-go/internal/dpm"
)

// s3Getter is the read half of the S3 client.
type s3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// s3Uploader is the write half; manager.Uploader switches to multipart
// uploads for large blobs.
type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archive stores blobs as objects under <prefix>/<blob path>.
type S3Archive struct {
	bucket   string
	prefix   string
	getter   s3Getter
	uploader s3Uploader
}

var _ dpm.Archive = (*S3Archive)(nil)

// NewS3Archive builds an S3 client from the archive config.
func NewS3Archive(ctx context.Context, cfg config.ArchiveConfig) (*S3Archive, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 archive requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Archive(cfg.S3Bucket, cfg.S3Prefix, client, manager.NewUploader(client)), nil
}

func newS3Archive(bucket, prefix string, getter s3Getter, uploader s3Uploader) *S3Archive {
	return &S3Archive{bucket: bucket, prefix: prefix, getter: getter, uploader: uploader}
}

func (a *S3Archive) key(filename string, version dpm.Version) string {
	return path.Join(a.prefix, BlobPath(filename, version))
}

func (a *S3Archive) Put(ctx context.Context, filename string, version dpm.Version, data []byte) error {
	key := a.key(filename, version)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

func (a *S3Archive) Get(ctx context.Context, filename string, version dpm.Version) ([]byte, error) {
	key := a.key(filename, version)
	out, err := a.getter.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, &dpm.NotFoundError{Path: filename, Version: dpm.VersionPtr(version)}
		}
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", a.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", a.bucket, key, err)
	}
	return data, nil
}
