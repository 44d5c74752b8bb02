package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"deepzoom/internal/tileid"
)

// S3Source reads pre-rendered tiles from an S3 bucket laid out as
// {prefix}/{identifier}.{PNG|JPG|RAW}.
type S3Source struct {
	downloader *manager.Downloader
	bucket     string
	prefix     string
	logger     *zap.Logger
}

type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint (S3-compatible stores). Path-style
	// addressing is used when it is set.
	Endpoint string
}

// NewS3Client builds a client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3Source(client *s3.Client, bucket, prefix string, logger *zap.Logger) *S3Source {
	return &S3Source{
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			// Tiles are small; one part is enough.
			d.Concurrency = 1
		}),
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

func (s *S3Source) Key(id tileid.Identifier, format tileid.TileFormat) string {
	return objectKey(s.prefix, id, format)
}

func (s *S3Source) Fetch(ctx context.Context, id tileid.Identifier, format tileid.TileFormat) ([]byte, error) {
	key := s.Key(id, format)
	buf := manager.NewWriteAtBuffer(nil)

	n, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.bucket, key)
		}
		return nil, fmt.Errorf("failed to download s3://%s/%s: %w", s.bucket, key, err)
	}

	s.logger.Debug("Fetched tile", zap.String("bucket", s.bucket), zap.String("key", key), zap.Int64("bytes", n))
	return buf.Bytes()[:n], nil
}
