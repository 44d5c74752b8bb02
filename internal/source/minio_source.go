package source

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"deepzoom/internal/tileid"
)

// MinioSource reads pre-rendered tiles from MinIO or another S3-compatible
// store, using the same key layout as S3Source.
type MinioSource struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

func NewMinioClient(cfg MinioConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return client, nil
}

func NewMinioSource(client *minio.Client, bucket, prefix string, logger *zap.Logger) *MinioSource {
	return &MinioSource{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

func (s *MinioSource) Key(id tileid.Identifier, format tileid.TileFormat) string {
	return objectKey(s.prefix, id, format)
}

func (s *MinioSource) Fetch(ctx context.Context, id tileid.Identifier, format tileid.TileFormat) ([]byte, error) {
	key := s.Key(id, format)

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapError(key, err)
	}

	s.logger.Debug("Fetched tile", zap.String("bucket", s.bucket), zap.String("key", key), zap.Int("bytes", len(data)))
	return data, nil
}

func (s *MinioSource) mapError(key string, err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, s.bucket, key)
	}
	return fmt.Errorf("failed to get %s/%s: %w", s.bucket, key, err)
}
