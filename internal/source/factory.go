package source

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"deepzoom/internal/config"
)

// New builds the tile source selected by cfg.TileSource.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (Source, error) {
	switch cfg.TileSource {
	case "http", "":
		log.Info("Using HTTP tile source",
			zap.String("base_url", cfg.TileServerURL),
			zap.Float64("rate_limit", cfg.FetchRate),
		)
		return NewHTTPSource(cfg.TileServerURL, log,
			WithRateLimit(cfg.FetchRate),
			WithTimeout(time.Duration(cfg.FetchTimeoutMS)*time.Millisecond),
		), nil
	case "s3":
		client, err := NewS3Client(ctx, S3Config{
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		log.Info("Using S3 tile source", zap.String("bucket", cfg.S3Bucket), zap.String("prefix", cfg.S3Prefix))
		return NewS3Source(client, cfg.S3Bucket, cfg.S3Prefix, log), nil
	case "minio":
		client, err := NewMinioClient(MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Secure:    cfg.MinioSecure,
		})
		if err != nil {
			return nil, err
		}
		log.Info("Using MinIO tile source", zap.String("endpoint", cfg.MinioEndpoint), zap.String("bucket", cfg.MinioBucket))
		return NewMinioSource(client, cfg.MinioBucket, cfg.S3Prefix, log), nil
	default:
		return nil, fmt.Errorf("unknown tile source: %s (supported: http, s3, minio)", cfg.TileSource)
	}
}
