package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewCache creates a cache instance based on the cache type
func NewCache(cacheType, cacheFileDir string, cacheMemoryTiles int, rawCodec Codec, log *zap.Logger) (Cache, error) {
	switch cacheType {
	case "memory":
		log.Info("Using memory cache", zap.Int("max_tiles", cacheMemoryTiles))
		return NewMemoryCache(cacheMemoryTiles), nil
	case "file":
		codecName := "none"
		if rawCodec != nil {
			codecName = rawCodec.Name()
		}
		log.Info("Using file cache", zap.String("cache_dir", cacheFileDir), zap.String("raw_compression", codecName))
		return NewFileCache(cacheFileDir, rawCodec)
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, file, disabled)", cacheType)
	}
}
