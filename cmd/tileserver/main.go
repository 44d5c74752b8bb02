package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"deepzoom/internal/cache"
	"deepzoom/internal/config"
	httphandlers "deepzoom/internal/http"
	"deepzoom/internal/image_list"
	"deepzoom/internal/image_renderer"
	"deepzoom/internal/logger"
	"deepzoom/internal/tileid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	log.Info("Starting tile server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("tile_size", cfg.TileSize),
	)

	scanner := image_list.New(cfg.DataDir, image_renderer.VipsProber{}, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	rawCodec, err := cache.NewCodec(cfg.RawCompression, cfg.RawTileBytes())
	if err != nil {
		log.Fatal("Invalid raw compression", zap.Error(err))
	}
	tileCache, err := cache.NewCache(cfg.CacheType, cfg.CacheFileDir, cfg.CacheMemoryTiles, rawCodec, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	renderer := image_renderer.New(scanner, tileCache, log)

	handlers := httphandlers.New(log, scanner, renderer, cfg.TileSize)
	middleware := httphandlers.NewMiddleware(log, cfg.AllowedOrigin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.WarmupLevels > 0 {
		go warmupTiles(ctx, cfg.WarmupLevels, cfg.WarmupWorkers, cfg.TileSize, scanner, renderer, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: middleware.Wrap(handlers.Routes()),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}

// warmupTiles renders the coarsest levels of every image, which every
// viewer requests first.
func warmupTiles(ctx context.Context, levels, workerLimit, tileSize int, scanner *image_list.Scanner, renderer *image_renderer.Renderer, log *zap.Logger) {
	images := scanner.GetImages()
	if len(images) == 0 {
		return
	}

	log.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("images", len(images)))

	if workerLimit <= 0 {
		workerLimit = 1
	}

	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup

	for _, img := range images {
		grid := img.Grid(tileSize)
		maxLevel := grid.MaxLevel()
		first := max(maxLevel-levels+1, 0)

		for level := maxLevel; level >= first; level-- {
			for _, id := range grid.Tiles(level) {
				select {
				case <-ctx.Done():
					wg.Wait()
					return
				case workerChan <- struct{}{}:
				}

				wg.Add(1)
				go func(id tileid.Identifier) {
					defer wg.Done()
					defer func() { <-workerChan }()

					tile, err := tileid.Parse(id)
					if err == nil {
						_, _, err = renderer.RenderRegion(tile, tileid.PNG)
					}
					if err != nil {
						log.Debug("Warmup tile failed", zap.String("id", string(id)), zap.Error(err))
					}
				}(id)
			}
		}
	}

	wg.Wait()
	log.Info("Tile warmup completed")
}
