package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"deepzoom/internal/cache"
	"deepzoom/internal/config"
	"deepzoom/internal/decode"
	"deepzoom/internal/gpu"
	httphandlers "deepzoom/internal/http"
	"deepzoom/internal/loader"
	"deepzoom/internal/logger"
	"deepzoom/internal/source"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Tile loader failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	format := cfg.TileFormat()

	store, err := newDiskCache(cfg, log)
	if err != nil {
		return err
	}

	src, err := source.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	device := gpu.NewSoftDevice()
	l := loader.New(loader.Options{
		Format:        format,
		SaveTexture:   cfg.SaveTexture,
		MemoryBudget:  cfg.MemoryBudgetBytes(),
		EvictionFloor: cfg.EvictionFloor,
		EvictionBatch: cfg.EvictionBatch,
	}, loader.Deps{
		Cache:   store,
		Source:  src,
		Decoder: decode.New(cfg.TileSize),
		Device:  device,
		Logger:  log,
	})

	grid, hasGrid := cfg.Grid()
	control := httphandlers.NewControl(log, l, format, grid, hasGrid)
	control.SnapshotMaxPixels = cfg.SnapshotMaxPx
	middleware := httphandlers.NewMiddleware(log, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ControlPort),
		Handler: middleware.Wrap(control.Routes()),
	}

	log.Info("Starting tile loader",
		zap.Int("control_port", cfg.ControlPort),
		zap.String("source", cfg.TileSource),
		zap.String("format", string(format)),
		zap.Bool("save_texture", cfg.SaveTexture),
		zap.Uint64("memory_budget_bytes", cfg.MemoryBudgetBytes()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down tile loader...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	if hasGrid && cfg.PreloadLevels > 0 && cfg.SaveTexture {
		g.Go(func() error {
			preloadLevels(gctx, l, control, grid, cfg.PreloadLevels, log)
			return nil
		})
	}

	err = g.Wait()

	l.CancelPreload()
	l.Close()
	if relErr := l.ReleaseAll(); relErr != nil {
		log.Warn("Texture release reported errors", zap.Error(relErr))
	}
	log.Info("Tile loader stopped", zap.Int("live_textures", device.Live()))
	return err
}

func newDiskCache(cfg *config.Config, log *zap.Logger) (cache.Cache, error) {
	if !cfg.SaveTexture {
		log.Info("Disk cache disabled")
		return cache.NewNoopCache(), nil
	}
	codec, err := cache.NewCodec(cfg.RawCompression, cfg.RawTileBytes())
	if err != nil {
		return nil, err
	}
	log.Info("Using disk cache", zap.String("dir", cfg.LoaderCacheDir), zap.String("raw_compression", codec.Name()))
	return cache.NewFileCache(cfg.LoaderCacheDir, codec)
}

// preloadLevels warms the disk cache with the coarsest levels, one level at
// a time, starting with the smallest.
func preloadLevels(ctx context.Context, l *loader.Loader, control *httphandlers.Control, grid tileid.Grid, levels int, log *zap.Logger) {
	maxLevel := grid.MaxLevel()
	first := max(maxLevel-levels+1, 0)

	for level := maxLevel; level >= first; level-- {
		sweep, err := l.PreloadLevel(ctx, grid, level)
		if err != nil {
			log.Warn("Preload failed to start", zap.Int("level", level), zap.Error(err))
			return
		}
		control.TrackSweep(sweep)

		if err := sweep.Wait(ctx); err != nil {
			return
		}
		if missing := sweep.Missing(); len(missing) > 0 {
			log.Warn("Level preload incomplete", zap.Int("level", level), zap.Int("missing", len(missing)))
		}
	}
}
