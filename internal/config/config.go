package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"deepzoom/internal/tileid"
)

// Config is shared by the tile server and the tile loader. Values come from
// defaults, then the optional CONFIG_FILE (TOML or YAML), then the
// environment.
type Config struct {
	// Tile server
	Port             int    `toml:"port" yaml:"port"`
	DataDir          string `toml:"data_dir" yaml:"data_dir"`
	WarmupLevels     int    `toml:"warmup_levels" yaml:"warmup_levels"`
	WarmupWorkers    int    `toml:"warmup_workers" yaml:"warmup_workers"`
	CacheType        string `toml:"cache" yaml:"cache"`
	CacheMemoryTiles int    `toml:"cache_memory_tiles" yaml:"cache_memory_tiles"`
	CacheFileDir     string `toml:"cache_file_dir" yaml:"cache_file_dir"`
	VipsMaxCacheMB   int    `toml:"vips_max_cache_mb" yaml:"vips_max_cache_mb"`
	VipsConcurrency  int    `toml:"vips_concurrency" yaml:"vips_concurrency"`
	AllowedOrigin    string `toml:"allowed_origin" yaml:"allowed_origin"`

	LogLevel    string `toml:"log_level" yaml:"log_level"`
	LogEncoding string `toml:"log_encoding" yaml:"log_encoding"`

	// Tile loader
	ControlPort    int     `toml:"control_port" yaml:"control_port"`
	TileSource     string  `toml:"tile_source" yaml:"tile_source"`
	TileServerURL  string  `toml:"tile_server_url" yaml:"tile_server_url"`
	S3Bucket       string  `toml:"s3_bucket" yaml:"s3_bucket"`
	S3Prefix       string  `toml:"s3_prefix" yaml:"s3_prefix"`
	S3Region       string  `toml:"s3_region" yaml:"s3_region"`
	S3Endpoint     string  `toml:"s3_endpoint" yaml:"s3_endpoint"`
	MinioEndpoint  string  `toml:"minio_endpoint" yaml:"minio_endpoint"`
	MinioAccessKey string  `toml:"minio_access_key" yaml:"minio_access_key"`
	MinioSecretKey string  `toml:"minio_secret_key" yaml:"minio_secret_key"`
	MinioBucket    string  `toml:"minio_bucket" yaml:"minio_bucket"`
	MinioSecure    bool    `toml:"minio_secure" yaml:"minio_secure"`
	ImageID        string  `toml:"image_id" yaml:"image_id"`
	ImageWidth     int     `toml:"image_width" yaml:"image_width"`
	ImageHeight    int     `toml:"image_height" yaml:"image_height"`
	TileSize       int     `toml:"tile_size" yaml:"tile_size"`
	UsePNG         bool    `toml:"use_png" yaml:"use_png"`
	UseJpeg        bool    `toml:"use_jpeg" yaml:"use_jpeg"`
	DownloadRaw    bool    `toml:"download_raw" yaml:"download_raw"`
	SaveTexture    bool    `toml:"save_texture" yaml:"save_texture"`
	LoaderCacheDir string  `toml:"loader_cache_dir" yaml:"loader_cache_dir"`
	RawCompression string  `toml:"raw_compression" yaml:"raw_compression"`
	MemoryBudgetMB int     `toml:"memory_budget_mb" yaml:"memory_budget_mb"`
	EvictionFloor  int     `toml:"eviction_floor" yaml:"eviction_floor"`
	EvictionBatch  int     `toml:"eviction_batch" yaml:"eviction_batch"`
	FetchRate      float64 `toml:"fetch_rate" yaml:"fetch_rate"`
	FetchTimeoutMS int     `toml:"fetch_timeout_ms" yaml:"fetch_timeout_ms"`
	PreloadLevels  int     `toml:"preload_levels" yaml:"preload_levels"`
	SnapshotMaxPx  int     `toml:"snapshot_max_pixels" yaml:"snapshot_max_pixels"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:             8080,
		DataDir:          "/data",
		WarmupLevels:     1,
		WarmupWorkers:    1,
		CacheType:        "memory",
		CacheMemoryTiles: 2000,
		VipsMaxCacheMB:   256,
		VipsConcurrency:  1,
		LogLevel:         "info",
		LogEncoding:      "json",

		ControlPort:    8081,
		TileSource:     "http",
		TileServerURL:  "http://localhost:8080/tiles/",
		S3Region:       "us-east-1",
		TileSize:       256,
		UsePNG:         true,
		SaveTexture:    true,
		LoaderCacheDir: "~/.cache/deepzoom",
		RawCompression: "zstd",
		MemoryBudgetMB: 900,
		EvictionFloor:  200,
		EvictionBatch:  100,
		FetchTimeoutMS: 30000,
		SnapshotMaxPx:  8192 * 8192,
	}
}

// Load builds the configuration from defaults, CONFIG_FILE and environment
// variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the values set in a TOML or YAML file.
func (c *Config) LoadFile(path string) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("config: expand %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		return fmt.Errorf("config: unsupported file type: %s", path)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnvInt("PORT", c.Port)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.WarmupLevels = getEnvInt("WARMUP_LEVELS", c.WarmupLevels)
	c.WarmupWorkers = getEnvInt("WARMUP_WORKERS", c.WarmupWorkers)
	c.CacheType = getEnv("CACHE", c.CacheType)
	c.CacheMemoryTiles = getEnvInt("CACHE_MEMORY_TILES", c.CacheMemoryTiles)
	c.CacheFileDir = getEnv("CACHE_FILE_DIR", c.CacheFileDir)
	c.VipsMaxCacheMB = getEnvInt("VIPS_MAX_CACHE_MB", c.VipsMaxCacheMB)
	c.VipsConcurrency = getEnvInt("VIPS_CONCURRENCY", c.VipsConcurrency)
	c.AllowedOrigin = getEnv("ALLOWED_ORIGIN", c.AllowedOrigin)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogEncoding = getEnv("LOG_ENCODING", c.LogEncoding)

	c.ControlPort = getEnvInt("CONTROL_PORT", c.ControlPort)
	c.TileSource = getEnv("TILE_SOURCE", c.TileSource)
	c.TileServerURL = getEnv("TILE_SERVER_URL", c.TileServerURL)
	c.S3Bucket = getEnv("S3_BUCKET", c.S3Bucket)
	c.S3Prefix = getEnv("S3_PREFIX", c.S3Prefix)
	c.S3Region = getEnv("S3_REGION", c.S3Region)
	c.S3Endpoint = getEnv("S3_ENDPOINT", c.S3Endpoint)
	c.MinioEndpoint = getEnv("MINIO_ENDPOINT", c.MinioEndpoint)
	c.MinioAccessKey = getEnv("MINIO_ACCESS_KEY", c.MinioAccessKey)
	c.MinioSecretKey = getEnv("MINIO_SECRET_KEY", c.MinioSecretKey)
	c.MinioBucket = getEnv("MINIO_BUCKET", c.MinioBucket)
	c.MinioSecure = getEnvBool("MINIO_SECURE", c.MinioSecure)
	c.ImageID = getEnv("IMAGE_ID", c.ImageID)
	c.ImageWidth = getEnvInt("IMAGE_WIDTH", c.ImageWidth)
	c.ImageHeight = getEnvInt("IMAGE_HEIGHT", c.ImageHeight)
	c.TileSize = getEnvInt("TILE_SIZE", c.TileSize)
	c.UsePNG = getEnvBool("USE_PNG", c.UsePNG)
	c.UseJpeg = getEnvBool("USE_JPEG", c.UseJpeg)
	c.DownloadRaw = getEnvBool("DOWNLOAD_RAW", c.DownloadRaw)
	c.SaveTexture = getEnvBool("SAVE_TEXTURE", c.SaveTexture)
	c.LoaderCacheDir = getEnv("LOADER_CACHE_DIR", c.LoaderCacheDir)
	c.RawCompression = getEnv("RAW_COMPRESSION", c.RawCompression)
	c.MemoryBudgetMB = getEnvInt("MEMORY_BUDGET_MB", c.MemoryBudgetMB)
	c.EvictionFloor = getEnvInt("EVICTION_FLOOR", c.EvictionFloor)
	c.EvictionBatch = getEnvInt("EVICTION_BATCH", c.EvictionBatch)
	c.FetchRate = getEnvFloat("FETCH_RATE", c.FetchRate)
	c.FetchTimeoutMS = getEnvInt("FETCH_TIMEOUT_MS", c.FetchTimeoutMS)
	c.PreloadLevels = getEnvInt("PRELOAD_LEVELS", c.PreloadLevels)
	c.SnapshotMaxPx = getEnvInt("SNAPSHOT_MAX_PIXELS", c.SnapshotMaxPx)
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.DataDir, &c.CacheFileDir, &c.LoaderCacheDir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("config: expand %s: %w", *p, err)
		}
		*p = expanded
	}
	if c.CacheFileDir == "" {
		c.CacheFileDir = filepath.Join(c.DataDir, "cache")
	}
	return nil
}

// TileFormat resolves the UsePNG/UseJpeg/DownloadRaw flags.
func (c *Config) TileFormat() tileid.TileFormat {
	return tileid.FormatFromFlags(c.UsePNG, c.UseJpeg, c.DownloadRaw)
}

// Grid describes the configured image, or false when its dimensions are
// unknown.
func (c *Config) Grid() (tileid.Grid, bool) {
	g := tileid.Grid{
		Image:    c.ImageID,
		Width:    c.ImageWidth,
		Height:   c.ImageHeight,
		TileSize: c.TileSize,
	}
	return g, g.Image != "" && g.Width > 0 && g.Height > 0 && g.TileSize > 0
}

// MemoryBudgetBytes is the eviction threshold in bytes.
func (c *Config) MemoryBudgetBytes() uint64 {
	if c.MemoryBudgetMB <= 0 {
		return 0
	}
	return uint64(c.MemoryBudgetMB) * 1024 * 1024
}

// RawTileBytes is the size of one decoded RGBA tile.
func (c *Config) RawTileBytes() int {
	return c.TileSize * c.TileSize * 4
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
