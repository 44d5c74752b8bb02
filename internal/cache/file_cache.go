package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"deepzoom/internal/tileid"
)

// FileCache implements file-based cache
// Structure: {cacheDir}/{identifier}.{PNG|JPG|RAW}
//
// There is no index: the directory itself is the lookup structure.
type FileCache struct {
	mu       sync.RWMutex
	cacheDir string
	rawCodec Codec
}

func NewFileCache(cacheDir string, rawCodec Codec) (*FileCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if rawCodec == nil {
		rawCodec = noneCodec{}
	}

	return &FileCache{
		cacheDir: cacheDir,
		rawCodec: rawCodec,
	}, nil
}

var fileNameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_")

// FileName is the name a key is stored under inside the cache directory.
func FileName(key Key) string {
	return fileNameReplacer.Replace(string(key.ID)) + "." + key.Format.Ext()
}

// Path returns the full path of the file backing key.
func (c *FileCache) Path(key Key) string {
	return filepath.Join(c.cacheDir, FileName(key))
}

func (c *FileCache) Dir() string {
	return c.cacheDir
}

func (c *FileCache) Has(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := os.Stat(c.Path(key))
	return err == nil
}

func (c *FileCache) Get(key Key) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if key.Format == tileid.RAW {
		return c.rawCodec.Decode(data)
	}
	return data, nil
}

func (c *FileCache) Set(key Key, value []byte) error {
	if key.Format == tileid.RAW {
		encoded, err := c.rawCodec.Encode(value)
		if err != nil {
			return fmt.Errorf("failed to encode raw tile: %w", err)
		}
		value = encoded
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	filePath := c.Path(key)
	if err := os.MkdirAll(c.cacheDir, 0755); err != nil {
		return err
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0644); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (c *FileCache) Delete(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes every file in the cache directory. The directory itself
// is kept.
func (c *FileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return os.MkdirAll(c.cacheDir, 0755)
		}
		return err
	}

	var errs error
	for _, e := range entries {
		errs = multierr.Append(errs, os.RemoveAll(filepath.Join(c.cacheDir, e.Name())))
	}
	return errs
}

// Len counts stored tiles.
func (c *FileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && !strings.HasSuffix(e.Name(), ".tmp") {
			n++
		}
	}
	return n
}
