package image_list

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"deepzoom/internal/tileid"
)

var ErrNotFound = errors.New("image not found")

type ImageInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
}

// Grid is the tile pyramid of the image.
func (i ImageInfo) Grid(tileSize int) tileid.Grid {
	return tileid.Grid{Image: i.ID, Width: i.Width, Height: i.Height, TileSize: tileSize}
}

// Prober reads the pixel dimensions of an image file.
type Prober interface {
	Dimensions(path string) (width, height int, err error)
}

// HeaderProber reads dimensions from the file header with the standard
// image decoders. It serves tests and hosts without libvips.
type HeaderProber struct{}

func (HeaderProber) Dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// Scanner keeps the catalogue of source images in the data directory. Every
// image is renamed to <uuid>.<ext> on first sight and described by a
// <uuid>.json sidecar.
type Scanner struct {
	dataDir string
	prober  Prober
	logger  *zap.Logger

	mu     sync.RWMutex
	images []ImageInfo
}

var extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

func New(dataDir string, prober Prober, logger *zap.Logger) *Scanner {
	if prober == nil {
		prober = HeaderProber{}
	}
	return &Scanner{
		dataDir: dataDir,
		prober:  prober,
		logger:  logger,
		images:  []ImageInfo{},
	}
}

func (s *Scanner) Scan() error {
	if err := s.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	images := []ImageInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		if !extensions[ext] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		jsonPath := s.getFilePath(basename + ".json")

		var imageInfo *ImageInfo
		if _, err := os.Stat(jsonPath); err != nil {
			imageInfo, err = s.migrate(path, ext, info)
			if err != nil {
				s.logger.Warn("Failed to register image", zap.String("path", path), zap.Error(err))
				continue
			}
		} else {
			imageInfo, err = s.loadMetadata(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
		}
		images = append(images, *imageInfo)
	}

	s.mu.Lock()
	s.images = images
	s.mu.Unlock()

	s.logger.Info("Scanned data directory", zap.String("data_dir", s.dataDir), zap.Int("images", len(images)))
	return nil
}

// migrate renames a new image to <uuid>.<ext> and writes its sidecar.
func (s *Scanner) migrate(path, ext string, info os.FileInfo) (*ImageInfo, error) {
	width, height, err := s.prober.Dimensions(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dimensions: %w", err)
	}

	newUUID := uuid.New().String()
	finalPath := s.getFilePath(newUUID + ext)
	if err := os.Rename(path, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}
	s.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

	imageInfo := &ImageInfo{
		ID:               newUUID,
		OriginalFilename: filepath.Base(path),
		CurrentFilename:  filepath.Base(finalPath),
		Width:            width,
		Height:           height,
		Bytes:            info.Size(),
	}

	jsonPath := s.getFilePath(newUUID + ".json")
	if err := s.saveMetadata(jsonPath, imageInfo); err != nil {
		s.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
	} else {
		s.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
	}
	return imageInfo, nil
}

// cleanupOrphanedJSON removes sidecars that are unreadable, name another
// image, or whose image is gone.
func (s *Scanner) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		meta, err := s.loadMetadata(path)
		switch {
		case err != nil:
			s.removeJSON(path, "Deleted invalid JSON file")
		case meta.ID != basename:
			s.logger.Warn("UUID mismatch in JSON",
				zap.String("json_path", path),
				zap.String("filename_uuid", basename),
				zap.String("json_uuid", meta.ID))
			s.removeJSON(path, "Deleted JSON with UUID mismatch")
		default:
			if _, err := os.Stat(s.getFilePath(meta.CurrentFilename)); err != nil {
				s.removeJSON(path, "Deleted orphaned JSON file")
			}
		}
	}

	return nil
}

func (s *Scanner) removeJSON(path, msg string) {
	if err := os.Remove(path); err != nil {
		s.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info(msg, zap.String("path", path))
}

func (s *Scanner) GetImages() []ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ImageInfo, len(s.images))
	copy(out, s.images)
	return out
}

func (s *Scanner) GetImageByID(id string) (ImageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, img := range s.images {
		if img.ID == id {
			return img, nil
		}
	}
	return ImageInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *Scanner) GetImagePathByID(id string) (string, error) {
	img, err := s.GetImageByID(id)
	if err != nil {
		return "", err
	}
	return s.getFilePath(img.CurrentFilename), nil
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadMetadata(path string) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta ImageInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *ImageInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}
