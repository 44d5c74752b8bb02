package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"deepzoom/internal/image_list"
	"deepzoom/internal/tileid"
)

// ImageCatalog lists the images the tile server knows.
type ImageCatalog interface {
	GetImages() []image_list.ImageInfo
	GetImageByID(id string) (image_list.ImageInfo, error)
}

// TileRenderer renders one tile in the requested format and returns it
// with its ETag.
type TileRenderer interface {
	RenderRegion(tile tileid.Tile, format tileid.TileFormat) ([]byte, string, error)
}

// Handlers serve the tile server API.
type Handlers struct {
	logger   *zap.Logger
	scanner  ImageCatalog
	renderer TileRenderer
	tileSize int
}

func New(logger *zap.Logger, scanner ImageCatalog, renderer TileRenderer, tileSize int) *Handlers {
	return &Handlers{
		logger:   logger,
		scanner:  scanner,
		renderer: renderer,
		tileSize: tileSize,
	}
}

// Routes registers the tile server endpoints.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/tiles/", h.HandleTile)
	mux.HandleFunc("/api/images", h.HandleImages)
	mux.HandleFunc("/api/images/", h.HandleImageRoutes)
	mux.HandleFunc("/healthz", HandleHealthz)
	return mux
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, h.scanner.GetImages())
}

func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleImageRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/images/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 2 && parts[1] == "meta" {
		h.handleImageMeta(w, r, parts[0])
		return
	}
	http.NotFound(w, r)
}

type imageMeta struct {
	ID       string   `json:"id"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	TileSize int      `json:"tileSize"`
	MaxLevel int      `json:"maxLevel"`
	Bytes    int64    `json:"bytes"`
	Formats  []string `json:"formats"`
}

func (h *Handlers) handleImageMeta(w http.ResponseWriter, r *http.Request, imageID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	info, err := h.scanner.GetImageByID(imageID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, imageMeta{
		ID:       info.ID,
		Width:    info.Width,
		Height:   info.Height,
		TileSize: h.tileSize,
		MaxLevel: info.Grid(h.tileSize).MaxLevel(),
		Bytes:    info.Bytes,
		Formats:  []string{"png", "jpg", "raw"},
	})
}

// HandleTile serves GET /tiles/<identifier>[&format=png|jpg|raw]. The format
// may also come as a query parameter.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/tiles/")
	id, formatValue := splitFormat(raw)
	if q := r.URL.Query().Get("format"); q != "" {
		formatValue = q
	}

	format, err := tileid.ParseTileFormat(formatValue)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tile, err := tileid.Parse(tileid.Identifier(id))
	if err == nil {
		err = tile.Validate(h.tileSize)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, etag, err := h.renderer.RenderRegion(tile, format)
	if err != nil {
		if errors.Is(err, image_list.ErrNotFound) || errors.Is(err, tileid.ErrOutOfBounds) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to render tile", zap.String("id", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == `"`+etag+`"` {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", `"`+etag+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Header().Set("X-Tile-Bytes", fmt.Sprintf("%d", len(data)))
	w.Header().Set("Content-Type", format.ContentType())

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(data)
}

// splitFormat removes a trailing "&format=" parameter from an identifier.
func splitFormat(raw string) (string, string) {
	parts := strings.Split(raw, "&")
	kept := parts[:0]
	format := ""
	for _, p := range parts {
		if v, ok := strings.CutPrefix(p, "format="); ok {
			format = v
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&"), format
}
