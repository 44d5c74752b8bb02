package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"deepzoom/internal/compose"
	"deepzoom/internal/gpu"
	"deepzoom/internal/loader"
	"deepzoom/internal/tileid"
)

// TileLoader is the part of the loader the control API drives.
type TileLoader interface {
	TextureReady(id tileid.Identifier) bool
	SetTextureResource(stage gpu.PixelStage, id tileid.Identifier)
	LoadTexture(ctx context.Context, id tileid.Identifier) error
	PreloadLevel(ctx context.Context, grid tileid.Grid, level int) (*loader.Sweep, error)
	CancelPreload()
	ClearCache(ctx context.Context) error
	DeleteCacheFile(ctx context.Context, id tileid.Identifier, format tileid.TileFormat) error
	ReleaseAll() error
	Stats() loader.Stats
}

// DefaultSnapshotMaxPixels bounds the canvas a snapshot may allocate.
const DefaultSnapshotMaxPixels = 8192 * 8192

// Control is the status and control API of the tile loader daemon.
type Control struct {
	// SnapshotMaxPixels is the largest level area HandleSnapshot composes.
	SnapshotMaxPixels int

	logger  *zap.Logger
	loader  TileLoader
	format  tileid.TileFormat
	grid    tileid.Grid
	hasGrid bool

	mu     sync.Mutex
	sweeps map[int]*loader.Sweep
}

// NewControl builds the control API. grid is used for level preloads and
// snapshots; pass ok=false when no image is configured.
func NewControl(logger *zap.Logger, l TileLoader, format tileid.TileFormat, grid tileid.Grid, ok bool) *Control {
	return &Control{
		SnapshotMaxPixels: DefaultSnapshotMaxPixels,
		logger:            logger,
		loader:            l,
		format:            format,
		grid:              grid,
		hasGrid:           ok,
		sweeps:            make(map[int]*loader.Sweep),
	}
}

func (c *Control) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", c.HandleStatus)
	mux.HandleFunc("/api/tiles/ready", c.HandleReady)
	mux.HandleFunc("/api/tiles/load", c.HandleLoad)
	mux.HandleFunc("/api/preload", c.HandlePreload)
	mux.HandleFunc("/api/cache/clear", c.HandleClearCache)
	mux.HandleFunc("/api/cache", c.HandleDeleteCacheFile)
	mux.HandleFunc("/api/device/release", c.HandleRelease)
	mux.HandleFunc("/api/snapshot", c.HandleSnapshot)
	mux.HandleFunc("/healthz", HandleHealthz)
	return mux
}

// TrackSweep records a sweep started outside the API so that status
// reports it.
func (c *Control) TrackSweep(s *loader.Sweep) {
	c.mu.Lock()
	c.sweeps[s.Level] = s
	c.mu.Unlock()
}

type sweepStatus struct {
	Level    int    `json:"level"`
	Total    int    `json:"total"`
	Done     uint64 `json:"done"`
	Failed   uint64 `json:"failed"`
	Finished bool   `json:"finished"`
}

func statusOf(s *loader.Sweep) sweepStatus {
	return sweepStatus{
		Level:    s.Level,
		Total:    s.Total(),
		Done:     s.Done(),
		Failed:   s.Failed(),
		Finished: s.Finished(),
	}
}

type statusResponse struct {
	Loader loader.Stats  `json:"loader"`
	Format string        `json:"format"`
	Image  string        `json:"image,omitempty"`
	Sweeps []sweepStatus `json:"sweeps"`
}

func (c *Control) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	resp := statusResponse{
		Loader: c.loader.Stats(),
		Format: c.format.QueryValue(),
		Sweeps: []sweepStatus{},
	}
	if c.hasGrid {
		resp.Image = c.grid.Image
	}

	c.mu.Lock()
	for _, s := range c.sweeps {
		resp.Sweeps = append(resp.Sweeps, statusOf(s))
	}
	c.mu.Unlock()
	sort.Slice(resp.Sweeps, func(i, j int) bool { return resp.Sweeps[i].Level < resp.Sweeps[j].Level })

	writeJSON(w, http.StatusOK, resp)
}

type readyResponse struct {
	ID    string `json:"id"`
	Ready bool   `json:"ready"`
}

func (c *Control) HandleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{ID: string(id), Ready: c.loader.TextureReady(id)})
}

// HandleLoad requests a tile and waits for its fetch. Fetch failures are not
// errors; the response reports whether the tile became resident.
func (c *Control) HandleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	if err := c.loader.LoadTexture(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{ID: string(id), Ready: c.loader.TextureReady(id)})
}

func (c *Control) HandlePreload(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		c.startPreload(w, r)
	case http.MethodDelete:
		c.loader.CancelPreload()
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (c *Control) startPreload(w http.ResponseWriter, r *http.Request) {
	if !c.hasGrid {
		http.Error(w, "no image configured", http.StatusConflict)
		return
	}
	level, ok := requireLevel(w, r)
	if !ok {
		return
	}

	// The sweep outlives the request.
	sweep, err := c.loader.PreloadLevel(context.WithoutCancel(r.Context()), c.grid, level)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.TrackSweep(sweep)

	writeJSON(w, http.StatusAccepted, statusOf(sweep))
}

func (c *Control) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := c.loader.ClearCache(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Control) HandleDeleteCacheFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	id, ok := requireID(w, r)
	if !ok {
		return
	}

	format := c.format
	if v := r.URL.Query().Get("format"); v != "" {
		f, err := tileid.ParseTileFormat(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		format = f
	}

	if err := c.loader.DeleteCacheFile(r.Context(), id, format); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Control) HandleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := c.loader.ReleaseAll(); err != nil {
		c.logger.Warn("Release reported errors", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSnapshot composes the resident tiles of a level into one image.
func (c *Control) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !c.hasGrid {
		http.Error(w, "no image configured", http.StatusConflict)
		return
	}
	level, ok := requireLevel(w, r)
	if !ok {
		return
	}
	if level > c.grid.MaxLevel() {
		http.Error(w, "level out of range", http.StatusBadRequest)
		return
	}
	format := r.URL.Query().Get("format")
	if err := compose.CheckFormat(format); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	width, height := c.grid.LevelSize(level)
	if int64(width)*int64(height) > int64(c.SnapshotMaxPixels) {
		http.Error(w, fmt.Sprintf("level %d is %dx%d, above the %d pixel snapshot limit; use a coarser level",
			level, width, height, c.SnapshotMaxPixels), http.StatusBadRequest)
		return
	}

	canvas := compose.Mosaic(c.loader, c.grid, level)

	var buf bytes.Buffer
	if err := canvas.Encode(&buf, format); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", compose.ContentType(format))
	w.Header().Set("X-Tiles-Drawn", strconv.Itoa(canvas.Drawn()))
	w.Write(buf.Bytes())
}

func requireID(w http.ResponseWriter, r *http.Request) (tileid.Identifier, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return "", false
	}
	return tileid.Identifier(id), true
}

func requireLevel(w http.ResponseWriter, r *http.Request) (int, bool) {
	level, err := strconv.Atoi(r.URL.Query().Get("level"))
	if err != nil || level < 0 {
		http.Error(w, "invalid level", http.StatusBadRequest)
		return 0, false
	}
	return level, true
}
