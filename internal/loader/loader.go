// Package loader keeps tiles of a pyramidal image resident on the GPU.
//
// Renderers ask for tiles by identifier and poll TextureReady each frame.
// Requests go through a deduplicating FIFO drained by a single fetch
// goroutine: disk cache, then the tile source, then decode and upload.
// Before every upload the eviction policy may release the least recently
// requested textures when the process is over its memory budget. A second,
// independent queue warms the disk cache without touching the GPU.
package loader

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"deepzoom/internal/cache"
	"deepzoom/internal/gpu"
	"deepzoom/internal/source"
	"deepzoom/internal/tileid"
)

const (
	DefaultMemoryBudget  = 900 * 1024 * 1024
	DefaultEvictionFloor = 200
	DefaultEvictionBatch = 100
)

// Textures is what a renderer needs from the loader to draw a tile.
type Textures interface {
	TextureReady(id tileid.Identifier) bool
	SetTextureResource(stage gpu.PixelStage, id tileid.Identifier)
}

// Decoder turns a tile payload into pixels.
type Decoder interface {
	Decode(data []byte, format tileid.TileFormat) (*image.RGBA, error)
}

type Options struct {
	// Format is requested from the source and used as the disk suffix.
	Format tileid.TileFormat
	// SaveTexture enables the disk cache.
	SaveTexture bool
	// MemoryBudget in bytes; zero disables eviction.
	MemoryBudget  uint64
	EvictionFloor int
	EvictionBatch int
}

// DefaultOptions mirrors the values the viewer shipped with.
func DefaultOptions() Options {
	return Options{
		Format:        tileid.PNG,
		SaveTexture:   true,
		MemoryBudget:  DefaultMemoryBudget,
		EvictionFloor: DefaultEvictionFloor,
		EvictionBatch: DefaultEvictionBatch,
	}
}

// Deps are the collaborators of a Loader. Probe and Logger are optional.
type Deps struct {
	Cache   cache.Cache
	Source  source.Source
	Decoder Decoder
	Device  gpu.Device
	Probe   MemoryProbe
	Logger  *zap.Logger
}

type Loader struct {
	opts    Options
	cache   cache.Cache
	source  source.Source
	decoder Decoder
	device  gpu.Device
	probe   MemoryProbe
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    *requestQueue
	table    *textureTable
	recency  *recencyList
	draining bool
	inflight tileid.Identifier

	pmu             sync.Mutex
	preloads        *preloadQueue
	preloadDraining bool
	cancelPreload   atomic.Bool

	flight singleflight.Group
	online atomic.Bool
	stats  counters
}

type counters struct {
	fetches       atomic.Int64
	diskHits      atomic.Int64
	fetchFailures atomic.Int64
	corrupt       atomic.Int64
	uploads       atomic.Int64
	evictions     atomic.Int64
	preloaded     atomic.Int64
}

// Stats is a point-in-time view of the loader, for status displays.
type Stats struct {
	Online         bool   `json:"online"`
	TilesInMemory  int    `json:"tiles_in_memory"`
	ResidentBytes  int64  `json:"resident_bytes"`
	Pending        int    `json:"pending"`
	PreloadPending int    `json:"preload_pending"`
	Tracked        int    `json:"tracked"`
	Fetches        int64  `json:"fetches"`
	DiskHits       int64  `json:"disk_hits"`
	FetchFailures  int64  `json:"fetch_failures"`
	CorruptEntries int64  `json:"corrupt_entries"`
	Uploads        int64  `json:"uploads"`
	Evictions      int64  `json:"evictions"`
	PreloadedTiles int64  `json:"preloaded_tiles"`
	MemoryBudget   uint64 `json:"memory_budget"`
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func New(opts Options, deps Deps) *Loader {
	if opts.Format == "" {
		opts.Format = tileid.PNG
	}
	if deps.Cache == nil || !opts.SaveTexture {
		deps.Cache = cache.NewNoopCache()
	}
	if deps.Probe == nil {
		deps.Probe = RuntimeProbe{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		opts:     opts,
		cache:    deps.Cache,
		source:   deps.Source,
		decoder:  deps.Decoder,
		device:   deps.Device,
		probe:    deps.Probe,
		logger:   deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		queue:    newRequestQueue(),
		table:    newTextureTable(),
		recency:  newRecencyList(),
		preloads: newPreloadQueue(),
	}
	l.online.Store(true)
	return l
}

// Close stops both pipelines and waits for them. Resident textures are left
// alone; call ReleaseAll to free them.
func (l *Loader) Close() {
	l.cancel()
	l.wg.Wait()
}

// RequestLoad asks for id to become resident. The returned channel is
// closed once the identifier leaves the pending queue, whether or not the
// fetch succeeded; it is already closed when id is resident.
func (l *Loader) RequestLoad(id tileid.Identifier) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requestLocked(id)
}

func (l *Loader) requestLocked(id tileid.Identifier) chan struct{} {
	l.recency.touch(id)

	if l.table.has(id) {
		return closedChan
	}
	if r, ok := l.queue.get(id); ok {
		return r.done
	}

	r := l.queue.push(id)
	l.startDrainLocked()
	return r.done
}

// LoadTexture requests id and waits until its fetch finished or ctx is done.
// It reports ctx errors only; fetch failures surface through TextureReady and
// Online.
func (l *Loader) LoadTexture(ctx context.Context, id tileid.Identifier) error {
	return wait(ctx, l.RequestLoad(id))
}

// LoadTextures replaces the pending queue with ids. Tiles that are resident
// or currently being fetched are kept; queued tiles not in ids are dropped.
// It waits for the whole batch.
func (l *Loader) LoadTextures(ctx context.Context, ids []tileid.Identifier) error {
	want := make(map[tileid.Identifier]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	l.mu.Lock()
	dropped := l.queue.retain(func(r *request) bool {
		return want[r.id] || (l.draining && r.id == l.inflight)
	})
	waits := make([]chan struct{}, 0, len(ids))
	for _, id := range ids {
		waits = append(waits, l.requestLocked(id))
	}
	l.mu.Unlock()

	if dropped > 0 {
		l.logger.Debug("Replaced pending tiles", zap.Int("dropped", dropped), zap.Int("batch", len(ids)))
	}

	for _, ch := range waits {
		if err := wait(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TextureReady reports whether id has a resident texture.
func (l *Loader) TextureReady(id tileid.Identifier) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.has(id)
}

// SetTextureResource binds the view of id to slot 0 of stage. The stage is
// left untouched when id is not resident.
func (l *Loader) SetTextureResource(stage gpu.PixelStage, id tileid.Identifier) {
	l.mu.Lock()
	_, view, ok := l.table.tryGet(id)
	l.mu.Unlock()

	if ok {
		stage.SetShaderResource(0, view)
	}
}

// TilesInMemory is the number of resident textures.
func (l *Loader) TilesInMemory() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.len()
}

// Resident lists resident identifiers in sorted order.
func (l *Loader) Resident() []tileid.Identifier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.ids()
}

// Pending lists queued identifiers in fetch order.
func (l *Loader) Pending() []tileid.Identifier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.ids()
}

// Online is false after the last network fetch failed.
func (l *Loader) Online() bool {
	return l.online.Load()
}

// ReleaseAll frees every resident texture, for device loss or teardown.
// Released ids leave the recency list; queued ones stay tracked. The disk
// cache is kept so that reloading is cheap.
func (l *Loader) ReleaseAll() error {
	l.mu.Lock()
	ids, err := l.table.releaseAll()
	for _, id := range ids {
		if _, queued := l.queue.get(id); queued || id == l.inflight {
			continue
		}
		l.recency.remove(id)
	}
	l.mu.Unlock()

	l.logger.Info("Released all textures", zap.Int("count", len(ids)))
	return err
}

// ClearCache removes every tile from the disk cache. Resident textures
// stay resident.
func (l *Loader) ClearCache(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.cache.Clear(); err != nil {
		l.logger.Error("Failed to clear tile cache", zap.Error(err))
		return err
	}
	l.logger.Info("Cleared tile cache")
	return nil
}

// DeleteCacheFile removes the disk entry of one tile.
func (l *Loader) DeleteCacheFile(ctx context.Context, id tileid.Identifier, format tileid.TileFormat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.cache.Delete(cache.Key{ID: id, Format: format}); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	return nil
}

func (l *Loader) Stats() Stats {
	l.mu.Lock()
	s := Stats{
		TilesInMemory: l.table.len(),
		ResidentBytes: l.table.bytes,
		Pending:       l.queue.len(),
		Tracked:       l.recency.len(),
	}
	l.mu.Unlock()

	l.pmu.Lock()
	s.PreloadPending = l.preloads.len()
	l.pmu.Unlock()

	s.Online = l.online.Load()
	s.Fetches = l.stats.fetches.Load()
	s.DiskHits = l.stats.diskHits.Load()
	s.FetchFailures = l.stats.fetchFailures.Load()
	s.CorruptEntries = l.stats.corrupt.Load()
	s.Uploads = l.stats.uploads.Load()
	s.Evictions = l.stats.evictions.Load()
	s.PreloadedTiles = l.stats.preloaded.Load()
	s.MemoryBudget = l.opts.MemoryBudget
	return s
}
