package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"go.uber.org/zap"

	"deepzoom/internal/cache"
	"deepzoom/internal/tileid"
)

type preloadRequest struct {
	id      tileid.Identifier
	waiters []chan bool
}

// preloadQueue is the FIFO of the warm-cache pipeline. Callers hold
// Loader.pmu.
type preloadQueue struct {
	items []*preloadRequest
	index map[tileid.Identifier]*preloadRequest
}

func newPreloadQueue() *preloadQueue {
	return &preloadQueue{index: make(map[tileid.Identifier]*preloadRequest)}
}

// push queues id and returns a channel that receives the outcome. Repeated
// pushes of a queued id share its fetch.
func (q *preloadQueue) push(id tileid.Identifier) chan bool {
	ch := make(chan bool, 1)
	if r, ok := q.index[id]; ok {
		r.waiters = append(r.waiters, ch)
		return ch
	}
	r := &preloadRequest{id: id, waiters: []chan bool{ch}}
	q.items = append(q.items, r)
	q.index[id] = r
	return ch
}

func (q *preloadQueue) pop() *preloadRequest {
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	delete(q.index, r.id)
	return r
}

// drop empties the queue, reporting failure to every waiter.
func (q *preloadQueue) drop() int {
	n := len(q.items)
	for _, r := range q.items {
		r.finish(false)
	}
	q.items = nil
	clear(q.index)
	return n
}

func (q *preloadQueue) len() int {
	return len(q.items)
}

func (r *preloadRequest) finish(ok bool) {
	for _, ch := range r.waiters {
		ch <- ok
	}
}

// Preload warms the disk cache with id without uploading it. The channel
// receives true once the tile is on disk, false if the fetch failed, the
// sweep was cancelled or disk caching is off.
func (l *Loader) Preload(id tileid.Identifier) <-chan bool {
	if !l.opts.SaveTexture || l.ctx.Err() != nil {
		ch := make(chan bool, 1)
		ch <- false
		return ch
	}

	l.pmu.Lock()
	defer l.pmu.Unlock()

	ch := l.preloads.push(id)
	if !l.preloadDraining {
		l.preloadDraining = true
		l.wg.Add(1)
		go l.drainPreloads()
	}
	return ch
}

// PreloadImage is the blocking form of Preload.
func (l *Loader) PreloadImage(ctx context.Context, id tileid.Identifier) (bool, error) {
	select {
	case ok := <-l.Preload(id):
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// CancelPreload aborts the running sweep before its next tile. The tile
// being fetched completes; everything still queued reports false. It is a
// no-op when no sweep is running.
func (l *Loader) CancelPreload() {
	l.pmu.Lock()
	defer l.pmu.Unlock()
	if l.preloadDraining {
		l.cancelPreload.Store(true)
	}
}

func (l *Loader) drainPreloads() {
	defer l.wg.Done()

	for {
		l.pmu.Lock()
		if l.cancelPreload.Swap(false) || l.ctx.Err() != nil {
			n := l.preloads.drop()
			if n > 0 {
				l.logger.Info("Preload cancelled", zap.Int("dropped", n))
			}
		}
		r := l.preloads.pop()
		if r == nil {
			l.preloadDraining = false
			l.pmu.Unlock()
			return
		}
		l.pmu.Unlock()

		r.finish(l.preloadOne(r.id))
	}
}

func (l *Loader) preloadOne(id tileid.Identifier) bool {
	key := cache.Key{ID: id, Format: l.opts.Format}
	if l.cache.Has(key) {
		return true
	}
	if _, err := l.fetchBytes(id); err != nil {
		return false
	}
	if !l.cache.Has(key) {
		return false
	}
	l.stats.preloaded.Add(1)
	return true
}

// Sweep tracks the preload of one pyramid level. Tiles are identified by
// their row-major index within the level.
type Sweep struct {
	Level int

	total    int
	mu       sync.Mutex
	done     *roaring.Bitmap
	failed   *roaring.Bitmap
	finished chan struct{}
}

// PreloadLevel queues every tile of a level for preloading.
func (l *Loader) PreloadLevel(ctx context.Context, grid tileid.Grid, level int) (*Sweep, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if level < 0 || level > grid.MaxLevel() {
		return nil, fmt.Errorf("loader: level %d outside 0..%d", level, grid.MaxLevel())
	}

	ids := grid.Tiles(level)
	s := &Sweep{
		Level:    level,
		total:    len(ids),
		done:     roaring.New(),
		failed:   roaring.New(),
		finished: make(chan struct{}),
	}

	results := make([]<-chan bool, len(ids))
	for i, id := range ids {
		results[i] = l.Preload(id)
	}

	l.logger.Info("Preloading level",
		zap.String("image", grid.Image),
		zap.Int("level", level),
		zap.Int("tiles", len(ids)),
	)

	go func() {
		defer close(s.finished)
		for i, ch := range results {
			ok := <-ch
			s.mu.Lock()
			if ok {
				s.done.Add(uint32(i))
			} else {
				s.failed.Add(uint32(i))
			}
			s.mu.Unlock()
		}
		l.logger.Info("Level preload finished",
			zap.Int("level", level),
			zap.Uint64("done", s.Done()),
			zap.Int("total", s.total),
		)
	}()

	return s, nil
}

// Total is the number of tiles in the level.
func (s *Sweep) Total() int {
	return s.total
}

// Done is the number of tiles known to be on disk.
func (s *Sweep) Done() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done.GetCardinality()
}

// Failed is the number of tiles that could not be preloaded.
func (s *Sweep) Failed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed.GetCardinality()
}

// Missing lists the indices of tiles not on disk yet, in ascending order.
func (s *Sweep) Missing() []uint32 {
	all := roaring.New()
	all.AddRange(0, uint64(s.total))

	s.mu.Lock()
	all.AndNot(s.done)
	s.mu.Unlock()
	return all.ToArray()
}

// Finished reports whether every tile has an outcome.
func (s *Sweep) Finished() bool {
	select {
	case <-s.finished:
		return true
	default:
		return false
	}
}

// Wait blocks until the sweep finished or ctx is done.
func (s *Sweep) Wait(ctx context.Context) error {
	return wait(ctx, s.finished)
}
