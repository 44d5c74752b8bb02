package loader

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"deepzoom/internal/cache"
	"deepzoom/internal/gpu"
	"deepzoom/internal/tileid"
)

var (
	errNoSource = errors.New("loader: no tile source configured")
	errClosed   = errors.New("loader: closed")
)

// startDrainLocked starts the fetch goroutine unless it is already running.
func (l *Loader) startDrainLocked() {
	if l.draining {
		return
	}
	if l.ctx.Err() != nil {
		l.queue.retain(func(*request) bool { return false })
		return
	}
	l.draining = true
	l.wg.Add(1)
	go l.drain()
}

// drain processes the request queue in FIFO order, one tile at a time, and
// exits once the queue is empty.
func (l *Loader) drain() {
	defer l.wg.Done()

	for {
		l.mu.Lock()
		if l.ctx.Err() != nil {
			l.queue.retain(func(*request) bool { return false })
			l.draining = false
			l.inflight = ""
			l.mu.Unlock()
			return
		}
		r := l.queue.front()
		if r == nil {
			l.draining = false
			l.inflight = ""
			l.mu.Unlock()
			return
		}
		l.inflight = r.id
		l.mu.Unlock()

		l.process(r.id)

		l.mu.Lock()
		l.queue.remove(r)
		l.inflight = ""
		l.mu.Unlock()
	}
}

// process runs one identifier through the pipeline. Failures are logged
// and leave the tile non-resident.
func (l *Loader) process(id tileid.Identifier) {
	key := cache.Key{ID: id, Format: l.opts.Format}

	data, err := l.fetchBytes(id)
	if err != nil {
		if errors.Is(err, cache.ErrCorrupt) {
			l.discard(key, err)
		}
		return
	}

	pix, err := l.decoder.Decode(data, l.opts.Format)
	if err != nil {
		l.discard(key, err)
		return
	}

	l.CheckAndEvict()

	size := pix.Bounds().Size()
	tex, view, err := l.device.CreateTexture(gpu.TileDescriptor(string(id), size.X, size.Y), pix)
	if err != nil {
		l.logger.Error("Failed to upload texture", zap.String("id", string(id)), zap.Error(err))
		return
	}

	l.mu.Lock()
	err = l.table.insert(id, tex, view)
	l.recency.ensure(id)
	l.mu.Unlock()
	if err != nil {
		l.logger.Warn("Failed to release replaced texture", zap.String("id", string(id)), zap.Error(err))
	}

	l.stats.uploads.Add(1)
	l.logger.Debug("Texture resident", zap.String("id", string(id)), zap.Int("bytes", tex.SizeBytes()))
}

// discard deletes a cache entry that could not be turned into pixels so the
// next request fetches it again.
func (l *Loader) discard(key cache.Key, cause error) {
	l.stats.corrupt.Add(1)
	l.logger.Warn("Dropping undecodable tile",
		zap.String("id", string(key.ID)),
		zap.String("format", string(key.Format)),
		zap.Error(cause),
	)
	if err := l.cache.Delete(key); err != nil {
		l.logger.Warn("Failed to delete cache entry", zap.String("id", string(key.ID)), zap.Error(err))
	}
}

// fetchBytes returns the encoded tile, from disk when possible. Concurrent
// calls for the same identifier from the load and preload pipelines share
// a single fetch.
func (l *Loader) fetchBytes(id tileid.Identifier) ([]byte, error) {
	v, err, _ := l.flight.Do(string(id), func() (interface{}, error) {
		return l.fetchOnce(id)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (l *Loader) fetchOnce(id tileid.Identifier) ([]byte, error) {
	key := cache.Key{ID: id, Format: l.opts.Format}

	data, err := l.cache.Get(key)
	switch {
	case err == nil:
		l.stats.diskHits.Add(1)
		return data, nil
	case errors.Is(err, cache.ErrCorrupt):
		return nil, err
	case !errors.Is(err, cache.ErrNotFound):
		l.logger.Warn("Cache read failed", zap.String("id", string(id)), zap.Error(err))
	}

	if l.source == nil {
		return nil, errNoSource
	}
	if l.ctx.Err() != nil {
		return nil, errClosed
	}

	l.stats.fetches.Add(1)
	data, err = l.source.Fetch(l.ctx, id, l.opts.Format)
	if err != nil {
		l.online.Store(false)
		l.stats.fetchFailures.Add(1)
		l.logger.Warn("Tile fetch failed", zap.String("id", string(id)), zap.Error(err))
		return nil, fmt.Errorf("fetch %s: %w", id, err)
	}
	l.online.Store(true)

	if l.opts.SaveTexture {
		if err := l.cache.Set(key, data); err != nil {
			l.logger.Warn("Failed to persist tile", zap.String("id", string(id)), zap.Error(err))
		}
	}
	return data, nil
}
