package loader

import (
	"sort"

	"go.uber.org/multierr"

	"deepzoom/internal/gpu"
	"deepzoom/internal/tileid"
)

type residentTexture struct {
	texture gpu.Texture
	view    gpu.View
}

// textureTable maps identifiers to their GPU resources. It is the only
// record of what can be drawn. Callers hold Loader.mu.
type textureTable struct {
	entries map[tileid.Identifier]residentTexture
	bytes   int64
}

func newTextureTable() *textureTable {
	return &textureTable{entries: make(map[tileid.Identifier]residentTexture)}
}

func (t *textureTable) tryGet(id tileid.Identifier) (gpu.Texture, gpu.View, bool) {
	e, ok := t.entries[id]
	return e.texture, e.view, ok
}

func (t *textureTable) has(id tileid.Identifier) bool {
	_, ok := t.entries[id]
	return ok
}

// insert stores the resources for id. An existing entry is released first
// so that an identifier never owns two textures.
func (t *textureTable) insert(id tileid.Identifier, tex gpu.Texture, view gpu.View) error {
	err := t.remove(id)
	t.entries[id] = residentTexture{texture: tex, view: view}
	t.bytes += int64(tex.SizeBytes())
	return err
}

// remove releases the GPU resources of id, if resident.
func (t *textureTable) remove(id tileid.Identifier) error {
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	t.bytes -= int64(e.texture.SizeBytes())
	return e.texture.Release()
}

// releaseAll disposes every entry and returns the released ids.
func (t *textureTable) releaseAll() ([]tileid.Identifier, error) {
	var errs error
	ids := make([]tileid.Identifier, 0, len(t.entries))
	for id, e := range t.entries {
		errs = multierr.Append(errs, e.texture.Release())
		delete(t.entries, id)
		ids = append(ids, id)
	}
	t.bytes = 0
	return ids, errs
}

func (t *textureTable) len() int {
	return len(t.entries)
}

func (t *textureTable) ids() []tileid.Identifier {
	ids := make([]tileid.Identifier, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
