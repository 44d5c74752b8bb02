package cache

// NoopCache is used when tiles must not be persisted.
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(key Key) ([]byte, error) {
	return nil, ErrNotFound
}

func (c *NoopCache) Set(key Key, value []byte) error {
	return nil
}

func (c *NoopCache) Has(key Key) bool {
	return false
}

func (c *NoopCache) Delete(key Key) error {
	return nil
}

func (c *NoopCache) Clear() error {
	return nil
}
