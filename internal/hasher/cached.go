package hasher

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 16384

type cacheKey struct {
	path    string
	size    int64
	modTime int64
}

// CachedHasher remembers digests by path, size and modification time so an
// unchanged file is not re-read on every capture.
type CachedHasher struct {
	inner SHA256
	cache *lru.Cache[cacheKey, Digest]
}

func NewCachedHasher(size int) (*CachedHasher, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, Digest](size)
	if err != nil {
		return nil, fmt.Errorf("create digest cache: %w", err)
	}
	return &CachedHasher{cache: cache}, nil
}

func (c *CachedHasher) HashFile(path string, info os.FileInfo, open Opener) (Digest, error) {
	if info == nil {
		return c.inner.HashFile(path, nil, open)
	}

	key := cacheKey{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if digest, ok := c.cache.Get(key); ok {
		return digest, nil
	}

	digest, err := c.inner.HashFile(path, info, open)
	if err != nil {
		return "", err
	}
	c.cache.Add(key, digest)
	return digest, nil
}

// Len is the number of cached digests.
func (c *CachedHasher) Len() int {
	return c.cache.Len()
}

var _ FileHasher = (*CachedHasher)(nil)
