package media

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Blob is a fetched resource registered under an object URL.
type Blob struct {
	ObjectURL string
	Resource
}

type blobKey struct{ id, url string }

// BlobCache fetches each (asset id, URL) pair at most once. Concurrent
// callers for the same pair share the in-flight fetch.
type BlobCache struct {
	fetcher *Fetcher
	objects *ObjectURLs
	group   singleflight.Group

	mu      sync.Mutex
	entries map[blobKey]Blob
	// generation invalidates in-flight fetches whose asset was released.
	generation map[string]uint64
}

func NewBlobCache(fetcher *Fetcher, objects *ObjectURLs) *BlobCache {
	return &BlobCache{
		fetcher:    fetcher,
		objects:    objects,
		entries:    make(map[blobKey]Blob),
		generation: make(map[string]uint64),
	}
}

func (c *BlobCache) Resolve(ctx context.Context, id, url string) (Blob, error) {
	key := blobKey{id: id, url: url}

	c.mu.Lock()
	if b, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return b, nil
	}
	gen := c.generation[id]
	c.mu.Unlock()

	v, err, _ := c.group.Do(id+"\x00"+url, func() (any, error) {
		res, err := c.fetcher.Fetch(ctx, url)
		if err != nil {
			return Blob{}, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if b, ok := c.entries[key]; ok {
			return b, nil
		}
		if c.generation[id] != gen {
			return Blob{}, fmt.Errorf("blob for %s released while loading: %w", id, context.Canceled)
		}
		b := Blob{ObjectURL: c.objects.Create(res), Resource: res}
		c.entries[key] = b
		return b, nil
	})
	if err != nil {
		return Blob{}, err
	}
	return v.(Blob), nil
}

// Release revokes every object URL registered for id and makes in-flight
// fetches for id discard their result.
func (c *BlobCache) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation[id]++
	for key, b := range c.entries {
		if key.id == id {
			c.objects.Revoke(b.ObjectURL)
			delete(c.entries, key)
		}
	}
}

// Len returns the number of cached blobs.
func (c *BlobCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
