package media

import (
	"sync"

	"github.com/google/uuid"
)

const objectURLScheme = "blob:"

// ObjectURLs maps opaque blob: URLs to fetched bytes. Every URL handed out
// must eventually be revoked.
type ObjectURLs struct {
	mu      sync.RWMutex
	entries map[string]Resource
}

func NewObjectURLs() *ObjectURLs {
	return &ObjectURLs{entries: make(map[string]Resource)}
}

// Create registers res and returns its object URL.
func (o *ObjectURLs) Create(res Resource) string {
	u := objectURLScheme + uuid.NewString()
	o.mu.Lock()
	o.entries[u] = res
	o.mu.Unlock()
	return u
}

func (o *ObjectURLs) Lookup(u string) (Resource, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	res, ok := o.entries[u]
	return res, ok
}

// Revoke releases u. Revoking an unknown URL is a no-op.
func (o *ObjectURLs) Revoke(u string) {
	o.mu.Lock()
	delete(o.entries, u)
	o.mu.Unlock()
}

func (o *ObjectURLs) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}
