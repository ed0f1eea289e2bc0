package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/imgfloat/server-sub000/internal/domain"
	"github.com/imgfloat/server-sub000/internal/media"
)

// SourceLoader fetches script source text.
type SourceLoader interface {
	Fetch(ctx context.Context, url string) (media.Resource, error)
}

// dependencies is the fixed set of shared libraries scripts may pull in
// with importScripts. Sources are fetched once and cached.
type dependencies struct {
	loader  SourceLoader
	origin  *url.URL
	timeout time.Duration
	allowed map[string]struct{}
	order   []string

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]string
}

func newDependencies(origin *url.URL, urls []string, loader SourceLoader, timeout time.Duration) *dependencies {
	d := &dependencies{
		loader:  loader,
		origin:  origin,
		timeout: timeout,
		allowed: make(map[string]struct{}),
		cache:   make(map[string]string),
	}
	for _, raw := range urls {
		u, err := resolveURL(origin, raw)
		if err != nil {
			slog.Warn("Ignoring invalid shared script dependency", "url", raw, "error", err)
			continue
		}
		key := canonical(u)
		if _, dup := d.allowed[key]; !dup {
			d.allowed[key] = struct{}{}
			d.order = append(d.order, key)
		}
	}
	return d
}

// prefetch loads every dependency concurrently. Failures are retried lazily
// on first import.
func (d *dependencies) prefetch(ctx context.Context) error {
	if d.loader == nil || len(d.order) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	var mu sync.Mutex
	var errs []error
	for _, key := range d.order {
		g.Go(func() error {
			if _, err := d.fetch(ctx, key); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// load returns the canonical URL and source of an allowed dependency.
func (d *dependencies) load(ctx context.Context, raw string) (string, string, error) {
	u, err := resolveURL(d.origin, raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrDependencyDenied, err)
	}
	key := canonical(u)
	if _, ok := d.allowed[key]; !ok {
		return "", "", fmt.Errorf("%w: %s is not a shared dependency", domain.ErrDependencyDenied, key)
	}

	d.mu.RLock()
	src, ok := d.cache[key]
	d.mu.RUnlock()
	if ok {
		return key, src, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	src, err = d.fetch(ctx, key)
	return key, src, err
}

func (d *dependencies) fetch(ctx context.Context, key string) (string, error) {
	if d.loader == nil {
		return "", fmt.Errorf("load %s: no source loader configured", key)
	}
	v, err, _ := d.group.Do(key, func() (any, error) {
		res, err := d.loader.Fetch(ctx, key)
		if err != nil {
			return "", fmt.Errorf("load shared dependency %s: %w", key, err)
		}
		src := string(res.Data)
		d.mu.Lock()
		d.cache[key] = src
		d.mu.Unlock()
		return src, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *dependencies) cached() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}
