// Package cache keeps recently read price series in front of the store.
package cache

import (
	"context"
	"sync"
	"time"

	"charon/internal/storage"
)

// DefaultPrefix namespaces series keys.
const DefaultPrefix = "cache:series:"

// Series caches whole ascending series per instrument code.
type Series interface {
	Get(ctx context.Context, code string) ([]storage.PricePoint, bool, error)
	Set(ctx context.Context, code string, points []storage.PricePoint) error
	// Invalidate drops the given codes; no codes drops every series.
	Invalidate(ctx context.Context, codes ...string) error
}

// Nop never hits.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]storage.PricePoint, bool, error) { return nil, false, nil }

func (Nop) Set(context.Context, string, []storage.PricePoint) error { return nil }

func (Nop) Invalidate(context.Context, ...string) error { return nil }

// Reader serves full-series reads through a cache. A read that overlaps an
// invalidation of its code is returned but not cached.
type Reader struct {
	store storage.PriceStore
	cache Series

	mu    sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

type generation struct {
	epoch, code uint64
}

// NewReader wires a store and a cache; a nil cache disables caching.
func NewReader(store storage.PriceStore, cache Series) *Reader {
	if cache == nil {
		cache = Nop{}
	}
	return &Reader{store: store, cache: cache, gens: make(map[string]uint64)}
}

func (r *Reader) generation(code string) generation {
	return generation{epoch: r.epoch, code: r.gens[code]}
}

// ReadSeries returns the full series for code. Cache failures fall through to the store.
func (r *Reader) ReadSeries(ctx context.Context, code string) ([]storage.PricePoint, error) {
	if points, ok, err := r.cache.Get(ctx, code); err == nil && ok {
		return points, nil
	}

	r.mu.Lock()
	before := r.generation(code)
	r.mu.Unlock()

	points, err := r.store.ReadSeries(ctx, code, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return points, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation(code) == before {
		_ = r.cache.Set(ctx, code, points)
	}
	return points, nil
}

// Invalidate forwards to the cache; no codes drops every series.
func (r *Reader) Invalidate(ctx context.Context, codes ...string) error {
	r.mu.Lock()
	if len(codes) == 0 {
		r.epoch++
	}
	for _, code := range codes {
		r.gens[code]++
	}
	r.mu.Unlock()
	return r.cache.Invalidate(ctx, codes...)
}

type entry struct {
	points  []storage.PricePoint
	expires time.Time
}
