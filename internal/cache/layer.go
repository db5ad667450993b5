package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fjod/tableorder/internal/keylock"
	"github.com/fjod/tableorder/pkg/circuitbreaker"
	"golang.org/x/sync/singleflight"
)

// ErrCorrupt marks an entry whose checksum or payload does not decode.
var ErrCorrupt = errors.New("cache entry corrupt")

type envelope struct {
	Version int64           `json:"v"`
	Sum     uint64          `json:"sum"`
	Data    json.RawMessage `json:"data"`
}

type Options struct {
	// Timeout bounds each backend call.
	Timeout time.Duration
	// LockWait bounds how long a write waits behind an in-flight populate
	// of the same key.
	LockWait time.Duration
	Breaker  *circuitbreaker.Breaker
	Logger   *slog.Logger
}

type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Errors    uint64 `json:"errors"`
	Corrupt   uint64 `json:"corrupt"`
	DirtyKeys int    `json:"dirty_keys"`
}

// Layer keeps cached snapshots coherent with the store. Reads populate on
// miss; writes replace or evict the entry before returning. A key whose
// eviction failed is marked dirty and read straight from the store until an
// eviction succeeds.
type Layer struct {
	backend  Backend
	breaker  *circuitbreaker.Breaker
	locks    *keylock.Locker
	sfg      singleflight.Group
	timeout  time.Duration
	lockWait time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	dirty map[string]struct{}

	hits, misses, errs, corrupt atomic.Uint64
}

func NewLayer(backend Backend, opts Options) *Layer {
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Millisecond
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.New(circuitbreaker.Settings{
			Name:    "cache",
			Timeout: 10 * time.Second,
			Ignore:  []error{ErrCacheMiss},
		}, opts.Logger)
	}
	return &Layer{
		backend:  backend,
		breaker:  opts.Breaker,
		locks:    keylock.New(),
		timeout:  opts.Timeout,
		lockWait: opts.LockWait,
		log:      opts.Logger.With(slog.String("component", "cache")),
		dirty:    make(map[string]struct{}),
	}
}

// Read returns the cached value for key or loads it with load and
// populates the cache. Concurrent misses on one key share a single load.
// Cache failures fall through to load; load errors are returned as is.
func Read[T any](ctx context.Context, l *Layer, key Key, load func(context.Context) (T, error)) (T, error) {
	k := key.String()

	if l.isDirty(k) && !l.repair(ctx, k) {
		l.misses.Add(1)
		return load(ctx)
	}

	var out T
	hit, err := l.get(ctx, k, &out)
	if err == nil && hit {
		l.hits.Add(1)
		return out, nil
	}
	l.misses.Add(1)

	v, err, _ := l.sfg.Do(k, func() (any, error) {
		return l.populate(ctx, k, func(ctx context.Context) (any, error) {
			return load(ctx)
		})
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ = v.(T)
	return out, nil
}

func (l *Layer) populate(ctx context.Context, k string, load func(context.Context) (any, error)) (any, error) {
	unlock, lockErr := l.lock(ctx, k)
	if lockErr == nil {
		defer unlock()
	}

	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if lockErr != nil || l.isDirty(k) {
		return v, nil
	}
	if err := l.set(ctx, k, v); err != nil {
		l.log.WarnContext(ctx, "cache populate failed", slog.String("key", k), slog.Any("error", err))
	}
	return v, nil
}

// Write replaces the entry for key with value. When the backend refuses the
// write the entry is evicted instead; when that fails too the key is marked
// dirty. Write runs to completion even if ctx is cancelled.
func (l *Layer) Write(ctx context.Context, key Key, value any) {
	k := key.String()
	ctx = context.WithoutCancel(ctx)

	unlock, err := l.lock(ctx, k)
	if err != nil {
		l.markDirty(k)
		l.log.WarnContext(ctx, "cache write lock timeout", slog.String("key", k))
		if delErr := l.delete(ctx, k); delErr != nil {
			l.log.WarnContext(ctx, "cache evict failed", slog.String("key", k), slog.Any("error", delErr))
		}
		return
	}
	defer unlock()

	err = l.set(ctx, k, value)
	if err == nil {
		l.clearDirty(k)
		return
	}
	l.log.WarnContext(ctx, "cache write failed, evicting", slog.String("key", k), slog.Any("error", err))
	l.evictLocked(ctx, k)
}

// Invalidate evicts keys. Keys that cannot be evicted are marked dirty.
func (l *Layer) Invalidate(ctx context.Context, keys ...Key) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		l.invalidate(ctx, key.String())
	}
}

func (l *Layer) invalidate(ctx context.Context, k string) {
	unlock, err := l.lock(ctx, k)
	if err != nil {
		l.markDirty(k)
		_ = l.delete(ctx, k)
		return
	}
	defer unlock()
	l.evictLocked(ctx, k)
}

// Flush removes every entry in the namespace. Dirty marks are dropped on
// success since nothing stale can remain.
func (l *Layer) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*l.timeout)
	defer cancel()

	if err := l.backend.Flush(ctx); err != nil {
		l.errs.Add(1)
		return fmt.Errorf("cache flush failed: %w", err)
	}
	l.mu.Lock()
	clear(l.dirty)
	l.mu.Unlock()
	l.log.InfoContext(ctx, "cache flushed")
	return nil
}

// Peek reports the version of the cached entry for key without loading.
func (l *Layer) Peek(ctx context.Context, key Key) (version int64, ok bool) {
	k := key.String()
	if l.isDirty(k) {
		return 0, false
	}
	env, err := l.fetch(ctx, k)
	if err != nil {
		return 0, false
	}
	return env.Version, true
}

func (l *Layer) Stats() Stats {
	l.mu.Lock()
	dirty := len(l.dirty)
	l.mu.Unlock()
	return Stats{
		Hits:      l.hits.Load(),
		Misses:    l.misses.Load(),
		Errors:    l.errs.Load(),
		Corrupt:   l.corrupt.Load(),
		DirtyKeys: dirty,
	}
}

func (l *Layer) get(ctx context.Context, k string, out any) (bool, error) {
	env, err := l.fetch(ctx, k)
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if errors.Is(err, ErrCorrupt) {
		l.corrupt.Add(1)
		l.log.WarnContext(ctx, "evicting corrupt cache entry", slog.String("key", k))
		l.invalidate(context.WithoutCancel(ctx), k)
		return false, nil
	}
	if err != nil {
		l.log.WarnContext(ctx, "cache read failed", slog.String("key", k), slog.Any("error", err))
		return false, err
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		l.corrupt.Add(1)
		l.log.WarnContext(ctx, "evicting undecodable cache entry", slog.String("key", k), slog.Any("error", err))
		l.invalidate(context.WithoutCancel(ctx), k)
		return false, nil
	}
	return true, nil
}

func (l *Layer) fetch(ctx context.Context, k string) (envelope, error) {
	var raw []byte
	err := l.call(ctx, func(ctx context.Context) error {
		var err error
		raw, err = l.backend.Get(ctx, k)
		return err
	})
	if err != nil {
		return envelope{}, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if xxhash.Sum64(env.Data) != env.Sum {
		return envelope{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return env, nil
}

func (l *Layer) set(ctx context.Context, k string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value failed: %w", err)
	}
	env := envelope{Sum: xxhash.Sum64(data), Data: data}
	if v, ok := value.(Versioned); ok {
		env.Version = v.CacheVersion()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal cache envelope failed: %w", err)
	}
	return l.call(ctx, func(ctx context.Context) error {
		return l.backend.Set(ctx, k, raw)
	})
}

func (l *Layer) delete(ctx context.Context, k string) error {
	return l.call(ctx, func(ctx context.Context) error {
		return l.backend.Delete(ctx, k)
	})
}

// evictLocked must be called with the key lock held.
func (l *Layer) evictLocked(ctx context.Context, k string) {
	if err := l.delete(ctx, k); err != nil {
		l.markDirty(k)
		l.log.WarnContext(ctx, "cache evict failed, key marked dirty", slog.String("key", k), slog.Any("error", err))
		return
	}
	l.clearDirty(k)
}

// repair retries the eviction of a dirty key and reports whether the key is
// clean afterwards.
func (l *Layer) repair(ctx context.Context, k string) bool {
	unlock, err := l.lock(ctx, k)
	if err != nil {
		return false
	}
	defer unlock()
	if !l.isDirty(k) {
		return true
	}
	l.evictLocked(ctx, k)
	return !l.isDirty(k)
}

func (l *Layer) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	err := l.breaker.Do(func() error { return fn(ctx) })
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		l.errs.Add(1)
	}
	return err
}

func (l *Layer) lock(ctx context.Context, k string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.lockWait)
	defer cancel()
	return l.locks.Lock(ctx, k)
}

func (l *Layer) isDirty(k string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.dirty[k]
	return ok
}

func (l *Layer) markDirty(k string) {
	l.mu.Lock()
	l.dirty[k] = struct{}{}
	l.mu.Unlock()
}

func (l *Layer) clearDirty(k string) {
	l.mu.Lock()
	delete(l.dirty, k)
	l.mu.Unlock()
}
