package query

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jward/lectern/internal/logging"
	"github.com/jward/lectern/internal/metrics"
	"github.com/jward/lectern/internal/vfs"
	"github.com/jward/lectern/internal/world"
)

const (
	// DefaultCapacity is the default maximum number of cached entries.
	DefaultCapacity = 4096
	// DefaultFailureTTL is how long a failed query is remembered.
	DefaultFailureTTL = 2 * time.Second

	shardCount = 32
)

// Fingerprinter reports the current fingerprint of a file. *world.World
// implements it.
type Fingerprinter interface {
	Fingerprint(id vfs.FileID) string
}

// cacheKey scopes a query key to the configuration it was computed under.
type cacheKey struct {
	key Key
	cfg string
}

// flightKey identifies one computation: a key against one World generation.
type flightKey struct {
	cacheKey
	gen string
}

type entry struct {
	key     cacheKey
	res     *Result
	fail    *FailureError
	deps    map[vfs.FileID]string
	rev     vfs.Revision
	expires time.Time

	used atomic.Uint64
	pins atomic.Int32
}

type flight struct {
	done      chan struct{}
	res       *Result
	ent       *entry
	err       error
	cancelled bool
}

type shard struct {
	mu       sync.Mutex
	entries  map[cacheKey]*entry
	inflight map[flightKey]*flight
}

// Engine memoizes query results across Worlds. It is safe for concurrent
// use; at most one computation per key and World generation runs at a time.
type Engine struct {
	capacity   int
	failureTTL time.Duration
	now        func() time.Time
	log        *zap.Logger

	funcsMu sync.RWMutex
	funcs   map[string]Func

	shards [shardCount]shard
	size   atomic.Int64
	clock  atomic.Uint64

	// index maps a file to the keys whose entries read it. It is advisory:
	// freshness is always rechecked on lookup.
	indexMu sync.Mutex
	index   map[vfs.FileID]map[cacheKey]struct{}

	evictMu   sync.Mutex
	inflight  atomic.Int64
	hits      atomic.Uint64
	misses    atomic.Uint64
	failures  atomic.Uint64
	evictions atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithCapacity bounds the number of cached entries.
func WithCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// WithFailureTTL sets how long failures are cached.
func WithFailureTTL(d time.Duration) Option {
	return func(e *Engine) { e.failureTTL = d }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		capacity:   DefaultCapacity,
		failureTTL: DefaultFailureTTL,
		now:        time.Now,
		log:        logging.Named("query"),
		funcs:      make(map[string]Func),
		index:      make(map[vfs.FileID]map[cacheKey]struct{}),
	}
	for i := range e.shards {
		e.shards[i].entries = make(map[cacheKey]*entry)
		e.shards[i].inflight = make(map[flightKey]*flight)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the function computing kind, replacing any previous one.
func (e *Engine) Register(kind string, fn Func) {
	e.funcsMu.Lock()
	e.funcs[kind] = fn
	e.funcsMu.Unlock()
}

func (e *Engine) shard(ck cacheKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(ck.key.Kind))
	h.Write([]byte{0})
	h.Write([]byte(ck.key.Arg))
	h.Write([]byte{0})
	h.Write([]byte(ck.cfg))
	return &e.shards[h.Sum32()%shardCount]
}

// Evaluate returns the value of key in w, computing it if no fresh cached
// result exists. Failures are returned as *FailureError; a cancelled token
// yields ErrCancelled and leaves the cache untouched.
func (e *Engine) Evaluate(tok *Token, w *world.World, key Key) (*Result, error) {
	res, ent, err := e.evaluate(tok, w, key, nil)
	if ent != nil {
		ent.pins.Add(-1)
	}
	return res, err
}

// Acquire is Evaluate for consumers that keep reading the result for a
// while. The entry cannot be evicted until release is called.
func (e *Engine) Acquire(tok *Token, w *world.World, key Key) (res *Result, release func(), err error) {
	res, ent, err := e.evaluate(tok, w, key, nil)
	var once sync.Once
	release = func() {
		once.Do(func() {
			if ent != nil {
				ent.pins.Add(-1)
			}
		})
	}
	return res, release, err
}

// evaluate returns the entry serving the result pinned once on behalf of
// the caller.
func (e *Engine) evaluate(tok *Token, w *world.World, key Key, stack []Key) (*Result, *entry, error) {
	if err := tok.Check(); err != nil {
		return nil, nil, err
	}
	e.funcsMu.RLock()
	fn, ok := e.funcs[key.Kind]
	e.funcsMu.RUnlock()
	if !ok {
		return nil, nil, &FailureError{Key: key, Err: fmt.Errorf("unknown query kind %q", key.Kind)}
	}

	ck := cacheKey{key: key, cfg: w.ConfigFingerprint()}
	fk := flightKey{cacheKey: ck, gen: w.Generation()}
	sh := e.shard(ck)

	var f *flight
	for f == nil {
		sh.mu.Lock()
		if ent := sh.entries[ck]; ent != nil && e.fresh(ent, w) {
			ent.pins.Add(1)
			ent.used.Store(e.clock.Add(1))
			sh.mu.Unlock()
			e.hits.Add(1)
			metrics.RecordCacheHit(key.Kind)
			if ent.fail != nil {
				return nil, ent, ent.fail
			}
			return ent.res, ent, nil
		}
		if other := sh.inflight[fk]; other != nil {
			sh.mu.Unlock()
			select {
			case <-other.done:
			case <-tok.Done():
				return nil, nil, ErrCancelled
			}
			if other.cancelled {
				// The owner gave up; take over.
				continue
			}
			if other.ent != nil {
				other.ent.pins.Add(1)
			}
			return other.res, other.ent, other.err
		}
		f = &flight{done: make(chan struct{})}
		sh.inflight[fk] = f
		sh.mu.Unlock()
	}

	e.misses.Add(1)
	metrics.RecordCacheMiss(key.Kind)
	e.inflight.Add(1)
	res, deps, err := e.compute(tok, w, key, fn, stack)
	e.inflight.Add(-1)

	cancelled := tok.Cancelled()
	var ent *entry
	if !cancelled {
		ent = &entry{key: ck, res: res, deps: deps, rev: w.Revision()}
		if err != nil {
			fe := asFailure(key, err)
			ent.res, ent.fail, err = nil, fe, fe
			ent.expires = e.now().Add(e.failureTTL)
			e.failures.Add(1)
			metrics.RecordQueryFailure(key.Kind)
			e.log.Debug("query failed", logging.String("key", key.String()), logging.Err(fe))
		}
		ent.pins.Store(1)
		ent.used.Store(e.clock.Add(1))
	}

	sh.mu.Lock()
	delete(sh.inflight, fk)
	stored := ent != nil && e.storeLocked(sh, ent)
	f.ent, f.err, f.cancelled = ent, err, cancelled
	if ent != nil {
		f.res = ent.res
	}
	sh.mu.Unlock()
	close(f.done)

	if cancelled {
		return nil, nil, ErrCancelled
	}
	if stored && e.size.Load() > int64(e.capacity) {
		e.evict()
	}
	return ent.res, ent, err
}

// fresh reports whether ent can serve w. Callers hold the shard lock.
func (e *Engine) fresh(ent *entry, w *world.World) bool {
	if ent.fail != nil && !e.now().Before(ent.expires) {
		return false
	}
	for id, fp := range ent.deps {
		if w.Fingerprint(id) != fp {
			return false
		}
	}
	return true
}

// storeLocked installs ent unless a result from a newer revision is already
// cached under the same key. The dependency index follows the installed
// entry; the shard lock orders index updates for one key.
func (e *Engine) storeLocked(sh *shard, ent *entry) bool {
	old, ok := sh.entries[ent.key]
	if ok && old.rev > ent.rev {
		return false
	}
	sh.entries[ent.key] = ent
	if ok {
		e.unindex(old)
	} else {
		e.size.Add(1)
	}
	e.indexEntry(ent)
	return true
}

func (e *Engine) compute(tok *Token, w *world.World, key Key, fn Func, stack []Key) (*Result, map[vfs.FileID]string, error) {
	c := newContext(e, w, tok, key, stack)
	defer c.release()

	start := time.Now()
	val, err := e.call(c, fn, key)
	metrics.ObserveQuery(key.Kind, time.Since(start))

	c.mu.Lock()
	deps := c.deps
	c.mu.Unlock()
	if err != nil {
		return nil, deps, err
	}
	return &Result{Key: key, Value: val, Revision: w.Revision(), deps: deps}, deps, nil
}

func (e *Engine) call(c *Context, fn Func, key Key) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("query panicked", logging.String("key", key.String()), logging.Any("panic", r))
			val, err = nil, &FailureError{Key: key, Panic: r}
		}
	}()
	return fn(c, key)
}

func asFailure(key Key, err error) *FailureError {
	if fe, ok := err.(*FailureError); ok && fe.Key == key {
		return fe
	}
	return &FailureError{Key: key, Err: err}
}

func (e *Engine) indexEntry(ent *entry) {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	for id := range ent.deps {
		keys, ok := e.index[id]
		if !ok {
			keys = make(map[cacheKey]struct{})
			e.index[id] = keys
		}
		keys[ent.key] = struct{}{}
	}
}

func (e *Engine) unindex(ent *entry) {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	for id := range ent.deps {
		if keys, ok := e.index[id]; ok {
			delete(keys, ent.key)
			if len(keys) == 0 {
				delete(e.index, id)
			}
		}
	}
}

// Invalidate drops cached entries that read any of ids at a fingerprint
// different from the one current reports. Entries that read an unchanged
// file, or never read it, survive. It returns the number of entries dropped.
func (e *Engine) Invalidate(current Fingerprinter, ids []vfs.FileID) int {
	ids = append(ids[:len(ids):len(ids)], world.ListingID)

	type link struct {
		id vfs.FileID
		ck cacheKey
	}
	var links []link
	e.indexMu.Lock()
	for _, id := range ids {
		for ck := range e.index[id] {
			links = append(links, link{id, ck})
		}
	}
	e.indexMu.Unlock()
	if len(links) == 0 {
		return 0
	}

	fps := make(map[vfs.FileID]string, len(ids))
	for _, id := range ids {
		fps[id] = current.Fingerprint(id)
	}

	var dropped []*entry
	for _, l := range links {
		sh := e.shard(l.ck)
		sh.mu.Lock()
		ent, ok := sh.entries[l.ck]
		if ok {
			if recorded, dep := ent.deps[l.id]; dep && recorded != fps[l.id] {
				delete(sh.entries, l.ck)
				e.unindex(ent)
				e.size.Add(-1)
				dropped = append(dropped, ent)
			}
		}
		sh.mu.Unlock()
	}
	if len(dropped) > 0 {
		e.log.Debug("invalidated queries", logging.Int("files", len(ids)-1), logging.Int("entries", len(dropped)))
	}
	return len(dropped)
}

// evict removes least recently validated entries until the cache is back
// within capacity. Pinned entries are skipped.
func (e *Engine) evict() {
	if !e.evictMu.TryLock() {
		return
	}
	defer e.evictMu.Unlock()

	over := int(e.size.Load()) - e.capacity
	if over <= 0 {
		return
	}
	var candidates []*entry
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		for _, ent := range sh.entries {
			if ent.pins.Load() == 0 {
				candidates = append(candidates, ent)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].used.Load() < candidates[j].used.Load()
	})

	var evicted []*entry
	for _, ent := range candidates {
		if len(evicted) >= over {
			break
		}
		sh := e.shard(ent.key)
		sh.mu.Lock()
		if sh.entries[ent.key] == ent && ent.pins.Load() == 0 {
			delete(sh.entries, ent.key)
			e.unindex(ent)
			e.size.Add(-1)
			evicted = append(evicted, ent)
		}
		sh.mu.Unlock()
	}
	e.evictions.Add(uint64(len(evicted)))
	metrics.RecordEvictions(len(evicted))
	e.log.Debug("evicted queries", logging.Int("count", len(evicted)))
}

// Clear drops every cached entry. Running computations are unaffected.
func (e *Engine) Clear() {
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		e.size.Add(-int64(len(sh.entries)))
		sh.entries = make(map[cacheKey]*entry)
		sh.mu.Unlock()
	}
	e.indexMu.Lock()
	e.index = make(map[vfs.FileID]map[cacheKey]struct{})
	e.indexMu.Unlock()
}

// Cached reports whether a fresh result for key is cached for w, without
// computing or touching LRU order.
func (e *Engine) Cached(w *world.World, key Key) bool {
	ck := cacheKey{key: key, cfg: w.ConfigFingerprint()}
	sh := e.shard(ck)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ent, ok := sh.entries[ck]
	return ok && e.fresh(ent, w)
}

// Stats returns cache counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Entries:   int(e.size.Load()),
		InFlight:  int(e.inflight.Load()),
		Hits:      e.hits.Load(),
		Misses:    e.misses.Load(),
		Failures:  e.failures.Load(),
		Evictions: e.evictions.Load(),
	}
}
