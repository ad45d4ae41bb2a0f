package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/lectern/internal/markup"
	"github.com/jward/lectern/internal/vfs"
	"github.com/jward/lectern/internal/world"
)

type fixture struct {
	store   *vfs.Store
	builder *world.Builder
	engine  *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return &fixture{
		store:   vfs.NewStore(),
		builder: world.NewBuilder(markup.NewParser(), nil, nil),
		engine:  New(opts...),
	}
}

func (f *fixture) world() *world.World {
	return f.builder.Build(f.store.Current(), world.Config{})
}

func (f *fixture) write(path, content string) {
	f.store.Write(vfs.LocalFile(path), []byte(content))
}

// lengthOf registers a kind returning the byte length of every file named
// in the argument, counting calls.
func lengthOf(e *Engine, kind string) *atomic.Int32 {
	var calls atomic.Int32
	e.Register(kind, func(c *Context, key Key) (any, error) {
		calls.Add(1)
		rec, err := c.File(vfs.LocalFile(key.Arg))
		if err != nil {
			return -1, nil
		}
		return len(rec.Content), nil
	})
	return &calls
}

func TestEngine_FineGrainedValidity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write("a.typ", "aaa")
	f.write("b.typ", "bb")

	calls := lengthOf(f.engine, "len")
	var sumCalls atomic.Int32
	f.engine.Register("sum", func(c *Context, key Key) (any, error) {
		sumCalls.Add(1)
		a, err := c.Query(Key{Kind: "len", Arg: "a.typ"})
		if err != nil {
			return nil, err
		}
		b, err := c.Query(Key{Kind: "len", Arg: "b.typ"})
		if err != nil {
			return nil, err
		}
		return a.(int) + b.(int), nil
	})

	tok := NewToken(context.Background())
	w1 := f.world()
	res, err := f.engine.Evaluate(tok, w1, Key{Kind: "sum"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Value)
	assert.Equal(t, []vfs.FileID{vfs.LocalFile("a.typ"), vfs.LocalFile("b.typ")}, res.Deps())
	assert.Equal(t, int32(2), calls.Load())

	// Editing b leaves len(a) valid.
	f.write("b.typ", "bbbb")
	w2 := f.world()
	res, err = f.engine.Evaluate(tok, w2, Key{Kind: "sum"})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Value)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(2), sumCalls.Load())

	// An unrelated file does not invalidate anything.
	f.write("c.typ", "c")
	res, err = f.engine.Evaluate(tok, f.world(), Key{Kind: "sum"})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Value)
	assert.Equal(t, int32(2), sumCalls.Load())
	assert.True(t, res.DependsOn(vfs.LocalFile("a.typ")))
	assert.False(t, res.DependsOn(vfs.LocalFile("c.typ")))
}

func TestEngine_InvalidateDropsOnlyChangedDependents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write("a.typ", "a")
	f.write("b.typ", "b")
	lengthOf(f.engine, "len")

	tok := NewToken(context.Background())
	w := f.world()
	for _, p := range []string{"a.typ", "b.typ"} {
		_, err := f.engine.Evaluate(tok, w, Key{Kind: "len", Arg: p})
		require.NoError(t, err)
	}
	require.Equal(t, 2, f.engine.Stats().Entries)

	f.write("b.typ", "changed")
	w = f.world()
	assert.Equal(t, 1, f.engine.Invalidate(w, []vfs.FileID{vfs.LocalFile("b.typ")}))
	assert.True(t, f.engine.Cached(w, Key{Kind: "len", Arg: "a.typ"}))
	assert.False(t, f.engine.Cached(w, Key{Kind: "len", Arg: "b.typ"}))

	// Same content again: nothing to drop.
	assert.Equal(t, 0, f.engine.Invalidate(w, []vfs.FileID{vfs.LocalFile("a.typ")}))
}

func TestEngine_MissingFileDependencyRecomputesWhenItAppears(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write("main.typ", `#import "later.typ"`)
	f.engine.Register("resolve", func(c *Context, key Key) (any, error) {
		_, err := c.ResolveImport("later.typ", vfs.LocalFile("main.typ"))
		return err == nil, nil
	})

	tok := NewToken(context.Background())
	res, err := f.engine.Evaluate(tok, f.world(), Key{Kind: "resolve"})
	require.NoError(t, err)
	assert.Equal(t, false, res.Value)

	f.write("later.typ", "here")
	res, err = f.engine.Evaluate(tok, f.world(), Key{Kind: "resolve"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Value)
}

func TestEngine_ListingDependency(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write("a.typ", "a")
	f.engine.Register("count", func(c *Context, key Key) (any, error) {
		return len(c.Files()), nil
	})

	tok := NewToken(context.Background())
	res, err := f.engine.Evaluate(tok, f.world(), Key{Kind: "count"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Value)

	f.write("b.typ", "b")
	w := f.world()
	assert.Equal(t, 1, f.engine.Invalidate(w, []vfs.FileID{vfs.LocalFile("b.typ")}))
	res, err = f.engine.Evaluate(tok, w, Key{Kind: "count"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Value)
}

func TestEngine_ConcurrentCallersShareOneComputation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write("a.typ", "a")
	gate := make(chan struct{})
	var calls atomic.Int32
	f.engine.Register("slow", func(c *Context, key Key) (any, error) {
		calls.Add(1)
		<-gate
		return "done", nil
	})

	w := f.world()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Evaluate(NewToken(context.Background()), w, Key{Kind: "slow"})
			assert.NoError(t, err)
			assert.Equal(t, "done", res.Value)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_CancelledResultsAreNotCached(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	f.engine.Register("stubborn", func(c *Context, key Key) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		// Finishes without checking for cancellation.
		return "value", nil
	})

	w := f.world()
	tok := NewToken(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.engine.Evaluate(tok, w, Key{Kind: "stubborn"})
		errc <- err
	}()
	<-started
	tok.Cancel()
	close(release)
	assert.ErrorIs(t, <-errc, ErrCancelled)
	assert.Equal(t, 0, f.engine.Stats().Entries)

	res, err := f.engine.Evaluate(NewToken(context.Background()), w, Key{Kind: "stubborn"})
	require.NoError(t, err)
	assert.Equal(t, "value", res.Value)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEngine_WaiterTakesOverFromCancelledOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	gate := make(chan struct{})
	var calls atomic.Int32
	f.engine.Register("wait", func(c *Context, key Key) (any, error) {
		calls.Add(1)
		select {
		case <-gate:
		case <-c.Token().Done():
		}
		if err := c.Checkpoint(); err != nil {
			return nil, err
		}
		return "ok", nil
	})

	w := f.world()
	owner := NewToken(context.Background())
	ownerErr := make(chan error, 1)
	go func() {
		_, err := f.engine.Evaluate(owner, w, Key{Kind: "wait"})
		ownerErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	waiterRes := make(chan *Result, 1)
	go func() {
		res, err := f.engine.Evaluate(NewToken(context.Background()), w, Key{Kind: "wait"})
		assert.NoError(t, err)
		waiterRes <- res
	}()

	owner.Cancel()
	assert.ErrorIs(t, <-ownerErr, ErrCancelled)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	close(gate)
	res := <-waiterRes
	require.NotNil(t, res)
	assert.Equal(t, "ok", res.Value)
}

func TestEngine_FailuresAreCachedForTTL(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithFailureTTL(time.Minute))
	var now atomic.Int64
	now.Store(time.Now().UnixNano())
	f.engine.now = func() time.Time { return time.Unix(0, now.Load()) }

	var calls atomic.Int32
	f.engine.Register("broken", func(c *Context, key Key) (any, error) {
		calls.Add(1)
		return nil, errors.New("bad input")
	})

	tok := NewToken(context.Background())
	w := f.world()
	_, err := f.engine.Evaluate(tok, w, Key{Kind: "broken"})
	assert.ErrorIs(t, err, ErrInternal)
	_, err = f.engine.Evaluate(tok, w, Key{Kind: "broken"})
	var fe *FailureError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "bad input", fe.Err.Error())
	assert.Equal(t, int32(1), calls.Load())

	now.Add(int64(2 * time.Minute))
	_, err = f.engine.Evaluate(tok, w, Key{Kind: "broken"})
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, uint64(2), f.engine.Stats().Failures)
}

func TestEngine_PanicsBecomeFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.Register("boom", func(c *Context, key Key) (any, error) {
		panic("index out of range")
	})

	_, err := f.engine.Evaluate(NewToken(context.Background()), f.world(), Key{Kind: "boom"})
	var fe *FailureError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "index out of range", fe.Panic)
	assert.ErrorIs(t, err, ErrInternal)
}

func TestEngine_UnknownKindAndCycles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.Register("self", func(c *Context, key Key) (any, error) {
		return c.Query(key)
	})
	tok := NewToken(context.Background())

	_, err := f.engine.Evaluate(tok, f.world(), Key{Kind: "nope"})
	assert.ErrorIs(t, err, ErrInternal)

	_, err = f.engine.Evaluate(tok, f.world(), Key{Kind: "self"})
	assert.ErrorIs(t, err, ErrInternal)
	assert.Contains(t, err.Error(), "cycle")
}

func TestEngine_EvictionSparesPinnedEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithCapacity(4))
	f.engine.Register("echo", func(c *Context, key Key) (any, error) {
		return key.Arg, nil
	})
	tok := NewToken(context.Background())
	w := f.world()

	res, release, err := f.engine.Acquire(tok, w, Key{Kind: "echo", Arg: "0"})
	require.NoError(t, err)
	assert.Equal(t, "0", res.Value)

	for i := 1; i <= 5; i++ {
		_, err := f.engine.Evaluate(tok, w, Key{Kind: "echo", Arg: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	stats := f.engine.Stats()
	assert.Equal(t, 4, stats.Entries)
	assert.Equal(t, uint64(2), stats.Evictions)
	assert.True(t, f.engine.Cached(w, Key{Kind: "echo", Arg: "0"}))
	assert.False(t, f.engine.Cached(w, Key{Kind: "echo", Arg: "1"}))
	assert.True(t, f.engine.Cached(w, Key{Kind: "echo", Arg: "5"}))
	release()
	release()
}

func TestEngine_DoesNotOverwriteNewerRevision(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write("a.typ", "old")
	w1 := f.world()
	f.write("a.typ", "newer")
	w2 := f.world()
	calls := lengthOf(f.engine, "len")
	tok := NewToken(context.Background())
	key := Key{Kind: "len", Arg: "a.typ"}

	res, err := f.engine.Evaluate(tok, w2, key)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Value)

	res, err = f.engine.Evaluate(tok, w1, key)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Value)

	res, err = f.engine.Evaluate(tok, w2, key)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Value)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEngine_ConfigScopesResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var calls atomic.Int32
	f.engine.Register("font", func(c *Context, key Key) (any, error) {
		calls.Add(1)
		return c.World().Config().DefaultFont, nil
	})
	tok := NewToken(context.Background())
	snap := f.store.Current()

	res, err := f.engine.Evaluate(tok, f.builder.Build(snap, world.Config{DefaultFont: "A"}), Key{Kind: "font"})
	require.NoError(t, err)
	assert.Equal(t, "A", res.Value)
	res, err = f.engine.Evaluate(tok, f.builder.Build(snap, world.Config{DefaultFont: "B"}), Key{Kind: "font"})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Value)
	assert.Equal(t, int32(2), calls.Load())

	f.engine.Clear()
	assert.Equal(t, 0, f.engine.Stats().Entries)
}

func TestEngine_ReplacedEntryLeavesNoStaleIndexLinks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write("sel.typ", "a.typ")
	f.write("a.typ", "aaa")
	f.write("b.typ", "bb")
	f.engine.Register("indirect", func(c *Context, key Key) (any, error) {
		sel, err := c.File(vfs.LocalFile("sel.typ"))
		if err != nil {
			return nil, err
		}
		rec, err := c.File(vfs.LocalFile(string(sel.Content)))
		if err != nil {
			return nil, err
		}
		return len(rec.Content), nil
	})
	tok := NewToken(context.Background())
	key := Key{Kind: "indirect"}

	res, err := f.engine.Evaluate(tok, f.world(), key)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Value)

	f.write("sel.typ", "b.typ")
	res, err = f.engine.Evaluate(tok, f.world(), key)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Value)

	f.engine.indexMu.Lock()
	defer f.engine.indexMu.Unlock()
	assert.NotContains(t, f.engine.index, vfs.LocalFile("a.typ"))
	assert.Contains(t, f.engine.index, vfs.LocalFile("b.typ"))
	assert.Len(t, f.engine.index[vfs.LocalFile("sel.typ")], 1)
	assert.Equal(t, int64(1), f.engine.size.Load())
}
