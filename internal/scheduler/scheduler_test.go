package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/lectern/internal/analysis"
	"github.com/jward/lectern/internal/layout"
	"github.com/jward/lectern/internal/markup"
	"github.com/jward/lectern/internal/query"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
	"github.com/jward/lectern/internal/world"
)

// gateCompiler wraps the markup compiler. While gate is open (non-nil and
// not closed) compiles wait, polling for cancellation.
type gateCompiler struct {
	inner   layout.Compiler
	started chan vfs.FileID
	panics  atomic.Bool

	mu   sync.Mutex
	gate chan struct{}
}

func (g *gateCompiler) hold() {
	g.mu.Lock()
	g.gate = make(chan struct{})
	g.mu.Unlock()
}

func (g *gateCompiler) release() {
	g.mu.Lock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
	g.mu.Unlock()
}

func (g *gateCompiler) Compile(env layout.Env, entry vfs.FileID) (*layout.Document, []syntax.Diagnostic, error) {
	select {
	case g.started <- entry:
	default:
	}
	if g.panics.Load() {
		panic("layout exploded")
	}
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	for gate != nil {
		select {
		case <-gate:
			gate = nil
		case <-time.After(time.Millisecond):
			if err := env.Checkpoint(); err != nil {
				return nil, nil, err
			}
		}
	}
	return g.inner.Compile(env, entry)
}

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) observe(t Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, t)
	r.mu.Unlock()
}

func (r *recorder) count(to State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.transitions {
		if t.To == to {
			n++
		}
	}
	return n
}

type fixture struct {
	store    *vfs.Store
	compiler *gateCompiler
	rec      *recorder
	sched    *Scheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := vfs.NewStore()
	compiler := &gateCompiler{inner: markup.NewCompiler(), started: make(chan vfs.FileID, 64)}
	engine := query.New()
	require.NoError(t, analysis.New(compiler).Register(engine))
	rec := &recorder{}

	opts = append([]Option{WithDebounce(5 * time.Millisecond), WithObserver(rec.observe)}, opts...)
	s := New(store, world.NewBuilder(markup.NewParser(), nil, nil), engine, opts...)
	t.Cleanup(s.Stop)
	return &fixture{store: store, compiler: compiler, rec: rec, sched: s}
}

var mainFile = vfs.LocalFile("main.typ")

func await(t *testing.T, ch <-chan Publication, match func(Publication) bool) Publication {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case p, ok := <-ch:
			require.True(t, ok, "subscription closed")
			if match == nil || match(p) {
				return p
			}
		case <-deadline:
			t.Fatal("no matching publication")
		}
	}
}

func quiet(t *testing.T, ch <-chan Publication, d time.Duration) {
	t.Helper()
	select {
	case p := <-ch:
		t.Fatalf("unexpected publication at revision %d", p.Revision)
	case <-time.After(d):
	}
}

func TestScheduler_PublishesParseError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, cancel := f.sched.Subscribe()
	defer cancel()

	rev := f.sched.Open(mainFile, []byte("Hello [world"), OnType)
	p := await(t, ch, nil)

	assert.Equal(t, rev, p.Revision)
	assert.Equal(t, mainFile, p.File)
	assert.Equal(t, mainFile, p.Entry)
	require.NotNil(t, p.Document)
	require.Len(t, p.Diagnostics, 1)
	assert.Equal(t, syntax.KindParse, p.Diagnostics[0].Kind)
	assert.Equal(t, syntax.Span{Start: 6, End: 7}, p.Diagnostics[0].Span)
	assert.Equal(t, Published, f.sched.State(mainFile))
}

func TestScheduler_EditMidCompileSupersedes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, cancel := f.sched.Subscribe()
	defer cancel()

	f.compiler.hold()
	f.sched.Open(mainFile, []byte("first"), OnType)
	select {
	case <-f.compiler.started:
	case <-time.After(3 * time.Second):
		t.Fatal("first compile never started")
	}
	assert.Equal(t, Compiling, f.sched.State(mainFile))

	rev, err := f.sched.Edit(mainFile, []byte("second ]"))
	require.NoError(t, err)
	f.compiler.release()

	p := await(t, ch, nil)
	assert.Equal(t, rev, p.Revision)
	require.Len(t, p.Diagnostics, 1)
	assert.Equal(t, "unexpected closing bracket", p.Diagnostics[0].Message)
	quiet(t, ch, 50*time.Millisecond)

	assert.Equal(t, 1, f.rec.count(Published))
	assert.Equal(t, 1, f.rec.count(Superseded))
}

func TestScheduler_DebounceCoalescesEdits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithDebounce(100*time.Millisecond))
	ch, cancel := f.sched.Subscribe()
	defer cancel()

	f.sched.Open(mainFile, []byte("v0"), OnType)
	var last vfs.Revision
	for _, text := range []string{"v1", "v2", "v3", "v4"} {
		rev, err := f.sched.Edit(mainFile, []byte(text))
		require.NoError(t, err)
		last = rev
	}
	assert.Equal(t, Debouncing, f.sched.State(mainFile))

	p := await(t, ch, nil)
	assert.Equal(t, last, p.Revision)
	quiet(t, ch, 150*time.Millisecond)
	assert.Equal(t, 1, f.rec.count(Compiling))
}

func TestScheduler_PublicationsAreMonotone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithDebounce(0), WithWorkers(4))
	ch, cancel := f.sched.Subscribe()
	defer cancel()

	f.sched.Open(mainFile, []byte("start"), OnType)
	var last vfs.Revision
	for i := 0; i < 30; i++ {
		rev, err := f.sched.Edit(mainFile, []byte("edit "+string(rune('a'+i%26))))
		require.NoError(t, err)
		last = rev
	}

	var seen []vfs.Revision
	await(t, ch, func(p Publication) bool {
		seen = append(seen, p.Revision)
		return p.Revision == last
	})
	for i := 1; i < len(seen); i++ {
		assert.LessOrEqual(t, seen[i-1], seen[i])
	}
}

func TestScheduler_OnSaveWaitsForSave(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, cancel := f.sched.Subscribe()
	defer cancel()

	f.sched.Open(mainFile, []byte("draft"), OnSave)
	await(t, ch, nil)

	rev, err := f.sched.Edit(mainFile, []byte("typed ]"))
	require.NoError(t, err)
	quiet(t, ch, 40*time.Millisecond)
	assert.Equal(t, Published, f.sched.State(mainFile))

	_, err = f.sched.Save(mainFile, nil)
	require.NoError(t, err)
	p := await(t, ch, nil)
	assert.Equal(t, rev, p.Revision)
	assert.Len(t, p.Diagnostics, 1)

	saveRev, err := f.sched.Save(mainFile, []byte("saved"))
	require.NoError(t, err)
	p = await(t, ch, nil)
	assert.Equal(t, saveRev, p.Revision)
	assert.Empty(t, p.Diagnostics)

	rec, err := f.store.Current().Read(mainFile)
	require.NoError(t, err)
	assert.Equal(t, vfs.OriginDisk, rec.Origin)
}

func TestScheduler_OnSaveEditMidCompileIsIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, cancel := f.sched.Subscribe()
	defer cancel()

	f.sched.Open(mainFile, []byte("draft"), OnSave)
	await(t, ch, nil)
	<-f.compiler.started

	f.compiler.hold()
	_, err := f.sched.Save(mainFile, nil)
	require.NoError(t, err)
	select {
	case <-f.compiler.started:
	case <-time.After(3 * time.Second):
		t.Fatal("save compile never started")
	}
	assert.Equal(t, Compiling, f.sched.State(mainFile))

	_, err = f.sched.Edit(mainFile, []byte("typed"))
	require.NoError(t, err)
	assert.Equal(t, Idle, f.sched.State(mainFile))

	f.compiler.release()
	quiet(t, ch, 40*time.Millisecond)
	assert.Equal(t, Idle, f.sched.State(mainFile))
	assert.Equal(t, 1, f.rec.count(Superseded))
}

func TestScheduler_NeverCompilesOnlyOnFlush(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, cancel := f.sched.Subscribe()
	defer cancel()

	f.sched.Open(mainFile, []byte("quiet"), Never)
	_, err := f.sched.Edit(mainFile, []byte("still quiet"))
	require.NoError(t, err)
	quiet(t, ch, 40*time.Millisecond)
	assert.Equal(t, Idle, f.sched.State(mainFile))

	require.NoError(t, f.sched.Flush(mainFile))
	p := await(t, ch, nil)
	assert.NotNil(t, p.Document)
	assert.ErrorIs(t, f.sched.Flush(vfs.LocalFile("other.typ")), ErrNotOpen)
}

func TestScheduler_TouchReschedulesDependents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, cancel := f.sched.Subscribe()
	defer cancel()

	chapter := vfs.LocalFile("chapter.typ")
	f.store.WriteDisk(chapter, []byte("Chapter one\n"))
	f.sched.Open(mainFile, []byte("#include \"chapter.typ\"\n"), OnType)
	await(t, ch, nil)

	f.sched.Touch([]vfs.FileID{vfs.LocalFile("unrelated.typ")})
	quiet(t, ch, 40*time.Millisecond)

	rev := f.store.WriteDisk(chapter, []byte("Chapter ]\n"))
	f.sched.Touch([]vfs.FileID{chapter})
	p := await(t, ch, nil)
	assert.Equal(t, rev, p.Revision)
	require.Len(t, p.Diagnostics, 1)
	assert.Equal(t, chapter, p.Diagnostics[0].File)
}

func TestScheduler_PinnedEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, cancel := f.sched.Subscribe()
	defer cancel()

	f.store.WriteDisk(mainFile, []byte("#include \"part.typ\"\n"))
	f.sched.Pin(mainFile)
	entry, ok := f.sched.Pinned()
	require.True(t, ok)
	assert.Equal(t, mainFile, entry)

	part := vfs.LocalFile("part.typ")
	f.sched.Open(part, []byte("Part text\n"), OnType)
	p := await(t, ch, nil)
	assert.Equal(t, part, p.File)
	assert.Equal(t, mainFile, p.Entry)
	require.NotNil(t, p.Document)
	assert.Equal(t, mainFile, p.Document.Entry)

	f.sched.Pin(vfs.FileID{})
	p = await(t, ch, nil)
	assert.Equal(t, part, p.Entry)
}

func TestScheduler_CompileFailureIsPublished(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, cancel := f.sched.Subscribe()
	defer cancel()

	f.compiler.panics.Store(true)
	f.sched.Open(mainFile, []byte("boom"), OnType)
	p := await(t, ch, nil)
	assert.Nil(t, p.Document)
	require.Len(t, p.Diagnostics, 1)
	assert.Equal(t, syntax.KindInternal, p.Diagnostics[0].Kind)
	assert.Contains(t, p.Diagnostics[0].Message, "layout exploded")
}

func TestScheduler_CloseAndStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, cancel := f.sched.Subscribe()
	defer cancel()

	f.compiler.hold()
	f.sched.Open(mainFile, []byte("text"), OnType)
	<-f.compiler.started
	require.NoError(t, f.sched.Close(mainFile))
	f.compiler.release()
	quiet(t, ch, 40*time.Millisecond)

	assert.Equal(t, Idle, f.sched.State(mainFile))
	assert.ErrorIs(t, f.sched.Close(mainFile), ErrNotOpen)
	_, err := f.sched.Edit(mainFile, []byte("x"))
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = f.store.Current().Read(mainFile)
	assert.Error(t, err, "overlay without disk content is dropped")

	f.sched.Stop()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Empty(t, f.sched.Documents())
}

func TestSubscriber_KeepsLatestPerFile(t *testing.T) {
	t.Parallel()
	sub := &subscriber{
		pending: make(map[vfs.FileID]Publication),
		last:    make(map[vfs.FileID]vfs.Revision),
		wake:    make(chan struct{}, 1),
	}
	a, b := vfs.LocalFile("a.typ"), vfs.LocalFile("b.typ")
	sub.deliver(Publication{File: a, Revision: 3})
	sub.deliver(Publication{File: b, Revision: 4})
	sub.deliver(Publication{File: a, Revision: 2})
	sub.deliver(Publication{File: a, Revision: 5})

	p, ok := sub.next()
	require.True(t, ok)
	assert.Equal(t, a, p.File)
	assert.Equal(t, vfs.Revision(5), p.Revision)
	p, ok = sub.next()
	require.True(t, ok)
	assert.Equal(t, b, p.File)
	_, ok = sub.next()
	assert.False(t, ok)
}

func TestParseTrigger(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Trigger{"": OnType, "onType": OnType, "onSave": OnSave, "never": Never} {
		got, err := ParseTrigger(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTrigger("sometimes")
	assert.Error(t, err)
}
