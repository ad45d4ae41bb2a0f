// Package scheduler drives compilation of open documents. Each document runs
// a small state machine (Idle, Debouncing, Compiling, then Published or
// Superseded): edits are coalesced behind a debounce timer, a newer compile
// cancels the one it replaces, and subscribers see publications for a
// document in non-decreasing revision order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/jward/lectern/internal/analysis"
	"github.com/jward/lectern/internal/layout"
	"github.com/jward/lectern/internal/logging"
	"github.com/jward/lectern/internal/metrics"
	"github.com/jward/lectern/internal/query"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
	"github.com/jward/lectern/internal/world"
)

// DefaultDebounce is the quiet period after the last edit before a compile
// starts.
const DefaultDebounce = 75 * time.Millisecond

// ErrNotOpen is returned for operations on a document that is not open.
var ErrNotOpen = errors.New("scheduler: document not open")

// State is a document's scheduling state.
type State int

const (
	Idle State = iota
	Debouncing
	Compiling
	Published
	Superseded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Debouncing:
		return "debouncing"
	case Compiling:
		return "compiling"
	case Published:
		return "published"
	default:
		return "superseded"
	}
}

// Trigger decides which events start a compile.
type Trigger int

const (
	// OnType compiles after every edit once the debounce window passes.
	OnType Trigger = iota
	// OnSave compiles only when the document is saved.
	OnSave
	// Never compiles only on an explicit Flush.
	Never
)

// ParseTrigger maps "onType", "onSave" and "never" to a Trigger.
func ParseTrigger(s string) (Trigger, error) {
	switch s {
	case "onType", "":
		return OnType, nil
	case "onSave":
		return OnSave, nil
	case "never":
		return Never, nil
	}
	return OnType, fmt.Errorf("scheduler: unknown trigger %q", s)
}

// Publication is the outcome of one compile. Document is nil when the
// compile failed; Diagnostics then explain the failure.
type Publication struct {
	Task        uuid.UUID
	File        vfs.FileID
	Entry       vfs.FileID
	Revision    vfs.Revision
	Document    *layout.Document
	Diagnostics []syntax.Diagnostic
}

// Transition records a state change of one compile task.
type Transition struct {
	File     vfs.FileID
	Task     uuid.UUID
	From     State
	To       State
	Revision vfs.Revision
}

type task struct {
	id    uuid.UUID
	doc   *document
	entry vfs.FileID
	tok   *query.Token
	cfg   world.Config
}

type document struct {
	id      vfs.FileID
	trigger Trigger
	state   State
	seq     uint64
	timer   *time.Timer
	active  *task

	published vfs.Revision
	deps      map[vfs.FileID]bool
}

// Scheduler compiles open documents. It is safe for concurrent use.
type Scheduler struct {
	store    *vfs.Store
	builder  *world.Builder
	engine   *query.Engine
	debounce time.Duration
	sem      chan struct{}
	observe  func(Transition)
	log      *zap.Logger

	mu      sync.Mutex
	docs    map[vfs.FileID]*document
	cfg     world.Config
	pinned  vfs.FileID
	subs    map[*subscriber]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDebounce sets the coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.debounce = d
		}
	}
}

// WithWorkers bounds how many compiles run at once.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// WithConfig sets the configuration compiles are built with.
func WithConfig(cfg world.Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithObserver reports every task state change to fn. fn runs with the
// scheduler's lock held and must not call back into the scheduler.
func WithObserver(fn func(Transition)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

// New creates a Scheduler. Compiles evaluate the analysis query kinds, which
// must be registered on engine.
func New(store *vfs.Store, builder *world.Builder, engine *query.Engine, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		builder:  builder,
		engine:   engine,
		debounce: DefaultDebounce,
		sem:      make(chan struct{}, max(goruntime.NumCPU(), 1)),
		log:      logging.Named("scheduler"),
		docs:     make(map[vfs.FileID]*document),
		subs:     make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open starts tracking id with its editor content and schedules a compile
// unless trigger is Never.
func (s *Scheduler) Open(id vfs.FileID, content []byte, trigger Trigger) vfs.Revision {
	rev := s.store.Write(id, content)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return rev
	}
	d, ok := s.docs[id]
	if !ok {
		d = &document{id: id}
		s.docs[id] = d
	}
	d.trigger = trigger
	if trigger != Never {
		s.scheduleLocked(d)
	}
	return rev
}

// Edit publishes new editor content for an open document. A compile already
// running for it is superseded at once.
func (s *Scheduler) Edit(id vfs.FileID, content []byte) (vfs.Revision, error) {
	if !s.isOpen(id) {
		return 0, ErrNotOpen
	}
	rev := s.store.Write(id, content)
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok || s.stopped {
		return rev, nil
	}
	s.supersedeLocked(d)
	if d.trigger == OnType {
		s.scheduleLocked(d)
	}
	return rev, nil
}

// Save records that the buffer was written to disk. A non-nil content
// replaces the disk version and drops the overlay in one revision.
func (s *Scheduler) Save(id vfs.FileID, content []byte) (vfs.Revision, error) {
	if !s.isOpen(id) {
		return 0, ErrNotOpen
	}
	rev := s.store.Revision()
	if content != nil {
		rev = s.store.Apply(
			vfs.Change{ID: id, Content: content, Origin: vfs.OriginDisk},
			vfs.Change{ID: id, Clear: true},
		)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[id]; ok && !s.stopped && d.trigger != Never {
		s.scheduleLocked(d)
	}
	return rev, nil
}

// Close stops tracking id, cancels its work and drops its overlay.
func (s *Scheduler) Close(id vfs.FileID) error {
	s.mu.Lock()
	d, ok := s.docs[id]
	if ok {
		s.supersedeLocked(d)
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(s.docs, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}
	s.store.ClearOverlay(id)
	return nil
}

// Flush compiles id now, skipping the debounce window and the trigger.
func (s *Scheduler) Flush(id vfs.FileID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return ErrNotOpen
	}
	if s.stopped {
		return nil
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	s.startLocked(d)
	return nil
}

// Touch reacts to files changed outside the editor: every open document
// whose last compile read one of them is rescheduled. A document's own file
// is skipped, since its edits arrive through Edit and Save.
func (s *Scheduler) Touch(changed []vfs.FileID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for _, d := range s.docs {
		if d.trigger == Never {
			continue
		}
		for _, id := range changed {
			if id != d.id && d.deps[id] {
				s.scheduleLocked(d)
				break
			}
		}
	}
}

// Pin makes every compile use entry as its root document. The zero FileID
// unpins. Open documents are rescheduled.
func (s *Scheduler) Pin(entry vfs.FileID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned = entry
	s.rescheduleAllLocked()
}

// Pinned returns the pinned entry, if any.
func (s *Scheduler) Pinned() (vfs.FileID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned, s.pinned != vfs.FileID{}
}

// SetConfig replaces the compile configuration and reschedules open
// documents.
func (s *Scheduler) SetConfig(cfg world.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.rescheduleAllLocked()
}

// Config returns the compile configuration.
func (s *Scheduler) Config() world.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// State returns the state of id; Idle for documents that are not open.
func (s *Scheduler) State(id vfs.FileID) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[id]; ok {
		return d.state
	}
	return Idle
}

// Documents returns the open documents in no particular order.
func (s *Scheduler) Documents() []vfs.FileID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]vfs.FileID, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	return out
}

// Stop cancels all work, waits for running compiles and closes every
// subscription.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, d := range s.docs {
		if d.timer != nil {
			d.timer.Stop()
		}
		s.supersedeLocked(d)
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

func (s *Scheduler) isOpen(id vfs.FileID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[id]
	return ok
}

func (s *Scheduler) rescheduleAllLocked() {
	if s.stopped {
		return
	}
	for _, d := range s.docs {
		if d.trigger != Never {
			s.supersedeLocked(d)
			s.scheduleLocked(d)
		}
	}
}

func (s *Scheduler) transition(t *task, from, to State, rev vfs.Revision) {
	s.log.Debug("compile task",
		logging.String("file", t.doc.id.String()),
		logging.String("task", t.id.String()),
		logging.String("from", from.String()),
		logging.String("to", to.String()),
		logging.Uint64("revision", uint64(rev)),
	)
	if s.observe != nil {
		s.observe(Transition{File: t.doc.id, Task: t.id, From: from, To: to, Revision: rev})
	}
}

// scheduleLocked (re)starts the debounce timer of d. A timer that fires
// after a newer schedule sees a different seq and does nothing.
func (s *Scheduler) scheduleLocked(d *document) {
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	if d.state != Compiling {
		d.state = Debouncing
	}
	d.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped || s.docs[d.id] != d || d.seq != seq {
			return
		}
		d.timer = nil
		s.startLocked(d)
	})
}

// supersedeLocked cancels the running compile of d, if any. The document
// goes back to Debouncing when a timer is pending and to Idle otherwise.
func (s *Scheduler) supersedeLocked(d *document) {
	if d.active == nil {
		return
	}
	d.active.tok.Cancel()
	d.active = nil
	if d.state == Compiling {
		d.state = Idle
		if d.timer != nil {
			d.state = Debouncing
		}
	}
}

func (s *Scheduler) startLocked(d *document) {
	s.supersedeLocked(d)
	entry := d.id
	if s.pinned != (vfs.FileID{}) {
		entry = s.pinned
	}
	t := &task{
		id:    uuid.Must(uuid.NewV4()),
		doc:   d,
		entry: entry,
		tok:   query.NewToken(context.Background()),
		cfg:   s.cfg,
	}
	d.active = t
	d.state = Compiling
	metrics.RecordCompile("started")
	s.transition(t, Debouncing, Compiling, s.store.Revision())

	s.wg.Add(1)
	go s.run(t)
}

func (s *Scheduler) run(t *task) {
	defer s.wg.Done()
	select {
	case s.sem <- struct{}{}:
	case <-t.tok.Done():
		s.finish(t, nil, nil, query.ErrCancelled)
		return
	}
	defer func() { <-s.sem }()

	w := s.builder.Build(s.store.Current(), t.cfg)
	pub, deps, err := s.compile(t, w)
	s.finish(t, pub, deps, err)
}

// compile evaluates the entry compile and the document's own diagnostics.
func (s *Scheduler) compile(t *task, w *world.World) (*Publication, []vfs.FileID, error) {
	pub := &Publication{Task: t.id, File: t.doc.id, Entry: t.entry, Revision: w.Revision()}

	res, err := s.engine.Evaluate(t.tok, w, analysis.CompileKey(t.entry))
	if err != nil {
		if errors.Is(err, query.ErrCancelled) {
			return nil, nil, err
		}
		pub.Diagnostics = []syntax.Diagnostic{failure(t.doc.id, err)}
		return pub, nil, nil
	}
	deps := res.Deps()
	compiled := res.Value.(*analysis.Compiled)
	pub.Document = compiled.Document

	seen := make(map[syntax.Diagnostic]bool)
	add := func(ds []syntax.Diagnostic) {
		for _, d := range ds {
			if !seen[d] {
				seen[d] = true
				pub.Diagnostics = append(pub.Diagnostics, d)
			}
		}
	}
	add(compiled.Diagnostics)

	res, err = s.engine.Evaluate(t.tok, w, analysis.DiagnosticsKey(t.doc.id))
	switch {
	case errors.Is(err, query.ErrCancelled):
		return nil, nil, err
	case err != nil:
		add([]syntax.Diagnostic{failure(t.doc.id, err)})
	default:
		deps = append(deps, res.Deps()...)
		add(res.Value.([]syntax.Diagnostic))
	}
	return pub, deps, nil
}

func failure(file vfs.FileID, err error) syntax.Diagnostic {
	return syntax.Diagnostic{
		File:     file,
		Severity: syntax.SeverityError,
		Kind:     syntax.KindInternal,
		Message:  err.Error(),
	}
}

// finish publishes pub unless t was superseded. Publication happens under
// the lock so subscribers observe revisions in order.
func (s *Scheduler) finish(t *task, pub *Publication, deps []vfs.FileID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := t.doc

	current := d.active == t && s.docs[d.id] == d && !s.stopped
	if err != nil || !current || t.tok.Cancelled() || pub.Revision < d.published {
		if d.active == t {
			d.active = nil
			d.state = Superseded
		}
		t.tok.Cancel()
		metrics.RecordCompile("superseded")
		s.transition(t, Compiling, Superseded, s.store.Revision())
		return
	}

	d.active = nil
	d.state = Published
	d.published = pub.Revision
	d.deps = make(map[vfs.FileID]bool, len(deps))
	for _, id := range deps {
		d.deps[id] = true
	}
	t.tok.Cancel()
	metrics.RecordCompile("published")
	s.transition(t, Compiling, Published, pub.Revision)

	for sub := range s.subs {
		sub.deliver(*pub)
	}
}
