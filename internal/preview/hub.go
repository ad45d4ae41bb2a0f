package preview

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/jward/lectern/internal/layout"
	"github.com/jward/lectern/internal/logging"
	"github.com/jward/lectern/internal/metrics"
	"github.com/jward/lectern/internal/vfs"
)

// DefaultOutbox is how many publications a session may fall behind before
// it is resynchronized with a full frame set.
const DefaultOutbox = 4

var (
	// ErrClosed is returned by Next once a session has ended.
	ErrClosed = errors.New("preview: session closed")
	// ErrUnknownSession is returned for a session id the hub does not know.
	ErrUnknownSession = errors.New("preview: unknown session")
)

// Message is sent from the server to a viewer.
type Message struct {
	Type     string    `json:"type"` // "frames" or "scroll"
	Revision uint64    `json:"revision,omitempty"`
	Full     bool      `json:"full,omitempty"`
	Ops      []Op      `json:"ops,omitempty"`
	Scroll   *Position `json:"scroll,omitempty"`
}

// ClientMessage is sent from a viewer to the server. Type is "resync" or
// "jump"; a jump carries the clicked position.
type ClientMessage struct {
	Type  string  `json:"type"`
	Frame int     `json:"frame"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Session is one connected viewer. Its known frames are what it was last
// sent; updates are diffed against them when the viewer is ready to
// receive, so a slow viewer skips intermediate frame sets.
type Session struct {
	id   uuid.UUID
	hub  *Hub
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	known   []string
	pending *FrameSet
	backlog int
	full    bool
	scroll  *Position
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// push queues fs for the viewer. A set older than the one already pending
// is dropped.
func (s *Session) push(fs *FrameSet) {
	s.mu.Lock()
	if s.pending != nil && fs.Revision < s.pending.Revision {
		s.mu.Unlock()
		return
	}
	s.pending = fs
	s.backlog++
	if s.backlog > s.hub.outbox {
		s.full = true
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

// Next blocks until there is something to send and returns it. Frame
// updates go before scroll requests.
func (s *Session) Next(ctx context.Context) (Message, error) {
	for {
		select {
		case <-s.done:
			return Message{}, ErrClosed
		default:
		}
		if msg, ok := s.take(); ok {
			return msg, nil
		}
		select {
		case <-s.wake:
		case <-s.done:
			return Message{}, ErrClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (s *Session) take() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fs := s.pending; fs != nil {
		full := s.full || s.known == nil
		if s.full {
			s.known = nil
			metrics.RecordResync()
		}
		ops := Diff(fs.Frames, s.known)
		for _, op := range ops {
			metrics.RecordFrameOp(string(op.Kind))
		}
		s.known = fs.Hashes()
		s.pending, s.backlog, s.full = nil, 0, false
		return Message{Type: "frames", Revision: uint64(fs.Revision), Full: full, Ops: ops}, true
	}
	if p := s.scroll; p != nil {
		s.scroll = nil
		return Message{Type: "scroll", Scroll: p}, true
	}
	return Message{}, false
}

// Handle processes a message from the viewer.
func (s *Session) Handle(m ClientMessage) error {
	switch m.Type {
	case "resync":
		return s.hub.Resync(s.id)
	case "jump":
		s.hub.jump(Position{Frame: m.Frame, X: m.X, Y: m.Y})
		return nil
	}
	return errors.New("preview: unknown message type " + m.Type)
}

// Hub fans frame sets out to sessions. Publishing never blocks on a viewer.
type Hub struct {
	outbox int
	onJump func(file vfs.FileID, off int)
	log    *zap.Logger

	mu       sync.Mutex
	current  *FrameSet
	sessions map[uuid.UUID]*Session
}

// Option configures a Hub.
type Option func(*Hub)

// WithOutbox sets how far a session may fall behind before it is sent a full
// frame set.
func WithOutbox(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.outbox = n
		}
	}
}

// WithJump sets the callback for viewer clicks mapped back to source.
func WithJump(fn func(file vfs.FileID, off int)) Option {
	return func(h *Hub) { h.onJump = fn }
}

// NewHub creates a Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		outbox:   DefaultOutbox,
		log:      logging.Named("preview"),
		sessions: make(map[uuid.UUID]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach registers a new viewer. It is sent the current frames in full.
func (h *Hub) Attach() *Session {
	s := &Session{
		id:   uuid.Must(uuid.NewV4()),
		hub:  h,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	if h.current != nil {
		s.push(h.current)
	}
	h.mu.Unlock()
	metrics.SessionOpened()
	h.log.Debug("session attached", logging.String("session", s.id.String()))
	return s
}

// Detach removes a session whose viewer went away.
func (h *Hub) Detach(id uuid.UUID) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		s.close()
		metrics.SessionClosed()
		h.log.Debug("session detached", logging.String("session", id.String()))
	}
}

// Close ends a session from the server side.
func (h *Hub) Close(id uuid.UUID) error {
	h.mu.Lock()
	_, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	h.Detach(id)
	return nil
}

// Shutdown ends every session.
func (h *Hub) Shutdown() {
	for _, id := range h.Sessions() {
		h.Detach(id)
	}
}

// Sessions lists the attached session ids.
func (h *Hub) Sessions() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uuid.UUID, 0, len(h.sessions))
	for id := range h.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Current returns the latest frame set, or nil.
func (h *Hub) Current() *FrameSet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Publish renders doc and pushes it to every session. A nil doc, from a
// failed compile, keeps the last frames. Frame sets older than the current
// one are ignored.
func (h *Hub) Publish(doc *layout.Document, rev vfs.Revision) *FrameSet {
	if doc == nil {
		return h.Current()
	}
	fs := Render(doc, rev)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil && rev < h.current.Revision {
		return h.current
	}
	h.current = fs
	// Pushes happen under the lock so every session sees frame sets in
	// revision order.
	for _, s := range h.sessions {
		s.push(fs)
	}
	return fs
}

// Resync makes the session's next update a full frame set.
func (h *Hub) Resync(id uuid.UUID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	s.mu.Lock()
	s.known = nil
	s.full = true
	if h.current != nil {
		s.pending = h.current
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// ScrollAll asks every viewer to show the frame position of a source
// offset. It reports whether the offset maps to a frame.
func (h *Hub) ScrollAll(file vfs.FileID, off int) bool {
	pos, ok := h.SourceToFrame(file, off)
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		s.mu.Lock()
		p := pos
		s.scroll = &p
		s.mu.Unlock()
		s.notify()
	}
	return true
}

// SourceToFrame maps a source offset through the current frames.
func (h *Hub) SourceToFrame(file vfs.FileID, off int) (Position, bool) {
	return h.Current().SourceToFrame(file, off)
}

// FrameToSource maps a frame position through the current frames.
func (h *Hub) FrameToSource(pos Position) (vfs.FileID, int, bool) {
	return h.Current().FrameToSource(pos)
}

func (h *Hub) jump(pos Position) {
	file, off, ok := h.FrameToSource(pos)
	if !ok || h.onJump == nil {
		return
	}
	h.onJump(file, off)
}
