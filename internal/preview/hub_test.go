package preview

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/lectern/internal/layout"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
)

var mainFile = vfs.LocalFile("main.typ")

// pages builds a document with one item per page, each spanning ten bytes
// of main.typ in order.
func pages(texts ...string) *layout.Document {
	doc := &layout.Document{Entry: mainFile}
	for i, text := range texts {
		doc.Pages = append(doc.Pages, layout.Page{
			Width:  595,
			Height: 842,
			Items: []layout.Item{{
				File: mainFile,
				Span: syntax.Span{Start: i * 10, End: i*10 + 9},
				X:    72,
				Y:    100,
				Text: text,
				Font: "Inria Serif",
			}},
		})
	}
	return doc
}

func next(t *testing.T, s *Session) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := s.Next(ctx)
	require.NoError(t, err)
	return msg
}

func idle(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRender_HashIgnoresSourcePosition(t *testing.T) {
	a := Render(pages("one", "two"), 1)
	moved := pages("one", "two")
	moved.Pages[1].Items[0].Span = syntax.Span{Start: 400, End: 409}
	b := Render(moved, 2)

	assert.Equal(t, a.Hashes(), b.Hashes())
	assert.NotEqual(t, a.Frames[0].Hash, a.Frames[1].Hash)

	c := Render(pages("one", "too"), 3)
	assert.Equal(t, a.Frames[0].Hash, c.Frames[0].Hash)
	assert.NotEqual(t, a.Frames[1].Hash, c.Frames[1].Hash)
}

func TestRender_EscapesText(t *testing.T) {
	fs := Render(pages("a < b & c"), 1)
	require.Len(t, fs.Frames, 1)
	assert.Contains(t, fs.Frames[0].SVG, "a &lt; b &amp; c")
	assert.True(t, strings.HasPrefix(fs.Frames[0].SVG, "<svg"))
	assert.Equal(t, 595.0, fs.Frames[0].Width)
}

func TestHub_AttachGetsFullSet(t *testing.T) {
	h := NewHub()
	h.Publish(pages("a", "b", "c"), 1)

	s := h.Attach()
	msg := next(t, s)
	assert.Equal(t, "frames", msg.Type)
	assert.True(t, msg.Full)
	assert.Equal(t, uint64(1), msg.Revision)
	require.Len(t, msg.Ops, 3)
	for _, op := range msg.Ops {
		assert.Equal(t, OpInsert, op.Kind)
	}
	idle(t, s)
}

func TestHub_PublishSendsDiff(t *testing.T) {
	h := NewHub()
	s := h.Attach()
	idle(t, s)

	h.Publish(pages("a", "b", "c"), 1)
	assert.True(t, next(t, s).Full)

	h.Publish(pages("a", "B", "c"), 2)
	msg := next(t, s)
	assert.False(t, msg.Full)
	assert.Equal(t, uint64(2), msg.Revision)
	require.Len(t, msg.Ops, 1)
	assert.Equal(t, OpReplace, msg.Ops[0].Kind)
	assert.Equal(t, 1, msg.Ops[0].Index)
}

func TestHub_FailedCompileKeepsFrames(t *testing.T) {
	h := NewHub()
	first := h.Publish(pages("a"), 1)
	s := h.Attach()
	next(t, s)

	assert.Same(t, first, h.Publish(nil, 2))
	assert.Same(t, first, h.Current())
	idle(t, s)
}

func TestHub_OlderRevisionIgnored(t *testing.T) {
	h := NewHub()
	cur := h.Publish(pages("a"), 5)
	assert.Same(t, cur, h.Publish(pages("stale"), 3))
	assert.Equal(t, vfs.Revision(5), h.Current().Revision)
}

func TestHub_OlderPushDoesNotReplacePending(t *testing.T) {
	h := NewHub()
	s := h.Attach()
	newer := Render(pages("new"), 4)
	s.push(newer)
	s.push(Render(pages("old"), 2))

	msg := next(t, s)
	assert.Equal(t, uint64(4), msg.Revision)
	idle(t, s)
}

func TestHub_AttachRacingPublishEndsOnLatest(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := NewHub()
		h.Publish(pages("a"), 1)

		var wg sync.WaitGroup
		var s *Session
		wg.Add(2)
		go func() {
			defer wg.Done()
			s = h.Attach()
		}()
		go func() {
			defer wg.Done()
			h.Publish(pages("b"), 2)
		}()
		wg.Wait()

		var last uint64
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			msg, err := s.Next(ctx)
			cancel()
			if err != nil {
				break
			}
			if msg.Type == "frames" {
				last = msg.Revision
			}
		}
		require.Equal(t, uint64(2), last, "iteration %d", i)
	}
}

func TestHub_SlowViewerSkipsIntermediateSets(t *testing.T) {
	h := NewHub(WithOutbox(3))
	s := h.Attach()
	h.Publish(pages("a", "b"), 1)
	next(t, s)

	h.Publish(pages("a", "x"), 2)
	h.Publish(pages("a", "y"), 3)
	msg := next(t, s)
	assert.False(t, msg.Full)
	assert.Equal(t, uint64(3), msg.Revision)
	require.Len(t, msg.Ops, 1)
	assert.Equal(t, OpReplace, msg.Ops[0].Kind)
	idle(t, s)
}

func TestHub_BacklogBeyondOutboxResyncs(t *testing.T) {
	h := NewHub(WithOutbox(2))
	s := h.Attach()
	h.Publish(pages("a", "b"), 1)
	next(t, s)

	for rev := vfs.Revision(2); rev <= 4; rev++ {
		h.Publish(pages("a", "b", strings.Repeat("c", int(rev))), rev)
	}
	msg := next(t, s)
	assert.True(t, msg.Full)
	assert.Equal(t, uint64(4), msg.Revision)
	assert.Len(t, msg.Ops, 3)
}

func TestHub_Resync(t *testing.T) {
	h := NewHub()
	s := h.Attach()
	h.Publish(pages("a", "b"), 1)
	next(t, s)

	require.NoError(t, s.Handle(ClientMessage{Type: "resync"}))
	msg := next(t, s)
	assert.True(t, msg.Full)
	assert.Len(t, msg.Ops, 2)

	assert.ErrorIs(t, h.Resync(uuid.Must(uuid.NewV4())), ErrUnknownSession)
}

func TestHub_ScrollFollowsCursor(t *testing.T) {
	h := NewHub()
	s := h.Attach()
	assert.False(t, h.ScrollAll(mainFile, 5), "no frames yet")

	h.Publish(pages("a", "b", "c"), 1)
	next(t, s)

	require.True(t, h.ScrollAll(mainFile, 24))
	msg := next(t, s)
	assert.Equal(t, "scroll", msg.Type)
	require.NotNil(t, msg.Scroll)
	assert.Equal(t, Position{Frame: 2, X: 72, Y: 100}, *msg.Scroll)

	assert.False(t, h.ScrollAll(vfs.LocalFile("other.typ"), 0))
}

func TestHub_FramesGoBeforeScroll(t *testing.T) {
	h := NewHub()
	s := h.Attach()
	h.Publish(pages("a", "b"), 1)
	require.True(t, h.ScrollAll(mainFile, 12))

	assert.Equal(t, "frames", next(t, s).Type)
	assert.Equal(t, "scroll", next(t, s).Type)
}

func TestHub_PositionSync(t *testing.T) {
	h := NewHub()
	h.Publish(pages("a", "b"), 1)

	pos, ok := h.SourceToFrame(mainFile, 13)
	require.True(t, ok)
	assert.Equal(t, 1, pos.Frame)

	file, off, ok := h.FrameToSource(Position{Frame: 1, Y: 120})
	require.True(t, ok)
	assert.Equal(t, mainFile, file)
	assert.Equal(t, 10, off)

	_, _, ok = h.FrameToSource(Position{Frame: 7})
	assert.False(t, ok)
}

func TestHub_JumpCallsBack(t *testing.T) {
	type jump struct {
		file vfs.FileID
		off  int
	}
	jumps := make(chan jump, 1)
	h := NewHub(WithJump(func(file vfs.FileID, off int) { jumps <- jump{file, off} }))
	h.Publish(pages("a", "b"), 1)
	s := h.Attach()

	require.NoError(t, s.Handle(ClientMessage{Type: "jump", Frame: 1, X: 80, Y: 101}))
	select {
	case j := <-jumps:
		assert.Equal(t, jump{mainFile, 10}, j)
	case <-time.After(time.Second):
		t.Fatal("no jump")
	}

	assert.ErrorContains(t, s.Handle(ClientMessage{Type: "zoom"}), "unknown message type zoom")
}

func TestHub_CloseAndShutdown(t *testing.T) {
	h := NewHub()
	a, b := h.Attach(), h.Attach()
	assert.Len(t, h.Sessions(), 2)

	require.NoError(t, h.Close(a.ID()))
	_, err := a.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.Close(a.ID()), ErrUnknownSession)

	h.Shutdown()
	assert.Empty(t, h.Sessions())
	_, err = b.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
