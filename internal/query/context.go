package query

import (
	"fmt"
	"sync"

	"github.com/jward/lectern/internal/fonts"
	"github.com/jward/lectern/internal/syntax"
	"github.com/jward/lectern/internal/vfs"
	"github.com/jward/lectern/internal/world"
)

// Context is handed to a query function. Every input read through it is
// recorded as a dependency of the result. A Context implements layout.Env.
type Context struct {
	eng   *Engine
	world *world.World
	tok   *Token
	key   Key
	stack []Key

	mu     sync.Mutex
	deps   map[vfs.FileID]string
	pinned []*entry
}

func newContext(eng *Engine, w *world.World, tok *Token, key Key, stack []Key) *Context {
	return &Context{
		eng:   eng,
		world: w,
		tok:   tok,
		key:   key,
		stack: append(stack[:len(stack):len(stack)], key),
		deps:  make(map[vfs.FileID]string),
	}
}

// World returns the World the query is evaluated against. Reading it
// directly bypasses dependency tracking.
func (c *Context) World() *world.World { return c.world }

// Token returns the cancellation token of the evaluation.
func (c *Context) Token() *Token { return c.tok }

// Key returns the key being computed.
func (c *Context) Key() Key { return c.key }

// Depend records id as an input at its current fingerprint.
func (c *Context) Depend(id vfs.FileID) {
	fp := c.world.Fingerprint(id)
	c.mu.Lock()
	c.deps[id] = fp
	c.mu.Unlock()
}

// File reads a file.
func (c *Context) File(id vfs.FileID) (*vfs.FileRecord, error) {
	c.Depend(id)
	return c.world.File(id)
}

// Source returns the parsed source of a file.
func (c *Context) Source(id vfs.FileID) (*syntax.Source, error) {
	c.Depend(id)
	return c.world.Source(id)
}

// Files lists the live files and depends on the listing.
func (c *Context) Files() []vfs.FileID {
	c.Depend(world.ListingID)
	return c.world.Files()
}

// ResolveImport resolves an import. The resolved or candidate file becomes a
// dependency, so a missing import is retried once the file appears.
func (c *Context) ResolveImport(path string, from vfs.FileID) (vfs.FileID, error) {
	id, err := c.world.ResolveImport(c.tok.Context(), path, from)
	if id != (vfs.FileID{}) {
		c.Depend(id)
	}
	if err != nil && c.tok.Cancelled() {
		return id, ErrCancelled
	}
	return id, err
}

// Font resolves a font. Font results are covered by the config fingerprint
// and need no file dependency.
func (c *Context) Font(q fonts.Query) (*fonts.Handle, error) {
	return c.world.Font(q)
}

// ResolveFont returns the family used for the requested one.
func (c *Context) ResolveFont(family string) (string, error) {
	h, err := c.world.Font(fonts.Query{Family: family})
	if err != nil {
		return "", err
	}
	return h.Family, nil
}

// Checkpoint returns ErrCancelled once the evaluation should stop.
func (c *Context) Checkpoint() error { return c.tok.Check() }

// Query evaluates a nested query against the same World and token. The
// nested result's dependencies become dependencies of this query, and the
// nested entry stays pinned until this query finishes.
func (c *Context) Query(key Key) (any, error) {
	for _, k := range c.stack {
		if k == key {
			return nil, &FailureError{Key: key, Err: fmt.Errorf("dependency cycle through %s", c.key)}
		}
	}
	res, ent, err := c.eng.evaluate(c.tok, c.world, key, c.stack)
	if ent != nil {
		c.mu.Lock()
		c.pinned = append(c.pinned, ent)
		c.mu.Unlock()
	}
	var deps map[vfs.FileID]string
	switch {
	case res != nil:
		deps = res.deps
	case ent != nil:
		deps = ent.deps
	}
	c.mu.Lock()
	for id, fp := range deps {
		c.deps[id] = fp
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// release unpins every nested entry.
func (c *Context) release() {
	c.mu.Lock()
	pinned := c.pinned
	c.pinned = nil
	c.mu.Unlock()
	for _, e := range pinned {
		e.pins.Add(-1)
	}
}
