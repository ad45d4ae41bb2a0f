// Package query is a demand-driven memoization engine. Query functions read
// inputs through a Context, which records the fingerprint of every file they
// touch; a cached result is reused for a later World only while all of those
// fingerprints still match.
package query

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jward/lectern/internal/vfs"
)

// ErrInternal matches every *FailureError.
var ErrInternal = errors.New("query: internal failure")

// Key identifies a query: a kind registered with the engine and an argument,
// typically a file or a file plus position.
type Key struct {
	Kind string
	Arg  string
}

func (k Key) String() string { return k.Kind + "(" + k.Arg + ")" }

// Func computes the value of a query. It reads inputs only through c.
type Func func(c *Context, key Key) (any, error)

// Result is a memoized query value with the inputs it was computed from.
// Results are shared between callers and must not be mutated.
type Result struct {
	Key      Key
	Value    any
	Revision vfs.Revision

	deps map[vfs.FileID]string
}

// Deps returns the files the result depends on, sorted.
func (r *Result) Deps() []vfs.FileID {
	ids := make([]vfs.FileID, 0, len(r.deps))
	for id := range r.deps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// DependsOn reports whether id was read while computing r.
func (r *Result) DependsOn(id vfs.FileID) bool {
	_, ok := r.deps[id]
	return ok
}

// FailureError is a query function that failed or panicked. Failures are
// cached for a short time so a broken input does not cause a retry storm.
type FailureError struct {
	Key   Key
	Err   error
	Panic any
}

func (e *FailureError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("query %s panicked: %v", e.Key, e.Panic)
	}
	return fmt.Sprintf("query %s failed: %v", e.Key, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

func (e *FailureError) Is(target error) bool { return target == ErrInternal }

// Stats is a point-in-time view of the engine cache.
type Stats struct {
	Entries   int
	InFlight  int
	Hits      uint64
	Misses    uint64
	Failures  uint64
	Evictions uint64
}
