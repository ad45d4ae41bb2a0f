package query

import (
	"context"
	"errors"
)

// ErrCancelled is returned by any evaluation whose token was cancelled.
var ErrCancelled = errors.New("query: cancelled")

// Token carries cooperative cancellation into query functions. Cancelling a
// token never corrupts the cache: anything finished under a cancelled token
// is discarded.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewToken returns a token that is cancelled with parent or by Cancel.
func NewToken(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel cancels the token. It is safe to call more than once.
func (t *Token) Cancel() { t.cancel() }

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool { return t.ctx.Err() != nil }

// Done is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Context returns the token as a context for blocking calls.
func (t *Token) Context() context.Context { return t.ctx }

// Check returns ErrCancelled once the token is cancelled.
func (t *Token) Check() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}
