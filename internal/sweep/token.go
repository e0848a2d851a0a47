package sweep

import (
	"context"
	"sync/atomic"
)

// Token is a cooperative cancellation flag shared between the caller and a
// running sweep. The sweep observes it at the start of every coordinate,
// never in the middle of an instrument command. A token is used for one
// invocation only.
type Token struct {
	cancelled atomic.Bool
}

// NewToken returns a token that is not cancelled.
func NewToken() *Token {
	return &Token{}
}

// Cancel requests cancellation. It is safe to call more than once and from
// any goroutine.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Watch cancels the token when ctx is done. The returned function detaches
// the watch.
func (t *Token) Watch(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, t.Cancel)
}
