package buffer

import "io"

// In is the upstream record stream the buffer drains. It matches the
// consumer side of a journal cursor: bounded batch reads plus an idempotent
// cursor commit.
//
// Implementations typically cache their read position inside the instance,
// so the buffer always obtains a fresh In through a Factory; a new instance
// per refill rereads the persisted cursor.
type In interface {
	// ReadChunk returns at most n records. An empty result with a nil error
	// means the stream is exhausted (for now).
	ReadChunk(n int) ([][]byte, error)

	// Commit persists the read position consumed so far. Idempotent.
	Commit() error
}

// Lagger is the optional lag capability: the number of unread bytes between
// the stream's cursor and its end. Probed at runtime with a type assertion.
type Lagger interface {
	Lag() (uint64, error)
}

// Factory produces a fresh upstream instance. Callers holding a single
// long-lived In wrap it with Fixed at the boundary.
type Factory func() (In, error)

// Fixed wraps an existing upstream instance in a constant factory.
func Fixed(in In) Factory {
	return func() (In, error) { return in, nil }
}

// closeIn releases an upstream instance if it holds resources.
func closeIn(in In) {
	if closer, ok := in.(io.Closer); ok {
		_ = closer.Close()
	}
}
