// Package push defines the per-player notification channel the game core
// writes to. Any transport that can report its own health and deliver an
// event satisfies Sink.
package push

import "context"

type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type Sink interface {
	// Usable reports whether the underlying channel can still deliver.
	Usable() bool

	Send(ctx context.Context, event Event) error

	// OnUnusable registers fn to run once when the channel faults or closes.
	// The returned func detaches fn; it is safe to call more than once.
	OnUnusable(fn func()) (detach func())
}

// Closer is implemented by sinks whose channel the server can hang up on.
type Closer interface {
	Terminate(reason string)
}
