// Package transport abstracts the client side of a board channel so the sync
// engine and relay can run over a real websocket in production and an
// in-process pipe in tests.
package transport

import "context"

// Conn is a single bidirectional message channel. WriteJSON is safe for
// concurrent use; ReadMessage is driven by a single reader goroutine.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a Conn to the given endpoint. Implementations do not retry;
// reconnect policy belongs to the caller.
type Dialer func(ctx context.Context, url string) (Conn, error)
