package transport

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by pipe reads and writes after either end closes.
var ErrClosed = errors.New("transport: connection closed")

type pipe struct {
	clientToServer chan []byte
	serverToClient chan []byte
	closed         chan struct{}
	closeOnce      sync.Once
}

func (p *pipe) close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// MemoryClientConn is the client end of an in-process pipe; it satisfies Conn.
type MemoryClientConn struct{ p *pipe }

// MemoryServerConn is the server end; its method set mirrors the websocket
// connection the hub reads in production (message-type aware).
type MemoryServerConn struct{ p *pipe }

// MemoryPair returns the two ends of a connected in-process channel.
func MemoryPair() (*MemoryClientConn, *MemoryServerConn) {
	p := &pipe{
		clientToServer: make(chan []byte, 256),
		serverToClient: make(chan []byte, 256),
		closed:         make(chan struct{}),
	}
	return &MemoryClientConn{p: p}, &MemoryServerConn{p: p}
}

func (c *MemoryClientConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.p.clientToServer <- data:
		return nil
	case <-c.p.closed:
		return ErrClosed
	}
}

func (c *MemoryClientConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.p.serverToClient:
		return data, nil
	case <-c.p.closed:
		// Drain what was written before close so shutdown is not racy.
		select {
		case data := <-c.p.serverToClient:
			return data, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (c *MemoryClientConn) Close() error { return c.p.close() }

// ReadMessage blocks for the next client frame. The message type mimics
// websocket.TextMessage (1) since the wire is JSON throughout.
func (s *MemoryServerConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.p.clientToServer:
		return 1, data, nil
	case <-s.p.closed:
		select {
		case data := <-s.p.clientToServer:
			return 1, data, nil
		default:
			return 0, nil, ErrClosed
		}
	}
}

func (s *MemoryServerConn) WriteMessage(_ int, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case s.p.serverToClient <- buf:
		return nil
	case <-s.p.closed:
		return ErrClosed
	}
}

func (s *MemoryServerConn) Close() error { return s.p.close() }
