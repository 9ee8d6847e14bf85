// Package session ties one user's view of a board together: the replicated
// document engine, the presence broadcaster and the live transform relay. The
// wiring keeps the two planes apart; ephemeral frames never write into the
// document and the document never blocks on presence traffic.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"canvas-realtime/internal/document"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/presence"
	"canvas-realtime/internal/relay"
	"canvas-realtime/internal/transport"
)

// Options configures a board session. DocURL/LiveURL/Dial may be empty for a
// purely local session; without a LiveURL relay frames tunnel over the
// document socket.
type Options struct {
	BoardID string
	User    model.Identity
	Actor   string

	DocURL  string
	LiveURL string
	Dial    transport.Dialer

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// BoardSession is one client's live attachment to a board.
type BoardSession struct {
	ID          string
	BoardID     string
	ConnectedAt time.Time

	Engine   *document.Engine
	Presence *presence.Broadcaster
	Relay    *relay.Relay

	mu       sync.Mutex
	user     model.Identity
	liveURL  string
	dial     transport.Dialer
	liveConn transport.Conn
	cancel   context.CancelFunc

	reconnectMin time.Duration
	reconnectMax time.Duration
}

// New builds the session and wires the three layers together. Nothing touches
// the network until Connect.
func New(opts Options) *BoardSession {
	engine := document.NewEngine(document.Options{
		BoardID:      opts.BoardID,
		Actor:        opts.Actor,
		URL:          opts.DocURL,
		Dial:         opts.Dial,
		ReconnectMin: opts.ReconnectMin,
		ReconnectMax: opts.ReconnectMax,
	})
	pres := presence.NewBroadcaster(engine.SendEnvelope)
	rel := relay.NewRelay()
	rel.SetSender(engine.SendEnvelope)

	reconnectMin := opts.ReconnectMin
	if reconnectMin <= 0 {
		reconnectMin = 500 * time.Millisecond
	}
	reconnectMax := opts.ReconnectMax
	if reconnectMax <= 0 {
		reconnectMax = 15 * time.Second
	}

	s := &BoardSession{
		ID:           uuid.New().String(),
		BoardID:      opts.BoardID,
		ConnectedAt:  time.Now(),
		Engine:       engine,
		Presence:     pres,
		Relay:        rel,
		user:         opts.User,
		liveURL:      opts.LiveURL,
		dial:         opts.Dial,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
	}

	// The server assigns the session id in its hello; both ephemeral layers
	// stamp their frames with it, and identity is (re)announced per connect.
	engine.OnHello(func(hello model.HelloPayload) {
		pres.SetSessionID(hello.SessionID)
		rel.SetSessionID(hello.SessionID)
		pres.SetIdentity(s.currentUser())
	})

	engine.OnEnvelope(model.MsgPresence, pres.HandleRemote)
	engine.OnEnvelope(model.MsgLeave, func(payload json.RawMessage) {
		pres.HandleLeave(payload)
		rel.HandleLeave(payload)
	})
	engine.OnEnvelope(model.MsgLiveDrag, rel.HandleDrag)
	engine.OnEnvelope(model.MsgLiveDragEnd, rel.HandleDragEnd)

	// The authoritative value wins the instant it lands; stale previews for
	// those objects would otherwise flash the old position.
	engine.OnRemoteObjectsChanged(func(ids []string) {
		for _, id := range ids {
			rel.DropPreview(id)
		}
	})

	return s
}

// Connect starts the document socket and, when a live URL is configured, the
// dedicated relay socket. Both reconnect independently.
func (s *BoardSession) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.Engine.Connect(ctx)
	if s.liveURL != "" && s.dial != nil {
		go s.maintainLive(ctx)
	}
}

// AttachConns wires already-open connections, used by in-process tests.
// liveConn may be nil, in which case relay frames tunnel over docConn.
func (s *BoardSession) AttachConns(ctx context.Context, docConn, liveConn transport.Conn) {
	s.Engine.AttachConn(ctx, docConn)
	if liveConn != nil {
		s.AttachLiveConn(liveConn)
	}
}

// AttachLiveConn wires an already-open relay connection.
func (s *BoardSession) AttachLiveConn(conn transport.Conn) {
	s.mu.Lock()
	s.liveConn = conn
	s.mu.Unlock()
	s.Relay.SetSender(func(env model.Envelope) error { return conn.WriteJSON(env) })
	go s.pumpLive(conn)
}

// Close tears the session down. Document reads stay valid afterwards.
func (s *BoardSession) Close() {
	s.mu.Lock()
	cancel := s.cancel
	liveConn := s.liveConn
	s.liveConn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if liveConn != nil {
		liveConn.Close()
	}
	s.Engine.Close()
}

// SetIdentity updates the announced user identity.
func (s *BoardSession) SetIdentity(user model.Identity) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	s.Presence.SetIdentity(user)
}

// CursorMoved feeds a pointer sample into the throttled presence channel.
func (s *BoardSession) CursorMoved(x, y float64) {
	s.Presence.UpdateCursor(x, y)
}

// DragObject streams one preview frame for an in-progress drag or transform.
func (s *BoardSession) DragObject(objectID string, x, y float64, extra map[string]float64) {
	s.Relay.SendLiveDrag(objectID, x, y, extra)
}

// EndDrag commits the final values to the document and then ends the preview.
// Peers keep rendering the last preview position until the authoritative delta
// lands and evicts it, so the object never reverts to its pre-drag position no
// matter which of the two frames arrives first.
func (s *BoardSession) EndDrag(objectID string, final map[string]any) error {
	if err := s.Engine.UpdateObject(objectID, final); err != nil {
		return err
	}
	s.Relay.SendLiveDragEnd(objectID)
	return nil
}

// RenderPosition returns where the renderer should draw an object right now:
// the live preview when one exists, the committed value otherwise.
func (s *BoardSession) RenderPosition(obj *model.WhiteboardObject) (x, y float64, preview bool) {
	if pos, ok := s.Relay.Preview(obj.ID); ok {
		return pos.X, pos.Y, true
	}
	return obj.X, obj.Y, false
}

func (s *BoardSession) currentUser() model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// maintainLive dials the relay socket and keeps it alive with the same
// backoff policy as the document socket. While it is down, frames tunnel
// through the document transport.
func (s *BoardSession) maintainLive(ctx context.Context) {
	backoff := s.reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.dial(ctx, s.liveURL)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.reconnectMax {
				backoff = s.reconnectMax
			}
			continue
		}
		backoff = s.reconnectMin

		s.mu.Lock()
		s.liveConn = conn
		s.mu.Unlock()
		s.Relay.SetSender(func(env model.Envelope) error { return conn.WriteJSON(env) })

		s.pumpLive(conn)
		conn.Close()

		s.mu.Lock()
		if s.liveConn == conn {
			s.liveConn = nil
		}
		s.mu.Unlock()
		s.Relay.SetSender(s.Engine.SendEnvelope)
	}
}

func (s *BoardSession) pumpLive(conn transport.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		s.Relay.HandleEnvelope(env)
	}
}
