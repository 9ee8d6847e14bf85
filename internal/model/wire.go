package model

import "encoding/json"

// Envelope is the JSON message frame used on both sockets.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Marshal failures can only
// come from programmer error (non-serializable payloads), so they are returned
// rather than silently dropped.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// Document channel message types.
const (
	MsgHello    = "hello"    // server -> client: session id + server versions
	MsgSync     = "sync"     // client -> server: client versions
	MsgDelta    = "delta"    // either direction: op batch
	MsgPresence = "presence" // either direction: awareness record, non-authoritative
	MsgLeave    = "user-leave"
)

// Relay channel message types.
const (
	MsgCursorUpdate  = "cursor-update"
	MsgLiveDrag      = "live-drag-update"
	MsgLiveDragEnd   = "live-drag-end"
	MsgRelayUserLeft = "user-leave"
)

// HelloPayload is sent by the server right after the socket opens.
type HelloPayload struct {
	SessionID string            `json:"sessionId"`
	BoardID   string            `json:"boardId"`
	Versions  map[string]uint64 `json:"versions,omitempty"`
}

// SyncPayload carries a version vector; the receiver answers with the ops the
// sender is missing. Reconnects exchange vectors instead of full snapshots.
type SyncPayload struct {
	Versions map[string]uint64 `json:"versions,omitempty"`
}

// PresencePayload wraps an awareness record with its owning session.
type PresencePayload struct {
	SessionID string   `json:"sessionId"`
	Presence  Presence `json:"presence"`
}

// LeavePayload announces that a session is gone; receivers drop all presence
// and preview state for it.
type LeavePayload struct {
	SessionID string `json:"sessionId"`
}

// CursorUpdatePayload is the relay-channel cursor message, used when cursors
// are tunneled over the relay socket instead of the presence record.
type CursorUpdatePayload struct {
	SessionID string  `json:"sessionId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// LiveDragPayload is a fire-and-forget preview frame. Extra carries optional
// transform overrides (rotation, width, height, radius).
type LiveDragPayload struct {
	SessionID string             `json:"sessionId"`
	ObjectID  string             `json:"objectId"`
	X         float64            `json:"x"`
	Y         float64            `json:"y"`
	Extra     map[string]float64 `json:"extra,omitempty"`
}

// LiveDragEndPayload ends a preview; receivers discard the cached preview so
// the authoritative document value takes over.
type LiveDragEndPayload struct {
	SessionID string `json:"sessionId"`
	ObjectID  string `json:"objectId"`
}

// LivePositionFromDrag converts a preview frame into the awareness shape.
func LivePositionFromDrag(p LiveDragPayload) LivePosition {
	lp := LivePosition{X: p.X, Y: p.Y}
	if v, ok := p.Extra["rotation"]; ok {
		rot := v
		lp.Rotation = &rot
	}
	if v, ok := p.Extra["width"]; ok {
		w := v
		lp.Width = &w
	}
	if v, ok := p.Extra["height"]; ok {
		h := v
		lp.Height = &h
	}
	if v, ok := p.Extra["radius"]; ok {
		r := v
		lp.Radius = &r
	}
	return lp
}
