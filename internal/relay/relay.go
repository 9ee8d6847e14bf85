// Package relay carries in-progress drag/transform previews on a dedicated
// high-frequency channel, fully decoupled from the replicated document. Frames
// are fire-and-forget: no ordering beyond last-message-wins per object, no
// retry, no durability. The receiver keeps a preview cache the renderer
// consults before the document; the cache entry outlives the drag-end frame
// and dies the moment the authoritative update lands, or when the owning
// session leaves.
package relay

import (
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"canvas-realtime/internal/model"
	"canvas-realtime/internal/transport"
)

const (
	minDragMove     = 0.5 // canvas units
	minDragInterval = 8 * time.Millisecond
)

// Sender pushes one envelope; an error is a dropped frame, never retried.
type Sender func(model.Envelope) error

type sendMark struct {
	x, y float64
	at   time.Time
}

type preview struct {
	pos       model.LivePosition
	sessionID string
}

// Relay is one session's endpoint of the live channel: throttled sender for
// the local drag and preview cache for everyone else's.
type Relay struct {
	mu sync.RWMutex

	send      Sender
	sessionID string

	marks    map[string]sendMark
	previews map[string]preview

	nextSubID  int
	updateSubs map[int]func(objectID string, pos model.LivePosition)
	endSubs    map[int]func(objectID string)

	now func() time.Time
}

// NewRelay creates a relay with no sender attached; frames sent before a
// sender exists are dropped, which matches the channel's guarantees.
func NewRelay() *Relay {
	return &Relay{
		marks:      make(map[string]sendMark),
		previews:   make(map[string]preview),
		updateSubs: make(map[int]func(string, model.LivePosition)),
		endSubs:    make(map[int]func(string)),
		now:        time.Now,
	}
}

// SetSender wires the outbound path: the dedicated socket when one exists, or
// the document transport's side channel as fallback.
func (r *Relay) SetSender(send Sender) {
	r.mu.Lock()
	r.send = send
	r.mu.Unlock()
}

// SetSessionID stamps outbound frames with the owning session.
func (r *Relay) SetSessionID(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// AttachConn uses conn for sending and consumes its inbound frames until the
// connection dies. Reconnecting is the caller's policy; a dead relay simply
// drops frames in the meantime.
func (r *Relay) AttachConn(conn transport.Conn) {
	r.SetSender(func(env model.Envelope) error { return conn.WriteJSON(env) })
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				r.mu.Lock()
				r.send = nil
				r.mu.Unlock()
				return
			}
			var env model.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			r.HandleEnvelope(env)
		}
	}()
}

// SendLiveDrag emits one preview frame, throttled per object (≥0.5 units and
// ≥8ms since that object's last sent frame). Extra may carry rotation/size
// overrides for resize and rotate gestures.
func (r *Relay) SendLiveDrag(objectID string, x, y float64, extra map[string]float64) {
	r.mu.Lock()
	now := r.now()
	if mark, ok := r.marks[objectID]; ok {
		if math.Hypot(x-mark.x, y-mark.y) < minDragMove || now.Sub(mark.at) < minDragInterval {
			r.mu.Unlock()
			return
		}
	}
	r.marks[objectID] = sendMark{x: x, y: y, at: now}
	send := r.send
	sessionID := r.sessionID
	r.mu.Unlock()

	if send == nil {
		return
	}
	env, err := model.NewEnvelope(model.MsgLiveDrag, model.LiveDragPayload{
		SessionID: sessionID, ObjectID: objectID, X: x, Y: y, Extra: extra,
	})
	if err != nil {
		return
	}
	_ = send(env)
}

// SendLiveDragEnd ends the local drag: exactly one end frame goes out, the
// throttle state resets, and the local preview (if any) is dropped right away
// since the committer has already applied the final value optimistically.
func (r *Relay) SendLiveDragEnd(objectID string) {
	r.mu.Lock()
	delete(r.marks, objectID)
	delete(r.previews, objectID)
	send := r.send
	sessionID := r.sessionID
	r.mu.Unlock()

	if send == nil {
		return
	}
	env, err := model.NewEnvelope(model.MsgLiveDragEnd, model.LiveDragEndPayload{
		SessionID: sessionID, ObjectID: objectID,
	})
	if err != nil {
		return
	}
	if err := send(env); err != nil {
		log.Printf("[Relay] Drag-end frame dropped for %s: %v", objectID, err)
	}
}

// OnLiveDragUpdate subscribes to inbound preview frames.
func (r *Relay) OnLiveDragUpdate(cb func(objectID string, pos model.LivePosition)) func() {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.updateSubs[id] = cb
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.updateSubs, id)
		r.mu.Unlock()
	}
}

// OnLiveDragEnd subscribes to inbound drag-end frames.
func (r *Relay) OnLiveDragEnd(cb func(objectID string)) func() {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.endSubs[id] = cb
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.endSubs, id)
		r.mu.Unlock()
	}
}

// Preview returns the cached preview for an object, if any. The renderer
// checks this before the committed document value.
func (r *Relay) Preview(objectID string) (model.LivePosition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.previews[objectID]
	return p.pos, ok
}

// DropPreview discards a cached preview; called when the authoritative update
// for the object arrives so there is no snap-back race.
func (r *Relay) DropPreview(objectID string) {
	r.mu.Lock()
	delete(r.previews, objectID)
	r.mu.Unlock()
}

// HandleEnvelope dispatches one inbound relay frame. It is also registered on
// the document transport for the tunneled fallback.
func (r *Relay) HandleEnvelope(env model.Envelope) {
	switch env.Type {
	case model.MsgLiveDrag:
		r.handleDrag(env.Payload)
	case model.MsgLiveDragEnd:
		r.handleDragEnd(env.Payload)
	case model.MsgRelayUserLeft:
		r.handleLeave(env.Payload)
	}
}

// HandleDrag ingests a tunneled live-drag payload.
func (r *Relay) HandleDrag(payload json.RawMessage) { r.handleDrag(payload) }

// HandleDragEnd ingests a tunneled drag-end payload.
func (r *Relay) HandleDragEnd(payload json.RawMessage) { r.handleDragEnd(payload) }

// HandleLeave drops every preview owned by a departed session.
func (r *Relay) HandleLeave(payload json.RawMessage) { r.handleLeave(payload) }

func (r *Relay) handleDrag(payload json.RawMessage) {
	var p model.LiveDragPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	r.mu.Lock()
	if p.SessionID != "" && p.SessionID == r.sessionID {
		r.mu.Unlock()
		return
	}
	pos := model.LivePositionFromDrag(p)
	r.previews[p.ObjectID] = preview{pos: pos, sessionID: p.SessionID}
	subs := make([]func(string, model.LivePosition), 0, len(r.updateSubs))
	for _, cb := range r.updateSubs {
		subs = append(subs, cb)
	}
	r.mu.Unlock()

	for _, cb := range subs {
		cb(p.ObjectID, pos)
	}
}

func (r *Relay) handleDragEnd(payload json.RawMessage) {
	var p model.LiveDragEndPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	r.mu.Lock()
	if p.SessionID != "" && p.SessionID == r.sessionID {
		r.mu.Unlock()
		return
	}
	// The preview stays. The end frame rides the fast channel and usually
	// beats the committed delta on the document channel; dropping the cache
	// here would flash the pre-drag position until the delta lands. The
	// document layer evicts it via DropPreview, leave cleanup covers sessions
	// that vanish mid-drag.
	subs := make([]func(string), 0, len(r.endSubs))
	for _, cb := range r.endSubs {
		subs = append(subs, cb)
	}
	r.mu.Unlock()

	for _, cb := range subs {
		cb(p.ObjectID)
	}
}

func (r *Relay) handleLeave(payload json.RawMessage) {
	var p model.LeavePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	r.mu.Lock()
	var ended []string
	for id, pv := range r.previews {
		if pv.sessionID == p.SessionID {
			delete(r.previews, id)
			ended = append(ended, id)
		}
	}
	subs := make([]func(string), 0, len(r.endSubs))
	for _, cb := range r.endSubs {
		subs = append(subs, cb)
	}
	r.mu.Unlock()

	for _, id := range ended {
		for _, cb := range subs {
			cb(id)
		}
	}
}
