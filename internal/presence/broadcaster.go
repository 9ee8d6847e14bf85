// Package presence maintains each session's ephemeral awareness record:
// identity, throttled cursor position and coarse live-position overrides. The
// record rides the document transport flagged non-authoritative; it is never
// merged into the document and never persisted, and it vanishes when the
// owning session disconnects.
package presence

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"canvas-realtime/internal/model"
)

const (
	// Cursor sends are suppressed below this movement and spacing, bounding
	// the outbound rate to ~120 msgs/s regardless of input event rate.
	minCursorMove     = 0.5 // canvas units
	minCursorInterval = 8 * time.Millisecond

	// Cursors that stop moving are hidden after this long but the record
	// stays until disconnect.
	idleCursorAfter = 5 * time.Second
)

// Sender pushes one envelope toward the peers. Errors mean a dropped frame;
// presence is lossy by design.
type Sender func(model.Envelope) error

// Broadcaster owns the local awareness record and mirrors the remote ones.
type Broadcaster struct {
	mu sync.RWMutex

	send      Sender
	sessionID string
	self      model.Presence
	remote    map[string]*model.Presence

	lastCursorX  float64
	lastCursorY  float64
	lastCursorAt time.Time

	nextSubID int
	subs      map[int]func()

	now func() time.Time
}

// NewBroadcaster creates a broadcaster that emits through send.
func NewBroadcaster(send Sender) *Broadcaster {
	return &Broadcaster{
		send:   send,
		remote: make(map[string]*model.Presence),
		subs:   make(map[int]func()),
		now:    time.Now,
	}
}

// SetSessionID records the server-assigned session id used to key the record.
func (b *Broadcaster) SetSessionID(id string) {
	b.mu.Lock()
	b.sessionID = id
	b.mu.Unlock()
	b.broadcast()
}

// SetIdentity sets the local identity and announces it immediately.
func (b *Broadcaster) SetIdentity(user model.Identity) {
	b.mu.Lock()
	b.self.User = user
	b.mu.Unlock()
	b.broadcast()
	b.notify()
}

// UpdateCursor reports a pointer move. Moves under 0.5 canvas units or inside
// the 8ms window since the last send are dropped at the call site.
func (b *Broadcaster) UpdateCursor(x, y float64) {
	b.mu.Lock()
	now := b.now()
	moved := math.Hypot(x-b.lastCursorX, y-b.lastCursorY)
	if b.self.Cursor != nil {
		if moved < minCursorMove || now.Sub(b.lastCursorAt) < minCursorInterval {
			b.mu.Unlock()
			return
		}
	}
	b.lastCursorX, b.lastCursorY = x, y
	b.lastCursorAt = now
	b.self.Cursor = &model.Cursor{X: x, Y: y, LastUpdate: now.UnixMilli()}
	b.mu.Unlock()

	b.broadcast()
}

// SetLivePosition publishes a coarse preview override in the awareness record,
// kept while the session is actively transforming the object.
func (b *Broadcaster) SetLivePosition(objectID string, lp model.LivePosition) {
	b.mu.Lock()
	if b.self.LivePositions == nil {
		b.self.LivePositions = make(map[string]model.LivePosition)
	}
	b.self.LivePositions[objectID] = lp
	b.mu.Unlock()
	b.broadcast()
}

// ClearLivePosition removes a preview override after the transform commits.
func (b *Broadcaster) ClearLivePosition(objectID string) {
	b.mu.Lock()
	delete(b.self.LivePositions, objectID)
	b.mu.Unlock()
	b.broadcast()
}

// GetStates returns every known awareness record keyed by session id,
// including the local one. Cursors idle past the threshold are hidden
// (cleared in the copy) but the records themselves remain.
func (b *Broadcaster) GetStates() map[string]*model.Presence {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := b.now().Add(-idleCursorAfter).UnixMilli()
	out := make(map[string]*model.Presence, len(b.remote)+1)
	if key := b.selfKey(); key != "" {
		out[key] = hideIdleCursor(b.self.Clone(), cutoff)
	}
	for id, p := range b.remote {
		out[id] = hideIdleCursor(p.Clone(), cutoff)
	}
	return out
}

// OnChange registers a payload-free callback fired on any presence change.
func (b *Broadcaster) OnChange(cb func()) func() {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = cb
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// HandleRemote ingests a presence envelope from the wire.
func (b *Broadcaster) HandleRemote(payload json.RawMessage) {
	var p model.PresencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	b.mu.Lock()
	if p.SessionID == "" || p.SessionID == b.sessionID {
		b.mu.Unlock()
		return
	}
	b.remote[p.SessionID] = p.Presence.Clone()
	b.mu.Unlock()
	b.notify()
}

// HandleLeave drops every record of a disconnected session.
func (b *Broadcaster) HandleLeave(payload json.RawMessage) {
	var leave model.LeavePayload
	if err := json.Unmarshal(payload, &leave); err != nil {
		return
	}
	b.mu.Lock()
	_, known := b.remote[leave.SessionID]
	delete(b.remote, leave.SessionID)
	b.mu.Unlock()
	if known {
		b.notify()
	}
}

func (b *Broadcaster) selfKey() string {
	if b.sessionID != "" {
		return b.sessionID
	}
	return b.self.User.ID
}

func (b *Broadcaster) broadcast() {
	b.mu.RLock()
	payload := model.PresencePayload{SessionID: b.sessionID, Presence: *b.self.Clone()}
	send := b.send
	b.mu.RUnlock()
	if send == nil {
		return
	}
	env, err := model.NewEnvelope(model.MsgPresence, payload)
	if err != nil {
		return
	}
	// Dropped frames are fine: the next update supersedes this one.
	_ = send(env)
}

func (b *Broadcaster) notify() {
	b.mu.RLock()
	subs := make([]func(), 0, len(b.subs))
	for _, cb := range b.subs {
		subs = append(subs, cb)
	}
	b.mu.RUnlock()
	for _, cb := range subs {
		cb()
	}
}

func hideIdleCursor(p *model.Presence, cutoffMillis int64) *model.Presence {
	if p.Cursor != nil && p.Cursor.LastUpdate < cutoffMillis {
		p.Cursor = nil
	}
	return p
}
