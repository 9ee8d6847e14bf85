// Package document implements the sync engine: one replicated document per
// open board session, optimistic local mutation, delta propagation and
// pull-based change subscriptions. Ephemeral traffic (presence, tunneled relay
// messages) shares the socket but never touches the document state.
package document

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"canvas-realtime/internal/crdt"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/transport"
)

// Status is the connection state of the engine's transport.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// StatusInfo is the value handed to status subscribers; consumers render a
// disconnect banner from it directly.
type StatusInfo struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Options configures an engine. Dial may be nil for a purely local replica.
type Options struct {
	BoardID string
	Actor   string // replica identity; a fresh UUID when empty
	URL     string
	Dial    transport.Dialer

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Engine owns one board session's replicated document. All mutations flow
// through it; consumers read snapshots and never touch engine-owned state.
type Engine struct {
	mu sync.RWMutex

	boardID   string
	actor     string
	sessionID string
	doc       *crdt.Doc

	conn   transport.Conn
	dial   transport.Dialer
	url    string
	status StatusInfo

	reconnectMin time.Duration
	reconnectMax time.Duration

	nextSubID  int
	objSubs    map[int]func()
	statusSubs map[int]func(StatusInfo)

	// Side-channel handlers for non-document envelopes (presence, tunneled
	// relay frames). Keyed by message type.
	handlers map[string]func(json.RawMessage)

	// Internal hook: which objects changed in a remote delta. Used to drop
	// stale live previews the moment the authoritative value lands.
	remoteObjects func(ids []string)

	// Fired with each server hello, after the session id is stored.
	onHello func(model.HelloPayload)

	cancel context.CancelFunc
}

// NewEngine creates an engine for one board session.
func NewEngine(opts Options) *Engine {
	actor := opts.Actor
	if actor == "" {
		actor = uuid.New().String()
	}
	reconnectMin := opts.ReconnectMin
	if reconnectMin <= 0 {
		reconnectMin = 500 * time.Millisecond
	}
	reconnectMax := opts.ReconnectMax
	if reconnectMax <= 0 {
		reconnectMax = 15 * time.Second
	}
	return &Engine{
		boardID:      opts.BoardID,
		actor:        actor,
		doc:          crdt.New(actor),
		dial:         opts.Dial,
		url:          opts.URL,
		status:       StatusInfo{Status: StatusDisconnected},
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
		objSubs:      make(map[int]func()),
		statusSubs:   make(map[int]func(StatusInfo)),
		handlers:     make(map[string]func(json.RawMessage)),
	}
}

// Actor returns the replica identity used in the merge total order.
func (e *Engine) Actor() string { return e.actor }

// BoardID returns the board this engine replicates.
func (e *Engine) BoardID() string { return e.boardID }

// SessionID returns the server-assigned session id, empty until connected.
func (e *Engine) SessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

// CreateObject applies a new object locally and propagates one delta.
// A missing id is filled in; creator metadata is stamped from the replica.
func (e *Engine) CreateObject(obj *model.WhiteboardObject) error {
	return e.CreateObjectsBatch([]*model.WhiteboardObject{obj})
}

// CreateObjectsBatch creates many objects with a single network message,
// the path used by paste and programmatic generation.
func (e *Engine) CreateObjectsBatch(objs []*model.WhiteboardObject) error {
	now := time.Now().UnixMilli()

	e.mu.Lock()
	var deltas []crdt.Delta
	for _, obj := range objs {
		if obj.ID == "" {
			obj.ID = uuid.New().String()
		}
		if obj.CreatedBy == "" {
			obj.CreatedBy = e.actor
		}
		if obj.CreatedAt == 0 {
			obj.CreatedAt = now
		}
		fields, err := obj.Fields()
		if err != nil {
			e.mu.Unlock()
			return err
		}
		deltas = append(deltas, e.doc.SetFields(obj.ID, fields))
	}
	delta := crdt.Merge(deltas...)
	e.mu.Unlock()

	e.sendDelta(delta)
	e.notifyObjects()
	return nil
}

// UpdateObject applies a partial field update. Updates to tombstoned objects
// are absorbed without effect, which is the desired end state of the
// concurrent update-vs-delete race.
func (e *Engine) UpdateObject(id string, partial map[string]any) error {
	fields := make(map[string]json.RawMessage, len(partial)+2)
	for name, value := range partial {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		fields[name] = raw
	}
	raw, _ := json.Marshal(e.actor)
	fields["updatedBy"] = raw
	raw, _ = json.Marshal(time.Now().UnixMilli())
	fields["updatedAt"] = raw

	e.mu.Lock()
	delta := e.doc.SetFields(id, fields)
	e.mu.Unlock()

	e.sendDelta(delta)
	e.notifyObjects()
	return nil
}

// DeleteObject removes one object.
func (e *Engine) DeleteObject(id string) error {
	return e.DeleteObjectsBatch([]string{id})
}

// DeleteObjectsBatch removes many objects with a single network message.
func (e *Engine) DeleteObjectsBatch(ids []string) error {
	e.mu.Lock()
	delta := e.doc.DeleteObjects(ids)
	e.mu.Unlock()

	e.sendDelta(delta)
	e.notifyObjects()
	return nil
}

// GetAllObjects returns a snapshot of all visible objects in paint order:
// ascending z, ties by creation time then id.
func (e *Engine) GetAllObjects() []*model.WhiteboardObject {
	e.mu.RLock()
	raw := e.doc.VisibleObjects()
	e.mu.RUnlock()

	objs := make([]*model.WhiteboardObject, 0, len(raw))
	for id, fields := range raw {
		obj, err := model.ObjectFromFields(fields)
		if err != nil {
			log.Printf("[Engine %s] Skipping malformed object %s: %v", e.boardID, id, err)
			continue
		}
		obj.ID = id
		objs = append(objs, obj)
	}
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].Z != objs[j].Z {
			return objs[i].Z < objs[j].Z
		}
		if objs[i].CreatedAt != objs[j].CreatedAt {
			return objs[i].CreatedAt < objs[j].CreatedAt
		}
		return objs[i].ID < objs[j].ID
	})
	return objs
}

// ObjectsByID returns the snapshot keyed by id, the shape the geometry
// resolver and viewport culler consume.
func (e *Engine) ObjectsByID() map[string]*model.WhiteboardObject {
	objs := e.GetAllObjects()
	byID := make(map[string]*model.WhiteboardObject, len(objs))
	for _, obj := range objs {
		byID[obj.ID] = obj
	}
	return byID
}

// GetObject returns one visible object.
func (e *Engine) GetObject(id string) (*model.WhiteboardObject, bool) {
	e.mu.RLock()
	raw := e.doc.VisibleObjects()
	fields, ok := raw[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	obj, err := model.ObjectFromFields(fields)
	if err != nil {
		return nil, false
	}
	obj.ID = id
	return obj, true
}

// SetMeta writes one board metadata entry.
func (e *Engine) SetMeta(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delta := e.doc.SetMeta(key, raw)
	e.mu.Unlock()

	e.sendDelta(delta)
	e.notifyObjects()
	return nil
}

// GetMeta reads one board metadata entry.
func (e *Engine) GetMeta(key string) (json.RawMessage, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc.MetaValue(key)
}

// OnObjectsChange registers a payload-free change callback; consumers re-pull
// via GetAllObjects. The returned function unsubscribes.
func (e *Engine) OnObjectsChange(cb func()) func() {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.objSubs[id] = cb
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.objSubs, id)
		e.mu.Unlock()
	}
}

// OnStatusChange registers a connection-status callback and immediately
// reports the current status.
func (e *Engine) OnStatusChange(cb func(StatusInfo)) func() {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.statusSubs[id] = cb
	current := e.status
	e.mu.Unlock()
	cb(current)
	return func() {
		e.mu.Lock()
		delete(e.statusSubs, id)
		e.mu.Unlock()
	}
}

// Status returns the current connection status.
func (e *Engine) Status() StatusInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// OnEnvelope registers a handler for a non-document message type riding the
// document socket (presence, tunneled relay frames).
func (e *Engine) OnEnvelope(msgType string, handler func(json.RawMessage)) {
	e.mu.Lock()
	e.handlers[msgType] = handler
	e.mu.Unlock()
}

// OnRemoteObjectsChanged installs the hook fired with the ids touched by each
// remote delta, before the payload-free change notification.
func (e *Engine) OnRemoteObjectsChanged(cb func(ids []string)) {
	e.mu.Lock()
	e.remoteObjects = cb
	e.mu.Unlock()
}

// OnHello installs the hook fired with each server hello. The ephemeral layers
// use it to pick up the session id assigned on (re)connect.
func (e *Engine) OnHello(cb func(model.HelloPayload)) {
	e.mu.Lock()
	e.onHello = cb
	e.mu.Unlock()
}

// SendEnvelope writes a raw envelope on the document socket. Callers of the
// ephemeral channels treat an error as a dropped frame.
func (e *Engine) SendEnvelope(env model.Envelope) error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		return transport.ErrClosed
	}
	return conn.WriteJSON(env)
}

// Connect starts the connect/read/reconnect loop. Change listeners registered
// before or after survive reconnects without re-registration.
func (e *Engine) Connect(ctx context.Context) {
	if e.dial == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	go e.run(ctx)
}

// Close stops the engine's network activity. Local reads remain valid.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// AttachConn wires an already-open connection, used by in-process tests and
// by transports that manage their own dialing.
func (e *Engine) AttachConn(ctx context.Context, conn transport.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	e.setStatus(StatusConnected, "")
	go func() {
		err := e.readLoop(conn)
		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
		}
		e.mu.Unlock()
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		e.setStatus(StatusDisconnected, msg)
	}()
}

func (e *Engine) run(ctx context.Context) {
	backoff := e.reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		e.setStatus(StatusConnecting, "")
		conn, err := e.dial(ctx, e.url)
		if err != nil {
			e.setStatus(StatusDisconnected, err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > e.reconnectMax {
				backoff = e.reconnectMax
			}
			continue
		}

		e.mu.Lock()
		e.conn = conn
		e.mu.Unlock()
		e.setStatus(StatusConnected, "")
		backoff = e.reconnectMin

		readErr := e.readLoop(conn)
		conn.Close()
		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
		}
		e.mu.Unlock()

		if ctx.Err() != nil {
			e.setStatus(StatusDisconnected, "")
			return
		}
		msg := ""
		if readErr != nil {
			msg = readErr.Error()
		}
		e.setStatus(StatusDisconnected, msg)
	}
}

func (e *Engine) readLoop(conn transport.Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		e.handleEnvelope(conn, env)
	}
}

func (e *Engine) handleEnvelope(conn transport.Conn, env model.Envelope) {
	switch env.Type {
	case model.MsgHello:
		var hello model.HelloPayload
		if err := json.Unmarshal(env.Payload, &hello); err != nil {
			return
		}
		e.mu.Lock()
		e.sessionID = hello.SessionID
		versions := e.doc.Versions()
		missing := e.doc.OpsSince(hello.Versions)
		helloCb := e.onHello
		e.mu.Unlock()

		if helloCb != nil {
			helloCb(hello)
		}

		// Reconnect resync is vector exchange only: tell the server what we
		// have, push what it lacks. Never a full snapshot from this side.
		if env, err := model.NewEnvelope(model.MsgSync, model.SyncPayload{Versions: versions}); err == nil {
			conn.WriteJSON(env)
		}
		if len(missing) > 0 {
			if env, err := model.NewEnvelope(model.MsgDelta, crdt.Delta{Ops: missing}); err == nil {
				conn.WriteJSON(env)
			}
		}

	case model.MsgSync:
		var sync model.SyncPayload
		if err := json.Unmarshal(env.Payload, &sync); err != nil {
			return
		}
		e.mu.RLock()
		missing := e.doc.OpsSince(sync.Versions)
		e.mu.RUnlock()
		if len(missing) > 0 {
			if env, err := model.NewEnvelope(model.MsgDelta, crdt.Delta{Ops: missing}); err == nil {
				conn.WriteJSON(env)
			}
		}

	case model.MsgDelta:
		var delta crdt.Delta
		if err := json.Unmarshal(env.Payload, &delta); err != nil {
			return
		}
		e.applyRemote(delta)

	default:
		e.mu.RLock()
		handler := e.handlers[env.Type]
		e.mu.RUnlock()
		if handler != nil {
			handler(env.Payload)
		}
	}
}

func (e *Engine) applyRemote(delta crdt.Delta) {
	e.mu.Lock()
	ids, changed := e.doc.Apply(delta)
	hook := e.remoteObjects
	e.mu.Unlock()

	if !changed {
		return
	}
	// The hook is object-scoped; meta-only deltas still reach the general
	// change subscribers below.
	if hook != nil && len(ids) > 0 {
		hook(ids)
	}
	e.notifyObjects()
}

func (e *Engine) sendDelta(delta crdt.Delta) {
	if len(delta.Ops) == 0 {
		return
	}
	env, err := model.NewEnvelope(model.MsgDelta, delta)
	if err != nil {
		log.Printf("[Engine %s] Failed to encode delta: %v", e.boardID, err)
		return
	}
	if err := e.SendEnvelope(env); err != nil {
		// Offline is fine: the ops are in the log and the next sync
		// exchange carries them over.
		return
	}
}

func (e *Engine) notifyObjects() {
	e.mu.RLock()
	subs := make([]func(), 0, len(e.objSubs))
	for _, cb := range e.objSubs {
		subs = append(subs, cb)
	}
	e.mu.RUnlock()
	for _, cb := range subs {
		cb()
	}
}

func (e *Engine) setStatus(status Status, message string) {
	e.mu.Lock()
	if e.status.Status == status && e.status.Message == message {
		e.mu.Unlock()
		return
	}
	e.status = StatusInfo{Status: status, Message: message}
	current := e.status
	subs := make([]func(StatusInfo), 0, len(e.statusSubs))
	for _, cb := range e.statusSubs {
		subs = append(subs, cb)
	}
	e.mu.Unlock()
	for _, cb := range subs {
		cb(current)
	}
}
