// Package hub is the server side of board sync. Each board gets a room with
// its own replica of the document, a set of document sockets and a set of live
// relay sockets. Document deltas are applied, persisted and fanned out;
// presence and relay frames are stamped with the sending session and forwarded
// without touching the document.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"canvas-realtime/internal/cache"
	"canvas-realtime/internal/crdt"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/presence"
	"canvas-realtime/internal/snapshot"
)

// SocketConn is the slice of a websocket connection the hub needs. The fiber
// websocket conn satisfies it, as does the in-process test pipe.
type SocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub manages all boards and their connections.
type Hub struct {
	mu     sync.RWMutex
	boards map[string]*Board

	store      snapshot.Store
	redis      *cache.RedisClient
	registry   *presence.Registry
	instanceID string
}

// Board is one room: the server replica plus its document and live sockets.
type Board struct {
	ID  string
	hub *Hub

	mu       sync.RWMutex
	doc      *crdt.Doc
	sessions map[string]*BoardSession
	live     map[string]*liveConn
	presence map[string]model.PresencePayload

	loadOnce    sync.Once
	unsubscribe func()
}

// BoardSession is one document socket attached to a board.
type BoardSession struct {
	ID      string
	conn    SocketConn
	writeMu sync.Mutex
}

type liveConn struct {
	sessionID string
	conn      SocketConn
	writeMu   sync.Mutex
}

// NewHub creates a hub. Both store and redis are optional; without them the
// hub serves boards from memory only.
func NewHub(store snapshot.Store, redis *cache.RedisClient) *Hub {
	return &Hub{
		boards:     make(map[string]*Board),
		store:      store,
		redis:      redis,
		instanceID: uuid.New().String(),
	}
}

// SetPresenceRegistry enables the cross-instance occupancy index. Optional;
// call before serving traffic.
func (h *Hub) SetPresenceRegistry(r *presence.Registry) {
	h.registry = r
}

// BoardPresence lists the sessions on a board across all instances, or nil
// when no registry is configured.
func (h *Hub) BoardPresence(ctx context.Context, boardID string) ([]presence.Record, error) {
	if h.registry == nil {
		return nil, nil
	}
	return h.registry.BoardSessions(ctx, boardID)
}

// GetOrCreateBoard gets an existing board or creates one, replaying its
// durable history into a fresh server replica.
func (h *Hub) GetOrCreateBoard(boardID string) *Board {
	h.mu.Lock()
	board, exists := h.boards[boardID]
	if !exists {
		board = &Board{
			ID:       boardID,
			hub:      h,
			doc:      crdt.New("server:" + h.instanceID),
			sessions: make(map[string]*BoardSession),
			live:     make(map[string]*liveConn),
			presence: make(map[string]model.PresencePayload),
		}
		if h.redis != nil {
			board.unsubscribe = h.redis.SubscribeDeltas(context.Background(), boardID, board.handlePeerDelta)
		}
		h.boards[boardID] = board
		log.Printf("[Hub] Created board: %s", boardID)
	}
	h.mu.Unlock()

	// Replay holds only this board's lock; a cold board loading from a slow
	// store must not stall joins to other boards. Later joiners racing the
	// first block here until the replica is warm.
	board.loadOnce.Do(board.loadHistory)
	return board
}

// RemoveBoard removes an empty board.
func (h *Hub) RemoveBoard(boardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	board, exists := h.boards[boardID]
	if !exists {
		return
	}
	board.mu.RLock()
	isEmpty := len(board.sessions) == 0 && len(board.live) == 0
	board.mu.RUnlock()
	if !isEmpty {
		return
	}

	if board.unsubscribe != nil {
		board.unsubscribe()
	}
	delete(h.boards, boardID)
	log.Printf("[Hub] Removed board: %s", boardID)
}

// BoardCount returns the number of open boards.
func (h *Hub) BoardCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.boards)
}

// HandleBoardSocket attaches one document socket to a board and pumps it until
// the connection dies. Blocks for the lifetime of the connection.
func (h *Hub) HandleBoardSocket(boardID string, conn SocketConn) {
	board := h.GetOrCreateBoard(boardID)
	sess := board.addSession(conn)
	defer board.removeSession(sess.ID)

	board.sendHello(sess)
	board.replayPresence(sess)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		board.handleDocEnvelope(sess, env)
	}
}

// HandleLiveSocket attaches one relay socket. sessionID ties the relay frames
// to the client's document session; a fresh id is assigned when empty. Blocks
// for the lifetime of the connection.
func (h *Hub) HandleLiveSocket(boardID, sessionID string, conn SocketConn) {
	board := h.GetOrCreateBoard(boardID)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	lc := board.addLive(sessionID, conn)
	defer board.removeLive(sessionID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		board.handleLiveEnvelope(lc, env)
	}
}

// Objects materializes the server replica's visible objects, unordered.
func (b *Board) Objects() []*model.WhiteboardObject {
	b.mu.RLock()
	raw := b.doc.VisibleObjects()
	b.mu.RUnlock()

	objs := make([]*model.WhiteboardObject, 0, len(raw))
	for id, fields := range raw {
		obj, err := model.ObjectFromFields(fields)
		if err != nil {
			continue
		}
		obj.ID = id
		objs = append(objs, obj)
	}
	return objs
}

// loadHistory replays the durable op log and the hot cache into the server
// replica. Ops are idempotent, so overlap between the two sources, or with
// peer deltas arriving mid-replay, is harmless.
func (b *Board) loadHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if b.hub.store != nil {
		ops, err := b.hub.store.LoadOps(ctx, b.ID)
		if err != nil {
			log.Printf("[Board %s] Failed to load durable history: %v", b.ID, err)
		} else if len(ops) > 0 {
			b.mu.Lock()
			b.doc.Apply(crdt.Delta{Ops: ops})
			b.mu.Unlock()
			log.Printf("[Board %s] Replayed %d durable ops", b.ID, len(ops))
		}
	}

	if b.hub.redis != nil {
		raws, err := b.hub.redis.GetDeltas(ctx, b.ID)
		if err != nil {
			log.Printf("[Board %s] Failed to load hot deltas: %v", b.ID, err)
			return
		}
		b.mu.Lock()
		for _, raw := range raws {
			var delta crdt.Delta
			if err := json.Unmarshal(raw, &delta); err != nil {
				continue
			}
			b.doc.Apply(delta)
		}
		b.mu.Unlock()
	}
}

func (b *Board) addSession(conn SocketConn) *BoardSession {
	sess := &BoardSession{ID: uuid.New().String(), conn: conn}
	b.mu.Lock()
	b.sessions[sess.ID] = sess
	total := len(b.sessions)
	b.mu.Unlock()
	log.Printf("[Board %s] Session joined: %s, total: %d", b.ID, sess.ID, total)
	return sess
}

func (b *Board) removeSession(sessionID string) {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	delete(b.presence, sessionID)
	remaining := len(b.sessions)
	isEmpty := remaining == 0 && len(b.live) == 0
	b.mu.Unlock()
	log.Printf("[Board %s] Session left: %s, remaining: %d", b.ID, sessionID, remaining)

	if env, err := model.NewEnvelope(model.MsgLeave, model.LeavePayload{SessionID: sessionID}); err == nil {
		b.broadcastDoc("", env)
	}

	if b.hub.registry != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := b.hub.registry.Remove(ctx, b.ID, sessionID); err != nil {
				log.Printf("[Board %s] Failed to clear occupancy: %v", b.ID, err)
			}
		}()
	}

	if isEmpty {
		go b.hub.RemoveBoard(b.ID)
	}
}

func (b *Board) addLive(sessionID string, conn SocketConn) *liveConn {
	lc := &liveConn{sessionID: sessionID, conn: conn}
	b.mu.Lock()
	b.live[sessionID] = lc
	b.mu.Unlock()
	log.Printf("[Board %s] Live socket joined: %s", b.ID, sessionID)
	return lc
}

func (b *Board) removeLive(sessionID string) {
	b.mu.Lock()
	delete(b.live, sessionID)
	isEmpty := len(b.sessions) == 0 && len(b.live) == 0
	b.mu.Unlock()
	log.Printf("[Board %s] Live socket left: %s", b.ID, sessionID)

	// Peers drop every preview this session owned.
	if env, err := model.NewEnvelope(model.MsgRelayUserLeft, model.LeavePayload{SessionID: sessionID}); err == nil {
		b.broadcastLive(sessionID, env)
	}

	if isEmpty {
		go b.hub.RemoveBoard(b.ID)
	}
}

// sendHello opens the sync exchange: the client answers with its own version
// vector plus any ops this replica is missing.
func (b *Board) sendHello(sess *BoardSession) {
	b.mu.RLock()
	versions := b.doc.Versions()
	b.mu.RUnlock()

	env, err := model.NewEnvelope(model.MsgHello, model.HelloPayload{
		SessionID: sess.ID,
		BoardID:   b.ID,
		Versions:  versions,
	})
	if err != nil {
		return
	}
	if err := sess.send(env); err != nil {
		log.Printf("[Board %s] Failed to send hello to %s: %v", b.ID, sess.ID, err)
	}
}

// replayPresence brings a late joiner up to date on who is already here.
func (b *Board) replayPresence(sess *BoardSession) {
	b.mu.RLock()
	records := make([]model.PresencePayload, 0, len(b.presence))
	for _, p := range b.presence {
		records = append(records, p)
	}
	b.mu.RUnlock()

	for _, p := range records {
		if env, err := model.NewEnvelope(model.MsgPresence, p); err == nil {
			sess.send(env)
		}
	}
}

func (b *Board) handleDocEnvelope(sess *BoardSession, env model.Envelope) {
	switch env.Type {
	case model.MsgSync:
		var sync model.SyncPayload
		if err := json.Unmarshal(env.Payload, &sync); err != nil {
			return
		}
		b.mu.RLock()
		missing := b.doc.OpsSince(sync.Versions)
		b.mu.RUnlock()
		if len(missing) == 0 {
			return
		}
		if reply, err := model.NewEnvelope(model.MsgDelta, crdt.Delta{Ops: missing}); err == nil {
			sess.send(reply)
		}

	case model.MsgDelta:
		var delta crdt.Delta
		if err := json.Unmarshal(env.Payload, &delta); err != nil {
			return
		}
		b.mu.Lock()
		b.doc.Apply(delta)
		b.mu.Unlock()

		// Receivers dedup by op clock, so fan out unconditionally.
		b.broadcastDoc(sess.ID, env)
		b.persistDelta(env.Payload, delta)

	case model.MsgPresence:
		var p model.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		// The server-assigned id is authoritative; clients cannot speak for
		// another session.
		p.SessionID = sess.ID
		b.mu.Lock()
		b.presence[sess.ID] = p
		b.mu.Unlock()
		if stamped, err := model.NewEnvelope(model.MsgPresence, p); err == nil {
			b.broadcastDoc(sess.ID, stamped)
		}

		// Presence traffic doubles as the heartbeat for the occupancy index.
		if b.hub.registry != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := b.hub.registry.Set(ctx, presence.Record{
					SessionID: sess.ID,
					BoardID:   b.ID,
					User:      p.Presence.User,
					ServerID:  b.hub.instanceID,
				}); err != nil {
					log.Printf("[Board %s] Failed to update occupancy: %v", b.ID, err)
				}
			}()
		}

	case model.MsgLiveDrag, model.MsgLiveDragEnd, model.MsgCursorUpdate:
		// Tunneled fallback for clients without a dedicated live socket.
		b.broadcastDoc(sess.ID, env)
	}
}

func (b *Board) handleLiveEnvelope(lc *liveConn, env model.Envelope) {
	switch env.Type {
	case model.MsgLiveDrag:
		var p model.LiveDragPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		p.SessionID = lc.sessionID
		if stamped, err := model.NewEnvelope(model.MsgLiveDrag, p); err == nil {
			b.broadcastLive(lc.sessionID, stamped)
		}

	case model.MsgLiveDragEnd:
		var p model.LiveDragEndPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		p.SessionID = lc.sessionID
		if stamped, err := model.NewEnvelope(model.MsgLiveDragEnd, p); err == nil {
			b.broadcastLive(lc.sessionID, stamped)
		}

	case model.MsgCursorUpdate:
		var p model.CursorUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		p.SessionID = lc.sessionID
		if stamped, err := model.NewEnvelope(model.MsgCursorUpdate, p); err == nil {
			b.broadcastLive(lc.sessionID, stamped)
		}
	}
}

// handlePeerDelta applies a delta published by another instance and fans it
// out locally.
func (b *Board) handlePeerDelta(msg *cache.DeltaMessage) {
	if msg.Origin == b.hub.instanceID {
		return
	}
	var delta crdt.Delta
	if err := json.Unmarshal(msg.Delta, &delta); err != nil {
		return
	}
	b.mu.Lock()
	_, changed := b.doc.Apply(delta)
	b.mu.Unlock()
	if !changed && len(delta.Ops) == 0 {
		return
	}
	if env, err := model.NewEnvelope(model.MsgDelta, delta); err == nil {
		b.broadcastDoc("", env)
	}
}

// persistDelta writes the delta to the durable log, the hot cache and the
// cross-instance channel, all off the socket goroutine.
func (b *Board) persistDelta(raw json.RawMessage, delta crdt.Delta) {
	if b.hub.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.hub.store.AppendDelta(ctx, b.ID, delta); err != nil {
				log.Printf("[Board %s] Failed to persist delta: %v", b.ID, err)
				return
			}
			b.hub.store.Compact(b.ID)
		}()
	}

	if b.hub.redis != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := b.hub.redis.AppendDelta(ctx, b.ID, raw); err != nil {
				log.Printf("[Board %s] Failed to cache delta: %v", b.ID, err)
			}
			if err := b.hub.redis.PublishDelta(ctx, &cache.DeltaMessage{
				BoardID: b.ID,
				Origin:  b.hub.instanceID,
				Delta:   raw,
			}); err != nil {
				log.Printf("[Board %s] Failed to publish delta: %v", b.ID, err)
			}
		}()
	}
}

// broadcastDoc sends an envelope to every document session except the sender.
func (b *Board) broadcastDoc(exceptID string, env model.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	b.mu.RLock()
	targets := make([]*BoardSession, 0, len(b.sessions))
	for id, sess := range b.sessions {
		if id == exceptID {
			continue
		}
		targets = append(targets, sess)
	}
	b.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.sendRaw(data); err != nil {
			log.Printf("[Board %s] Failed to send to session %s: %v", b.ID, sess.ID, err)
		}
	}
}

// broadcastLive sends an envelope to every live socket except the sender.
func (b *Board) broadcastLive(exceptID string, env model.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	b.mu.RLock()
	targets := make([]*liveConn, 0, len(b.live))
	for id, lc := range b.live {
		if id == exceptID {
			continue
		}
		targets = append(targets, lc)
	}
	b.mu.RUnlock()

	for _, lc := range targets {
		lc.writeMu.Lock()
		err := lc.conn.WriteMessage(websocket.TextMessage, data)
		lc.writeMu.Unlock()
		if err != nil {
			log.Printf("[Board %s] Failed to send to live socket %s: %v", b.ID, lc.sessionID, err)
		}
	}
}

func (s *BoardSession) send(env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *BoardSession) sendRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
