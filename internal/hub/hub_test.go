package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvas-realtime/internal/crdt"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/transport"
)

func readEnvelope(t *testing.T, conn *transport.MemoryClientConn) model.Envelope {
	t.Helper()
	type result struct {
		env model.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.ReadMessage()
		if err != nil {
			ch <- result{err: err}
			return
		}
		var env model.Envelope
		ch <- result{env: env, err: json.Unmarshal(data, &env)}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return model.Envelope{}
	}
}

func joinBoard(t *testing.T, h *Hub, boardID string) (*transport.MemoryClientConn, model.HelloPayload) {
	t.Helper()
	client, server := transport.MemoryPair()
	go h.HandleBoardSocket(boardID, server)
	t.Cleanup(func() { client.Close() })

	env := readEnvelope(t, client)
	require.Equal(t, model.MsgHello, env.Type)
	var hello model.HelloPayload
	require.NoError(t, json.Unmarshal(env.Payload, &hello))
	require.NotEmpty(t, hello.SessionID)
	return client, hello
}

func sampleDelta(actor, objectID string) crdt.Delta {
	d := crdt.New(actor)
	x, _ := json.Marshal(42.0)
	kind, _ := json.Marshal(string(model.KindNote))
	return d.SetFields(objectID, map[string]json.RawMessage{"kind": kind, "x": x})
}

func TestDeltaFanoutSkipsSender(t *testing.T) {
	h := NewHub(nil, nil)
	c1, _ := joinBoard(t, h, "b1")
	c2, _ := joinBoard(t, h, "b1")

	delta := sampleDelta("a", "obj-1")
	env, err := model.NewEnvelope(model.MsgDelta, delta)
	require.NoError(t, err)
	require.NoError(t, c1.WriteJSON(env))

	got := readEnvelope(t, c2)
	require.Equal(t, model.MsgDelta, got.Type)
	var received crdt.Delta
	require.NoError(t, json.Unmarshal(got.Payload, &received))
	assert.Len(t, received.Ops, 2)
}

func TestHelloCarriesVersionsAndSyncReplaysMissing(t *testing.T) {
	h := NewHub(nil, nil)
	c1, _ := joinBoard(t, h, "b1")
	c2, _ := joinBoard(t, h, "b1")

	delta := sampleDelta("a", "obj-1")
	env, err := model.NewEnvelope(model.MsgDelta, delta)
	require.NoError(t, err)
	require.NoError(t, c1.WriteJSON(env))

	// The fanout to c2 confirms the server replica applied the delta.
	got := readEnvelope(t, c2)
	require.Equal(t, model.MsgDelta, got.Type)

	// A late joiner learns the server's version vector in the hello and can
	// pull everything it is missing with one sync.
	c3, hello := joinBoard(t, h, "b1")
	assert.NotZero(t, hello.Versions["a"])

	sync, err := model.NewEnvelope(model.MsgSync, model.SyncPayload{})
	require.NoError(t, err)
	require.NoError(t, c3.WriteJSON(sync))

	got = readEnvelope(t, c3)
	require.Equal(t, model.MsgDelta, got.Type)
	var received crdt.Delta
	require.NoError(t, json.Unmarshal(got.Payload, &received))
	assert.Len(t, received.Ops, 2, "empty vector pulls the whole log")
}

func TestPresenceStampedWithServerSession(t *testing.T) {
	h := NewHub(nil, nil)
	c1, hello1 := joinBoard(t, h, "b1")
	c2, _ := joinBoard(t, h, "b1")

	// The client claims a forged session; the hub overwrites it.
	env, err := model.NewEnvelope(model.MsgPresence, model.PresencePayload{
		SessionID: "forged",
		Presence:  model.Presence{User: model.Identity{ID: "u1", Name: "Ada", Color: "#f00"}},
	})
	require.NoError(t, err)
	require.NoError(t, c1.WriteJSON(env))

	got := readEnvelope(t, c2)
	require.Equal(t, model.MsgPresence, got.Type)
	var p model.PresencePayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, hello1.SessionID, p.SessionID)
	assert.Equal(t, "Ada", p.Presence.User.Name)

	// Late joiners get the current presence set replayed after the hello.
	c3, _ := joinBoard(t, h, "b1")
	replay := readEnvelope(t, c3)
	require.Equal(t, model.MsgPresence, replay.Type)
	require.NoError(t, json.Unmarshal(replay.Payload, &p))
	assert.Equal(t, hello1.SessionID, p.SessionID)
}

func TestLeaveBroadcastOnDisconnect(t *testing.T) {
	h := NewHub(nil, nil)
	c1, hello1 := joinBoard(t, h, "b1")
	c2, _ := joinBoard(t, h, "b1")

	c1.Close()

	got := readEnvelope(t, c2)
	require.Equal(t, model.MsgLeave, got.Type)
	var leave model.LeavePayload
	require.NoError(t, json.Unmarshal(got.Payload, &leave))
	assert.Equal(t, hello1.SessionID, leave.SessionID)
}

func TestLiveRelayForwardingAndLeave(t *testing.T) {
	h := NewHub(nil, nil)

	c1, s1 := transport.MemoryPair()
	go h.HandleLiveSocket("b1", "session-1", s1)
	c2, s2 := transport.MemoryPair()
	go h.HandleLiveSocket("b1", "session-2", s2)
	t.Cleanup(func() { c2.Close() })

	// Both handlers register asynchronously; wait for them before writing so
	// the broadcast has a peer to reach.
	b := h.GetOrCreateBoard("b1")
	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.live) == 2
	}, time.Second, time.Millisecond)

	env, err := model.NewEnvelope(model.MsgLiveDrag, model.LiveDragPayload{
		SessionID: "forged", ObjectID: "obj", X: 3, Y: 4,
		Extra: map[string]float64{"rotation": 15},
	})
	require.NoError(t, err)
	require.NoError(t, c1.WriteJSON(env))

	got := readEnvelope(t, c2)
	require.Equal(t, model.MsgLiveDrag, got.Type)
	var drag model.LiveDragPayload
	require.NoError(t, json.Unmarshal(got.Payload, &drag))
	assert.Equal(t, "session-1", drag.SessionID, "relay frames carry the server-known session")
	assert.Equal(t, 15.0, drag.Extra["rotation"])

	// Dropping the socket announces the departure so peers discard previews.
	c1.Close()
	got = readEnvelope(t, c2)
	require.Equal(t, model.MsgRelayUserLeft, got.Type)
	var leave model.LeavePayload
	require.NoError(t, json.Unmarshal(got.Payload, &leave))
	assert.Equal(t, "session-1", leave.SessionID)
}

// stallStore blocks LoadOps for one board until released, standing in for a
// cold Postgres replay.
type stallStore struct {
	stallBoard string
	entered    chan struct{}
	release    chan struct{}
}

func (s *stallStore) AppendDelta(ctx context.Context, boardID string, delta crdt.Delta) error {
	return nil
}

func (s *stallStore) LoadOps(ctx context.Context, boardID string) ([]crdt.Op, error) {
	if boardID == s.stallBoard {
		close(s.entered)
		<-s.release
	}
	return nil, nil
}

func (s *stallStore) Compact(boardID string) {}

func TestColdHistoryLoadDoesNotBlockOtherBoards(t *testing.T) {
	store := &stallStore{
		stallBoard: "cold",
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	h := NewHub(store, nil)

	coldDone := make(chan *Board, 1)
	go func() { coldDone <- h.GetOrCreateBoard("cold") }()

	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("cold board never started its history load")
	}

	// While the cold board replays, joins to other boards proceed.
	warmDone := make(chan struct{})
	go func() {
		h.GetOrCreateBoard("warm")
		close(warmDone)
	}()
	select {
	case <-warmDone:
	case <-time.After(time.Second):
		t.Fatal("unrelated board stalled behind a cold history load")
	}

	close(store.release)
	select {
	case board := <-coldDone:
		require.NotNil(t, board)
	case <-time.After(time.Second):
		t.Fatal("cold board never finished loading")
	}
	assert.Equal(t, 2, h.BoardCount())
}

func TestEmptyBoardEvicted(t *testing.T) {
	h := NewHub(nil, nil)
	c1, _ := joinBoard(t, h, "b1")
	require.Equal(t, 1, h.BoardCount())

	c1.Close()
	require.Eventually(t, func() bool { return h.BoardCount() == 0 }, time.Second, 5*time.Millisecond)
}
