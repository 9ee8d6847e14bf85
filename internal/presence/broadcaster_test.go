package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvas-realtime/internal/model"
)

func collectSends() (*[]model.Envelope, Sender) {
	var sent []model.Envelope
	return &sent, func(env model.Envelope) error {
		sent = append(sent, env)
		return nil
	}
}

func TestCursorThrottle(t *testing.T) {
	sent, send := collectSends()
	b := NewBroadcaster(send)

	clock := time.UnixMilli(0)
	b.now = func() time.Time { return clock }

	b.SetIdentity(model.Identity{ID: "u1", Name: "Ada", Color: "#f00"})
	identityMsgs := len(*sent)

	b.UpdateCursor(10, 10) // first cursor always goes out
	require.Len(t, *sent, identityMsgs+1)

	// Same instant, big move: inside the 8ms window, dropped.
	b.UpdateCursor(50, 50)
	assert.Len(t, *sent, identityMsgs+1)

	// Past the window but under 0.5 units of movement: dropped.
	clock = clock.Add(20 * time.Millisecond)
	b.UpdateCursor(10.2, 10.2)
	assert.Len(t, *sent, identityMsgs+1)

	// Past the window with real movement: sent.
	b.UpdateCursor(30, 40)
	assert.Len(t, *sent, identityMsgs+2)

	last := (*sent)[len(*sent)-1]
	assert.Equal(t, model.MsgPresence, last.Type)
	var payload model.PresencePayload
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	require.NotNil(t, payload.Presence.Cursor)
	assert.Equal(t, 30.0, payload.Presence.Cursor.X)
	assert.Equal(t, 40.0, payload.Presence.Cursor.Y)
}

func TestRemoteStatesAndLeave(t *testing.T) {
	_, send := collectSends()
	b := NewBroadcaster(send)
	b.SetSessionID("s-local")
	b.SetIdentity(model.Identity{ID: "u1", Name: "Ada", Color: "#f00"})

	changes := 0
	unsubscribe := b.OnChange(func() { changes++ })
	defer unsubscribe()

	remote := model.PresencePayload{
		SessionID: "s-remote",
		Presence: model.Presence{
			User:   model.Identity{ID: "u2", Name: "Grace", Color: "#0f0"},
			Cursor: &model.Cursor{X: 5, Y: 5, LastUpdate: time.Now().UnixMilli()},
		},
	}
	raw, _ := json.Marshal(remote)
	b.HandleRemote(raw)
	assert.Equal(t, 1, changes)

	states := b.GetStates()
	require.Contains(t, states, "s-remote")
	require.Contains(t, states, "s-local")
	assert.Equal(t, "Grace", states["s-remote"].User.Name)
	assert.NotNil(t, states["s-remote"].Cursor)

	// Own echo is ignored.
	echo, _ := json.Marshal(model.PresencePayload{SessionID: "s-local"})
	b.HandleRemote(echo)
	assert.Equal(t, 1, changes)

	leave, _ := json.Marshal(model.LeavePayload{SessionID: "s-remote"})
	b.HandleLeave(leave)
	assert.Equal(t, 2, changes)
	assert.NotContains(t, b.GetStates(), "s-remote")
}

func TestIdleCursorHiddenNotDeleted(t *testing.T) {
	_, send := collectSends()
	b := NewBroadcaster(send)
	b.SetSessionID("s-local")

	stale := time.Now().Add(-10 * time.Second).UnixMilli()
	remote := model.PresencePayload{
		SessionID: "s-remote",
		Presence: model.Presence{
			User:   model.Identity{ID: "u2", Name: "Grace", Color: "#0f0"},
			Cursor: &model.Cursor{X: 5, Y: 5, LastUpdate: stale},
		},
	}
	raw, _ := json.Marshal(remote)
	b.HandleRemote(raw)

	states := b.GetStates()
	require.Contains(t, states, "s-remote")
	assert.Nil(t, states["s-remote"].Cursor, "idle cursor should be hidden")
	assert.Equal(t, "Grace", states["s-remote"].User.Name, "record itself survives until disconnect")
}

func TestLivePositionsRideAwareness(t *testing.T) {
	sent, send := collectSends()
	b := NewBroadcaster(send)
	b.SetSessionID("s-local")

	rot := 45.0
	b.SetLivePosition("obj-1", model.LivePosition{X: 1, Y: 2, Rotation: &rot})

	last := (*sent)[len(*sent)-1]
	var payload model.PresencePayload
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	require.Contains(t, payload.Presence.LivePositions, "obj-1")
	assert.Equal(t, 45.0, *payload.Presence.LivePositions["obj-1"].Rotation)

	b.ClearLivePosition("obj-1")
	last = (*sent)[len(*sent)-1]
	payload = model.PresencePayload{}
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.NotContains(t, payload.Presence.LivePositions, "obj-1")
}
