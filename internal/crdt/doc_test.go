package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func fields(kv map[string]any) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(kv))
	for k, v := range kv {
		out[k] = raw(v)
	}
	return out
}

func TestLocalSetAndRead(t *testing.T) {
	doc := New("a")
	doc.SetFields("n1", fields(map[string]any{"kind": "note", "x": 100, "y": 100}))

	objs := doc.VisibleObjects()
	require.Len(t, objs, 1)
	assert.JSONEq(t, `"note"`, string(objs["n1"]["kind"]))
	assert.JSONEq(t, `100`, string(objs["n1"]["x"]))
}

func TestMergeCommutative(t *testing.T) {
	// Two replicas diverge from the same empty state, then exchange deltas in
	// opposite orders. Both must converge to identical state.
	a := New("a")
	b := New("b")

	da1 := a.SetFields("obj", fields(map[string]any{"x": 1, "fill": "red"}))
	da2 := a.SetFields("other", fields(map[string]any{"x": 5}))
	db1 := b.SetFields("obj", fields(map[string]any{"x": 2, "stroke": "blue"}))

	a.Apply(db1)
	b.Apply(da2)
	b.Apply(da1)

	assert.Equal(t, a.VisibleObjects(), b.VisibleObjects())

	// Same-field concurrent writes resolved deterministically everywhere.
	objs := a.VisibleObjects()
	assert.JSONEq(t, `2`, string(objs["obj"]["x"])) // equal counters, actor "b" wins
	// Different fields never conflict.
	assert.JSONEq(t, `"red"`, string(objs["obj"]["fill"]))
	assert.JSONEq(t, `"blue"`, string(objs["obj"]["stroke"]))
}

func TestMergeIdempotent(t *testing.T) {
	a := New("a")
	b := New("b")

	delta := a.SetFields("obj", fields(map[string]any{"x": 10}))
	b.Apply(delta)
	before := b.VisibleObjects()

	ids, changed := b.Apply(delta)
	assert.Nil(t, ids)
	assert.False(t, changed)
	assert.Equal(t, before, b.VisibleObjects())
}

func TestLaterWriteWins(t *testing.T) {
	a := New("a")
	b := New("b")

	d1 := a.SetFields("obj", fields(map[string]any{"x": 1}))
	b.Apply(d1)
	d2 := b.SetFields("obj", fields(map[string]any{"x": 2}))
	a.Apply(d2)

	assert.JSONEq(t, `2`, string(a.VisibleObjects()["obj"]["x"]))
	assert.JSONEq(t, `2`, string(b.VisibleObjects()["obj"]["x"]))
}

func TestDeleteTombstone(t *testing.T) {
	a := New("a")
	b := New("b")

	create := a.SetFields("obj", fields(map[string]any{"x": 1}))
	b.Apply(create)

	del := a.DeleteObjects([]string{"obj"})
	// Concurrent update on b before it learns of the delete.
	upd := b.SetFields("obj", fields(map[string]any{"x": 99}))

	a.Apply(upd)
	b.Apply(del)

	assert.False(t, a.Contains("obj"))
	assert.False(t, b.Contains("obj"))
	assert.Equal(t, a.VisibleObjects(), b.VisibleObjects())
}

func TestMetaLWW(t *testing.T) {
	a := New("a")
	b := New("b")

	da := a.SetMeta("title", raw("alpha"))
	db := b.SetMeta("title", raw("beta"))

	a.Apply(db)
	b.Apply(da)

	va, ok := a.MetaValue("title")
	require.True(t, ok)
	vb, _ := b.MetaValue("title")
	assert.Equal(t, string(va), string(vb))
}

func TestOpsSinceVersions(t *testing.T) {
	a := New("a")
	b := New("b")

	d1 := a.SetFields("o1", fields(map[string]any{"x": 1}))
	b.Apply(d1)

	// b's vector now covers d1; a makes more ops while b is "offline".
	vec := b.Versions()
	a.SetFields("o2", fields(map[string]any{"x": 2}))
	a.DeleteObjects([]string{"o1"})

	missing := a.OpsSince(vec)
	require.NotEmpty(t, missing)
	for _, op := range missing {
		assert.Greater(t, op.Clock.Counter, vec[op.Clock.Actor])
	}

	b.Apply(Delta{Ops: missing})
	assert.Equal(t, a.VisibleObjects(), b.VisibleObjects())
	assert.Equal(t, a.Versions(), b.Versions())

	// Nothing missing once vectors match.
	assert.Empty(t, a.OpsSince(b.Versions()))
}

func TestApplyReportsChangedObjects(t *testing.T) {
	a := New("a")
	b := New("b")

	delta := Merge(
		a.SetFields("o1", fields(map[string]any{"x": 1})),
		a.SetFields("o2", fields(map[string]any{"x": 2})),
	)
	ids, changed := b.Apply(delta)
	assert.Equal(t, []string{"o1", "o2"}, ids)
	assert.True(t, changed)
}

func TestApplyReportsMetaChanges(t *testing.T) {
	a := New("a")
	b := New("b")

	delta := a.SetMeta("title", raw("alpha"))
	ids, changed := b.Apply(delta)
	assert.Nil(t, ids, "meta keys never appear in the object id list")
	assert.True(t, changed, "a fresh meta value is a visible change")

	got, ok := b.MetaValue("title")
	require.True(t, ok)
	assert.JSONEq(t, `"alpha"`, string(got))

	_, changed = b.Apply(delta)
	assert.False(t, changed, "replays stay silent")

	// A losing concurrent write merges without reporting a change.
	stale := Delta{Ops: []Op{{Field: "title", Value: raw("old"), Meta: true, Clock: Clock{Counter: 1, Actor: "0"}}}}
	_, changed = b.Apply(stale)
	assert.False(t, changed)
	got, _ = b.MetaValue("title")
	assert.JSONEq(t, `"alpha"`, string(got))
}
