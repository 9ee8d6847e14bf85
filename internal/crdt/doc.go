// Package crdt implements the replicated document underneath the sync engine:
// a per-object, per-field last-writer-wins map whose merges are commutative
// and idempotent. Concurrent edits to different objects or fields never
// conflict; concurrent edits to the same field resolve by the total order over
// (counter, actor). Deletes are tombstones; a deleted object never resurfaces.
package crdt

import (
	"encoding/json"
	"sort"
)

// Clock is a lamport timestamp with the originating actor as tie-break,
// giving a deterministic total order over all ops.
type Clock struct {
	Counter uint64 `json:"c"`
	Actor   string `json:"a"`
}

// Less reports whether c precedes o in the total order.
func (c Clock) Less(o Clock) bool {
	if c.Counter != o.Counter {
		return c.Counter < o.Counter
	}
	return c.Actor < o.Actor
}

// Op is one field write, meta write or object delete.
type Op struct {
	ObjectID string          `json:"obj,omitempty"`
	Field    string          `json:"field,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Delete   bool            `json:"del,omitempty"`
	Meta     bool            `json:"meta,omitempty"`
	Clock    Clock           `json:"clock"`
}

// Delta is the unit of propagation: a batch of ops sent as one message.
type Delta struct {
	Ops []Op `json:"ops"`
}

// Merge concatenates deltas into a single one, used by batch operations to
// avoid one network message per object.
func Merge(deltas ...Delta) Delta {
	var out Delta
	for _, d := range deltas {
		out.Ops = append(out.Ops, d.Ops...)
	}
	return out
}

type register struct {
	value json.RawMessage
	clock Clock
}

type objectState struct {
	fields  map[string]register
	deleted bool
}

// Doc is one replica of a board document. It is not safe for concurrent use;
// the owning engine serializes access.
type Doc struct {
	actor   string
	counter uint64

	objects map[string]*objectState
	meta    map[string]register

	versions map[string]uint64 // actor -> highest counter applied
	seen     map[Clock]struct{}
	log      []Op
}

// New creates an empty replica owned by actor.
func New(actor string) *Doc {
	return &Doc{
		actor:    actor,
		objects:  make(map[string]*objectState),
		meta:     make(map[string]register),
		versions: make(map[string]uint64),
		seen:     make(map[Clock]struct{}),
	}
}

// Actor returns the replica's actor id.
func (d *Doc) Actor() string { return d.actor }

func (d *Doc) tick() Clock {
	d.counter++
	return Clock{Counter: d.counter, Actor: d.actor}
}

// SetFields writes fields of one object locally and returns the delta to
// propagate. Creating and updating are the same operation.
func (d *Doc) SetFields(id string, fields map[string]json.RawMessage) Delta {
	// Deterministic op order keeps deltas reproducible.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var delta Delta
	for _, name := range names {
		op := Op{ObjectID: id, Field: name, Value: fields[name], Clock: d.tick()}
		d.applyOp(op)
		delta.Ops = append(delta.Ops, op)
	}
	return delta
}

// DeleteObjects tombstones the given objects locally and returns the delta.
func (d *Doc) DeleteObjects(ids []string) Delta {
	var delta Delta
	for _, id := range ids {
		op := Op{ObjectID: id, Delete: true, Clock: d.tick()}
		d.applyOp(op)
		delta.Ops = append(delta.Ops, op)
	}
	return delta
}

// SetMeta writes one board metadata entry locally and returns the delta.
func (d *Doc) SetMeta(key string, value json.RawMessage) Delta {
	op := Op{Field: key, Value: value, Meta: true, Clock: d.tick()}
	d.applyOp(op)
	return Delta{Ops: []Op{op}}
}

// MetaValue reads one board metadata entry.
func (d *Doc) MetaValue(key string) (json.RawMessage, bool) {
	reg, ok := d.meta[key]
	if !ok || reg.value == nil {
		return nil, false
	}
	return reg.value, true
}

// Apply merges a remote delta. It returns the ids of objects whose visible
// state changed, plus whether any visible state changed at all; a meta-only
// delta reports changed=true with no ids. Applying the same delta twice, or
// two deltas in either order, converges to the same state.
func (d *Doc) Apply(delta Delta) (ids []string, changed bool) {
	touched := make(map[string]struct{})
	for _, op := range delta.Ops {
		if !d.applyOp(op) {
			continue
		}
		changed = true
		if op.ObjectID != "" {
			touched[op.ObjectID] = struct{}{}
		}
	}
	if len(touched) == 0 {
		return nil, changed
	}
	ids = make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, changed
}

// applyOp merges one op and reports whether visible state changed.
func (d *Doc) applyOp(op Op) bool {
	if _, dup := d.seen[op.Clock]; dup {
		return false
	}
	d.seen[op.Clock] = struct{}{}
	d.log = append(d.log, op)
	if op.Clock.Counter > d.versions[op.Clock.Actor] {
		d.versions[op.Clock.Actor] = op.Clock.Counter
	}
	// Lamport receive rule: local clock never falls behind remote ops.
	if op.Clock.Counter > d.counter {
		d.counter = op.Clock.Counter
	}

	if op.Meta {
		reg := d.meta[op.Field]
		if reg.clock.Less(op.Clock) {
			d.meta[op.Field] = register{value: op.Value, clock: op.Clock}
			return true
		}
		return false
	}

	state, ok := d.objects[op.ObjectID]
	if !ok {
		state = &objectState{fields: make(map[string]register)}
		d.objects[op.ObjectID] = state
	}

	if op.Delete {
		if state.deleted {
			return false
		}
		state.deleted = true
		state.fields = nil
		return true
	}

	if state.deleted {
		// Tombstones dominate: late field writes for a deleted object are
		// absorbed without effect.
		return false
	}

	reg, exists := state.fields[op.Field]
	if exists && !reg.clock.Less(op.Clock) {
		return false
	}
	state.fields[op.Field] = register{value: op.Value, clock: op.Clock}
	return true
}

// Contains reports whether id is a visible (non-deleted) object.
func (d *Doc) Contains(id string) bool {
	state, ok := d.objects[id]
	return ok && !state.deleted
}

// VisibleObjects returns a copy of the field maps of all non-deleted objects.
func (d *Doc) VisibleObjects() map[string]map[string]json.RawMessage {
	out := make(map[string]map[string]json.RawMessage, len(d.objects))
	for id, state := range d.objects {
		if state.deleted {
			continue
		}
		fields := make(map[string]json.RawMessage, len(state.fields))
		for name, reg := range state.fields {
			fields[name] = reg.value
		}
		out[id] = fields
	}
	return out
}

// Versions returns a copy of the replica's version vector.
func (d *Doc) Versions() map[string]uint64 {
	out := make(map[string]uint64, len(d.versions))
	for actor, counter := range d.versions {
		out[actor] = counter
	}
	return out
}

// OpsSince returns every op the holder of the given vector has not seen,
// which is the whole reconnect exchange: vectors out, missing ops back,
// never a full snapshot.
func (d *Doc) OpsSince(versions map[string]uint64) []Op {
	var out []Op
	for _, op := range d.log {
		if op.Clock.Counter > versions[op.Clock.Actor] {
			out = append(out, op)
		}
	}
	return out
}

// LogLen returns the number of ops retained for sync replay.
func (d *Doc) LogLen() int { return len(d.log) }
