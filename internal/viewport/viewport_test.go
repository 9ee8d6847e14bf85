package viewport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvas-realtime/internal/model"
)

func note(id string, x, y, w, h float64) *model.WhiteboardObject {
	return &model.WhiteboardObject{ID: id, Kind: model.KindNote, X: x, Y: y, Width: w, Height: h}
}

func TestCanvasBoundsConversion(t *testing.T) {
	// 1000x800 screen, 2x zoom, panned 100px right and down.
	v := Viewport{OffsetX: 100, OffsetY: 100, Scale: 2, Width: 1000, Height: 800}
	b := v.CanvasBounds(0)
	assert.InDelta(t, -50.0, b.MinX, 1e-9)
	assert.InDelta(t, -50.0, b.MinY, 1e-9)
	assert.InDelta(t, 450.0, b.MaxX, 1e-9)
	assert.InDelta(t, 350.0, b.MaxY, 1e-9)

	padded := v.CanvasBounds(200)
	assert.InDelta(t, -250.0, padded.MinX, 1e-9)
	assert.InDelta(t, 650.0, padded.MaxX, 1e-9)
}

func TestVisibleObjectsCulling(t *testing.T) {
	v := Viewport{OffsetX: 0, OffsetY: 0, Scale: 1, Width: 500, Height: 500}
	objs := []*model.WhiteboardObject{
		note("in", 100, 100, 50, 50),
		note("edge", 490, 490, 50, 50),       // overlaps the unpadded window
		note("pad", 600, 600, 50, 50),        // only inside the padded region
		note("out", 5000, 5000, 50, 50),      // far away
	}

	visible := VisibleObjects(objs, v, 0)
	ids := make([]string, 0, len(visible))
	for _, o := range visible {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"in", "edge"}, ids)

	visible = VisibleObjects(objs, v, DefaultPadding)
	assert.Len(t, visible, 3, "padding pulls near-edge objects in before they scroll on")

	assert.False(t, IsVisible(objs[3], v, DefaultPadding, nil))
}

func TestVisibleObjectsAnchoredConnector(t *testing.T) {
	v := Viewport{OffsetX: 0, OffsetY: 0, Scale: 1, Width: 500, Height: 500}
	target := note("target", 100, 100, 100, 100)
	conn := &model.WhiteboardObject{
		ID: "conn", Kind: model.KindConnector,
		Points:      []model.Point{{X: 9000, Y: 9000}, {X: 9100, Y: 9100}},
		StartAnchor: &model.AnchorRef{ObjectID: "target", Anchor: model.AnchorRight},
	}

	// The anchored endpoint resolves into view even though the literal points
	// are far outside it.
	visible := VisibleObjects([]*model.WhiteboardObject{target, conn}, v, 0)
	assert.Len(t, visible, 2)
}

func TestProjection(t *testing.T) {
	objs := []*model.WhiteboardObject{
		note("a", 0, 0, 100, 100),
		note("b", 900, 400, 100, 100),
	}
	p := Project(objs, 200, 150)

	assert.InDelta(t, 0.0, p.World.MinX, 1e-9)
	assert.InDelta(t, 1000.0, p.World.MaxX, 1e-9)
	assert.InDelta(t, 500.0, p.World.MaxY, 1e-9)

	// World is 1000x500; 200/1000=0.2 and 150/500=0.3, uniform scale is 0.2.
	assert.InDelta(t, 0.2, p.Scale, 1e-9)

	mx, my := p.ToMinimap(1000, 500)
	assert.InDelta(t, 200.0, mx, 1e-9)
	assert.InDelta(t, 100.0, my, 1e-9)
}

func TestProjectionEmptyAndDegenerate(t *testing.T) {
	p := Project(nil, 200, 150)
	assert.Equal(t, 1.0, p.Scale)

	// A single zero-area point must not produce an infinite scale.
	dot := &model.WhiteboardObject{ID: "dot", Kind: model.KindConnector,
		Points: []model.Point{{X: 5, Y: 5}}}
	p = Project([]*model.WhiteboardObject{dot}, 200, 150)
	assert.Equal(t, 1.0, p.Scale)
}

func TestProjectorLifecycle(t *testing.T) {
	var frames atomic.Int32
	source := func() []*model.WhiteboardObject { return []*model.WhiteboardObject{note("a", 0, 0, 10, 10)} }
	p := NewProjector(source, func(Projection) { frames.Add(1) }, 200, 150)
	p.SetInterval(10 * time.Millisecond)

	p.Start()
	p.Start() // idempotent
	require.Eventually(t, func() bool { return frames.Load() >= 3 }, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop() // idempotent
	settled := frames.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, frames.Load(), settled+1, "no frames after teardown")
}
