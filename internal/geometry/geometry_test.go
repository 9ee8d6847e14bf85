package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvas-realtime/internal/model"
)

func rect(id string, x, y, w, h, rot float64) *model.WhiteboardObject {
	return &model.WhiteboardObject{ID: id, Kind: model.KindRectangle, X: x, Y: y, Width: w, Height: h, Rotation: rot}
}

func circle(id string, x, y, r float64) *model.WhiteboardObject {
	return &model.WhiteboardObject{ID: id, Kind: model.KindCircle, X: x, Y: y, Radius: r}
}

func anchorByName(t *testing.T, anchors []Anchor, name model.AnchorName) Anchor {
	t.Helper()
	for _, a := range anchors {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("anchor %q not found", name)
	return Anchor{}
}

func TestAnchorPointsRectangleMidpoints(t *testing.T) {
	anchors := AnchorPoints(rect("r1", 100, 100, 200, 100, 0))
	require.Len(t, anchors, 4)

	top := anchorByName(t, anchors, model.AnchorTop)
	assert.InDelta(t, 200.0, top.X, 1e-9)
	assert.InDelta(t, 100.0, top.Y, 1e-9)

	right := anchorByName(t, anchors, model.AnchorRight)
	assert.InDelta(t, 300.0, right.X, 1e-9)
	assert.InDelta(t, 150.0, right.Y, 1e-9)

	bottom := anchorByName(t, anchors, model.AnchorBottom)
	assert.InDelta(t, 200.0, bottom.X, 1e-9)
	assert.InDelta(t, 200.0, bottom.Y, 1e-9)

	left := anchorByName(t, anchors, model.AnchorLeft)
	assert.InDelta(t, 100.0, left.X, 1e-9)
	assert.InDelta(t, 150.0, left.Y, 1e-9)
}

func TestAnchorPointsCircleCardinals(t *testing.T) {
	anchors := AnchorPoints(circle("c1", 500, 300, 50))
	require.Len(t, anchors, 4)

	top := anchorByName(t, anchors, model.AnchorTop)
	assert.InDelta(t, 500.0, top.X, 1e-9)
	assert.InDelta(t, 250.0, top.Y, 1e-9)

	right := anchorByName(t, anchors, model.AnchorRight)
	assert.InDelta(t, 550.0, right.X, 1e-9)
	assert.InDelta(t, 300.0, right.Y, 1e-9)

	bottom := anchorByName(t, anchors, model.AnchorBottom)
	assert.InDelta(t, 500.0, bottom.X, 1e-9)
	assert.InDelta(t, 350.0, bottom.Y, 1e-9)

	left := anchorByName(t, anchors, model.AnchorLeft)
	assert.InDelta(t, 450.0, left.X, 1e-9)
	assert.InDelta(t, 300.0, left.Y, 1e-9)
}

func TestAnchorPointsCircleRotated(t *testing.T) {
	c := circle("c1", 500, 300, 50)
	c.Rotation = 45

	top := anchorByName(t, AnchorPoints(c), model.AnchorTop)
	sin45 := math.Sin(45 * math.Pi / 180)
	cos45 := math.Cos(45 * math.Pi / 180)
	assert.InDelta(t, 500+50*sin45, top.X, 1e-9)
	assert.InDelta(t, 300-50*cos45, top.Y, 1e-9)
}

func TestAnchorPointsNonDimensioned(t *testing.T) {
	line := &model.WhiteboardObject{ID: "l1", Kind: model.KindConnector,
		Points: []model.Point{{X: 0, Y: 0}, {X: 10, Y: 10}}}
	assert.Empty(t, AnchorPoints(line))
}

func TestBoundingBoxRotationGrowsBox(t *testing.T) {
	base := BoundingBox(rect("r1", 0, 0, 200, 100, 0), nil)
	assert.InDelta(t, 200.0, base.Width(), 1e-9)
	assert.InDelta(t, 100.0, base.Height(), 1e-9)

	for _, deg := range []float64{30, 45, 135, 200, 359} {
		rotated := BoundingBox(rect("r1", 0, 0, 200, 100, deg), nil)
		assert.Greater(t, rotated.Width(), base.Width(), "deg=%v", deg)
		assert.Greater(t, rotated.Height(), base.Height(), "deg=%v", deg)
	}

	// Multiples of 180° leave the box unchanged.
	flipped := BoundingBox(rect("r1", 0, 0, 200, 100, 180), nil)
	assert.InDelta(t, base.Width(), flipped.Width(), 1e-9)
	assert.InDelta(t, base.Height(), flipped.Height(), 1e-9)
}

func TestBoundingBoxCircle(t *testing.T) {
	b := BoundingBox(circle("c1", 500, 300, 50), nil)
	assert.Equal(t, Bounds{MinX: 450, MinY: 250, MaxX: 550, MaxY: 350}, b)
}

func TestBoundingBoxDegeneratePath(t *testing.T) {
	line := &model.WhiteboardObject{ID: "l1", Kind: model.KindConnector,
		Points: []model.Point{{X: 42, Y: 17}}}
	b := BoundingBox(line, nil)
	assert.Equal(t, Bounds{MinX: 42, MinY: 17, MaxX: 42, MaxY: 17}, b)
	assert.Zero(t, b.Width())
	assert.Zero(t, b.Height())
}

func TestBoundingBoxNaNCoerced(t *testing.T) {
	bad := rect("r1", math.NaN(), math.Inf(1), 100, 50, 0)
	b := BoundingBox(bad, nil)
	assert.Equal(t, Bounds{MinX: 0, MinY: 0, MaxX: 100, MaxY: 50}, b)
}

func TestResolveConnectorPoints(t *testing.T) {
	conn := &model.WhiteboardObject{ID: "conn", Kind: model.KindConnector,
		Points: []model.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}}

	// No anchors: literal points.
	x1, y1, x2, y2 := ResolveConnectorPoints(conn, nil)
	assert.Equal(t, []float64{1, 2, 3, 4}, []float64{x1, y1, x2, y2})

	// Anchored start: live position of the referenced object.
	target := rect("target", 100, 100, 200, 100, 0)
	conn.StartAnchor = &model.AnchorRef{ObjectID: "target", Anchor: model.AnchorTop}
	byID := map[string]*model.WhiteboardObject{"target": target}

	x1, y1, x2, y2 = ResolveConnectorPoints(conn, byID)
	assert.Equal(t, []float64{200, 100, 3, 4}, []float64{x1, y1, x2, y2})

	// Moving the target moves the resolved endpoint; nothing is cached.
	target.X = 200
	x1, y1, _, _ = ResolveConnectorPoints(conn, byID)
	assert.Equal(t, []float64{300, 100}, []float64{x1, y1})

	// Missing reference degrades silently to the literal point.
	conn.EndAnchor = &model.AnchorRef{ObjectID: "gone", Anchor: model.AnchorLeft}
	_, _, x2, y2 = ResolveConnectorPoints(conn, byID)
	assert.Equal(t, []float64{3, 4}, []float64{x2, y2})

	delete(byID, "target")
	x1, y1, _, _ = ResolveConnectorPoints(conn, byID)
	assert.Equal(t, []float64{1, 2}, []float64{x1, y1})
}

func TestNearestAnchor(t *testing.T) {
	objects := []*model.WhiteboardObject{
		rect("near", 0, 0, 100, 100, 0),   // top anchor at (50, 0)
		rect("far", 1000, 1000, 10, 10, 0), // nowhere close
	}

	hit := NearestAnchor(52, 1, objects, nil, 20)
	require.NotNil(t, hit)
	assert.Equal(t, "near", hit.ObjectID)
	assert.Equal(t, model.AnchorTop, hit.Anchor)

	// Outside snap distance.
	assert.Nil(t, NearestAnchor(52, 1, objects, nil, 1))

	// The closest object excluded: falls through to nothing in range.
	assert.Nil(t, NearestAnchor(52, 1, objects, []string{"near"}, 20))

	// Exclusion still allows the next candidate when it is in range.
	hit = NearestAnchor(1004, 999, objects, []string{"near"}, 20)
	require.NotNil(t, hit)
	assert.Equal(t, "far", hit.ObjectID)
}

func TestRectsIntersectAndPointInBounds(t *testing.T) {
	a := Bounds{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	b := Bounds{MinX: 10, MinY: 10, MaxX: 20, MaxY: 20}
	c := Bounds{MinX: 11, MinY: 11, MaxX: 20, MaxY: 20}

	assert.True(t, RectsIntersect(a, b)) // touching edges count
	assert.False(t, RectsIntersect(a, c))
	assert.True(t, RectsIntersect(c, c))

	assert.True(t, PointInBounds(5, 5, a, 0))
	assert.False(t, PointInBounds(11, 5, a, 0))
	assert.True(t, PointInBounds(11, 5, a, 1.5))
}
