// Package geometry holds the pure spatial functions of the canvas core:
// anchor points, connector endpoint resolution, rotation-aware bounding boxes
// and the containment tests the viewport culler builds on. Nothing here keeps
// state or performs I/O.
package geometry

import (
	"math"

	"canvas-realtime/internal/model"
)

// Anchor is a named attachment point in world coordinates.
type Anchor struct {
	Name model.AnchorName `json:"name"`
	X    float64          `json:"x"`
	Y    float64          `json:"y"`
}

// AnchorHit identifies the anchor chosen by NearestAnchor.
type AnchorHit struct {
	ObjectID string           `json:"objectId"`
	Anchor   model.AnchorName `json:"anchor"`
}

// Bounds is an axis-aligned box in canvas units.
type Bounds struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// Width returns the horizontal extent of the box.
func (b Bounds) Width() float64 { return b.MaxX - b.MinX }

// Height returns the vertical extent of the box.
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

// Expand grows the box by pad on every side.
func (b Bounds) Expand(pad float64) Bounds {
	return Bounds{MinX: b.MinX - pad, MinY: b.MinY - pad, MaxX: b.MaxX + pad, MaxY: b.MaxY + pad}
}

// Union returns the smallest box containing both.
func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// sanitize coerces NaN/Inf coordinates to 0 so a single malformed update can
// never poison derived geometry.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// rotateAround rotates (px,py) by deg degrees about (cx,cy).
func rotateAround(px, py, cx, cy, deg float64) (float64, float64) {
	if deg == 0 {
		return px, py
	}
	sin, cos := math.Sincos(deg * math.Pi / 180)
	dx, dy := px-cx, py-cy
	return cx + dx*cos - dy*sin, cy + dx*sin + dy*cos
}

// AnchorPoints returns the four cardinal anchors of a shape in world space.
// Rectangle-like shapes expose their edge midpoints rotated about the shape
// origin (top-left); circles expose points at radius distance along the
// cardinal directions rotated about the center. Shapes without dimensions
// (connectors, free lines) have no anchors.
func AnchorPoints(o *model.WhiteboardObject) []Anchor {
	if o == nil || !o.HasDimensions() {
		return nil
	}

	x, y := sanitize(o.X), sanitize(o.Y)
	rot := sanitize(o.Rotation)

	var local [4]Anchor
	var cx, cy float64
	if o.IsCircular() {
		r := sanitize(o.Radius)
		cx, cy = x, y
		local = [4]Anchor{
			{Name: model.AnchorTop, X: x, Y: y - r},
			{Name: model.AnchorRight, X: x + r, Y: y},
			{Name: model.AnchorBottom, X: x, Y: y + r},
			{Name: model.AnchorLeft, X: x - r, Y: y},
		}
	} else {
		w, h := sanitize(o.Width), sanitize(o.Height)
		cx, cy = x, y
		local = [4]Anchor{
			{Name: model.AnchorTop, X: x + w/2, Y: y},
			{Name: model.AnchorRight, X: x + w, Y: y + h/2},
			{Name: model.AnchorBottom, X: x + w/2, Y: y + h},
			{Name: model.AnchorLeft, X: x, Y: y + h/2},
		}
	}

	anchors := make([]Anchor, 4)
	for i, a := range local {
		ax, ay := rotateAround(a.X, a.Y, cx, cy, rot)
		anchors[i] = Anchor{Name: a.Name, X: ax, Y: ay}
	}
	return anchors
}

// ResolveAnchor returns the world position of one named anchor.
func ResolveAnchor(o *model.WhiteboardObject, name model.AnchorName) (model.Point, bool) {
	for _, a := range AnchorPoints(o) {
		if a.Name == name {
			return model.Point{X: a.X, Y: a.Y}, true
		}
	}
	return model.Point{}, false
}

// NearestAnchor scans all anchor-bearing objects and returns the closest
// anchor within maxDist of (x,y), or nil when none is in snap range. Objects
// listed in exclude are skipped even when geometrically closest; ties keep the
// first anchor found in iteration order.
func NearestAnchor(x, y float64, objects []*model.WhiteboardObject, exclude []string, maxDist float64) *AnchorHit {
	x, y = sanitize(x), sanitize(y)

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var best *AnchorHit
	bestDist := maxDist
	for _, o := range objects {
		if o == nil {
			continue
		}
		if _, excluded := skip[o.ID]; excluded {
			continue
		}
		for _, a := range AnchorPoints(o) {
			d := math.Hypot(a.X-x, a.Y-y)
			if d < bestDist || (best == nil && d <= bestDist) {
				bestDist = d
				best = &AnchorHit{ObjectID: o.ID, Anchor: a.Name}
			}
		}
	}
	return best
}

// literalEndpoints returns the connector's stored endpoints without any anchor
// resolution.
func literalEndpoints(conn *model.WhiteboardObject) (x1, y1, x2, y2 float64) {
	if len(conn.Points) == 0 {
		x := sanitize(conn.X)
		y := sanitize(conn.Y)
		return x, y, x, y
	}
	first := conn.Points[0]
	last := conn.Points[len(conn.Points)-1]
	return sanitize(first.X), sanitize(first.Y), sanitize(last.X), sanitize(last.Y)
}

// ResolveConnectorPoints computes a connector's live endpoints. Anchored
// endpoints follow the referenced object's current geometry; a reference to a
// missing object silently degrades to the connector's own literal point. This
// never fails: the worst case is the stored points unchanged.
func ResolveConnectorPoints(conn *model.WhiteboardObject, byID map[string]*model.WhiteboardObject) (x1, y1, x2, y2 float64) {
	x1, y1, x2, y2 = literalEndpoints(conn)

	if ref := conn.StartAnchor; ref != nil {
		if target, ok := byID[ref.ObjectID]; ok {
			if p, ok := ResolveAnchor(target, ref.Anchor); ok {
				x1, y1 = p.X, p.Y
			}
		}
	}
	if ref := conn.EndAnchor; ref != nil {
		if target, ok := byID[ref.ObjectID]; ok {
			if p, ok := ResolveAnchor(target, ref.Anchor); ok {
				x2, y2 = p.X, p.Y
			}
		}
	}
	return x1, y1, x2, y2
}

// BoundingBox returns the world-space axis-aligned bounding box of an object.
// byID is consulted only for anchored connectors and may be nil. For rotations
// that are not a multiple of 180° the box of a rectangle-like shape strictly
// encloses the unrotated box.
func BoundingBox(o *model.WhiteboardObject, byID map[string]*model.WhiteboardObject) Bounds {
	x, y := sanitize(o.X), sanitize(o.Y)
	rot := sanitize(o.Rotation)

	switch {
	case o.IsCircular():
		r := sanitize(o.Radius)
		return Bounds{MinX: x - r, MinY: y - r, MaxX: x + r, MaxY: y + r}

	case o.Kind == model.KindConnector:
		if o.StartAnchor != nil || o.EndAnchor != nil {
			x1, y1, x2, y2 := ResolveConnectorPoints(o, byID)
			return Bounds{
				MinX: math.Min(x1, x2), MinY: math.Min(y1, y2),
				MaxX: math.Max(x1, x2), MaxY: math.Max(y1, y2),
			}
		}
		return pathBounds(o.Points, x, y, rot)

	default:
		w, h := sanitize(o.Width), sanitize(o.Height)
		corners := [4][2]float64{{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}}
		b := Bounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
		for _, c := range corners {
			px, py := rotateAround(c[0], c[1], x, y, rot)
			b.MinX = math.Min(b.MinX, px)
			b.MinY = math.Min(b.MinY, py)
			b.MaxX = math.Max(b.MaxX, px)
			b.MaxY = math.Max(b.MaxY, py)
		}
		return b
	}
}

// pathBounds is the freehand-path case: min/max over all points, rotated about
// the path origin when rotation is set. A single-point path yields a zero-area
// box at that point.
func pathBounds(points []model.Point, originX, originY, rot float64) Bounds {
	if len(points) == 0 {
		return Bounds{MinX: originX, MinY: originY, MaxX: originX, MaxY: originY}
	}
	// The first stored point is the path origin when the object position is
	// unset, which is how free lines are recorded.
	cx, cy := originX, originY
	if cx == 0 && cy == 0 {
		cx, cy = sanitize(points[0].X), sanitize(points[0].Y)
	}
	b := Bounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, p := range points {
		px, py := rotateAround(sanitize(p.X), sanitize(p.Y), cx, cy, rot)
		b.MinX = math.Min(b.MinX, px)
		b.MinY = math.Min(b.MinY, py)
		b.MaxX = math.Max(b.MaxX, px)
		b.MaxY = math.Max(b.MaxY, py)
	}
	return b
}

// RectsIntersect reports whether two boxes overlap; touching edges count.
func RectsIntersect(a, b Bounds) bool {
	return a.MinX <= b.MaxX && b.MinX <= a.MaxX && a.MinY <= b.MaxY && b.MinY <= a.MaxY
}

// PointInBounds reports whether (x,y) lies inside b expanded by tolerance.
func PointInBounds(x, y float64, b Bounds, tolerance float64) bool {
	x, y = sanitize(x), sanitize(y)
	return x >= b.MinX-tolerance && x <= b.MaxX+tolerance &&
		y >= b.MinY-tolerance && y <= b.MaxY+tolerance
}
