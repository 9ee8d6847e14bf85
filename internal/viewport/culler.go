// Package viewport filters the render set to what the padded visible region
// can contain and projects the whole board onto a minimap at its own cadence.
package viewport

import (
	"math"

	"canvas-realtime/internal/geometry"
	"canvas-realtime/internal/model"
)

// DefaultPadding expands the culling region so fast pan/zoom does not pop
// objects in at the edges, in canvas units.
const DefaultPadding = 200.0

// Viewport is the screen-space window over the canvas: pan offset (the screen
// position of the canvas origin), zoom scale and screen size in pixels.
type Viewport struct {
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
	Scale   float64 `json:"scale"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// CanvasBounds converts the screen window into canvas coordinates and expands
// it by padding on every side.
func (v Viewport) CanvasBounds(padding float64) geometry.Bounds {
	scale := v.Scale
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		scale = 1
	}
	b := geometry.Bounds{
		MinX: (0 - v.OffsetX) / scale,
		MinY: (0 - v.OffsetY) / scale,
		MaxX: (v.Width - v.OffsetX) / scale,
		MaxY: (v.Height - v.OffsetY) / scale,
	}
	return b.Expand(padding)
}

// IsVisible reports whether the object's bounding box overlaps the padded
// viewport. Any overlap counts; exactness is not needed for culling. byID is
// only consulted for anchored connectors and may be nil.
func IsVisible(obj *model.WhiteboardObject, v Viewport, padding float64, byID map[string]*model.WhiteboardObject) bool {
	return geometry.RectsIntersect(geometry.BoundingBox(obj, byID), v.CanvasBounds(padding))
}

// VisibleObjects filters a snapshot down to the render set. One cheap test per
// object, O(n) per call; re-run on every pan, zoom or object-set change. A
// spatial index could be substituted behind this signature without consumers
// noticing.
func VisibleObjects(objs []*model.WhiteboardObject, v Viewport, padding float64) []*model.WhiteboardObject {
	byID := make(map[string]*model.WhiteboardObject, len(objs))
	for _, obj := range objs {
		byID[obj.ID] = obj
	}
	region := v.CanvasBounds(padding)
	visible := make([]*model.WhiteboardObject, 0, len(objs))
	for _, obj := range objs {
		if geometry.RectsIntersect(geometry.BoundingBox(obj, byID), region) {
			visible = append(visible, obj)
		}
	}
	return visible
}
