package model

import "encoding/json"

// Kind discriminates the WhiteboardObject union.
type Kind string

const (
	KindNote      Kind = "note"
	KindRectangle Kind = "rectangle"
	KindCircle    Kind = "circle"
	KindTriangle  Kind = "triangle"
	KindStar      Kind = "star"
	KindConnector Kind = "connector"
	KindText      Kind = "text"
	KindBubble    Kind = "bubble"
	KindFrame     Kind = "frame"
)

// AnchorName names an attachment point on a shape's boundary.
type AnchorName string

const (
	AnchorTop    AnchorName = "top"
	AnchorRight  AnchorName = "right"
	AnchorBottom AnchorName = "bottom"
	AnchorLeft   AnchorName = "left"
)

// AnchorRef points a connector endpoint at a named anchor of another object.
// The resolved position is always derived from the target's current geometry,
// never stored.
type AnchorRef struct {
	ObjectID string     `json:"objectId"`
	Anchor   AnchorName `json:"anchor"`
}

// Point is a position in canvas units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WhiteboardObject is the canonical board object. One struct carries the whole
// union; shape-specific fields are zero/omitted for kinds that don't use them.
// For circles X/Y is the center; for every other dimensioned kind it is the
// top-left corner. Connector/freehand kinds keep their absolute path in Points.
type WhiteboardObject struct {
	ID       string  `json:"id"`
	Kind     Kind    `json:"kind"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation,omitempty"` // degrees
	Z        int     `json:"z,omitempty"`

	CreatedBy string `json:"createdBy,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"` // unix millis
	UpdatedBy string `json:"updatedBy,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`

	Width       float64 `json:"width,omitempty"`
	Height      float64 `json:"height,omitempty"`
	Radius      float64 `json:"radius,omitempty"`
	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`

	Text       string  `json:"text,omitempty"`
	FontSize   float64 `json:"fontSize,omitempty"`
	FontFamily string  `json:"fontFamily,omitempty"`

	// Connector / freehand path.
	Points      []Point    `json:"points,omitempty"`
	StartAnchor *AnchorRef `json:"startAnchor,omitempty"`
	EndAnchor   *AnchorRef `json:"endAnchor,omitempty"`

	// Frame.
	Children []string `json:"children,omitempty"`
	Name     string   `json:"name,omitempty"`
}

// IsCircular reports whether anchors sit on a radius around the center.
func (o *WhiteboardObject) IsCircular() bool {
	return o.Kind == KindCircle
}

// HasDimensions reports whether the object carries a box or a radius that
// anchors can attach to. Connectors and plain free lines have neither.
func (o *WhiteboardObject) HasDimensions() bool {
	switch o.Kind {
	case KindCircle:
		return o.Radius > 0
	case KindConnector:
		return false
	default:
		return o.Width > 0 || o.Height > 0
	}
}

// Clone returns a deep copy safe to hand to consumers.
func (o *WhiteboardObject) Clone() *WhiteboardObject {
	c := *o
	if o.Points != nil {
		c.Points = make([]Point, len(o.Points))
		copy(c.Points, o.Points)
	}
	if o.StartAnchor != nil {
		ref := *o.StartAnchor
		c.StartAnchor = &ref
	}
	if o.EndAnchor != nil {
		ref := *o.EndAnchor
		c.EndAnchor = &ref
	}
	if o.Children != nil {
		c.Children = make([]string, len(o.Children))
		copy(c.Children, o.Children)
	}
	return &c
}

// Fields flattens the object into its per-field JSON representation, which is
// what the replicated document tracks. Zero-valued optional fields are omitted
// by the json tags, so a fresh object only claims the fields it actually sets.
func (o *WhiteboardObject) Fields() (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// ObjectFromFields materializes an object from its per-field representation.
func ObjectFromFields(fields map[string]json.RawMessage) (*WhiteboardObject, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var obj WhiteboardObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}
