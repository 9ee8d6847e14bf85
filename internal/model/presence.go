package model

// Identity is the ephemeral identity of a connected session.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Cursor is a session's last reported pointer position in canvas units.
type Cursor struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	LastUpdate int64   `json:"lastUpdate"` // unix millis
}

// LivePosition is an in-progress drag/transform preview for one object.
// Nil override pointers mean "unchanged from the committed value".
type LivePosition struct {
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Rotation *float64 `json:"rotation,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Radius   *float64 `json:"radius,omitempty"`
}

// Presence is the full awareness record for one session. It rides the document
// transport flagged non-authoritative and is never persisted; the record
// vanishes when the session disconnects.
type Presence struct {
	User          Identity                `json:"user"`
	Cursor        *Cursor                 `json:"cursor,omitempty"`
	LivePositions map[string]LivePosition `json:"livePositions,omitempty"`
}

// Clone returns a copy that consumers may hold across updates.
func (p *Presence) Clone() *Presence {
	c := *p
	if p.Cursor != nil {
		cur := *p.Cursor
		c.Cursor = &cur
	}
	if p.LivePositions != nil {
		c.LivePositions = make(map[string]LivePosition, len(p.LivePositions))
		for id, lp := range p.LivePositions {
			c.LivePositions[id] = lp
		}
	}
	return &c
}
