package viewport

import (
	"math"
	"sync"
	"time"

	"canvas-realtime/internal/geometry"
	"canvas-realtime/internal/model"
)

// DefaultMinimapInterval is the minimap redraw cadence. A fixed timer rather
// than per-frame rendering keeps the projection's cost off the main canvas
// frame budget.
const DefaultMinimapInterval = 100 * time.Millisecond

// Projection maps the whole board (all objects, not just visible ones) onto a
// minimap of the given pixel size with one uniform scale.
type Projection struct {
	World  geometry.Bounds `json:"world"`
	Scale  float64         `json:"scale"`
	Width  float64         `json:"width"`
	Height float64         `json:"height"`
}

// ToMinimap converts a canvas point into minimap pixels.
func (p Projection) ToMinimap(x, y float64) (float64, float64) {
	return (x - p.World.MinX) * p.Scale, (y - p.World.MinY) * p.Scale
}

// Project computes the world bounding box over every object and derives the
// uniform world→minimap scale that fits it inside width×height.
func Project(objs []*model.WhiteboardObject, width, height float64) Projection {
	p := Projection{Width: width, Height: height, Scale: 1}
	if len(objs) == 0 {
		return p
	}

	byID := make(map[string]*model.WhiteboardObject, len(objs))
	for _, obj := range objs {
		byID[obj.ID] = obj
	}
	world := geometry.BoundingBox(objs[0], byID)
	for _, obj := range objs[1:] {
		world = world.Union(geometry.BoundingBox(obj, byID))
	}
	p.World = world

	w, h := world.Width(), world.Height()
	if w <= 0 && h <= 0 {
		return p
	}
	scale := math.Inf(1)
	if w > 0 {
		scale = width / w
	}
	if h > 0 {
		scale = math.Min(scale, height/h)
	}
	if !math.IsInf(scale, 0) && scale > 0 {
		p.Scale = scale
	}
	return p
}

// Projector owns the minimap redraw timer. It is started and stopped with the
// component that displays it; there is no ambient singleton to leak.
type Projector struct {
	mu sync.Mutex

	source   func() []*model.WhiteboardObject
	onFrame  func(Projection)
	interval time.Duration
	width    float64
	height   float64

	stop chan struct{}
}

// NewProjector builds a projector reading snapshots from source and handing
// each projection to onFrame.
func NewProjector(source func() []*model.WhiteboardObject, onFrame func(Projection), width, height float64) *Projector {
	return &Projector{
		source:   source,
		onFrame:  onFrame,
		interval: DefaultMinimapInterval,
		width:    width,
		height:   height,
	}
}

// SetInterval overrides the redraw cadence; effective from the next Start.
func (p *Projector) SetInterval(d time.Duration) {
	p.mu.Lock()
	if d > 0 {
		p.interval = d
	}
	p.mu.Unlock()
}

// Start begins the redraw loop and emits one frame immediately. Starting a
// running projector is a no-op.
func (p *Projector) Start() {
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	interval := p.interval
	p.mu.Unlock()

	p.emit()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.emit()
			}
		}
	}()
}

// Stop tears the timer down. Stopping an idle projector is a no-op.
func (p *Projector) Stop() {
	p.mu.Lock()
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (p *Projector) emit() {
	objs := p.source()
	p.onFrame(Project(objs, p.width, p.height))
}
