// Package render turns visual parameters into frames. Each output capability
// is an independent adapter behind the Renderer interface.
package render

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/ember/internal/avatar"
	"github.com/nidhogg/ember/internal/visual"
)

// Capability names an output target.
type Capability string

const (
	Raster   Capability = "raster"
	Vector   Capability = "vector"
	Realtime Capability = "realtime"
)

// Frame is one rendered output.
type Frame struct {
	Capability Capability `json:"capability"`
	MediaType  string     `json:"media_type"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	Data       []byte     `json:"data"`
}

// Renderer produces frames for one capability.
type Renderer interface {
	Capability() Capability
	Render(ctx context.Context, p visual.Params) (Frame, error)
}

// Size is the frame size shared by the built-in adapters.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultSize is used when a zero size is configured.
var DefaultSize = Size{Width: 256, Height: 256}

func (s Size) orDefault() Size {
	if s.Width <= 0 || s.Height <= 0 {
		return DefaultSize
	}
	return s
}

// Registry maps capabilities to renderers.
type Registry struct {
	renderers map[Capability]Renderer
	mu        sync.RWMutex
}

// NewRegistry creates a registry holding rs.
func NewRegistry(rs ...Renderer) *Registry {
	r := &Registry{renderers: make(map[Capability]Renderer)}
	for _, x := range rs {
		r.Register(x)
	}
	return r
}

// NewDefaultRegistry registers the raster, vector and realtime adapters.
func NewDefaultRegistry(size Size) *Registry {
	return NewRegistry(NewRasterRenderer(size), NewVectorRenderer(size), NewSceneRenderer(size))
}

// Register adds or replaces the renderer for its capability.
func (r *Registry) Register(x Renderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers[x.Capability()] = x
}

// Get returns the renderer for c.
func (r *Registry) Get(c Capability) (Renderer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	x, ok := r.renderers[c]
	if !ok {
		return nil, avatar.Errorf(avatar.CodeProcessing, "no renderer for capability %q", c)
	}
	return x, nil
}

// Capabilities lists the registered capabilities in name order.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.renderers))
	for c := range r.renderers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Render looks up the capability and renders p with it.
func (r *Registry) Render(ctx context.Context, c Capability, p visual.Params) (Frame, error) {
	x, err := r.Get(c)
	if err != nil {
		return Frame{}, err
	}
	f, err := x.Render(ctx, p)
	if err != nil {
		return Frame{}, fmt.Errorf("render %s: %w", c, err)
	}
	return f, nil
}
