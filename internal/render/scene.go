package render

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/nidhogg/ember/internal/visual"
)

// SceneMediaType is the media type of realtime scene frames.
const SceneMediaType = "application/vnd.ember.scene+json"

// Scene is a renderer-agnostic scene graph for a realtime 3D client. The
// client animates between scenes; the server only describes them.
type Scene struct {
	CIID      string     `json:"ci_id"`
	Visible   bool       `json:"visible"`
	Viewport  Size       `json:"viewport"`
	Clear     [4]float64 `json:"clear_color"`
	Animation Animation  `json:"animation"`
	Nodes     []Node     `json:"nodes"`
}

// Animation carries the time-varying parameters the client drives itself.
type Animation struct {
	PulseHz    float64 `json:"pulse_hz"`
	Turbulence float64 `json:"turbulence"`
	Octaves    int     `json:"octaves"`
}

// Node is one drawable in the scene.
type Node struct {
	Kind     string     `json:"kind"` // core | particle | trace
	ID       string     `json:"id,omitempty"`
	Position [3]float64 `json:"position"`
	Scale    float64    `json:"scale"`
	Color    [4]float64 `json:"color"`
}

// SceneRenderer emits JSON scene graphs.
type SceneRenderer struct {
	size Size
}

// NewSceneRenderer creates a realtime scene renderer.
func NewSceneRenderer(size Size) *SceneRenderer {
	return &SceneRenderer{size: size.orDefault()}
}

func (s *SceneRenderer) Capability() Capability { return Realtime }

func (s *SceneRenderer) Render(ctx context.Context, p visual.Params) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	sc := Scene{
		CIID:     p.CIID,
		Visible:  p.Visible,
		Viewport: s.size,
		Animation: Animation{
			PulseHz:    p.PulseHz,
			Turbulence: p.Turbulence,
			Octaves:    p.Octaves,
		},
	}
	if p.Visible {
		sc.Clear = floatColor(lookupPalette(p.Palette).background, 1)
		core := coreColor(p)
		sc.Nodes = append(sc.Nodes, Node{
			Kind:  "core",
			Scale: 0.3,
			Color: floatColor(core, p.Brightness),
		})
		for _, pt := range layoutParticles(p) {
			sc.Nodes = append(sc.Nodes, Node{
				Kind: "particle",
				// depth follows the turbulence so the field has volume
				Position: [3]float64{pt.X, pt.Y, (pt.Alpha - 0.5) * p.Turbulence},
				Scale:    pt.Size,
				Color:    floatColor(core, pt.Alpha),
			})
		}
		for _, tr := range p.Traces {
			sc.Nodes = append(sc.Nodes, Node{
				Kind:     "trace",
				ID:       tr.MarkID,
				Position: [3]float64{tr.Radius * math.Cos(tr.Angle), tr.Radius * math.Sin(tr.Angle), -0.2},
				Scale:    0.04,
				Color:    floatColor(hsl(tr.Hue, 0.6, 0.55), tr.Opacity),
			})
		}
	}

	data, err := json.Marshal(sc)
	if err != nil {
		return Frame{}, fmt.Errorf("encode scene: %w", err)
	}
	return Frame{
		Capability: Realtime,
		MediaType:  SceneMediaType,
		Width:      s.size.Width,
		Height:     s.size.Height,
		Data:       data,
	}, nil
}

func floatColor(c rgba, alpha float64) [4]float64 {
	return [4]float64{float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255, alpha}
}
