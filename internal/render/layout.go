package render

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/nidhogg/ember/internal/visual"
)

// palette shifts the live hue and picks a backdrop.
type palette struct {
	hueShift   float64
	background rgba
}

var palettes = map[string]palette{
	"aurora":     {hueShift: 0, background: rgba{10, 12, 24, 255}},
	"tidepool":   {hueShift: 25, background: rgba{6, 20, 28, 255}},
	"ember":      {hueShift: -20, background: rgba{22, 10, 8, 255}},
	"monochrome": {hueShift: 0, background: rgba{12, 12, 12, 255}},
}

// KnownStyle reports whether name is a palette the renderers can draw.
func KnownStyle(name string) bool {
	_, ok := palettes[name]
	return ok
}

// Styles lists the palette names in sorted order.
func Styles() []string {
	out := make([]string, 0, len(palettes))
	for name := range palettes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookupPalette(name string) palette {
	if p, ok := palettes[name]; ok {
		return p
	}
	return palettes["aurora"]
}

type rgba struct{ R, G, B, A uint8 }

// particle is a normalised position in [-1, 1]² with a size and alpha.
type particle struct {
	X, Y  float64
	Size  float64
	Alpha float64
}

// layoutParticles places the particle field deterministically from p.Seed.
// Curvature bends the orbit, turbulence scatters it.
func layoutParticles(p visual.Params) []particle {
	rng := rand.New(rand.NewPCG(p.Seed, uint64(p.ParticleCount)))
	out := make([]particle, p.ParticleCount)
	for i := range out {
		t := float64(i) / float64(max(p.ParticleCount, 1))
		angle := 2*math.Pi*t + (p.Curvature-0.5)*math.Sin(4*math.Pi*t)
		r := 0.35 + 0.25*math.Sin(float64(p.Octaves)*angle)*p.Turbulence
		r += (rng.Float64()*2 - 1) * 0.15 * p.Turbulence
		out[i] = particle{
			X:     r * math.Cos(angle),
			Y:     r * math.Sin(angle),
			Size:  0.01 + 0.02*rng.Float64(),
			Alpha: p.Brightness * (0.4 + 0.6*rng.Float64()),
		}
	}
	return out
}

// coreColor is the live colour of the avatar.
func coreColor(p visual.Params) rgba {
	pal := lookupPalette(p.Palette)
	sat := p.Saturation
	if p.Palette == "monochrome" {
		sat = 0
	}
	return hsl(p.Hue+pal.hueShift, sat, 0.2+0.5*p.Brightness)
}

// hsl converts hue (degrees), saturation and lightness in [0,1] to RGB.
func hsl(h, s, l float64) rgba {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	c := (1 - math.Abs(2*l-1)) * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := l - c/2
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return rgba{to8(r + m), to8(g + m), to8(b + m), 255}
}

func to8(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
