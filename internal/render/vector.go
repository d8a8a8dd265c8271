package render

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/nidhogg/ember/internal/visual"
)

// VectorRenderer emits SVG documents.
type VectorRenderer struct {
	size Size
}

// NewVectorRenderer creates an SVG renderer of the given size.
func NewVectorRenderer(size Size) *VectorRenderer {
	return &VectorRenderer{size: size.orDefault()}
}

func (v *VectorRenderer) Capability() Capability { return Vector }

func (v *VectorRenderer) Render(ctx context.Context, p visual.Params) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	w, h := float64(v.size.Width), float64(v.size.Height)
	scale := math.Min(w, h) / 2
	cx, cy := w/2, h/2

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d" data-ci="%s" data-mode="%s">`,
		v.size.Width, v.size.Height, v.size.Width, v.size.Height, escape(p.CIID), p.Mode)

	if p.Visible {
		bg := lookupPalette(p.Palette).background
		core := coreColor(p)
		fmt.Fprintf(&b, `<rect width="100%%" height="100%%" fill="%s"/>`, hex(bg))
		fmt.Fprintf(&b, `<defs><radialGradient id="core"><stop offset="0%%" stop-color="%s" stop-opacity="%.3f"/><stop offset="100%%" stop-color="%s" stop-opacity="0"/></radialGradient></defs>`,
			hex(core), p.Brightness, hex(core))
		fmt.Fprintf(&b, `<circle class="core" cx="%.2f" cy="%.2f" r="%.2f" fill="url(#core)"><animate attributeName="r" values="%.2f;%.2f;%.2f" dur="%.3fs" repeatCount="indefinite"/></circle>`,
			cx, cy, 0.3*scale, 0.28*scale, 0.32*scale, 0.28*scale, 1/math.Max(p.PulseHz, 0.01))

		b.WriteString(`<g class="particles">`)
		for _, pt := range layoutParticles(p) {
			fmt.Fprintf(&b, `<circle cx="%.2f" cy="%.2f" r="%.2f" fill="%s" fill-opacity="%.3f"/>`,
				cx+pt.X*scale, cy+pt.Y*scale, math.Max(1, pt.Size*scale), hex(core), pt.Alpha)
		}
		b.WriteString(`</g>`)

		b.WriteString(`<g class="traces">`)
		for _, tr := range p.Traces {
			fmt.Fprintf(&b, `<circle data-mark="%s" cx="%.2f" cy="%.2f" r="%.2f" fill="%s" fill-opacity="%.3f"/>`,
				escape(tr.MarkID),
				cx+tr.Radius*scale*math.Cos(tr.Angle), cy+tr.Radius*scale*math.Sin(tr.Angle),
				0.04*scale, hex(hsl(tr.Hue, 0.6, 0.55)), tr.Opacity)
		}
		b.WriteString(`</g>`)
	}
	b.WriteString(`</svg>`)

	return Frame{
		Capability: Vector,
		MediaType:  "image/svg+xml",
		Width:      v.size.Width,
		Height:     v.size.Height,
		Data:       []byte(b.String()),
	}, nil
}

func hex(c rgba) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;", `"`, "&quot;")

func escape(s string) string { return attrEscaper.Replace(s) }
