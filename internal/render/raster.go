package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"sync/atomic"

	"github.com/nidhogg/ember/internal/visual"
)

// RasterRenderer draws PNG frames. Pixel surfaces are pooled: each Render
// acquires one and releases it on every exit path.
type RasterRenderer struct {
	size     Size
	pool     sync.Pool
	inFlight atomic.Int64
}

// NewRasterRenderer creates a PNG renderer of the given size.
func NewRasterRenderer(size Size) *RasterRenderer {
	size = size.orDefault()
	r := &RasterRenderer{size: size}
	r.pool.New = func() any {
		return image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	}
	return r
}

func (r *RasterRenderer) Capability() Capability { return Raster }

// InFlight reports how many surfaces are currently acquired.
func (r *RasterRenderer) InFlight() int64 { return r.inFlight.Load() }

func (r *RasterRenderer) acquire() *image.RGBA {
	r.inFlight.Add(1)
	img := r.pool.Get().(*image.RGBA)
	clear(img.Pix)
	return img
}

func (r *RasterRenderer) release(img *image.RGBA) {
	r.pool.Put(img)
	r.inFlight.Add(-1)
}

func (r *RasterRenderer) Render(ctx context.Context, p visual.Params) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	img := r.acquire()
	defer r.release(img)

	if p.Visible {
		if err := r.draw(ctx, img, p); err != nil {
			return Frame{}, err
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Frame{}, fmt.Errorf("encode png: %w", err)
	}
	return Frame{
		Capability: Raster,
		MediaType:  "image/png",
		Width:      r.size.Width,
		Height:     r.size.Height,
		Data:       buf.Bytes(),
	}, nil
}

func (r *RasterRenderer) draw(ctx context.Context, img *image.RGBA, p visual.Params) error {
	w, h := float64(r.size.Width), float64(r.size.Height)
	scale := math.Min(w, h) / 2
	cx, cy := w/2, h/2

	bg := lookupPalette(p.Palette).background
	fill(img, color.RGBA{bg.R, bg.G, bg.B, bg.A})

	core := coreColor(p)
	glow := 0.3 * scale * (0.6 + 0.4*p.Brightness)
	disc(img, cx, cy, glow, core, p.Brightness)

	for i, pt := range layoutParticles(p) {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		disc(img, cx+pt.X*scale, cy+pt.Y*scale, math.Max(1, pt.Size*scale), core, pt.Alpha)
	}

	for _, tr := range p.Traces {
		c := hsl(tr.Hue, 0.6, 0.55)
		x := cx + tr.Radius*scale*math.Cos(tr.Angle)
		y := cy + tr.Radius*scale*math.Sin(tr.Angle)
		disc(img, x, y, 0.04*scale, c, tr.Opacity)
	}
	return nil
}

func fill(img *image.RGBA, c color.RGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
}

// disc blends a soft-edged circle over img.
func disc(img *image.RGBA, cx, cy, radius float64, c rgba, alpha float64) {
	if alpha <= 0 || radius <= 0 {
		return
	}
	b := img.Bounds()
	x0 := max(b.Min.X, int(math.Floor(cx-radius)))
	x1 := min(b.Max.X-1, int(math.Ceil(cx+radius)))
	y0 := max(b.Min.Y, int(math.Floor(cy-radius)))
	y1 := min(b.Max.Y-1, int(math.Ceil(cy+radius)))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			d := math.Hypot(float64(x)+0.5-cx, float64(y)+0.5-cy)
			if d > radius {
				continue
			}
			a := alpha * (1 - d/radius*d/radius)
			off := img.PixOffset(x, y)
			px := img.Pix[off : off+4 : off+4]
			px[0] = blend(px[0], c.R, a)
			px[1] = blend(px[1], c.G, a)
			px[2] = blend(px[2], c.B, a)
			px[3] = uint8(math.Min(255, float64(px[3])+a*255))
		}
	}
}

func blend(dst, src uint8, a float64) uint8 {
	return uint8(math.Round(float64(dst)*(1-a) + float64(src)*a))
}
