// Package visual maps avatar state to the parameter set renderers consume.
//
// Formula set (e = engagement, c = complexity, v = mood valence):
//
//	brightness     = 0.3 + 0.7·e             (ember mode: 0.3 + 0.7·e·IdleDim)
//	hue            = 130 − 90·v ± Jitter      degrees, wrapped to [0, 360)
//	saturation     = 0.35 + 0.45·|v|
//	curvature      = 0.5 + 0.5·v
//	pulse_hz       = 0.2 + 1.3·e             (ember mode: EmberPulseHz)
//	particle_count = 12 + round(180·c)
//	octaves        = 1 + round(5·c)
//	turbulence     = 0.1 + 0.9·c
//
// Each history mark becomes a trace whose opacity never exceeds
// MaxTraceOpacity·brightness, so history tints the avatar without
// overriding live state.
package visual

import (
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/nidhogg/ember/internal/avatar"
)

// Config holds the tunable constants of the mapping.
type Config struct {
	IdleDim         float64 `json:"idle_dim"`
	EmberPulseHz    float64 `json:"ember_pulse_hz"`
	Jitter          float64 `json:"jitter"` // max hue jitter in degrees
	MaxTraceOpacity float64 `json:"max_trace_opacity"`
}

// DefaultConfig returns the standard mapping constants.
func DefaultConfig() Config {
	return Config{
		IdleDim:         0.15,
		EmberPulseHz:    0.1,
		Jitter:          6,
		MaxTraceOpacity: 0.35,
	}
}

// Trace is the visual residue of one history mark.
type Trace struct {
	MarkID  string  `json:"mark_id"`
	Angle   float64 `json:"angle"`  // radians
	Radius  float64 `json:"radius"` // 0..1, older marks sit further out
	Hue     float64 `json:"hue"`
	Opacity float64 `json:"opacity"`
}

// Params is the full parameter set for one frame.
type Params struct {
	CIID          string      `json:"ci_id"`
	Seed          uint64      `json:"seed"`
	Visible       bool        `json:"visible"`
	Mode          avatar.Mode `json:"mode"`
	Palette       string      `json:"palette"`
	Brightness    float64     `json:"brightness"`
	Hue           float64     `json:"hue"`
	Saturation    float64     `json:"saturation"`
	Curvature     float64     `json:"curvature"`
	PulseHz       float64     `json:"pulse_hz"`
	ParticleCount int         `json:"particle_count"`
	Octaves       int         `json:"octaves"`
	Turbulence    float64     `json:"turbulence"`
	Traces        []Trace     `json:"traces"`
}

// Mapper derives Params from state. It holds only configuration, so one
// Mapper can be shared by every avatar.
type Mapper struct {
	cfg Config
}

// NewMapper creates a mapper; zero config fields fall back to defaults.
func NewMapper(cfg Config) *Mapper {
	d := DefaultConfig()
	if cfg.IdleDim <= 0 || cfg.IdleDim > 1 {
		cfg.IdleDim = d.IdleDim
	}
	if cfg.EmberPulseHz <= 0 {
		cfg.EmberPulseHz = d.EmberPulseHz
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.MaxTraceOpacity <= 0 || cfg.MaxTraceOpacity > 1 {
		cfg.MaxTraceOpacity = d.MaxTraceOpacity
	}
	return &Mapper{cfg: cfg}
}

// Brightness is the base engagement formula.
func Brightness(engagement float64) float64 {
	return 0.3 + 0.7*engagement
}

// Derive computes the parameter set for a snapshot. The result depends only
// on (snapshot state, marks, seed): identical inputs give identical output.
func (m *Mapper) Derive(s avatar.Snapshot, marks []avatar.HistoryMark, seed uint64) Params {
	st := s.State
	rng := rand.New(rand.NewPCG(seed, hashID(s.CIID)))

	p := Params{
		CIID:    s.CIID,
		Seed:    seed,
		Visible: st.Visibility != avatar.Hidden,
		Mode:    st.Mode,
		Palette: st.Style,
	}

	if st.Mode == avatar.ModeEmber {
		p.Brightness = 0.3 + 0.7*st.Engagement*m.cfg.IdleDim
		p.PulseHz = m.cfg.EmberPulseHz
	} else {
		p.Brightness = Brightness(st.Engagement)
		p.PulseHz = 0.2 + 1.3*st.Engagement
	}

	jitter := (rng.Float64()*2 - 1) * m.cfg.Jitter
	p.Hue = wrapHue(130 - 90*st.MoodValence + jitter)
	p.Saturation = 0.35 + 0.45*math.Abs(st.MoodValence)
	p.Curvature = 0.5 + 0.5*st.MoodValence

	p.ParticleCount = 12 + int(math.Round(180*st.Complexity))
	p.Octaves = 1 + int(math.Round(5*st.Complexity))
	p.Turbulence = 0.1 + 0.9*st.Complexity

	p.Traces = m.traces(marks, p.Brightness, rng)
	return p
}

func (m *Mapper) traces(marks []avatar.HistoryMark, brightness float64, rng *rand.Rand) []Trace {
	if len(marks) == 0 {
		return nil
	}
	var maxSal float64
	for _, mk := range marks {
		maxSal = math.Max(maxSal, mk.Salience)
	}

	out := make([]Trace, len(marks))
	n := float64(len(marks))
	for i, mk := range marks {
		rel := 1.0
		if maxSal > 0 {
			rel = mk.Salience / maxSal
		}
		// Glyph seed fixes the angle; the shared rng adds a small wobble so
		// the same history reads differently from frame to frame.
		base := float64(mk.Signature.GlyphSeed%3600) / 3600 * 2 * math.Pi
		wobble := (rng.Float64()*2 - 1) * 0.05
		out[i] = Trace{
			MarkID:  mk.ID,
			Angle:   math.Mod(base+wobble+2*math.Pi, 2*math.Pi),
			Radius:  0.55 + 0.4*(n-float64(i))/n,
			Hue:     mk.Signature.Hue,
			Opacity: m.cfg.MaxTraceOpacity * rel * brightness,
		}
	}
	return out
}

func hashID(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

func wrapHue(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}
