package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/ember/internal/avatar"
	"github.com/nidhogg/ember/internal/render"
	"github.com/nidhogg/ember/internal/tracker"
	"github.com/nidhogg/ember/internal/visual"
)

// Source is what the pulse renders from. *engine.Engine satisfies it.
type Source interface {
	Readers() []tracker.Reader
	ParamsFor(snap avatar.Snapshot, seed uint64) visual.Params
	RenderParams(ctx context.Context, c render.Capability, p visual.Params) (render.Frame, error)
}

// Config controls the pulse cadence.
type Config struct {
	Interval     time.Duration     // render cadence for active avatars
	IdleInterval time.Duration     // cadence in ember mode; zero means Interval
	Capability   render.Capability // frame format published on the bus
}

// DefaultConfig renders a vector frame every second in both modes.
func DefaultConfig() Config {
	return Config{Interval: time.Second, Capability: render.Vector}
}

// Pulse periodically renders every registered avatar and publishes a
// presence event for each frame.
type Pulse struct {
	src      Source
	pub      Publisher
	cfg      Config
	lastSent map[string]time.Time
	now      func() time.Time
	mu       sync.Mutex // guards lastSent
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *zap.Logger
}

// NewPulse creates a pulse loop. It does nothing until Start.
func NewPulse(src Source, pub Publisher, cfg Config, logger *zap.Logger) *Pulse {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = cfg.Interval
	}
	if cfg.Capability == "" {
		cfg.Capability = d.Capability
	}
	return &Pulse{
		src:      src,
		pub:      pub,
		cfg:      cfg,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
		logger:   logger,
	}
}

// Start begins the tick loop in a background goroutine.
func (p *Pulse) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx)
	p.logger.Info("presence pulse started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("idle_interval", p.cfg.IdleInterval),
		zap.String("capability", string(p.cfg.Capability)))
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (p *Pulse) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.logger.Info("presence pulse stopped")
}

func (p *Pulse) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick renders and publishes every avatar that is due, returning how many
// events were published.
func (p *Pulse) Tick(ctx context.Context) int {
	now := p.now()
	published := 0
	for _, r := range p.src.Readers() {
		if ctx.Err() != nil {
			return published
		}
		snap := r.Snapshot()
		if !p.due(snap, now) {
			continue
		}

		// The version doubles as the seed, so an unchanged avatar
		// republishes an identical frame.
		params := p.src.ParamsFor(snap, snap.Version)
		frame, err := p.src.RenderParams(ctx, p.cfg.Capability, params)
		if err != nil {
			p.logger.Warn("presence render failed", zap.String("ci", snap.CIID), zap.Error(err))
			continue
		}
		ev := Event{
			CIID:       snap.CIID,
			Version:    snap.Version,
			Mode:       snap.State.Mode,
			Visible:    params.Visible,
			Brightness: params.Brightness,
			Hue:        params.Hue,
			Capability: frame.Capability,
			MediaType:  frame.MediaType,
			Size:       len(frame.Data),
			At:         now.UTC(),
		}
		if err := p.pub.Publish(ctx, ev); err != nil {
			p.logger.Warn("presence publish failed", zap.String("ci", snap.CIID), zap.Error(err))
			continue
		}
		p.mark(snap.CIID, now)
		published++
	}
	return published
}

// due applies the idle cadence: ember-mode avatars publish at most once per
// IdleInterval.
func (p *Pulse) due(snap avatar.Snapshot, now time.Time) bool {
	if snap.State.Mode != avatar.ModeEmber || p.cfg.IdleInterval <= p.cfg.Interval {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastSent[snap.CIID]
	return !ok || now.Sub(last) >= p.cfg.IdleInterval
}

func (p *Pulse) mark(ciID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSent[ciID] = at
}
