package tracker

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/ember/internal/avatar"
	"go.uber.org/zap"
)

// Config controls how strictly deltas are validated.
type Config struct {
	// Tolerance is how far past a range bound an unclamped result may land
	// before the update is rejected instead of clamped.
	Tolerance float64 `json:"tolerance"`
}

// DefaultConfig returns the standard tracker configuration.
func DefaultConfig() Config {
	return Config{Tolerance: 0.25}
}

// Reader is the read-only view handed to renderers and the presence daemon.
type Reader interface {
	CIID() string
	Snapshot() avatar.Snapshot
}

// Owner is the single writer of one CI's avatar state. Only the code holding
// the Owner can mutate; everyone else gets a Reader.
type Owner struct {
	ciID    string
	cfg     Config
	mu      sync.Mutex // serialises writers
	current atomic.Pointer[avatar.Snapshot]
	logger  *zap.Logger
}

// New creates the owner handle for ciID with a resting initial state.
func New(ciID string, cfg Config, logger *zap.Logger) (*Owner, error) {
	if ciID == "" {
		return nil, avatar.Errorf(avatar.CodeInputNull, "ci id is required")
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	o := &Owner{ciID: ciID, cfg: cfg, logger: logger}
	o.current.Store(&avatar.Snapshot{
		CIID:      ciID,
		State:     avatar.NewState(),
		UpdatedAt: time.Now().UTC(),
	})
	return o, nil
}

// CIID returns the identity this owner writes for.
func (o *Owner) CIID() string { return o.ciID }

// Snapshot returns the latest published state. It never blocks on writers.
func (o *Owner) Snapshot() avatar.Snapshot {
	return copySnapshot(o.current.Load())
}

// Reader returns a read-only view of this avatar.
func (o *Owner) Reader() Reader { return view{o} }

// Update applies delta to the expressive scalars, clamping into range.
// A delta that is not finite, or that would overshoot a bound by more than
// the configured tolerance, is rejected with E_INPUT_RANGE and nothing changes.
func (o *Owner) Update(d avatar.Delta) (avatar.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur := o.current.Load()
	st := cur.State

	next := []struct {
		name   string
		base   float64
		delta  float64
		lo, hi float64
		out    *float64
	}{
		{"engagement", st.Engagement, d.Engagement, avatar.MinEngagement, avatar.MaxEngagement, &st.Engagement},
		{"complexity", st.Complexity, d.Complexity, avatar.MinComplexity, avatar.MaxComplexity, &st.Complexity},
		{"mood_valence", st.MoodValence, d.MoodValence, avatar.MinMoodValence, avatar.MaxMoodValence, &st.MoodValence},
	}
	for _, f := range next {
		if math.IsNaN(f.delta) || math.IsInf(f.delta, 0) {
			return o.Snapshot(), avatar.Errorf(avatar.CodeInputRange, "%s delta is not finite", f.name)
		}
		raw := f.base + f.delta
		if raw < f.lo-o.cfg.Tolerance || raw > f.hi+o.cfg.Tolerance {
			return o.Snapshot(), avatar.Errorf(avatar.CodeInputRange,
				"%s %.3f%+.3f lands outside [%.1f, %.1f] beyond tolerance %.2f",
				f.name, f.base, f.delta, f.lo, f.hi, o.cfg.Tolerance).
				WithDetail("field", f.name).
				WithDetail("result", raw)
		}
		*f.out = avatar.Clamp(raw, f.lo, f.hi)
	}

	snap := o.publish(cur, st, cur.Marks)
	o.logger.Debug("avatar state updated",
		zap.String("ci", o.ciID),
		zap.Uint64("version", snap.Version),
		zap.Float64("engagement", st.Engagement),
		zap.Float64("complexity", st.Complexity),
		zap.Float64("mood_valence", st.MoodValence))
	return snap, nil
}

// GoIdle moves the avatar into ember mode. Rendering continues; only the
// state value changes.
func (o *Owner) GoIdle() avatar.Snapshot {
	return o.mutate(func(st *avatar.State) { st.Mode = avatar.ModeEmber })
}

// Wake returns the avatar to active mode.
func (o *Owner) Wake() avatar.Snapshot {
	return o.mutate(func(st *avatar.State) { st.Mode = avatar.ModeActive })
}

// SetVisibility shows or hides the avatar.
func (o *Owner) SetVisibility(v avatar.Visibility) (avatar.Snapshot, error) {
	if v != avatar.Visible && v != avatar.Hidden {
		return o.Snapshot(), avatar.Errorf(avatar.CodeInputRange, "unknown visibility %q", v)
	}
	return o.mutate(func(st *avatar.State) { st.Visibility = v }), nil
}

// SetStyle changes the palette.
func (o *Owner) SetStyle(style string) (avatar.Snapshot, error) {
	if style == "" {
		return o.Snapshot(), avatar.Errorf(avatar.CodeInputNull, "style is required")
	}
	return o.mutate(func(st *avatar.State) { st.Style = style }), nil
}

// SetMarks replaces the retained history marks carried on the snapshot.
func (o *Owner) SetMarks(marks []avatar.HistoryMark) avatar.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.current.Load()
	return o.publish(cur, cur.State, marks)
}

// Restore loads a previously persisted snapshot, keeping this owner's identity.
func (o *Owner) Restore(s avatar.Snapshot) avatar.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := s.State
	st.Engagement = avatar.Clamp(st.Engagement, avatar.MinEngagement, avatar.MaxEngagement)
	st.Complexity = avatar.Clamp(st.Complexity, avatar.MinComplexity, avatar.MaxComplexity)
	st.MoodValence = avatar.Clamp(st.MoodValence, avatar.MinMoodValence, avatar.MaxMoodValence)
	if st.Mode == "" {
		st.Mode = avatar.ModeActive
	}
	if st.Visibility == "" {
		st.Visibility = avatar.Visible
	}
	if st.Style == "" {
		st.Style = avatar.DefaultStyle
	}

	next := &avatar.Snapshot{
		CIID:      o.ciID,
		Version:   s.Version,
		State:     st,
		Marks:     cloneMarks(s.Marks),
		UpdatedAt: s.UpdatedAt,
	}
	o.current.Store(next)
	return copySnapshot(next)
}

func (o *Owner) mutate(fn func(*avatar.State)) avatar.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.current.Load()
	st := cur.State
	fn(&st)
	return o.publish(cur, st, cur.Marks)
}

// publish stores a new snapshot derived from cur. Caller holds o.mu.
func (o *Owner) publish(cur *avatar.Snapshot, st avatar.State, marks []avatar.HistoryMark) avatar.Snapshot {
	next := &avatar.Snapshot{
		CIID:      o.ciID,
		Version:   cur.Version + 1,
		State:     st,
		Marks:     cloneMarks(marks),
		UpdatedAt: time.Now().UTC(),
	}
	o.current.Store(next)
	return copySnapshot(next)
}

type view struct{ o *Owner }

func (v view) CIID() string              { return v.o.ciID }
func (v view) Snapshot() avatar.Snapshot { return v.o.Snapshot() }

func copySnapshot(s *avatar.Snapshot) avatar.Snapshot {
	out := *s
	out.Marks = cloneMarks(s.Marks)
	return out
}

func cloneMarks(marks []avatar.HistoryMark) []avatar.HistoryMark {
	if len(marks) == 0 {
		return nil
	}
	out := make([]avatar.HistoryMark, len(marks))
	copy(out, marks)
	return out
}
