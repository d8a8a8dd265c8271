package avatar

import (
	"math"
	"time"
)

// Mode is the expressive mode of an avatar.
type Mode string

const (
	ModeActive Mode = "active"
	ModeEmber  Mode = "ember" // idle: dimmed but present
)

// Visibility controls whether the avatar is shown at all.
type Visibility string

const (
	Visible Visibility = "visible"
	Hidden  Visibility = "hidden"
)

// DefaultStyle is the palette used until the CI picks another one.
const DefaultStyle = "aurora"

// Scalar ranges for the expressive state.
const (
	MinEngagement  = 0.0
	MaxEngagement  = 1.0
	MinComplexity  = 0.0
	MaxComplexity  = 1.0
	MinMoodValence = -1.0
	MaxMoodValence = 1.0
)

// State is the expressive state of a single CI.
type State struct {
	Engagement  float64    `json:"engagement"`
	Complexity  float64    `json:"complexity"`
	MoodValence float64    `json:"mood_valence"`
	Mode        Mode       `json:"mode"`
	Visibility  Visibility `json:"visibility"`
	Style       string     `json:"style"`
}

// NewState returns the resting state a freshly registered CI starts from.
func NewState() State {
	return State{
		Mode:       ModeActive,
		Visibility: Visible,
		Style:      DefaultStyle,
	}
}

// Delta is a relative change requested against the expressive scalars.
type Delta struct {
	Engagement  float64 `json:"engagement"`
	Complexity  float64 `json:"complexity"`
	MoodValence float64 `json:"mood_valence"`
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d.Engagement == 0 && d.Complexity == 0 && d.MoodValence == 0
}

// Snapshot is an immutable point-in-time copy of an avatar's state.
// Marks is a private copy; callers may keep it.
type Snapshot struct {
	CIID      string        `json:"ci_id"`
	Version   uint64        `json:"version"`
	State     State         `json:"state"`
	Marks     []HistoryMark `json:"history_marks"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Signature is the visual trace a history mark leaves behind.
type Signature struct {
	Hue       float64 `json:"hue"`
	Intensity float64 `json:"intensity"`
	GlyphSeed uint64  `json:"glyph_seed"`
}

// HistoryMark is a permanent record of a salient state excursion.
type HistoryMark struct {
	ID             string    `json:"id"`
	CIID           string    `json:"ci_id"`
	Seq            uint64    `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
	TriggerSummary string    `json:"trigger_summary"`
	Signature      Signature `json:"visual_signature"`
	Salience       float64   `json:"salience"`
}

// ConsentAction names an externally requested change.
type ConsentAction string

const (
	ActionHide       ConsentAction = "hide"
	ActionShow       ConsentAction = "show"
	ActionSetStyle   ConsentAction = "set_style"
	ActionPruneMarks ConsentAction = "prune_marks"
)

// Valid reports whether the action is one the gate knows about.
func (a ConsentAction) Valid() bool {
	switch a {
	case ActionHide, ActionShow, ActionSetStyle, ActionPruneMarks:
		return true
	}
	return false
}

// ConsentRecord is one row of the append-only consent audit trail.
type ConsentRecord struct {
	ID          string        `json:"id"`
	CIID        string        `json:"ci_id"`
	RequesterID string        `json:"requester_id"`
	Action      ConsentAction `json:"action"`
	Granted     bool          `json:"granted"`
	Reason      string        `json:"reason"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Clamp bounds v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
