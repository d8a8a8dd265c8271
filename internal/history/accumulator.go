package history

import (
	"container/heap"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/ember/internal/avatar"
)

// Config controls when excursions become marks and how many are kept.
type Config struct {
	Window     int     `json:"window"`      // samples in the rolling variance window
	MinSamples int     `json:"min_samples"` // samples required before any commit
	Threshold  float64 `json:"threshold"`   // salience needed to commit a mark
	Rearm      float64 `json:"rearm"`       // fraction of Threshold salience must fall below to re-arm
	MaxMarks   int     `json:"max_marks"`   // retention bound
}

// DefaultConfig returns the standard accumulator configuration.
func DefaultConfig() Config {
	return Config{
		Window:     8,
		MinSamples: 3,
		Threshold:  0.01,
		Rearm:      0.5,
		MaxMarks:   64,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Window < 2 {
		c.Window = d.Window
	}
	if c.MinSamples < 2 || c.MinSamples > c.Window {
		c.MinSamples = min(d.MinSamples, c.Window)
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Rearm <= 0 || c.Rearm > 1 {
		c.Rearm = d.Rearm
	}
	if c.MaxMarks < 1 {
		c.MaxMarks = d.MaxMarks
	}
	return c
}

const dims = 3

var dimNames = [dims]string{"engagement", "complexity", "mood_valence"}

const varianceEpsilon = 1e-12

// dimScale normalises each dimension to a unit range before variance is summed.
var dimScale = [dims]float64{1, 1, 0.5}

// Observation is the outcome of feeding one snapshot to the accumulator.
type Observation struct {
	Salience  float64
	Mark      *avatar.HistoryMark // committed and retained
	Evicted   *avatar.HistoryMark // dropped to make room for Mark
	Discarded *avatar.HistoryMark // committed but ranked below every retained mark
}

// Accumulator turns transient state excursions into permanent history marks
// and keeps the retained set bounded.
type Accumulator struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	window  [][dims]float64 // ring buffer
	head    int
	n       int
	sum     [dims]float64
	sumSq   [dims]float64
	latched bool

	seq  uint64
	heap markHeap
	byID map[string]*entry
}

// New creates an accumulator. Zero fields in cfg fall back to defaults.
func New(cfg Config) *Accumulator {
	cfg = cfg.normalized()
	return &Accumulator{
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		window: make([][dims]float64, cfg.Window),
		byID:   make(map[string]*entry),
	}
}

// Config returns the effective configuration.
func (a *Accumulator) Config() Config { return a.cfg }

// Observe feeds a state snapshot into the rolling window and commits a mark
// when salience crosses the threshold on a rising edge.
func (a *Accumulator) Observe(s avatar.Snapshot) Observation {
	a.mu.Lock()
	defer a.mu.Unlock()

	oldest := a.push([dims]float64{s.State.Engagement, s.State.Complexity, s.State.MoodValence})
	sal := a.salience()
	obs := Observation{Salience: sal}

	if a.latched {
		if sal < a.cfg.Threshold*a.cfg.Rearm {
			a.latched = false
		}
		return obs
	}
	if a.n < a.cfg.MinSamples || sal <= a.cfg.Threshold {
		return obs
	}
	a.latched = true

	a.seq++
	m := avatar.HistoryMark{
		ID:             uuid.NewString(),
		CIID:           s.CIID,
		Seq:            a.seq,
		Timestamp:      a.now(),
		TriggerSummary: a.summarize(oldest),
		Salience:       sal,
	}
	m.Signature = avatar.Signature{
		Hue:       wrapHue(130 - 90*s.State.MoodValence),
		Intensity: math.Min(1, sal/0.25),
		GlyphSeed: glyphSeed(s.CIID, m.Seq),
	}

	kept, evicted := a.retain(m)
	if !kept {
		obs.Discarded = &m
		return obs
	}
	obs.Mark = &m
	obs.Evicted = evicted
	return obs
}

// Marks returns the retained marks ordered oldest first.
func (a *Accumulator) Marks() []avatar.HistoryMark {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sortedMarks()
}

// Len returns the number of retained marks.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.heap)
}

// Prune removes the named marks. It is all-or-nothing: an unknown id fails
// with E_NOT_FOUND and nothing is removed.
func (a *Accumulator) Prune(ids []string) ([]avatar.HistoryMark, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(ids) == 0 {
		return nil, avatar.Errorf(avatar.CodeInputNull, "no mark ids given")
	}
	for _, id := range ids {
		if _, ok := a.byID[id]; !ok {
			return nil, avatar.Errorf(avatar.CodeNotFound, "mark %s", id)
		}
	}

	removed := make([]avatar.HistoryMark, 0, len(ids))
	for _, id := range ids {
		e, ok := a.byID[id]
		if !ok {
			continue // duplicate id in the request
		}
		heap.Remove(&a.heap, e.index)
		delete(a.byID, id)
		removed = append(removed, e.mark)
	}
	return removed, nil
}

// Restore rebuilds the retained set from persisted marks, e.g. at the start
// of a new session. Marks beyond MaxMarks are evicted by the usual ranking and
// returned.
func (a *Accumulator) Restore(marks []avatar.HistoryMark) []avatar.HistoryMark {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.heap = a.heap[:0]
	a.byID = make(map[string]*entry, len(marks))
	for _, m := range marks {
		if _, dup := a.byID[m.ID]; dup {
			continue
		}
		e := &entry{mark: m}
		a.heap = append(a.heap, e)
		a.byID[m.ID] = e
		if m.Seq > a.seq {
			a.seq = m.Seq
		}
	}
	for i, e := range a.heap {
		e.index = i
	}
	heap.Init(&a.heap)

	var evicted []avatar.HistoryMark
	for len(a.heap) > a.cfg.MaxMarks {
		e := heap.Pop(&a.heap).(*entry)
		delete(a.byID, e.mark.ID)
		evicted = append(evicted, e.mark)
	}
	return evicted
}

// retain inserts m, evicting the lowest ranked mark on overflow. Caller holds a.mu.
func (a *Accumulator) retain(m avatar.HistoryMark) (bool, *avatar.HistoryMark) {
	if len(a.heap) >= a.cfg.MaxMarks && lowerRank(m, a.heap[0].mark) {
		return false, nil
	}
	e := &entry{mark: m}
	heap.Push(&a.heap, e)
	a.byID[m.ID] = e
	if len(a.heap) <= a.cfg.MaxMarks {
		return true, nil
	}
	out := heap.Pop(&a.heap).(*entry)
	delete(a.byID, out.mark.ID)
	return true, &out.mark
}

// push appends a sample to the ring and returns the oldest sample still in
// the window afterwards. Caller holds a.mu.
func (a *Accumulator) push(v [dims]float64) [dims]float64 {
	if a.n == len(a.window) {
		old := a.window[a.head]
		for i := range v {
			a.sum[i] -= old[i]
			a.sumSq[i] -= old[i] * old[i]
		}
	} else {
		a.n++
	}
	a.window[a.head] = v
	for i := range v {
		a.sum[i] += v[i]
		a.sumSq[i] += v[i] * v[i]
	}
	a.head = (a.head + 1) % len(a.window)

	oldestIdx := (a.head - a.n + len(a.window)) % len(a.window)
	return a.window[oldestIdx]
}

// salience sums the normalised population variance of each dimension over
// the window. Caller holds a.mu.
func (a *Accumulator) salience() float64 {
	if a.n < 2 {
		return 0
	}
	n := float64(a.n)
	var total float64
	for i := 0; i < dims; i++ {
		mean := a.sum[i] / n
		v := a.sumSq[i]/n - mean*mean
		if v < varianceEpsilon {
			v = 0 // running-sum rounding
		}
		total += v * dimScale[i] * dimScale[i]
	}
	return total
}

// summarize names the dimension that moved most across the window.
func (a *Accumulator) summarize(oldest [dims]float64) string {
	newestIdx := (a.head - 1 + len(a.window)) % len(a.window)
	newest := a.window[newestIdx]

	best, bestMag := 0, -1.0
	for i := 0; i < dims; i++ {
		mag := math.Abs(newest[i]-oldest[i]) * dimScale[i]
		if mag > bestMag {
			best, bestMag = i, mag
		}
	}
	change := newest[best] - oldest[best]
	dir := "rise"
	if change < 0 {
		dir = "fall"
	}
	if change == 0 {
		dir = "oscillation"
	}
	return fmt.Sprintf("%s %s %+.2f", dimNames[best], dir, change)
}

func (a *Accumulator) sortedMarks() []avatar.HistoryMark {
	out := make([]avatar.HistoryMark, 0, len(a.heap))
	for _, e := range a.heap {
		out = append(out, e.mark)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func glyphSeed(ciID string, seq uint64) uint64 {
	h := fnv.New64a()
	h.Write([]byte(ciID))
	return h.Sum64() ^ (seq * 0x9E3779B97F4A7C15)
}

func wrapHue(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}
