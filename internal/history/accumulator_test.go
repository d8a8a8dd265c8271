package history

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/nidhogg/ember/internal/avatar"
)

func snap(e, c, m float64) avatar.Snapshot {
	return avatar.Snapshot{
		CIID:  "nova",
		State: avatar.State{Engagement: e, Complexity: c, MoodValence: m},
	}
}

func mark(id string, seq uint64, sal float64) avatar.HistoryMark {
	return avatar.HistoryMark{ID: id, CIID: "nova", Seq: seq, Salience: sal}
}

func ids(marks []avatar.HistoryMark) []string {
	out := make([]string, len(marks))
	for i, m := range marks {
		out[i] = m.ID
	}
	return out
}

func TestStableStateCommitsNothing(t *testing.T) {
	a := New(DefaultConfig())
	for i := 0; i < 50; i++ {
		obs := a.Observe(snap(0.4, 0.4, 0.1))
		if obs.Mark != nil {
			t.Fatalf("step %d: unexpected mark %+v", i, obs.Mark)
		}
		if obs.Salience != 0 {
			t.Fatalf("step %d: salience = %v, want 0", i, obs.Salience)
		}
	}
	if a.Len() != 0 {
		t.Fatalf("expected no marks, got %d", a.Len())
	}
}

func TestExcursionCommitsOnRisingEdge(t *testing.T) {
	a := New(Config{Window: 4, MinSamples: 3, Threshold: 0.01, Rearm: 0.5, MaxMarks: 8})

	for i := 0; i < 3; i++ {
		if obs := a.Observe(snap(0, 0, 0)); obs.Mark != nil {
			t.Fatal("baseline should not commit")
		}
	}

	obs := a.Observe(snap(1, 0, 0))
	if obs.Mark == nil {
		t.Fatalf("expected a mark on the surge, salience=%v", obs.Salience)
	}
	if obs.Mark.TriggerSummary != "engagement rise +1.00" {
		t.Errorf("summary = %q", obs.Mark.TriggerSummary)
	}
	if obs.Mark.CIID != "nova" || obs.Mark.ID == "" || obs.Mark.Seq != 1 {
		t.Errorf("unexpected mark identity: %+v", obs.Mark)
	}
	if obs.Mark.Salience <= 0.01 {
		t.Errorf("salience = %v", obs.Mark.Salience)
	}

	// Still elevated: latched, no duplicate marks.
	for i := 0; i < 2; i++ {
		if obs := a.Observe(snap(1, 0, 0)); obs.Mark != nil {
			t.Fatalf("latched accumulator committed again at step %d", i)
		}
	}
	// Settle fully so the latch re-arms.
	a.Observe(snap(1, 0, 0))
	if a.Len() != 1 {
		t.Fatalf("expected 1 mark, got %d", a.Len())
	}

	obs = a.Observe(snap(0, 0, 0))
	if obs.Mark == nil {
		t.Fatal("expected a second mark after re-arming")
	}
	if !strings.HasPrefix(obs.Mark.TriggerSummary, "engagement fall") {
		t.Errorf("summary = %q", obs.Mark.TriggerSummary)
	}
	if a.Len() != 2 {
		t.Fatalf("expected 2 marks, got %d", a.Len())
	}
}

func TestMoodVarianceIsNormalised(t *testing.T) {
	a := New(Config{Window: 2, MinSamples: 2, Threshold: 0.2, MaxMarks: 4})
	a.Observe(snap(0, 0, -1))
	obs := a.Observe(snap(0, 0, 1))
	// raw variance of {-1, 1} is 1; normalised to the unit range it is 0.25.
	if obs.Salience != 0.25 {
		t.Fatalf("salience = %v, want 0.25", obs.Salience)
	}
	if obs.Mark == nil || !strings.HasPrefix(obs.Mark.TriggerSummary, "mood_valence rise") {
		t.Fatalf("expected mood mark, got %+v", obs.Mark)
	}
}

func TestOverflowEvictsLowestSalience(t *testing.T) {
	a := New(Config{MaxMarks: 3})
	for _, m := range []avatar.HistoryMark{
		mark("a", 1, 0.30),
		mark("b", 2, 0.10),
		mark("c", 3, 0.20),
	} {
		if kept, ev := a.retain(m); !kept || ev != nil {
			t.Fatalf("retain %s: kept=%v evicted=%v", m.ID, kept, ev)
		}
	}

	kept, ev := a.retain(mark("d", 4, 0.50))
	if !kept {
		t.Fatal("higher-salience mark was not kept")
	}
	if ev == nil || ev.ID != "b" {
		t.Fatalf("evicted = %+v, want b", ev)
	}
	got := ids(a.Marks())
	want := []string{"a", "c", "d"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("marks = %v, want %v", got, want)
	}
}

func TestOverflowTieEvictsOldest(t *testing.T) {
	a := New(Config{MaxMarks: 2})
	a.retain(mark("old", 1, 0.2))
	a.retain(mark("new", 2, 0.2))

	kept, ev := a.retain(mark("newest", 3, 0.2))
	if !kept || ev == nil || ev.ID != "old" {
		t.Fatalf("kept=%v evicted=%+v, want old evicted", kept, ev)
	}
}

func TestOverflowDiscardsLowerRankedNewcomer(t *testing.T) {
	a := New(Config{MaxMarks: 2})
	a.retain(mark("a", 1, 0.4))
	a.retain(mark("b", 2, 0.5))

	kept, ev := a.retain(mark("c", 3, 0.1))
	if kept || ev != nil {
		t.Fatalf("kept=%v evicted=%+v, want discarded", kept, ev)
	}
	if a.Len() != 2 {
		t.Fatalf("len = %d", a.Len())
	}
}

func TestRetentionBoundUnderRandomLoad(t *testing.T) {
	const maxMarks = 5
	a := New(Config{MaxMarks: maxMarks})
	r := rand.New(rand.NewPCG(7, 11))
	var all []avatar.HistoryMark
	for i := 1; i <= 500; i++ {
		m := mark(fmt.Sprintf("m%d", i), uint64(i), float64(r.IntN(20))/20)
		all = append(all, m)
		a.retain(m)
		if a.Len() > maxMarks {
			t.Fatalf("retained %d > %d", a.Len(), maxMarks)
		}
	}

	// The survivors must be the top-ranked marks overall.
	retained := a.Marks()
	minKept := retained[0]
	for _, m := range retained {
		if lowerRank(m, minKept) {
			minKept = m
		}
	}
	keptSet := map[string]bool{}
	for _, m := range retained {
		keptSet[m.ID] = true
	}
	for _, m := range all {
		if !keptSet[m.ID] && lowerRank(minKept, m) {
			t.Fatalf("dropped %+v outranks retained %+v", m, minKept)
		}
	}
}

func TestObserveReportsEvictionThroughPipeline(t *testing.T) {
	a := New(Config{Window: 2, MinSamples: 2, Threshold: 0.001, Rearm: 1, MaxMarks: 1})
	a.Observe(snap(0, 0, 0))
	first := a.Observe(snap(0.2, 0, 0)) // variance 0.01
	if first.Mark == nil {
		t.Fatal("expected first mark")
	}
	a.Observe(snap(0.2, 0, 0)) // settles, re-arms
	second := a.Observe(snap(1, 0, 0))
	if second.Mark == nil {
		t.Fatal("expected second mark")
	}
	if second.Evicted == nil || second.Evicted.ID != first.Mark.ID {
		t.Fatalf("evicted = %+v, want first mark", second.Evicted)
	}
	if a.Len() != 1 {
		t.Fatalf("len = %d", a.Len())
	}
}

func TestPrune(t *testing.T) {
	a := New(Config{MaxMarks: 4})
	a.retain(mark("a", 1, 0.1))
	a.retain(mark("b", 2, 0.2))
	a.retain(mark("c", 3, 0.3))

	if _, err := a.Prune([]string{"a", "zzz"}); !errors.Is(err, avatar.ErrNotFound) {
		t.Fatalf("expected E_NOT_FOUND, got %v", err)
	}
	if a.Len() != 3 {
		t.Fatal("failed prune must not remove anything")
	}
	if _, err := a.Prune(nil); !errors.Is(err, avatar.ErrInputNull) {
		t.Fatalf("expected E_INPUT_NULL, got %v", err)
	}

	removed, err := a.Prune([]string{"b", "b"})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "b" {
		t.Fatalf("removed = %+v", removed)
	}
	if got := fmt.Sprint(ids(a.Marks())); got != "[a c]" {
		t.Fatalf("marks = %s", got)
	}

	// Heap stays consistent after removal from the middle.
	kept, ev := a.retain(mark("d", 4, 0.05))
	if !kept || ev != nil {
		t.Fatalf("kept=%v ev=%+v", kept, ev)
	}
}

func TestRestore(t *testing.T) {
	a := New(Config{MaxMarks: 2})
	evicted := a.Restore([]avatar.HistoryMark{
		mark("a", 4, 0.4),
		mark("b", 9, 0.1),
		mark("c", 2, 0.3),
		mark("a", 4, 0.4),
	})
	if len(evicted) != 1 || evicted[0].ID != "b" {
		t.Fatalf("evicted = %+v", evicted)
	}
	if got := fmt.Sprint(ids(a.Marks())); got != "[c a]" {
		t.Fatalf("marks = %s", got)
	}

	// Sequence numbering continues past the highest restored seq.
	b := New(Config{Window: 2, MinSamples: 2, Threshold: 0.001, MaxMarks: 8})
	b.Restore([]avatar.HistoryMark{mark("x", 41, 0.2)})
	b.Observe(snap(0, 0, 0))
	obs := b.Observe(snap(1, 0, 0))
	if obs.Mark == nil || obs.Mark.Seq != 42 {
		t.Fatalf("mark = %+v, want seq 42", obs.Mark)
	}
}

func TestSignatureIsDeterministicPerSeq(t *testing.T) {
	if glyphSeed("nova", 3) != glyphSeed("nova", 3) {
		t.Fatal("glyph seed not deterministic")
	}
	if glyphSeed("nova", 3) == glyphSeed("nova", 4) {
		t.Fatal("glyph seed should vary with seq")
	}
	if h := wrapHue(-30); h != 330 {
		t.Errorf("wrapHue(-30) = %v", h)
	}
}

func TestConfigNormalized(t *testing.T) {
	c := Config{}.normalized()
	if c != DefaultConfig() {
		t.Fatalf("zero config = %+v, want defaults", c)
	}
	c = Config{Window: 2, MinSamples: 9}.normalized()
	if c.MinSamples != 2 {
		t.Fatalf("min samples = %d, want clamp to window", c.MinSamples)
	}
}
