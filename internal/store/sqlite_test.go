package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/nidhogg/ember/internal/avatar"
)

func tempSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ember.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSnapshot(ciID string) avatar.Snapshot {
	st := avatar.NewState()
	st.Engagement = 0.4
	st.Complexity = 0.7
	st.MoodValence = -0.2
	return avatar.Snapshot{
		CIID:      ciID,
		Version:   3,
		State:     st,
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQLiteStateRoundTrip(t *testing.T) {
	s := tempSQLite(t)
	ctx := context.Background()

	snap := testSnapshot("ci-1")
	if err := s.SaveState(ctx, snap); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, err := s.LoadState(ctx, "ci-1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if diff := cmp.Diff(snap, got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	snap.Version = 4
	snap.State.Visibility = avatar.Hidden
	snap.State.Style = "tidepool"
	if err := s.SaveState(ctx, snap); err != nil {
		t.Fatalf("SaveState update: %v", err)
	}
	got, _ = s.LoadState(ctx, "ci-1")
	if got.Version != 4 || got.State.Visibility != avatar.Hidden || got.State.Style != "tidepool" {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestSQLiteLoadMissing(t *testing.T) {
	s := tempSQLite(t)
	_, err := s.LoadState(context.Background(), "nobody")
	if !errors.Is(err, avatar.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteListAvatars(t *testing.T) {
	s := tempSQLite(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveState(ctx, testSnapshot(id)); err != nil {
			t.Fatalf("SaveState %s: %v", id, err)
		}
	}
	ids, err := s.ListAvatars(ctx)
	if err != nil {
		t.Fatalf("ListAvatars: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
}

func TestSQLiteMarks(t *testing.T) {
	s := tempSQLite(t)
	ctx := context.Background()
	if err := s.SaveState(ctx, testSnapshot("ci-1")); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var want []avatar.HistoryMark
	for i := 1; i <= 3; i++ {
		m := avatar.HistoryMark{
			ID:             "m" + string(rune('0'+i)),
			CIID:           "ci-1",
			Seq:            uint64(i),
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			TriggerSummary: "engagement rise +0.50",
			Signature:      avatar.Signature{Hue: 120, Intensity: 0.5, GlyphSeed: uint64(i) * 99},
			Salience:       float64(i) / 10,
		}
		want = append(want, m)
	}
	// Insert out of order; LoadMarks sorts by seq.
	for _, i := range []int{2, 0, 1} {
		if err := s.SaveMark(ctx, want[i]); err != nil {
			t.Fatalf("SaveMark: %v", err)
		}
	}
	// Duplicate inserts are ignored.
	if err := s.SaveMark(ctx, want[0]); err != nil {
		t.Fatalf("SaveMark duplicate: %v", err)
	}

	got, err := s.LoadMarks(ctx, "ci-1")
	if err != nil {
		t.Fatalf("LoadMarks: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("marks (-want +got):\n%s", diff)
	}

	if err := s.DeleteMarks(ctx, "ci-1", []string{"m1", "m3"}); err != nil {
		t.Fatalf("DeleteMarks: %v", err)
	}
	got, _ = s.LoadMarks(ctx, "ci-1")
	if len(got) != 1 || got[0].ID != "m2" {
		t.Errorf("after delete: %+v", got)
	}
}

func TestSQLiteMarkRequiresAvatar(t *testing.T) {
	s := tempSQLite(t)
	err := s.SaveMark(context.Background(), avatar.HistoryMark{
		ID: "orphan", CIID: "ghost", Seq: 1, Timestamp: time.Now(),
	})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestSQLiteConsentNewestFirst(t *testing.T) {
	s := tempSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := avatar.ConsentRecord{
			ID:          "r" + string(rune('0'+i)),
			CIID:        "ci-1",
			RequesterID: "operator",
			Action:      avatar.ActionHide,
			Granted:     i%2 == 0,
			Reason:      "policy",
			Timestamp:   base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.AppendConsent(ctx, rec); err != nil {
			t.Fatalf("AppendConsent: %v", err)
		}
	}

	got, err := s.ListConsent(ctx, "ci-1", 3)
	if err != nil {
		t.Fatalf("ListConsent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].ID != "r4" || got[2].ID != "r2" {
		t.Errorf("order: %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}
	if !got[0].Granted || got[1].Granted {
		t.Errorf("granted flags not preserved: %+v", got)
	}

	other, _ := s.ListConsent(ctx, "ci-2", 0)
	if len(other) != 0 {
		t.Errorf("expected no records for ci-2, got %d", len(other))
	}
}
