package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/verte-zerg/keyheat/internal/model"
	"github.com/verte-zerg/keyheat/internal/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "db", "keyheat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func session(id string, start time.Time, counts map[model.Coord]int) model.SessionData {
	total := 0
	for _, n := range counts {
		total += n
	}
	return model.SessionData{
		SessionID:       id,
		DeviceID:        "corne",
		StartTime:       start,
		Status:          model.StatusActive,
		TotalKeypresses: total,
		KeypressCounts:  counts,
	}
}

func TestCheckpointReplacesCounts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s := session("a", start, map[model.Coord]int{{Row: 0, Col: 0}: 2, {Row: 1, Col: 3}: 1})
	if err := st.Checkpoint(ctx, s); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	end := start.Add(time.Minute)
	s = session("a", start, map[model.Coord]int{{Row: 0, Col: 0}: 5})
	s.EndTime = &end
	s.Status = model.StatusClosed
	s.SkippedLines = 4
	s.Reconnects = 1
	if err := st.Checkpoint(ctx, s); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	got, err := st.GetSession(ctx, "a")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.TotalKeypresses != 5 || got.SumCounts() != 5 {
		t.Fatalf("expected total 5, got %d (sum %d)", got.TotalKeypresses, got.SumCounts())
	}
	if len(got.KeypressCounts) != 1 || got.KeypressCounts[model.Coord{Row: 0, Col: 0}] != 5 {
		t.Fatalf("unexpected counts %v", got.KeypressCounts)
	}
	if got.Status != model.StatusClosed || got.SkippedLines != 4 || got.Reconnects != 1 {
		t.Fatalf("unexpected session fields %+v", got)
	}
	if got.EndTime == nil || !got.EndTime.Equal(end) || !got.StartTime.Equal(start) {
		t.Fatalf("unexpected times start=%v end=%v", got.StartTime, got.EndTime)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.LatestSession(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty store, got %v", err)
	}
}

func TestCheckpointRequiresID(t *testing.T) {
	st := openTestStore(t)
	err := st.Checkpoint(context.Background(), model.SessionData{})
	var perr *record.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestListAndLatestSessions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	sessions := []model.SessionData{
		session("old", base, map[model.Coord]int{{Row: 0, Col: 0}: 1}),
		session("mid", base.Add(time.Hour), map[model.Coord]int{{Row: 0, Col: 0}: 1, {Row: 0, Col: 1}: 2}),
		session("new", base.Add(2*time.Hour), map[model.Coord]int{}),
	}
	sessions[2].DeviceID = "lily58"
	for _, s := range sessions {
		if err := st.Checkpoint(ctx, s); err != nil {
			t.Fatalf("checkpoint %s: %v", s.SessionID, err)
		}
	}

	all, err := st.ListSessions(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(all) != 3 || all[0].SessionID != "new" || all[2].SessionID != "old" {
		t.Fatalf("unexpected order %+v", all)
	}
	if all[1].UniqueKeys != 2 || all[1].TotalKeypresses != 3 {
		t.Fatalf("unexpected summary %+v", all[1])
	}
	if all[0].EndTime != nil {
		t.Fatalf("expected open session to have no end time")
	}

	since := base.Add(30 * time.Minute)
	filtered, err := st.ListSessions(ctx, ListFilter{DeviceID: "corne", Since: &since, Limit: 5})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].SessionID != "mid" {
		t.Fatalf("unexpected filtered sessions %+v", filtered)
	}

	latest, err := st.LatestSession(ctx)
	if err != nil {
		t.Fatalf("latest session: %v", err)
	}
	if latest.SessionID != "new" || len(latest.KeypressCounts) != 0 {
		t.Fatalf("unexpected latest session %+v", latest)
	}
}
