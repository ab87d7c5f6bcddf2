package sessions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ziadkadry99/kinesight/internal/db"
	"github.com/ziadkadry99/kinesight/internal/metrics"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

var day0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func session(id, patient string, day int, flexion float64) *metrics.SessionMetrics {
	return &metrics.SessionMetrics{
		SessionID:  id,
		PatientID:  patient,
		LeftLeg:    map[string]float64{"peakFlexion": flexion},
		RecordedAt: day0.AddDate(0, 0, day),
	}
}

func TestPutAndSession(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	want := session("s-1", "p-1", 0, 98)
	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Session(ctx, "s-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// Replace.
	want.LeftLeg["peakFlexion"] = 101
	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _ = store.Session(ctx, "s-1")
	if got.LeftLeg["peakFlexion"] != 101 {
		t.Errorf("peakFlexion = %v, want 101", got.LeftLeg["peakFlexion"])
	}
}

func TestSessionNotFound(t *testing.T) {
	store := setupStore(t)
	_, err := store.Session(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPutRejectsEmpty(t *testing.T) {
	store := setupStore(t)
	if err := store.Put(context.Background(), &metrics.SessionMetrics{SessionID: "x"}); err == nil {
		t.Error("expected error for a session with no metrics")
	}
}

func TestHistory(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	for _, s := range []*metrics.SessionMetrics{
		session("s-3", "p-1", 14, 105),
		session("s-1", "p-1", 0, 95),
		session("s-2", "p-1", 7, 100),
		session("x-1", "p-2", 3, 80),
	} {
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := store.History(ctx, "p-1", day0.AddDate(0, 0, 14))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var ids []string
	for _, s := range got {
		ids = append(ids, s.SessionID)
	}
	if diff := cmp.Diff([]string{"s-1", "s-2"}, ids); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	all, _ := store.History(ctx, "p-1", time.Time{})
	if len(all) != 3 {
		t.Errorf("expected 3 sessions without a cutoff, got %d", len(all))
	}
	none, _ := store.History(ctx, "", time.Time{})
	if none != nil {
		t.Errorf("expected no history without a patient id, got %d", len(none))
	}

	listed, _ := store.List(ctx, 2)
	if len(listed) != 2 || listed[0].SessionID != "s-3" {
		t.Errorf("List = %v", listed)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.json")
	body := `{"sessionId":"s-9","patientId":"p-1","leftLeg":{"peakFlexion":98},"rightLeg":{"peakFlexion":119},"recordedAt":"2026-03-10T09:00:00Z"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if m.SessionID != "s-9" || m.RightLeg["peakFlexion"] != 119 {
		t.Errorf("loaded %+v", m)
	}

	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(bad, []byte(`{"sessionId":""}`), 0o644)
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected validation error")
	}
}
