package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/kinesight/internal/db"
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

func TestLogAndGetByID(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 10, 9, 30, 0, 123, time.UTC)
	entry := Entry{
		ID:        "test-1",
		Timestamp: at,
		ActorType: ActorUser,
		ActorID:   "clinician-7",
		Action:    ActionPipelineTriggered,
		Scope:     ScopeSession,
		ScopeID:   "s-42",
		Summary:   "Pipeline triggered",
		Detail:    "manual retrigger",
	}
	if err := store.Log(ctx, entry); err != nil {
		t.Fatalf("Log: %v", err)
	}

	got, err := store.GetByID(ctx, "test-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, at)
	}
	got.Timestamp = at
	if *got != entry {
		t.Errorf("GetByID = %+v, want %+v", *got, entry)
	}
}

func TestLogDefaults(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.Log(ctx, Entry{ActorID: "orchestrator", Action: ActionStageEntered, Scope: ScopeSession, ScopeID: "s-1"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	entries, err := store.Query(ctx, QueryFilter{ActorID: "orchestrator"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID == "" || e.Timestamp.IsZero() || e.ActorType != ActorSystem {
		t.Errorf("defaults not applied: %+v", e)
	}
}

func TestQueryFilters(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rows := []Entry{
		{Timestamp: base, ActorID: "orchestrator", Action: ActionPipelineTriggered, Scope: ScopeSession, ScopeID: "s-1"},
		{Timestamp: base.Add(time.Second), ActorID: "orchestrator", Action: ActionStageEntered, Scope: ScopeSession, ScopeID: "s-1"},
		{Timestamp: base.Add(2 * time.Second), ActorID: "orchestrator", Action: ActionStageEntered, Scope: ScopeSession, ScopeID: "s-2"},
		{Timestamp: base.Add(3 * time.Second), ActorID: "research", Action: ActionEvidenceCached, Scope: ScopeEvidence, ScopeID: "e-1"},
	}
	for _, e := range rows {
		if err := store.Log(ctx, e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	since := base.Add(time.Second)
	tests := []struct {
		name   string
		filter QueryFilter
		want   int
	}{
		{"all", QueryFilter{}, 4},
		{"by scope id", QueryFilter{ScopeID: "s-1"}, 2},
		{"by scope", QueryFilter{Scope: ScopeEvidence}, 1},
		{"by action", QueryFilter{Action: ActionStageEntered}, 2},
		{"by actor", QueryFilter{ActorID: "research"}, 1},
		{"since", QueryFilter{Since: &since}, 3},
		{"limit", QueryFilter{Limit: 2}, 2},
		{"limit offset", QueryFilter{Limit: 2, Offset: 3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestQueryOrdering(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for i, a := range []Action{ActionPipelineTriggered, ActionStageEntered, ActionPipelineCompleted} {
		if err := store.Log(ctx, Entry{Timestamp: base.Add(time.Duration(i) * time.Millisecond), ActorID: "o", Action: a, Scope: ScopeSession, ScopeID: "s"}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	newest, _ := store.Query(ctx, QueryFilter{ScopeID: "s"})
	if newest[0].Action != ActionPipelineCompleted {
		t.Errorf("default order should be newest first, got %s", newest[0].Action)
	}
	oldest, _ := store.Query(ctx, QueryFilter{ScopeID: "s", Chronological: true})
	if oldest[0].Action != ActionPipelineTriggered {
		t.Errorf("chronological order should be oldest first, got %s", oldest[0].Action)
	}
}

func TestDeleteBefore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Log(ctx, Entry{ActorID: "system", Action: ActionStageEntered, Scope: ScopeSession}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	deleted, err := store.DeleteBefore(ctx, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted, got %d", deleted)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	store := setupStore(t)
	if _, err := store.GetByID(context.Background(), "nonexistent"); err == nil {
		t.Error("expected error for nonexistent ID, got nil")
	}
}

// --- HTTP handler tests ---

func setupRouter(t *testing.T) (chi.Router, *Store) {
	t.Helper()
	store := setupStore(t)
	r := chi.NewRouter()
	RegisterRoutes(r, store)
	return r, store
}

func TestHTTPGetByID(t *testing.T) {
	r, store := setupRouter(t)
	if err := store.Log(context.Background(), Entry{ID: "http-1", ActorID: "orchestrator", Action: ActionPipelineCompleted, Scope: ScopeSession, ScopeID: "s-1"}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/audit/http-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got Entry
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "http-1" || got.Action != ActionPipelineCompleted {
		t.Errorf("got %+v", got)
	}
}

func TestHTTPGetByIDNotFound(t *testing.T) {
	r, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/audit/missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHTTPQueryWithFilter(t *testing.T) {
	r, store := setupRouter(t)
	ctx := context.Background()

	for _, id := range []string{"s-1", "s-2", "s-1"} {
		if err := store.Log(ctx, Entry{ActorID: "orchestrator", Action: ActionStageEntered, Scope: ScopeSession, ScopeID: id}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/audit?scope=session&scope_id=s-1&order=asc&limit=10", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var entries []Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
}
