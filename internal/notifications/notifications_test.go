package notifications

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/kinesight/internal/db"
	"github.com/ziadkadry99/kinesight/internal/pipeline"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type hook struct {
	mu       sync.Mutex
	received []Notification
	status   int
}

func (h *hook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var n Notification
	json.NewDecoder(r.Body).Decode(&n)
	h.mu.Lock()
	h.received = append(h.received, n)
	status := h.status
	h.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (h *hook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func TestStoreCreateListMark(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx, Notification{SessionID: "s-1", Type: TypeInsightsReady, Severity: SeverityInfo, Title: "ready"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" || a.CreatedAt.IsZero() {
		t.Fatalf("Create did not fill ID/CreatedAt: %+v", a)
	}
	if _, err := store.Create(ctx, Notification{SessionID: "s-2", Type: TypeRunFailed, Severity: SeverityCritical, Title: "failed"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Title != "ready" || got.Delivered {
		t.Errorf("GetByID = %+v", got)
	}

	list, err := store.List(ctx, ListFilter{SessionID: "s-2"})
	if err != nil || len(list) != 1 || list[0].Type != TypeRunFailed {
		t.Fatalf("List by session = %+v, %v", list, err)
	}

	if err := store.MarkDelivered(ctx, a.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	pending, err := store.Pending(ctx)
	if err != nil || len(pending) != 1 || pending[0].SessionID != "s-2" {
		t.Fatalf("Pending = %+v, %v", pending, err)
	}

	if _, err := store.GetByID(ctx, "nope"); err == nil {
		t.Error("expected not found")
	}
	if err := store.MarkDelivered(ctx, "nope"); err == nil {
		t.Error("expected not found")
	}
}

func TestFromStateFailed(t *testing.T) {
	st := &pipeline.State{
		SessionID: "s-1",
		Status:    pipeline.StatusError,
		Error:     &pipeline.ErrorRecord{Stage: pipeline.StageAnalysis, Kind: pipeline.KindValidationExhausted, Message: "3 revisions", Retryable: true},
	}
	ns := FromState(st)
	if len(ns) != 1 {
		t.Fatalf("got %d notifications, want 1", len(ns))
	}
	n := ns[0]
	if n.Severity != SeverityCritical || n.Type != TypeRunFailed {
		t.Errorf("notification = %+v", n)
	}
	if !strings.Contains(n.Message, "validation-exhausted") || !strings.Contains(n.Message, "re-triggered") {
		t.Errorf("message = %q", n.Message)
	}
}

func TestFromStateComplete(t *testing.T) {
	st := &pipeline.State{
		SessionID:  "s-1",
		Status:     pipeline.StatusComplete,
		Revision:   1,
		Research:   &pipeline.Research{Insufficient: []string{"p-2"}},
		Validation: &pipeline.Validation{Passed: true, Warnings: []pipeline.Issue{{Check: pipeline.CheckConsistency, InsightID: "i-1", Message: "limb mismatch"}}},
	}
	ns := FromState(st)
	if len(ns) != 3 {
		t.Fatalf("got %d notifications, want 3", len(ns))
	}
	if ns[0].Type != TypeEvidenceGap || !strings.Contains(ns[0].Message, "p-2") {
		t.Errorf("evidence gap = %+v", ns[0])
	}
	if ns[1].Type != TypeNeedsReview || !strings.Contains(ns[1].Message, "[consistency] insight i-1: limb mismatch") {
		t.Errorf("needs review = %+v", ns[1])
	}
	if ns[2].Type != TypeInsightsReady || ns[2].Message != "0 insight(s) after 1 revision(s)." {
		t.Errorf("ready = %+v", ns[2])
	}

	if ns := FromState(&pipeline.State{Status: pipeline.StatusAnalysis}); ns != nil {
		t.Errorf("running state produced %+v", ns)
	}
}

func TestDispatchRespectsSeverity(t *testing.T) {
	store := setupTestStore(t)
	h := &hook{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	d := NewDispatcher(store, Options{Webhooks: []string{srv.URL}, MinSeverity: SeverityWarning, Logger: quiet()})
	ctx := context.Background()

	info, err := d.Dispatch(ctx, Notification{SessionID: "s-1", Type: TypeInsightsReady, Severity: SeverityInfo, Title: "ready"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if info.Delivered || h.count() != 0 {
		t.Errorf("info should stay pending and unsent; delivered=%v sent=%d", info.Delivered, h.count())
	}

	crit, err := d.Dispatch(ctx, Notification{SessionID: "s-1", Type: TypeRunFailed, Severity: SeverityCritical, Title: "failed"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !crit.Delivered || h.count() != 1 {
		t.Fatalf("critical should be sent; delivered=%v sent=%d", crit.Delivered, h.count())
	}
	if h.received[0].ID != crit.ID || h.received[0].SessionID != "s-1" {
		t.Errorf("payload = %+v", h.received[0])
	}
}

func TestFailedWebhookIsRedelivered(t *testing.T) {
	store := setupTestStore(t)
	h := &hook{status: http.StatusBadGateway}
	srv := httptest.NewServer(h)
	defer srv.Close()

	d := NewDispatcher(store, Options{Webhooks: []string{srv.URL}, Logger: quiet()})
	ctx := context.Background()

	n, err := d.Dispatch(ctx, Notification{SessionID: "s-1", Type: TypeRunFailed, Severity: SeverityCritical, Title: "failed"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n.Delivered {
		t.Fatal("rejected webhook should leave the notification pending")
	}

	h.mu.Lock()
	h.status = http.StatusOK
	h.mu.Unlock()

	sent, err := d.Redeliver(ctx)
	if err != nil || sent != 1 {
		t.Fatalf("Redeliver = %d, %v", sent, err)
	}
	pending, _ := store.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("pending after redeliver = %d", len(pending))
	}
}

func TestPipelineFinishedStoresWithoutWebhooks(t *testing.T) {
	store := setupTestStore(t)
	d := NewDispatcher(store, Options{Logger: quiet()})

	d.PipelineFinished(context.Background(), &pipeline.State{SessionID: "s-9", Status: pipeline.StatusError})

	list, err := store.List(context.Background(), ListFilter{SessionID: "s-9"})
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %+v, %v", list, err)
	}
	if list[0].Delivered {
		t.Error("nothing to deliver to; should be pending")
	}
}

func TestRoutes(t *testing.T) {
	store := setupTestStore(t)
	n, _ := store.Create(context.Background(), Notification{SessionID: "s-1", Type: TypeRunFailed, Severity: SeverityCritical, Title: "failed"})

	r := chi.NewRouter()
	RegisterRoutes(r, store)

	req := httptest.NewRequest(http.MethodGet, "/api/notifications/pending", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var pending []Notification
	if err := json.NewDecoder(w.Body).Decode(&pending); err != nil || len(pending) != 1 {
		t.Fatalf("pending = %+v, %v", pending, err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/notifications/"+n.ID+"/deliver", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("deliver status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/notifications?delivered=true&severity=critical", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var delivered []Notification
	json.NewDecoder(w.Body).Decode(&delivered)
	if len(delivered) != 1 || !delivered[0].Delivered {
		t.Errorf("delivered = %+v", delivered)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/notifications/missing", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", w.Code)
	}
}
