package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ziadkadry99/kinesight/internal/audit"
	"github.com/ziadkadry99/kinesight/internal/db"
	"github.com/ziadkadry99/kinesight/internal/expr"
	"github.com/ziadkadry99/kinesight/internal/llm"
	"github.com/ziadkadry99/kinesight/internal/notifications"
	"github.com/ziadkadry99/kinesight/internal/pipeline"
	"github.com/ziadkadry99/kinesight/internal/sessions"
)

// downProvider fails every call with a non-transient error.
type downProvider struct{}

func (downProvider) Name() string { return "down" }

func (downProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("provider unavailable")
}

type testEnv struct {
	srv   *Server
	orch  *pipeline.Orchestrator
	store *sessions.Store
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := sessions.NewStore(database)
	states := pipeline.NewStateStore(database)
	auditStore := audit.NewStore(database)
	notes := notifications.NewStore(database)
	orch, err := pipeline.New(pipeline.Options{
		Sessions: store,
		Invoker:  llm.NewInvoker(downProvider{}, llm.InvokerOptions{Model: "test", MaxAttempts: 1}),
		States:   states,
		Audit:    auditStore,
		Notifier: notifications.NewDispatcher(notes, notifications.Options{Logger: logger}),
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(orch.Close)

	srv := New(Config{}, Deps{
		Sessions:      store,
		Orchestrator:  orch,
		States:        states,
		Audit:         auditStore,
		Notifications: notes,
		Logger:        logger,
	})
	return &testEnv{srv: srv, orch: orch, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

const flexionSession = `{"sessionId":"s-1","patientId":"p-1",
 "leftLeg":{"peakFlexion":98},"rightLeg":{"peakFlexion":119},
 "recordedAt":"2026-03-10T09:00:00Z"}`

func (e *testEnv) putSession(t *testing.T) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/api/sessions/s-1", strings.NewReader(flexionSession))
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT session: %d %s", w.Code, w.Body.String())
	}
}

func TestHealthCheck(t *testing.T) {
	e := setup(t)
	w := e.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestCORSHeaders(t *testing.T) {
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer database.Close()

	srv := New(Config{AllowAll: true}, Deps{Sessions: sessions.NewStore(database)})

	req := httptest.NewRequest("OPTIONS", "/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	e := setup(t)
	e.putSession(t)

	w := e.do(t, http.MethodGet, "/api/sessions/s-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET: %d", w.Code)
	}
	var got struct {
		SessionID string             `json:"sessionId"`
		LeftLeg   map[string]float64 `json:"leftLeg"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "s-1" || got.LeftLeg["peakFlexion"] != 98 {
		t.Errorf("got %+v", got)
	}

	w = e.do(t, http.MethodGet, "/api/sessions", nil)
	var list []json.RawMessage
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Errorf("list returned %d sessions, want 1", len(list))
	}
}

func TestSessionErrors(t *testing.T) {
	e := setup(t)

	if w := e.do(t, http.MethodGet, "/api/sessions/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing session: %d, want 404", w.Code)
	}
	body := map[string]any{"sessionId": "other", "leftLeg": map[string]float64{"peakFlexion": 90}}
	if w := e.do(t, http.MethodPut, "/api/sessions/s-1", body); w.Code != http.StatusBadRequest {
		t.Errorf("id mismatch: %d, want 400", w.Code)
	}
	req := httptest.NewRequest(http.MethodPut, "/api/sessions/s-1", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json: %d, want 400", w.Code)
	}
}

func TestBenchmarks(t *testing.T) {
	e := setup(t)
	e.putSession(t)

	w := e.do(t, http.MethodGet, "/api/sessions/s-1/benchmarks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var got struct {
		Benchmarks []struct {
			Path           string `json:"path"`
			Classification string `json:"classification"`
		} `json:"benchmarks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, b := range got.Benchmarks {
		if b.Path == "leftLeg.peakFlexion" {
			found = true
			if b.Classification != "weakness" {
				t.Errorf("left flexion classified %q, want weakness", b.Classification)
			}
		}
	}
	if !found {
		t.Errorf("no benchmark for leftLeg.peakFlexion in %s", w.Body.String())
	}
}

func TestTriggerRunsPipeline(t *testing.T) {
	e := setup(t)
	e.putSession(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/s-1/pipeline", nil)
	req.Header.Set("X-Actor", "clinician-7")
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("trigger: %d %s", w.Code, w.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.orch.Wait(ctx, "s-1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	w = e.do(t, http.MethodGet, "/api/sessions/s-1/pipeline", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var st pipeline.State
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Status != pipeline.StatusError || st.Error == nil {
		t.Fatalf("expected error state, got %+v", st)
	}
	if st.Error.Kind != pipeline.KindGenerativeFailed || !st.Error.Retryable {
		t.Errorf("error = %+v", st.Error)
	}

	w = e.do(t, http.MethodGet, "/api/audit?scope_id=s-1&action=pipeline_triggered", nil)
	var entries []audit.Entry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].ActorID != "clinician-7" {
		t.Errorf("audit entries = %+v", entries)
	}

	w = e.do(t, http.MethodGet, "/api/pipelines?status=error", nil)
	var list []pipeline.State
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Errorf("pipelines list = %d, want 1", len(list))
	}

	w = e.do(t, http.MethodGet, "/api/notifications?session=s-1", nil)
	var notes []notifications.Notification
	json.Unmarshal(w.Body.Bytes(), &notes)
	if len(notes) != 1 || notes[0].Type != notifications.TypeRunFailed || notes[0].Delivered {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestTriggerUnknownSession(t *testing.T) {
	e := setup(t)
	if w := e.do(t, http.MethodPost, "/api/sessions/nope/pipeline", nil); w.Code != http.StatusNotFound {
		t.Errorf("trigger unknown: %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/api/sessions/nope/pipeline", nil); w.Code != http.StatusNotFound {
		t.Errorf("status unknown: %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/api/sessions/nope/pipeline", nil); w.Code != http.StatusNotFound {
		t.Errorf("cancel unknown: %d, want 404", w.Code)
	}
}

func TestReport(t *testing.T) {
	e := setup(t)
	e.putSession(t)

	if w := e.do(t, http.MethodGet, "/api/sessions/s-1/report", nil); w.Code != http.StatusNotFound {
		t.Fatalf("report before run: %d, want 404", w.Code)
	}

	if _, err := e.orch.Run(context.Background(), "s-1"); err == nil {
		t.Fatal("expected run to fail")
	}

	w := e.do(t, http.MethodGet, "/api/sessions/s-1/report", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("report: %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/markdown") {
		t.Errorf("content type %q", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "Pipeline failed in decomposition") {
		t.Errorf("report missing failure:\n%s", w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/api/sessions/s-1/report?format=html", nil)
	if !strings.Contains(w.Body.String(), "<title>Session s-1</title>") {
		t.Errorf("html report:\n%s", w.Body.String())
	}
}

func TestFormulaEndpoints(t *testing.T) {
	e := setup(t)
	e.putSession(t)

	w := e.do(t, http.MethodPost, "/api/formula/evaluate", formulaRequest{
		Formula:   "abs(leftLeg.peakFlexion - rightLeg.peakFlexion)",
		SessionID: "s-1",
	})
	var res expr.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.Value != 21 {
		t.Errorf("evaluate = %+v", res)
	}

	w = e.do(t, http.MethodPost, "/api/formula/evaluate", map[string]any{
		"formula": "leftLeg.peakFlexion / 0",
		"metrics": map[string]any{"sessionId": "x", "leftLeg": map[string]float64{"peakFlexion": 1}},
	})
	json.Unmarshal(w.Body.Bytes(), &res)
	if w.Code != http.StatusOK || res.Success {
		t.Errorf("division by zero should fail in the body: %d %+v", w.Code, res)
	}

	if w := e.do(t, http.MethodPost, "/api/formula/evaluate", formulaRequest{Formula: "1"}); w.Code != http.StatusBadRequest {
		t.Errorf("no context: %d, want 400", w.Code)
	}

	w = e.do(t, http.MethodPost, "/api/formula/validate", formulaRequest{Formula: "leftLeg.nope + 1"})
	var v expr.Validation
	json.Unmarshal(w.Body.Bytes(), &v)
	if v.Valid || len(v.Errors) == 0 {
		t.Errorf("validate = %+v", v)
	}
}

func TestRegistryEndpoints(t *testing.T) {
	e := setup(t)
	if w := e.do(t, http.MethodGet, "/api/registry/peakFlexion", nil); w.Code != http.StatusOK {
		t.Errorf("lookup: %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/api/registry/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown metric: %d, want 404", w.Code)
	}
	w := e.do(t, http.MethodGet, "/api/registry?domain=range", nil)
	var defs []map[string]any
	json.Unmarshal(w.Body.Bytes(), &defs)
	if len(defs) == 0 {
		t.Error("expected range metrics")
	}
}

func TestEvidenceSearchNotConfigured(t *testing.T) {
	e := setup(t)
	if w := e.do(t, http.MethodGet, "/api/evidence/search?q=knee", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("search without cache: %d, want 503", w.Code)
	}
}
