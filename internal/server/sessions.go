package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/report"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.deps.Sessions.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if list == nil {
		list = []metrics.SessionMetrics{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Sessions.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handlePutSession stores computed metrics. With ?trigger=true the
// pipeline is started for the session once it is stored.
func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var m metrics.SessionMetrics
	if err := decodeBody(w, r, &m); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if m.SessionID == "" {
		m.SessionID = id
	}
	if m.SessionID != id {
		writeError(w, http.StatusBadRequest, "body session id %q does not match path %q", m.SessionID, id)
		return
	}
	if err := s.deps.Sessions.Put(r.Context(), &m); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	resp := map[string]any{"session": m}
	if r.URL.Query().Get("trigger") == "true" && s.deps.Orchestrator != nil {
		started, err := s.deps.Orchestrator.Trigger(actorContext(r), id)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "%v", err)
			return
		}
		resp["started"] = started
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBenchmarks(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Sessions.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"benchmarks": s.deps.Registry.BenchmarkSession(m),
		"asymmetry":  s.deps.Registry.Asymmetries(m),
	})
}

// handleReport renders the session's latest run. format=html returns a
// standalone page, anything else Markdown.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline is not configured")
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	st, ok := s.deps.Orchestrator.Status(ctx, id)
	if !ok {
		writeError(w, http.StatusNotFound, "no pipeline run for session %s", id)
		return
	}
	in := report.Input{State: st, Sources: r.URL.Query().Get("sources") == "true"}
	if m, err := s.deps.Sessions.Session(ctx, id); err == nil {
		in.Current = m
		if m.PatientID != "" {
			hist, err := s.deps.Sessions.History(ctx, m.PatientID, m.RecordedAt)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "%v", err)
				return
			}
			in.History = hist
		}
	}

	md, err := report.Markdown(in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if r.URL.Query().Get("format") == "html" {
		page, err := report.HTML("Session "+id, md)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(md))
}
