package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/expr"
	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

type formulaRequest struct {
	Formula string `json:"formula"`
	// Target is the metric path temporal variables refer to.
	Target    string `json:"target,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	// Metrics evaluates against inline metrics instead of a stored session.
	Metrics *metrics.SessionMetrics `json:"metrics,omitempty"`
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	var defs []registry.MetricDefinition
	if d := r.URL.Query().Get("domain"); d != "" {
		defs = s.deps.Registry.ByDomain(registry.Domain(d))
	} else {
		defs = s.deps.Registry.All()
	}
	if defs == nil {
		defs = []registry.MetricDefinition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleRegistryMetric(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, ok := s.deps.Registry.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown metric %q", name)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleValidateFormula(w http.ResponseWriter, r *http.Request) {
	var req formulaRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, expr.ValidateFormulaWith(s.deps.Registry, req.Formula))
}

// handleEvaluateFormula evaluates against a stored session, with the
// patient's earlier sessions as temporal context, or against inline metrics.
// Evaluation failures are reported in the result body, not as HTTP errors.
func (s *Server) handleEvaluateFormula(w http.ResponseWriter, r *http.Request) {
	var req formulaRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	ctx := r.Context()

	var ec expr.Context
	switch {
	case req.Metrics != nil:
		ec = expr.NewContext(req.Metrics, nil)
	case req.SessionID != "":
		m, err := s.deps.Sessions.Session(ctx, req.SessionID)
		if err != nil {
			sessionError(w, err)
			return
		}
		var hist []metrics.SessionMetrics
		if m.PatientID != "" {
			if hist, err = s.deps.Sessions.History(ctx, m.PatientID, m.RecordedAt); err != nil {
				writeError(w, http.StatusInternalServerError, "%v", err)
				return
			}
		}
		ec = expr.NewContext(m, hist)
	default:
		writeError(w, http.StatusBadRequest, "sessionId or metrics is required")
		return
	}
	ec.Registry = s.deps.Registry
	writeJSON(w, http.StatusOK, expr.Evaluate(req.Formula, ec, req.Target))
}

// handleEvidenceSearch runs a free-text similarity search over the
// evidence cache. Query params: q, tier (minimum), limit, min_similarity.
func (s *Server) handleEvidenceSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil || s.deps.Embedder == nil {
		writeError(w, http.StatusServiceUnavailable, "evidence cache is not configured")
		return
	}
	q := r.URL.Query()
	text := strings.TrimSpace(q.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	var opts evidence.LookupOptions
	if v := q.Get("tier"); v != "" {
		t, err := evidence.ParseTier(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		opts.MinTier = t
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := q.Get("min_similarity"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			opts.MinSimilarity = f
		}
	}

	matches, err := s.deps.Cache.SearchText(r.Context(), s.deps.Embedder, text, opts)
	if err != nil {
		writeError(w, http.StatusBadGateway, "%v", err)
		return
	}
	if matches == nil {
		matches = []evidence.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}
