package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/expr"
	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/pipeline"
	"github.com/ziadkadry99/kinesight/internal/report"
)

func (s *Server) handlePipelineStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if s.deps.Orchestrator == nil {
		return mcp.NewToolResultError("pipeline is not configured"), nil
	}
	st, ok := s.deps.Orchestrator.Status(ctx, id)
	if !ok {
		return mcp.NewToolResultText(fmt.Sprintf("No pipeline run recorded for session %s. Use trigger_pipeline to start one.", id)), nil
	}
	return mcp.NewToolResultText(formatState(st)), nil
}

func (s *Server) handleTriggerPipeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if s.deps.Orchestrator == nil || s.deps.Sessions == nil {
		return mcp.NewToolResultError("pipeline is not configured"), nil
	}
	if _, err := s.deps.Sessions.Session(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ctx = pipeline.WithActor(ctx, "mcp")
	var started bool
	if request.GetBool("force", false) {
		started, err = s.deps.Orchestrator.Retrigger(ctx, id)
	} else {
		started, err = s.deps.Orchestrator.Trigger(ctx, id)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trigger failed: %v", err)), nil
	}
	if !started {
		return mcp.NewToolResultText(fmt.Sprintf("No run started for session %s: one is in flight or the session is already complete.", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Pipeline started for session %s. Poll get_pipeline_status for progress.", id)), nil
}

func (s *Server) handleGetReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if s.deps.Orchestrator == nil {
		return mcp.NewToolResultError("pipeline is not configured"), nil
	}
	st, ok := s.deps.Orchestrator.Status(ctx, id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no pipeline run for session %s", id)), nil
	}
	in := report.Input{State: st}
	if s.deps.Sessions != nil {
		if m, hist, err := s.sessionWithHistory(ctx, id); err == nil {
			in.Current, in.History = m, hist
		}
	}
	md, err := report.Markdown(in)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(md), nil
}

func (s *Server) handleGetBenchmarks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if s.deps.Sessions == nil {
		return mcp.NewToolResultError("session store is not configured"), nil
	}
	m, err := s.deps.Sessions.Session(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Benchmarks for session %s:\n\n", id)
	for _, b := range s.deps.Registry.BenchmarkSession(m) {
		limb := string(b.Limb)
		if limb == "" {
			limb = "bilateral"
		}
		fmt.Fprintf(&sb, "- %s (%s): %s, percentile %.0f, %s, %s\n",
			b.DisplayName, limb, expr.FormatWithUnit(b.Value, b.Unit), b.Percentile, b.Category, b.Classification)
	}
	if asym := s.deps.Registry.Asymmetries(m); len(asym) > 0 {
		sb.WriteString("\nAsymmetry:\n\n")
		data, _ := json.MarshalIndent(asym, "", "  ")
		sb.Write(data)
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (s *Server) handleLookupMetric(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: name"), nil
	}
	def, ok := s.deps.Registry.Lookup(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown metric %q", name)), nil
	}
	return jsonResult(def)
}

func (s *Server) handleValidateFormula(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	formula, err := request.RequireString("formula")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: formula"), nil
	}
	return jsonResult(expr.ValidateFormulaWith(s.deps.Registry, formula))
}

func (s *Server) handleEvaluateFormula(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	formula, err := request.RequireString("formula")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: formula"), nil
	}
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if s.deps.Sessions == nil {
		return mcp.NewToolResultError("session store is not configured"), nil
	}
	m, hist, err := s.sessionWithHistory(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ec := expr.NewContext(m, hist)
	ec.Registry = s.deps.Registry
	res := expr.Evaluate(formula, ec, request.GetString("target", ""))
	if !res.Success {
		return mcp.NewToolResultError(fmt.Sprintf("evaluation failed: %s", res.Error)), nil
	}
	return mcp.NewToolResultText(res.Formatted), nil
}

func (s *Server) handleSearchEvidence(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}
	if s.deps.Cache == nil || s.deps.Embedder == nil {
		return mcp.NewToolResultError("evidence cache is not configured"), nil
	}
	opts := evidence.LookupOptions{Limit: request.GetInt("limit", evidence.DefaultLimit)}
	if t := request.GetString("min_tier", ""); t != "" {
		tier, err := evidence.ParseTier(t)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		opts.MinTier = tier
	}
	matches, err := s.deps.Cache.SearchText(ctx, s.deps.Embedder, query, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	return mcp.NewToolResultText(evidence.FormatMatches(matches)), nil
}

func (s *Server) sessionWithHistory(ctx context.Context, id string) (*metrics.SessionMetrics, []metrics.SessionMetrics, error) {
	m, err := s.deps.Sessions.Session(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if m.PatientID == "" {
		return m, nil, nil
	}
	hist, err := s.deps.Sessions.History(ctx, m.PatientID, m.RecordedAt)
	if err != nil {
		return nil, nil, err
	}
	return m, hist, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// formatState summarizes a run for an agent; the full analysis is available
// through get_report.
func formatState(st *pipeline.State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session: %s\nStatus: %s\n", st.SessionID, st.Status)
	if st.Stage != "" && !st.Terminal() {
		fmt.Fprintf(&sb, "Stage: %s\n", st.Stage)
	}
	fmt.Fprintf(&sb, "Revision: %d\n", st.Revision)
	if st.Decomposition != nil {
		fmt.Fprintf(&sb, "Patterns: %d\n", len(st.Decomposition.Patterns))
	}
	if st.Analysis != nil {
		fmt.Fprintf(&sb, "Insights: %d\n", len(st.Analysis.AllInsights()))
	}
	if st.Usage.Calls > 0 {
		fmt.Fprintf(&sb, "Generative calls: %d (est. $%.4f)\n", st.Usage.Calls, st.Usage.CostUSD)
	}
	if st.ProgressError != "" {
		fmt.Fprintf(&sb, "Progress unavailable: %s\n", st.ProgressError)
	}
	if e := st.Error; e != nil {
		fmt.Fprintf(&sb, "Failed in %s (%s): %s\n", e.Stage, e.Kind, e.Message)
		if e.Retryable {
			sb.WriteString("The failure is retryable: call trigger_pipeline again.\n")
		}
		for _, is := range e.Issues {
			fmt.Fprintf(&sb, "  - %s\n", is)
		}
	}
	return sb.String()
}
