package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ziadkadry99/kinesight/internal/audit"
	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/insight"
	"github.com/ziadkadry99/kinesight/internal/llm"
	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
	"github.com/ziadkadry99/kinesight/internal/trends"
)

// execute drives st to a terminal state and releases the session.
func (o *Orchestrator) execute(ctx context.Context, st *State, r *run) *StageError {
	defer func() {
		o.mu.Lock()
		delete(o.runs, st.SessionID)
		o.mu.Unlock()
		close(r.done)
	}()

	log := o.logger.With("session_id", st.SessionID)
	err := o.stages(ctx, st, log)
	if err == nil {
		o.update(ctx, st, func(s *State) {
			now := o.now().UTC()
			s.Status = StatusComplete
			s.CompletedAt = &now
		})
		log.Info("pipeline complete", "revision", st.Revision, "calls", st.Usage.Calls, "cost_usd", st.Usage.CostUSD)
		o.record(ctx, audit.Entry{
			Action:  audit.ActionPipelineCompleted,
			Scope:   audit.ScopeSession,
			ScopeID: st.SessionID,
			Summary: fmt.Sprintf("Pipeline complete after %d revision(s)", st.Revision),
		})
		o.announce(ctx, st)
		return nil
	}

	se := classify(st.Stage, err)
	if ctx.Err() != nil && se.Kind != KindCancelled {
		se = stageErr(se.Stage, KindCancelled, err, "run cancelled")
	}
	o.update(ctx, st, func(s *State) { s.fail(se, o.now().UTC()) })
	log.Error("pipeline failed", "stage", se.Stage, "kind", se.Kind, "retryable", se.Retryable, "error", se)
	o.record(ctx, audit.Entry{
		Action:  audit.ActionPipelineFailed,
		Scope:   audit.ScopeSession,
		ScopeID: st.SessionID,
		Summary: fmt.Sprintf("Pipeline failed in %s: %s", se.Stage, se.Kind),
		Detail:  st.Error.Message,
	})
	o.announce(ctx, st)
	return se
}

func (o *Orchestrator) enter(ctx context.Context, st *State, stage Stage, log *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return stageErr(stage, KindCancelled, err, "run cancelled before %s", stage)
	}
	o.update(ctx, st, func(s *State) {
		s.Status = Status(stage)
		s.Stage = stage
	})
	log.Info("stage entered", "stage", stage, "revision", st.Revision)
	o.record(ctx, audit.Entry{
		Action:  audit.ActionStageEntered,
		Scope:   audit.ScopeSession,
		ScopeID: st.SessionID,
		Summary: fmt.Sprintf("Entered %s", stage),
		Detail:  fmt.Sprintf("revision %d", st.Revision),
	})
	return nil
}

func (o *Orchestrator) stages(ctx context.Context, st *State, log *slog.Logger) error {
	if err := o.enter(ctx, st, StageDecomposition, log); err != nil {
		return err
	}
	m, err := o.sessions.Session(ctx, st.SessionID)
	if err == nil {
		err = m.Validate()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return stageErr(StageDecomposition, KindInputMissing, err, "session metrics unavailable")
	}

	history, histErr := o.history(ctx, m)
	var previous *metrics.SessionMetrics
	if len(history) > 0 {
		previous = &history[len(history)-1]
	}
	o.update(ctx, st, func(s *State) { s.PatientID = m.PatientID })

	dec, err := o.decompose(ctx, st, m, previous)
	if err != nil {
		return err
	}
	o.update(ctx, st, func(s *State) { s.Decomposition = dec })
	log.Info("patterns detected", "stage", StageDecomposition, "patterns", len(dec.Patterns), "predetected", dec.PreDetected)

	if err := o.enter(ctx, st, StageResearch, log); err != nil {
		return err
	}
	res, usage, err := o.research.run(ctx, dec.Patterns)
	if err != nil {
		return classify(StageResearch, err)
	}
	res.Warnings = append(res.Warnings, o.cacheNew(ctx, st, res.NewEntries)...)
	o.update(ctx, st, func(s *State) {
		s.Research = res
		s.Usage.Merge(usage)
	})
	log.Info("research done", "stage", StageResearch, "cache_hits", res.CacheHits,
		"escalated", len(res.Escalated), "insufficient", len(res.Insufficient), "cache_unavailable", res.CacheUnavailable)

	in := synthesisInput{
		metrics:    m,
		benchmarks: o.reg.BenchmarkSession(m),
		patterns:   dec.Patterns,
		research:   res,
	}
	var issues []Issue
	for {
		if err := o.enter(ctx, st, StageAnalysis, log); err != nil {
			return err
		}
		a, corrections, err := o.synthesize(ctx, st, in, issues)
		if err != nil {
			return err
		}
		o.update(ctx, st, func(s *State) { s.Analysis = a })

		if err := o.enter(ctx, st, StageValidation, log); err != nil {
			return err
		}
		v := Validate(a, m, dec, res, o.reg)
		v.Warnings = append(corrections, v.Warnings...)
		v.Revision = st.Revision
		o.update(ctx, st, func(s *State) { s.Validation = v })
		if v.Passed {
			log.Info("validation passed", "stage", StageValidation, "revision", st.Revision, "warnings", len(v.Warnings))
			break
		}

		o.update(ctx, st, func(s *State) { s.Revision++ })
		if st.Revision >= MaxRevisions {
			se := stageErr(StageValidation, KindValidationExhausted, nil,
				"validation failed %d times; last errors: %s", st.Revision, summarize(v.Errors))
			se.Issues = v.Errors
			return se
		}
		log.Warn("validation failed, revising", "stage", StageValidation, "revision", st.Revision, "errors", len(v.Errors))
		o.record(ctx, audit.Entry{
			Action:  audit.ActionRevisionRequested,
			Scope:   audit.ScopeSession,
			ScopeID: st.SessionID,
			Summary: fmt.Sprintf("Revision %d requested with %d issue(s)", st.Revision, len(v.Errors)),
			Detail:  summarize(v.Errors),
		})
		issues = v.Errors
	}

	if err := o.enter(ctx, st, StageProgress, log); err != nil {
		return err
	}
	var p *trends.Progress
	err = histErr
	if err == nil {
		p, err = trends.Analyze(m, history, o.reg)
	}
	if err != nil {
		log.Warn("progress failed", "stage", StageProgress, "error", err)
		o.update(ctx, st, func(s *State) { s.ProgressError = err.Error() })
		o.record(ctx, audit.Entry{
			Action:  audit.ActionProgressFailed,
			Scope:   audit.ScopePatient,
			ScopeID: m.PatientID,
			Summary: "Progress analysis failed",
			Detail:  err.Error(),
		})
		return nil
	}
	o.update(ctx, st, func(s *State) { s.Progress = p })
	return nil
}

// history loads the patient's earlier sessions. Without a patient id there
// is no history.
func (o *Orchestrator) history(ctx context.Context, m *metrics.SessionMetrics) ([]metrics.SessionMetrics, error) {
	if m.PatientID == "" {
		return nil, nil
	}
	h, err := o.sessions.History(ctx, m.PatientID, m.RecordedAt)
	if err != nil {
		return nil, fmt.Errorf("loading history for patient %s: %w", m.PatientID, err)
	}
	past := h[:0:0]
	for _, s := range h {
		if s.SessionID != m.SessionID {
			past = append(past, s)
		}
	}
	metrics.ByRecordedAt(past)
	return past, nil
}

func (o *Orchestrator) decompose(ctx context.Context, st *State, m, previous *metrics.SessionMetrics) (*Decomposition, error) {
	pre := PreDetect(m, previous, o.reg)
	inv, err := o.invoker.Invoke(ctx, decompositionSystem, o.withPractice(buildDecompositionPrompt(m, previous, pre)))
	if err != nil {
		return nil, classify(StageDecomposition, err)
	}
	o.charge(st, inv)

	payload, err := llm.ExtractJSON(inv.Text)
	if err != nil {
		return nil, classify(StageDecomposition, err)
	}
	gen, err := ParsePatterns(payload)
	if err != nil {
		return nil, classify(StageDecomposition, err)
	}
	return mergePatterns(pre, gen), nil
}

func (o *Orchestrator) synthesize(ctx context.Context, st *State, in synthesisInput, issues []Issue) (*insight.Analysis, []Issue, error) {
	inv, err := o.invoker.Invoke(ctx, synthesisSystem, o.withPractice(buildSynthesisPrompt(in, issues, st.Revision)))
	if err != nil {
		return nil, nil, classify(StageAnalysis, err)
	}
	o.charge(st, inv)

	payload, err := llm.ExtractJSON(inv.Text)
	if err != nil {
		return nil, nil, classify(StageAnalysis, err)
	}
	a, err := insight.ParseAnalysis(payload, in.benchmarks)
	if err != nil {
		return nil, nil, classify(StageAnalysis, err)
	}
	return a, forceClassifications(a, in.benchmarks), nil
}

// forceClassifications overwrites each insight's classification with the
// benchmark classification of its first benchmarked metric and reports
// every change. Insights without a benchmarked metric keep theirs.
func forceClassifications(a *insight.Analysis, benchmarks []registry.Benchmark) []Issue {
	byPath := make(map[string]registry.Benchmark, len(benchmarks))
	for _, b := range benchmarks {
		byPath[b.Path] = b
	}
	var out []Issue
	fix := func(list []insight.Insight) {
		for i := range list {
			in := &list[i]
			for _, path := range in.Metrics {
				b, ok := byPath[path]
				if !ok {
					continue
				}
				if in.Classification != b.Classification {
					out = append(out, Issue{
						Check:     CheckConsistency,
						InsightID: in.ID,
						Message:   fmt.Sprintf("classification %q replaced by %q from the %s benchmark", in.Classification, b.Classification, path),
					})
					in.Classification = b.Classification
				}
				break
			}
		}
	}
	fix(a.Insights)
	fix(a.Correlative)
	return out
}

// cacheNew inserts research findings worth keeping. Failures are returned
// as warnings; the cache is never required for a run to succeed.
func (o *Orchestrator) cacheNew(ctx context.Context, st *State, entries []evidence.Entry) []string {
	cache := o.research.cache
	if cache == nil || len(entries) == 0 {
		return nil
	}
	var warnings []string
	for _, e := range entries {
		res, err := cache.Insert(context.WithoutCancel(ctx), e)
		if err != nil {
			o.logger.Warn("caching evidence", "session_id", st.SessionID, "citation", e.Citation, "error", err)
			warnings = append(warnings, fmt.Sprintf("%s: caching %q: %v", KindCacheUnavailable, e.Citation, err))
			continue
		}
		summary := "Evidence cached"
		if res.Merged {
			summary = "Evidence merged into existing entry"
		}
		o.record(ctx, audit.Entry{
			Action:  audit.ActionEvidenceCached,
			Scope:   audit.ScopeEvidence,
			ScopeID: res.ID,
			Summary: summary,
			Detail:  fmt.Sprintf("session %s, tier %s: %s", st.SessionID, e.Tier, e.Citation),
		})
	}
	return warnings
}

func (o *Orchestrator) charge(st *State, inv *llm.Invocation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	model := inv.Model
	if model == "" {
		model = o.invoker.Model()
	}
	st.Usage.Add(model, inv.InputTokens, inv.OutputTokens)
}

func summarize(issues []Issue) string {
	parts := make([]string, 0, len(issues))
	for _, is := range issues {
		parts = append(parts, is.String())
	}
	return strings.Join(parts, "; ")
}
