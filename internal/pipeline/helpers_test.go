package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ziadkadry99/kinesight/internal/embeddings"
	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/llm"
	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/sessions"
)

var day0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// scenario is the flexion deficit session used across the tests: left 98°,
// right 119°.
func scenario() *metrics.SessionMetrics {
	return &metrics.SessionMetrics{
		SessionID:  "s-1",
		PatientID:  "p-1",
		LeftLeg:    map[string]float64{"peakFlexion": 98},
		RightLeg:   map[string]float64{"peakFlexion": 119},
		RecordedAt: day0,
	}
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*metrics.SessionMetrics
	histErr  error
}

func newFakeSessions(ms ...*metrics.SessionMetrics) *fakeSessions {
	f := &fakeSessions{sessions: make(map[string]*metrics.SessionMetrics)}
	for _, m := range ms {
		f.sessions[m.SessionID] = m
	}
	return f
}

func (f *fakeSessions) Session(_ context.Context, id string) (*metrics.SessionMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sessions.ErrNotFound, id)
	}
	return m, nil
}

func (f *fakeSessions) History(_ context.Context, patientID string, before time.Time) ([]metrics.SessionMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.histErr != nil {
		return nil, f.histErr
	}
	var out []metrics.SessionMetrics
	for _, m := range f.sessions {
		if m.PatientID == patientID && m.RecordedAt.Before(before) {
			out = append(out, *m)
		}
	}
	metrics.ByRecordedAt(out)
	return out, nil
}

const (
	noPatterns = `{"patterns": []}`

	researchReply = "```json\n" + `{"evidence": [
  {"tier": "A", "sourceType": "embedded_knowledge", "citation": "Shelbourne 2012, Knee flexion loss after ACL reconstruction",
   "findings": ["Flexion deficits over 5 degrees predict worse outcomes"], "relevanceScore": 85}
]}` + "\n```"

	goodSynthesis = `{
  "insights": [{
    "id": "i-1",
    "title": "Left flexion deficit",
    "summary": "Left knee flexion trails the right.",
    "classification": "weakness",
    "limbs": ["Left Leg"],
    "metrics": ["leftLeg.peakFlexion"],
    "citedValues": [{"path": "leftLeg.peakFlexion", "value": 98}],
    "citations": ["Shelbourne 2012"],
    "patternIds": ["pd-asymmetry-peakFlexion"]
  }],
  "benchmarks": ["leftLeg.peakFlexion", "rightLeg.peakFlexion"],
  "blocks": {
    "clinician": [{"type": "comparison_card", "label": "Flexion", "left": "leftLeg.peakFlexion", "right": "rightLeg.peakFlexion",
                   "asymmetry": "abs(leftLeg.peakFlexion - rightLeg.peakFlexion)", "deficitLimb": "Left Leg"}],
    "patient": [{"type": "next_steps", "steps": ["Keep up the heel slides"]}]
  }
}`

	// badSynthesis links an undetected pattern and cites nothing.
	badSynthesis = `{"insights": [{"id": "i-1", "title": "x", "classification": "weakness",
  "metrics": ["leftLeg.peakFlexion"], "citations": [], "patternIds": ["p-999"]}]}`
)

// routedProvider answers by stage, recognised from the system prompt.
type routedProvider struct {
	mu            sync.Mutex
	decomposition []string
	research      string
	synthesis     []string
	decompErr     error
	// gate, when set, holds synthesis calls until it is closed or the call's
	// context ends.
	gate chan struct{}

	calls           map[string]int
	synthesisPrompt []string
}

func (p *routedProvider) Name() string { return "routed" }

func (p *routedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	system := req.Messages[0].Content
	user := req.Messages[len(req.Messages)-1].Content

	var stage string
	switch {
	case strings.Contains(system, "biomechanics analyst"):
		stage = "decomposition"
	case strings.Contains(system, "research librarian"):
		stage = "research"
	default:
		stage = "synthesis"
	}

	if stage == "synthesis" && p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	n := p.calls[stage]
	p.calls[stage]++

	var content string
	switch stage {
	case "decomposition":
		if p.decompErr != nil {
			return nil, p.decompErr
		}
		content = pick(p.decomposition, n, noPatterns)
	case "research":
		content = p.research
		if content == "" {
			content = researchReply
		}
	default:
		p.synthesisPrompt = append(p.synthesisPrompt, user)
		content = pick(p.synthesis, n, goodSynthesis)
	}
	return &llm.CompletionResponse{Content: content, InputTokens: 100, OutputTokens: 50, Model: "gpt-4o-mini"}, nil
}

func (p *routedProvider) count(stage string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[stage]
}

func pick(script []string, n int, fallback string) string {
	if len(script) == 0 {
		return fallback
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, p llm.Provider, src SessionSource, mutate ...func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		Sessions: src,
		Invoker:  llm.NewInvoker(p, llm.InvokerOptions{Model: "gpt-4o-mini", MaxAttempts: 2, Backoff: time.Millisecond}),
		Logger:   quietLogger(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

type fakeEmbedder struct{ err error }

func (e *fakeEmbedder) Embed(_ context.Context, text string, _ embeddings.TaskType) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, float32(len(text) % 7)}, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t, "")
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int { return 3 }
func (e *fakeEmbedder) Name() string    { return "fake" }

type fakeCache struct {
	mu        sync.Mutex
	matches   []evidence.Match
	lookupErr error
	inserted  []evidence.Entry
	lookups   int
}

func (c *fakeCache) Lookup(_ context.Context, _ []float32, opts evidence.LookupOptions) ([]evidence.Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	var out []evidence.Match
	for _, m := range c.matches {
		if m.Entry.Tier.AtLeast(opts.MinTier) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *fakeCache) Insert(_ context.Context, e evidence.Entry) (evidence.InsertResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inserted = append(c.inserted, e)
	return evidence.InsertResult{ID: fmt.Sprintf("e-%d", len(c.inserted))}, nil
}

type fakeSearcher struct {
	mu       sync.Mutex
	evidence []evidence.Evidence
	err      error
	searched []string
}

func (s *fakeSearcher) Search(_ context.Context, p DetectedPattern) (*Found, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searched = append(s.searched, p.ID)
	if s.err != nil {
		return nil, s.err
	}
	return &Found{Evidence: append([]evidence.Evidence(nil), s.evidence...)}, nil
}
