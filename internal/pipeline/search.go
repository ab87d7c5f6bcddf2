package pipeline

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/llm"
)

// GenerativeSearcher answers escalated patterns with the generative
// collaborator's own knowledge of the literature.
type GenerativeSearcher struct {
	invoker *llm.Invoker
}

func NewGenerativeSearcher(invoker *llm.Invoker) *GenerativeSearcher {
	return &GenerativeSearcher{invoker: invoker}
}

// Search asks for graded evidence on one pattern. Entries with an unknown
// tier or no citation are dropped.
func (s *GenerativeSearcher) Search(ctx context.Context, p DetectedPattern) (*Found, error) {
	inv, err := s.invoker.Invoke(ctx, researchSystem, buildResearchPrompt(p))
	if err != nil {
		return nil, err
	}
	found := &Found{}
	found.Usage.Add(inv.Model, inv.InputTokens, inv.OutputTokens)

	payload, err := llm.ExtractJSON(inv.Text)
	if err != nil {
		return nil, err
	}
	found.Evidence = parseEvidence(payload, p.ID)
	return found, nil
}

func parseEvidence(payload, patternID string) []evidence.Evidence {
	root := gjson.Parse(payload)
	list := root
	if root.IsObject() {
		list = root.Get("evidence")
	}
	var out []evidence.Evidence
	for _, item := range list.Array() {
		tier, err := evidence.ParseTier(item.Get("tier").String())
		if err != nil {
			continue
		}
		citation := strings.TrimSpace(item.Get("citation").String())
		if citation == "" {
			continue
		}
		src := evidence.SourceType(item.Get("sourceType").String())
		if src != evidence.SourceWebSearch && src != evidence.SourceEmbedded {
			src = evidence.SourceEmbedded
		}
		score := int(item.Get("relevanceScore").Int())
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		e := evidence.Evidence{
			ID:             uuid.New().String(),
			PatternID:      patternID,
			Tier:           tier,
			SourceType:     src,
			Citation:       citation,
			URL:            item.Get("url").String(),
			RelevanceScore: score,
		}
		for _, f := range item.Get("findings").Array() {
			if text := strings.TrimSpace(f.String()); text != "" {
				e.Findings = append(e.Findings, text)
			}
		}
		out = append(out, e)
	}
	return out
}
