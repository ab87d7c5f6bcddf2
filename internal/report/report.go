// Package report renders a finished pipeline run as Markdown, with every
// visualization block evaluated against the session's live metrics, and
// converts it to a standalone HTML page.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ziadkadry99/kinesight/internal/diagrams"
	"github.com/ziadkadry99/kinesight/internal/expr"
	"github.com/ziadkadry99/kinesight/internal/insight"
	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/pipeline"
	"github.com/ziadkadry99/kinesight/internal/trends"
)

// Input is everything a report reads. History holds the patient's earlier
// sessions and feeds the temporal variables of progress blocks.
type Input struct {
	State   *pipeline.State
	Current *metrics.SessionMetrics
	History []metrics.SessionMetrics
	// Sources appends the stored block JSON to the report.
	Sources bool
}

// Markdown renders the report.
func Markdown(in Input) (string, error) {
	if in.State == nil {
		return "", fmt.Errorf("pipeline state is required")
	}
	st := in.State
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Session %s\n\n", st.SessionID)
	if st.PatientID != "" {
		fmt.Fprintf(&sb, "- **Patient:** %s\n", st.PatientID)
	}
	if in.Current != nil && !in.Current.RecordedAt.IsZero() {
		fmt.Fprintf(&sb, "- **Recorded:** %s\n", in.Current.RecordedAt.Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&sb, "- **Status:** %s\n", st.Status)
	if st.Revision > 0 {
		fmt.Fprintf(&sb, "- **Revisions:** %d\n", st.Revision)
	}
	if st.Usage.Calls > 0 {
		fmt.Fprintf(&sb, "- **Generative calls:** %d (est. $%.4f)\n", st.Usage.Calls, st.Usage.CostUSD)
	}
	sb.WriteString("\n")

	if st.Error != nil {
		fmt.Fprintf(&sb, "> **Pipeline failed in %s** (%s): %s\n\n", st.Error.Stage, st.Error.Kind, st.Error.Message)
		for _, is := range st.Error.Issues {
			fmt.Fprintf(&sb, "> - %s\n", is)
		}
		if len(st.Error.Issues) > 0 {
			sb.WriteString("\n")
		}
	}

	if st.Analysis == nil {
		if !st.Terminal() {
			sb.WriteString("_The pipeline is still running._\n")
		}
		return sb.String(), nil
	}
	a := st.Analysis

	writeBenchmarks(&sb, a)
	writeInsights(&sb, "Insights", a.Insights)
	writeInsights(&sb, "Correlative insights", a.Correlative)

	ctx := expr.NewContext(in.Current, in.History)
	for _, mode := range insight.Modes {
		blocks := a.BlocksFor(mode)
		if len(blocks) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "## %s view\n\n", modeTitle(mode))
		for _, r := range insight.RenderAll(blocks, ctx) {
			writeBlock(&sb, r)
		}
	}

	if st.Progress != nil {
		writeProgress(&sb, st.Progress)
	} else if st.ProgressError != "" {
		fmt.Fprintf(&sb, "## Progress\n\n_Progress could not be computed: %s_\n\n", st.ProgressError)
	}

	if st.Validation != nil && len(st.Validation.Warnings) > 0 {
		sb.WriteString("## Validation notes\n\n")
		for _, w := range st.Validation.Warnings {
			fmt.Fprintf(&sb, "- %s\n", w)
		}
		sb.WriteString("\n")
	}

	if in.Sources {
		writeEvidenceTrail(&sb, st)
		if err := writeSources(&sb, a); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

func modeTitle(m insight.Mode) string {
	s := string(m)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func writeBenchmarks(sb *strings.Builder, a *insight.Analysis) {
	if len(a.Benchmarks) == 0 {
		return
	}
	sb.WriteString("## Benchmarks\n\n")
	sb.WriteString("| Metric | Limb | Value | Percentile | Category | Classification |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	for _, b := range a.Benchmarks {
		limb := string(b.Limb)
		if limb == "" {
			limb = "bilateral"
		}
		fmt.Fprintf(sb, "| %s | %s | %s | %.0f | %s | %s |\n",
			b.DisplayName, limb, expr.FormatWithUnit(b.Value, b.Unit), b.Percentile, b.Category, b.Classification)
	}
	sb.WriteString("\n")
}

func writeInsights(sb *strings.Builder, title string, list []insight.Insight) {
	if len(list) == 0 {
		return
	}
	fmt.Fprintf(sb, "## %s\n\n", title)
	for _, in := range list {
		fmt.Fprintf(sb, "### %s\n\n", in.Title)
		tags := []string{string(in.Classification)}
		if in.Domain != "" {
			tags = append(tags, string(in.Domain))
		}
		tags = append(tags, in.Limbs...)
		fmt.Fprintf(sb, "_%s_\n\n", strings.Join(tags, " · "))
		if in.Summary != "" {
			sb.WriteString(in.Summary + "\n\n")
		}
		if len(in.Citations) > 0 {
			sb.WriteString("Evidence:\n\n")
			for _, c := range in.Citations {
				fmt.Fprintf(sb, "- %s\n", c)
			}
			sb.WriteString("\n")
		}
	}
}

func writeBlock(sb *strings.Builder, r insight.Rendered) {
	switch b := r.Block.(type) {
	case *insight.ExecutiveSummary:
		fmt.Fprintf(sb, "### %s\n\n%s\n\n", b.Headline, b.Summary)
		for _, h := range b.Highlights {
			fmt.Fprintf(sb, "- %s\n", h)
		}
		if len(b.Highlights) > 0 {
			sb.WriteString("\n")
		}
	case *insight.StatCard:
		fmt.Fprintf(sb, "**%s**: %s", b.Label, r.Value("value"))
		if b.Limb != "" {
			fmt.Fprintf(sb, " (%s)", b.Limb)
		}
		if b.Caption != "" {
			fmt.Fprintf(sb, "  \n%s", b.Caption)
		}
		sb.WriteString("\n\n")
	case *insight.AlertCard:
		fmt.Fprintf(sb, "> **%s: %s**  \n> %s", strings.ToUpper(b.Severity), b.Title, b.Message)
		if !b.Value.Empty() {
			fmt.Fprintf(sb, " (%s)", r.Value("value"))
		}
		sb.WriteString("\n\n")
	case *insight.ComparisonCard:
		fmt.Fprintf(sb, "**%s**\n\n| Left Leg | Right Leg |", b.Label)
		if !b.Asymmetry.Empty() {
			sb.WriteString(" Asymmetry |")
		}
		sb.WriteString("\n|---|---|")
		if !b.Asymmetry.Empty() {
			sb.WriteString("---|")
		}
		fmt.Fprintf(sb, "\n| %s | %s |", r.Value("left"), r.Value("right"))
		if !b.Asymmetry.Empty() {
			fmt.Fprintf(sb, " %s |", r.Value("asymmetry"))
		}
		sb.WriteString("\n\n")
		if b.Deficit != "" {
			fmt.Fprintf(sb, "Deficit side: %s\n\n", b.Deficit)
		}
	case *insight.ProgressCard:
		fmt.Fprintf(sb, "**%s**: %s", b.Label, r.Value("current"))
		var parts []string
		for _, f := range []string{"previous", "baseline", "change"} {
			if _, ok := r.Values[f]; ok {
				parts = append(parts, f+" "+r.Value(f))
			}
		}
		if len(parts) > 0 {
			fmt.Fprintf(sb, " (%s)", strings.Join(parts, ", "))
		}
		if b.Trend != "" {
			fmt.Fprintf(sb, ", %s", b.Trend)
		}
		sb.WriteString("\n\n")
	case *insight.MetricGrid:
		fmt.Fprintf(sb, "**%s**\n\n| Metric | Value |\n|---|---|\n", b.Title)
		for i, it := range b.Items {
			label := it.Label
			if it.Limb != "" {
				label += " (" + it.Limb + ")"
			}
			fmt.Fprintf(sb, "| %s | %s |\n", label, r.Value(fmt.Sprintf("items[%d].value", i)))
		}
		sb.WriteString("\n")
	case *insight.QuoteCard:
		fmt.Fprintf(sb, "> %s\n>\n> %s\n\n", b.Quote, b.Citation)
	case *insight.Chart:
		fmt.Fprintf(sb, "**%s** (%s)\n\n", b.Title, b.ChartType)
		for i, p := range b.Points {
			fmt.Fprintf(sb, "- %s: %s\n", p.Label, r.Value(fmt.Sprintf("points[%d].value", i)))
		}
		sb.WriteString("\n")
	case *insight.NextSteps:
		title := b.Title
		if title == "" {
			title = "Next steps"
		}
		fmt.Fprintf(sb, "**%s**\n\n", title)
		for i, s := range b.Steps {
			fmt.Fprintf(sb, "%d. %s\n", i+1, s)
		}
		sb.WriteString("\n")
	}
}

func writeProgress(sb *strings.Builder, p *trends.Progress) {
	sb.WriteString("## Progress\n\n")
	if len(p.Trends) == 0 {
		sb.WriteString("_First recorded session; no trend yet._\n\n")
		return
	}
	fmt.Fprintf(sb, "Across %d sessions.\n\n", p.Sessions)
	sb.WriteString("| Metric | Limb | Previous | Current | Change | Direction |\n|---|---|---|---|---|---|\n")
	for _, t := range p.Trends {
		fmt.Fprintf(sb, "| %s | %s | %s | %s | %+.1f | %s |\n",
			t.Metric, t.Limb, expr.FormatNumber(t.Previous), expr.FormatNumber(t.Current), t.Change, t.Direction)
	}
	sb.WriteString("\n")

	if len(p.Milestones) > 0 {
		sb.WriteString("### Milestones\n\n")
		for _, m := range p.Milestones {
			fmt.Fprintf(sb, "- %s\n", m.Description)
		}
		sb.WriteString("\n")
	}
	if len(p.Regressions) > 0 {
		sb.WriteString("### Regressions\n\n")
		for _, r := range p.Regressions {
			fmt.Fprintf(sb, "- %s fell %.1f (threshold %.1f)\n", r.Path, r.Decline, r.Threshold)
		}
		sb.WriteString("\n")
	}
	if len(p.Projections) > 0 {
		sb.WriteString("### Projections\n\n")
		for _, pr := range p.Projections {
			fmt.Fprintf(sb, "- %s: %s in %d sessions (%s confidence)", pr.Path, expr.FormatNumber(pr.Projected), pr.Horizon, pr.Confidence)
			if pr.SessionsToGoal != nil {
				fmt.Fprintf(sb, ", target in about %d", *pr.SessionsToGoal)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
}

func writeSources(sb *strings.Builder, a *insight.Analysis) error {
	modes := make([]string, 0, len(a.Blocks))
	for m := range a.Blocks {
		modes = append(modes, string(m))
	}
	sort.Strings(modes)
	if len(modes) == 0 {
		return nil
	}
	sb.WriteString("## Stored blocks\n\n")
	for _, m := range modes {
		data, err := json.MarshalIndent(a.Blocks[insight.Mode(m)], "", "  ")
		if err != nil {
			return fmt.Errorf("encoding %s blocks: %w", m, err)
		}
		fmt.Fprintf(sb, "### %s\n\n```json\n%s\n```\n\n", m, data)
	}
	return nil
}

// writeEvidenceTrail draws which patterns and citations back each insight.
func writeEvidenceTrail(sb *strings.Builder, st *pipeline.State) {
	all := st.Analysis.AllInsights()
	if len(all) == 0 {
		return
	}
	patterns := map[string]string{}
	if st.Decomposition != nil {
		for _, p := range st.Decomposition.Patterns {
			patterns[p.ID] = fmt.Sprintf("%s: %s", p.ID, p.Type)
		}
	}

	var (
		nodes     []diagrams.Node
		edges     []diagrams.Edge
		seen      = map[string]bool{}
		citations = map[string]string{}
	)
	add := func(n diagrams.Node) {
		if !seen[n.ID] {
			seen[n.ID] = true
			nodes = append(nodes, n)
		}
	}
	for _, in := range all {
		id := "insight-" + in.ID
		add(diagrams.Node{ID: id, Label: in.Title})
		for _, pid := range in.PatternIDs {
			add(diagrams.Node{ID: "pattern-" + pid, Label: labelOr(patterns[pid], pid), Shape: diagrams.ShapeRound})
			edges = append(edges, diagrams.Edge{From: id, To: "pattern-" + pid, Label: "explains"})
		}
		for _, c := range in.Citations {
			cid, ok := citations[c]
			if !ok {
				cid = fmt.Sprintf("cite-%d", len(citations)+1)
				citations[c] = cid
			}
			add(diagrams.Node{ID: cid, Label: c, Shape: diagrams.ShapeStadium})
			edges = append(edges, diagrams.Edge{From: id, To: cid, Label: "cites"})
		}
	}

	sb.WriteString("## Evidence trail\n\n```mermaid\n")
	sb.WriteString(diagrams.Flowchart("LR", nodes, edges))
	sb.WriteString("```\n\n")
}

func labelOr(label, fallback string) string {
	if label == "" {
		return fallback
	}
	return label
}
