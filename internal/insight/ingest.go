package insight

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

// ErrMalformed marks generative output whose shape cannot be ingested.
var ErrMalformed = errors.New("malformed synthesis output")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// ParseAnalysis ingests a synthesis payload field by field. Benchmarks are
// resolved by path against the registry's precomputed values; the numbers
// the payload quotes for them are ignored. Lists beyond their caps are cut
// and noted in Truncated.
func ParseAnalysis(payload string, precomputed []registry.Benchmark) (*Analysis, error) {
	if !gjson.Valid(payload) {
		return nil, malformed("payload is not valid JSON")
	}
	root := gjson.Parse(payload)
	if !root.IsObject() {
		return nil, malformed("payload is not an object")
	}

	a := &Analysis{Blocks: make(map[Mode][]Envelope)}
	var err error

	if a.Insights, err = parseInsights(root.Get("insights"), "insights"); err != nil {
		return nil, err
	}
	if a.Correlative, err = parseInsights(first(root, "correlativeInsights", "correlative_insights"), "correlativeInsights"); err != nil {
		return nil, err
	}
	a.Insights = capList(a, a.Insights, MaxInsights, "insights")
	a.Correlative = capList(a, a.Correlative, MaxCorrelativeInsights, "correlativeInsights")

	if err := parseBenchmarks(a, root.Get("benchmarks"), precomputed); err != nil {
		return nil, err
	}

	blocks := first(root, "blocks", "visualizations")
	if blocks.Exists() && !blocks.IsObject() {
		return nil, malformed("blocks must be an object keyed by mode")
	}
	for _, mode := range Modes {
		list := blocks.Get(string(mode))
		if !list.Exists() {
			continue
		}
		if !list.IsArray() {
			return nil, malformed("blocks.%s must be an array", mode)
		}
		var env []Envelope
		for i, item := range list.Array() {
			b, err := ParseBlock(item.Raw)
			if err != nil {
				return nil, fmt.Errorf("blocks.%s[%d]: %w", mode, i, err)
			}
			env = append(env, Envelope{Block: b})
		}
		a.Blocks[mode] = capList(a, env, MaxBlocksPerMode, "blocks."+string(mode))
	}
	return a, nil
}

func capList[T any](a *Analysis, list []T, limit int, name string) []T {
	if len(list) <= limit {
		return list
	}
	a.Truncated = append(a.Truncated, fmt.Sprintf("%s: %d cut to %d", name, len(list), limit))
	return list[:limit]
}

func parseInsights(r gjson.Result, name string) ([]Insight, error) {
	if !r.Exists() || r.Type == gjson.Null {
		return nil, nil
	}
	if !r.IsArray() {
		return nil, malformed("%s must be an array", name)
	}
	var out []Insight
	for i, item := range r.Array() {
		in, err := parseInsight(item)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		out = append(out, in)
	}
	return out, nil
}

func parseInsight(r gjson.Result) (Insight, error) {
	if !r.IsObject() {
		return Insight{}, malformed("insight must be an object")
	}
	in := Insight{
		ID:             str(r, "id"),
		Domain:         registry.Domain(strings.ToLower(str(r, "domain"))),
		Title:          str(r, "title"),
		Summary:        str(r, "summary", "description"),
		Classification: registry.Classification(strings.ToLower(str(r, "classification"))),
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}

	var err error
	if in.Limbs, err = strings1(first(r, "limbs", "limb"), "limbs"); err != nil {
		return Insight{}, err
	}
	if in.Metrics, err = strings1(first(r, "metrics", "metric"), "metrics"); err != nil {
		return Insight{}, err
	}
	if in.PatternIDs, err = strings1(first(r, "patternIds", "pattern_ids", "relatedPatterns"), "patternIds"); err != nil {
		return Insight{}, err
	}

	cites := first(r, "citations", "evidence")
	if cites.Exists() && !cites.IsArray() {
		return Insight{}, malformed("citations must be an array")
	}
	for _, c := range cites.Array() {
		text := c.String()
		if c.IsObject() {
			text = str(c, "citation", "source")
		}
		if text = strings.TrimSpace(text); text != "" {
			in.Citations = append(in.Citations, text)
		}
	}

	cited := first(r, "citedValues", "values")
	if cited.Exists() && !cited.IsArray() {
		return Insight{}, malformed("citedValues must be an array")
	}
	for _, c := range cited.Array() {
		v := c.Get("value")
		if v.Type != gjson.Number {
			return Insight{}, malformed("citedValues value for %q is not a number", c.Get("path").String())
		}
		in.CitedValues = append(in.CitedValues, CitedValue{Path: c.Get("path").String(), Value: v.Float()})
	}

	// Domain defaults to the first registered metric's domain.
	if in.Domain == "" {
		for _, m := range in.Metrics {
			p, err := metrics.ParsePath(m)
			if err != nil {
				continue
			}
			if def, ok := registry.Default().Lookup(p.Metric); ok {
				in.Domain = def.Domain
				break
			}
		}
	}
	return in, nil
}

func parseBenchmarks(a *Analysis, r gjson.Result, precomputed []registry.Benchmark) error {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	if !r.IsArray() {
		return malformed("benchmarks must be an array")
	}
	byPath := make(map[string]registry.Benchmark, len(precomputed))
	for _, b := range precomputed {
		byPath[b.Path] = b
	}
	seen := make(map[string]bool)
	var out []registry.Benchmark
	for _, item := range r.Array() {
		path := item.String()
		if item.IsObject() {
			path = str(item, "path", "metric")
		}
		path = strings.TrimSpace(path)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		b, ok := byPath[path]
		if !ok {
			a.Unresolved = append(a.Unresolved, path)
			continue
		}
		out = append(out, b)
	}
	a.Benchmarks = capList(a, out, MaxBenchmarks, "benchmarks")
	return nil
}

// ParseBlock ingests one visualization block. An unknown type, a missing
// required expression, or a literal number where an expression belongs is
// rejected.
func ParseBlock(raw string) (Block, error) {
	if !gjson.Valid(raw) {
		return nil, malformed("block is not valid JSON")
	}
	r := gjson.Parse(raw)
	if !r.IsObject() {
		return nil, malformed("block must be an object")
	}
	typ := BlockType(str(r, "type"))
	var err error
	switch typ {
	case BlockExecutiveSummary:
		b := &ExecutiveSummary{Headline: str(r, "headline", "title"), Summary: str(r, "summary")}
		b.Highlights, err = strings1(r.Get("highlights"), "highlights")
		return b, err

	case BlockStatCard:
		b := &StatCard{Label: str(r, "label", "title"), Limb: str(r, "limb"), Classification: str(r, "classification"), Caption: str(r, "caption")}
		b.Value, err = parseExpr(r, "value", true)
		return b, err

	case BlockAlertCard:
		b := &AlertCard{Severity: str(r, "severity"), Title: str(r, "title"), Message: str(r, "message"), Limb: str(r, "limb")}
		if b.Severity == "" {
			b.Severity = "moderate"
		}
		b.Value, err = parseExpr(r, "value", false)
		return b, err

	case BlockComparisonCard:
		b := &ComparisonCard{Label: str(r, "label", "title"), Deficit: str(r, "deficitLimb", "deficit")}
		if b.Left, err = parseExpr(r, "left", true); err != nil {
			return nil, err
		}
		if b.Right, err = parseExpr(r, "right", true); err != nil {
			return nil, err
		}
		b.Asymmetry, err = parseExpr(r, "asymmetry", false)
		return b, err

	case BlockProgressCard:
		b := &ProgressCard{Label: str(r, "label", "title"), Trend: str(r, "trend")}
		if b.Current, err = parseExpr(r, "current", true); err != nil {
			return nil, err
		}
		if b.Previous, err = parseExpr(r, "previous", false); err != nil {
			return nil, err
		}
		if b.Baseline, err = parseExpr(r, "baseline", false); err != nil {
			return nil, err
		}
		b.Change, err = parseExpr(r, "change", false)
		return b, err

	case BlockMetricGrid:
		b := &MetricGrid{Title: str(r, "title")}
		for i, it := range r.Get("items").Array() {
			v, err := parseExpr(it, "value", true)
			if err != nil {
				return nil, fmt.Errorf("items[%d]: %w", i, err)
			}
			b.Items = append(b.Items, GridItem{Label: str(it, "label"), Value: v, Limb: str(it, "limb")})
		}
		if len(b.Items) == 0 {
			return nil, malformed("metric_grid has no items")
		}
		return b, nil

	case BlockQuoteCard:
		return &QuoteCard{Quote: str(r, "quote", "text"), Citation: str(r, "citation", "source")}, nil

	case BlockChart:
		b := &Chart{Title: str(r, "title"), ChartType: str(r, "chartType", "chart_type")}
		if b.ChartType == "" {
			b.ChartType = "bar"
		}
		for i, p := range first(r, "points", "data").Array() {
			v, err := parseExpr(p, "value", true)
			if err != nil {
				return nil, fmt.Errorf("points[%d]: %w", i, err)
			}
			b.Points = append(b.Points, ChartPoint{Label: str(p, "label"), Value: v})
		}
		if len(b.Points) == 0 {
			return nil, malformed("chart has no points")
		}
		return b, nil

	case BlockNextSteps:
		b := &NextSteps{Title: str(r, "title")}
		if b.Title == "" {
			b.Title = "Next steps"
		}
		b.Steps, err = strings1(first(r, "steps", "items"), "steps")
		return b, err

	case "":
		return nil, malformed("block has no type")
	}
	return nil, malformed("unknown block type %q", typ)
}

// parseExpr reads an expression field given either as a string or as
// {"formula": ..., "target": ...}.
func parseExpr(r gjson.Result, key string, required bool) (Expr, error) {
	v := r.Get(key)
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		if required {
			return Expr{}, malformed("%s: expression is required", key)
		}
		return Expr{}, nil
	case v.Type == gjson.Number:
		return Expr{}, malformed("%s: literal number %s where an expression is required", key, v.Raw)
	case v.Type == gjson.String:
		e := Expr{Formula: strings.TrimSpace(v.String()), Target: str(r, key+"Target")}
		if e.Empty() && required {
			return Expr{}, malformed("%s: expression is empty", key)
		}
		return e, nil
	case v.IsObject():
		e := Expr{Formula: strings.TrimSpace(str(v, "formula", "expression")), Target: str(v, "target")}
		if e.Empty() && required {
			return Expr{}, malformed("%s: expression is empty", key)
		}
		return e, nil
	}
	return Expr{}, malformed("%s: unsupported expression value %s", key, v.Raw)
}

// first returns the first present key.
func first(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func str(r gjson.Result, keys ...string) string {
	return strings.TrimSpace(first(r, keys...).String())
}

// strings1 reads a string or an array of strings.
func strings1(r gjson.Result, name string) ([]string, error) {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return nil, nil
	case r.Type == gjson.String:
		if s := strings.TrimSpace(r.String()); s != "" {
			return []string{s}, nil
		}
		return nil, nil
	case r.IsArray():
		var out []string
		for _, item := range r.Array() {
			if item.Type != gjson.String {
				return nil, malformed("%s must hold strings", name)
			}
			if s := strings.TrimSpace(item.String()); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
	return nil, malformed("%s must be a string or an array of strings", name)
}
