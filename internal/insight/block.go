package insight

import (
	"encoding/json"
	"fmt"
)

// BlockType tags a visualization block variant.
type BlockType string

const (
	BlockExecutiveSummary BlockType = "executive_summary"
	BlockStatCard         BlockType = "stat_card"
	BlockAlertCard        BlockType = "alert_card"
	BlockComparisonCard   BlockType = "comparison_card"
	BlockProgressCard     BlockType = "progress_card"
	BlockMetricGrid       BlockType = "metric_grid"
	BlockQuoteCard        BlockType = "quote_card"
	BlockChart            BlockType = "chart"
	BlockNextSteps        BlockType = "next_steps"
)

// Expr is a stored expression for a metric-derived display value: either a
// bare metric path or a formula. Target names the metric that temporal
// variables (current, previous, baseline, average, min, max) refer to.
type Expr struct {
	Formula string `json:"formula"`
	Target  string `json:"target,omitempty"`
}

// Empty reports whether no formula is set.
func (e Expr) Empty() bool { return e.Formula == "" }

// Field is one expression-valued field of a block, addressed by a stable
// name such as "value" or "items[2].value".
type Field struct {
	Name string
	Expr Expr
}

// Block is one variant of the visualization union.
type Block interface {
	Type() BlockType
	// Fields lists every expression the block carries. Optional expressions
	// that are unset are omitted.
	Fields() []Field
	// Limbs lists the limb tags the block carries.
	Limbs() []string
}

type ExecutiveSummary struct {
	Headline   string   `json:"headline"`
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights,omitempty"`
}

type StatCard struct {
	Label          string `json:"label"`
	Value          Expr   `json:"value"`
	Limb           string `json:"limb,omitempty"`
	Classification string `json:"classification,omitempty"`
	Caption        string `json:"caption,omitempty"`
}

type AlertCard struct {
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Limb     string `json:"limb,omitempty"`
	Value    Expr   `json:"value,omitempty"`
}

// ComparisonCard puts the two limbs side by side.
type ComparisonCard struct {
	Label     string `json:"label"`
	Left      Expr   `json:"left"`
	Right     Expr   `json:"right"`
	Asymmetry Expr   `json:"asymmetry,omitempty"`
	Deficit   string `json:"deficitLimb,omitempty"`
}

type ProgressCard struct {
	Label    string `json:"label"`
	Current  Expr   `json:"current"`
	Previous Expr   `json:"previous,omitempty"`
	Baseline Expr   `json:"baseline,omitempty"`
	Change   Expr   `json:"change,omitempty"`
	Trend    string `json:"trend,omitempty"`
}

type GridItem struct {
	Label string `json:"label"`
	Value Expr   `json:"value"`
	Limb  string `json:"limb,omitempty"`
}

type MetricGrid struct {
	Title string     `json:"title"`
	Items []GridItem `json:"items"`
}

type QuoteCard struct {
	Quote    string `json:"quote"`
	Citation string `json:"citation"`
}

type ChartPoint struct {
	Label string `json:"label"`
	Value Expr   `json:"value"`
}

type Chart struct {
	Title     string       `json:"title"`
	ChartType string       `json:"chartType"`
	Points    []ChartPoint `json:"points"`
}

type NextSteps struct {
	Title string   `json:"title"`
	Steps []string `json:"steps"`
}

func (*ExecutiveSummary) Type() BlockType { return BlockExecutiveSummary }
func (*StatCard) Type() BlockType         { return BlockStatCard }
func (*AlertCard) Type() BlockType        { return BlockAlertCard }
func (*ComparisonCard) Type() BlockType   { return BlockComparisonCard }
func (*ProgressCard) Type() BlockType     { return BlockProgressCard }
func (*MetricGrid) Type() BlockType       { return BlockMetricGrid }
func (*QuoteCard) Type() BlockType        { return BlockQuoteCard }
func (*Chart) Type() BlockType            { return BlockChart }
func (*NextSteps) Type() BlockType        { return BlockNextSteps }

func (*ExecutiveSummary) Fields() []Field { return nil }
func (*QuoteCard) Fields() []Field        { return nil }
func (*NextSteps) Fields() []Field        { return nil }

func (b *StatCard) Fields() []Field { return []Field{{"value", b.Value}} }

func (b *AlertCard) Fields() []Field {
	return optional(nil, "value", b.Value)
}

func (b *ComparisonCard) Fields() []Field {
	out := []Field{{"left", b.Left}, {"right", b.Right}}
	return optional(out, "asymmetry", b.Asymmetry)
}

func (b *ProgressCard) Fields() []Field {
	out := []Field{{"current", b.Current}}
	out = optional(out, "previous", b.Previous)
	out = optional(out, "baseline", b.Baseline)
	return optional(out, "change", b.Change)
}

func (b *MetricGrid) Fields() []Field {
	out := make([]Field, 0, len(b.Items))
	for i, it := range b.Items {
		out = append(out, Field{fmt.Sprintf("items[%d].value", i), it.Value})
	}
	return out
}

func (b *Chart) Fields() []Field {
	out := make([]Field, 0, len(b.Points))
	for i, p := range b.Points {
		out = append(out, Field{fmt.Sprintf("points[%d].value", i), p.Value})
	}
	return out
}

func optional(fields []Field, name string, e Expr) []Field {
	if e.Empty() {
		return fields
	}
	return append(fields, Field{name, e})
}

func (*ExecutiveSummary) Limbs() []string { return nil }
func (*QuoteCard) Limbs() []string        { return nil }
func (*NextSteps) Limbs() []string        { return nil }
func (*ProgressCard) Limbs() []string     { return nil }
func (*Chart) Limbs() []string            { return nil }

func (b *StatCard) Limbs() []string       { return nonEmpty(b.Limb) }
func (b *AlertCard) Limbs() []string      { return nonEmpty(b.Limb) }
func (b *ComparisonCard) Limbs() []string { return nonEmpty(b.Deficit) }

func (b *MetricGrid) Limbs() []string {
	var out []string
	for _, it := range b.Items {
		out = append(out, nonEmpty(it.Limb)...)
	}
	return out
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// Envelope carries a Block through JSON as {"type": ..., ...fields}.
type Envelope struct {
	Block Block
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Block == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(e.Block)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(e.Block.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}

// UnmarshalJSON applies the same checks as ingest from generative output.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	b, err := ParseBlock(string(data))
	if err != nil {
		return err
	}
	e.Block = b
	return nil
}
