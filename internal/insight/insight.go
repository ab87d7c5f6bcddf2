// Package insight holds the synthesis stage's output: insights and the
// declarative visualization blocks that are rendered against live metrics.
package insight

import (
	"github.com/ziadkadry99/kinesight/internal/registry"
)

// Mode is a rendering audience.
type Mode string

const (
	ModeClinician Mode = "clinician"
	ModePatient   Mode = "patient"
)

// Modes lists every rendering mode in output order.
var Modes = []Mode{ModeClinician, ModePatient}

// Output caps applied on ingest.
const (
	MaxInsights            = 6
	MaxCorrelativeInsights = 3
	MaxBenchmarks          = 8
	MaxBlocksPerMode       = 5
)

// CitedValue is a number an insight quotes for a metric path.
type CitedValue struct {
	Path  string  `json:"path"`
	Value float64 `json:"value"`
}

// Insight is one synthesized finding. Limbs hold the raw tags from the
// generative output so that validation can reject anything other than the
// literal "Left Leg" and "Right Leg".
type Insight struct {
	ID             string                  `json:"id"`
	Domain         registry.Domain         `json:"domain"`
	Title          string                  `json:"title"`
	Summary        string                  `json:"summary"`
	Classification registry.Classification `json:"classification"`
	Limbs          []string                `json:"limbs,omitempty"`
	Metrics        []string                `json:"metrics,omitempty"`
	CitedValues    []CitedValue            `json:"citedValues,omitempty"`
	Citations      []string                `json:"citations"`
	PatternIDs     []string                `json:"patternIds"`
}

// Analysis is the synthesis stage output.
type Analysis struct {
	Insights    []Insight            `json:"insights"`
	Correlative []Insight            `json:"correlativeInsights,omitempty"`
	Benchmarks  []registry.Benchmark `json:"benchmarks"`
	Blocks      map[Mode][]Envelope  `json:"blocks"`
	// Truncated records which lists were cut to their caps on ingest.
	Truncated []string `json:"truncated,omitempty"`
	// Unresolved lists benchmark paths the output cited that have no
	// registry benchmark for this session.
	Unresolved []string `json:"unresolved,omitempty"`
}

// AllInsights returns primary then correlative insights.
func (a *Analysis) AllInsights() []Insight {
	out := make([]Insight, 0, len(a.Insights)+len(a.Correlative))
	out = append(out, a.Insights...)
	return append(out, a.Correlative...)
}

// BlocksFor returns the blocks of one mode.
func (a *Analysis) BlocksFor(m Mode) []Block {
	env := a.Blocks[m]
	out := make([]Block, 0, len(env))
	for _, e := range env {
		out = append(out, e.Block)
	}
	return out
}
