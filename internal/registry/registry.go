package registry

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Domain groups metrics by the movement quality they describe.
type Domain string

const (
	DomainRange    Domain = "range"
	DomainSymmetry Domain = "symmetry"
	DomainPower    Domain = "power"
	DomainControl  Domain = "control"
	DomainTiming   Domain = "timing"
)

// Direction says which way along the value axis is clinically better.
type Direction string

const (
	HigherBetter Direction = "higherBetter"
	LowerBetter  Direction = "lowerBetter"
)

// Scope says whether a metric is reported per leg or once per session.
type Scope string

const (
	ScopePerLeg    Scope = "perLeg"
	ScopeBilateral Scope = "bilateral"
)

var validDomains = map[Domain]bool{
	DomainRange:    true,
	DomainSymmetry: true,
	DomainPower:    true,
	DomainControl:  true,
	DomainTiming:   true,
}

// MetricDefinition is one immutable registry entry.
type MetricDefinition struct {
	Name          string    `json:"name"`
	DisplayName   string    `json:"displayName"`
	Domain        Domain    `json:"domain"`
	Direction     Direction `json:"direction"`
	Scope         Scope     `json:"scope"`
	Unit          string    `json:"unit"`
	GoodThreshold float64   `json:"goodThreshold"`
	PoorThreshold float64   `json:"poorThreshold"`
	// MCID is the minimal clinically important difference for this metric.
	MCID        float64 `json:"mcid"`
	Reliability float64 `json:"reliability"`
	Citation    string  `json:"citation"`
	Active      bool    `json:"active"`
	Meaningful  bool    `json:"meaningful"`
}

// Better reports whether a is clinically better than b.
func (d MetricDefinition) Better(a, b float64) bool {
	if d.Direction == LowerBetter {
		return a < b
	}
	return a > b
}

// Registry is the process-wide, read-only table of metric definitions.
type Registry struct {
	defs  map[string]MetricDefinition
	order []string
}

//go:embed metrics.yaml
var embeddedMetrics []byte

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the registry parsed from the embedded metric table. It is
// loaded once; a malformed embedded table is a programming error and panics.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = Parse(embeddedMetrics)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("registry: embedded metrics.yaml: %v", defaultErr))
	}
	return defaultReg
}

type yamlFile struct {
	Metrics []yamlMetric `yaml:"metrics"`
}

type yamlMetric struct {
	Name          string  `yaml:"name"`
	DisplayName   string  `yaml:"display_name"`
	Domain        string  `yaml:"domain"`
	Direction     string  `yaml:"direction"`
	Scope         string  `yaml:"scope"`
	Unit          string  `yaml:"unit"`
	GoodThreshold float64 `yaml:"good_threshold"`
	PoorThreshold float64 `yaml:"poor_threshold"`
	MCID          float64 `yaml:"mcid"`
	Reliability   float64 `yaml:"reliability"`
	Citation      string  `yaml:"citation"`
	Active        *bool   `yaml:"active"`
	Meaningful    *bool   `yaml:"meaningful"`
}

// Parse builds a registry from YAML. Entries keep their file order.
func Parse(data []byte) (*Registry, error) {
	var f yamlFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing metric registry: %w", err)
	}
	defs := make([]MetricDefinition, 0, len(f.Metrics))
	for _, m := range f.Metrics {
		def := MetricDefinition{
			Name:          m.Name,
			DisplayName:   m.DisplayName,
			Domain:        Domain(m.Domain),
			Direction:     Direction(m.Direction),
			Scope:         Scope(m.Scope),
			Unit:          m.Unit,
			GoodThreshold: m.GoodThreshold,
			PoorThreshold: m.PoorThreshold,
			MCID:          m.MCID,
			Reliability:   m.Reliability,
			Citation:      m.Citation,
			Active:        m.Active == nil || *m.Active,
			Meaningful:    m.Meaningful == nil || *m.Meaningful,
		}
		if def.DisplayName == "" {
			def.DisplayName = def.Name
		}
		defs = append(defs, def)
	}
	return New(defs)
}

// New builds a registry from definitions, validating each one.
func New(defs []MetricDefinition) (*Registry, error) {
	r := &Registry{defs: make(map[string]MetricDefinition, len(defs))}
	for _, d := range defs {
		if err := validate(d); err != nil {
			return nil, err
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate metric %q", d.Name)
		}
		r.defs[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

func validate(d MetricDefinition) error {
	if d.Name == "" {
		return fmt.Errorf("metric name is required")
	}
	if !validDomains[d.Domain] {
		return fmt.Errorf("metric %q: invalid domain %q", d.Name, d.Domain)
	}
	if d.Direction != HigherBetter && d.Direction != LowerBetter {
		return fmt.Errorf("metric %q: invalid direction %q", d.Name, d.Direction)
	}
	if d.Scope != ScopePerLeg && d.Scope != ScopeBilateral {
		return fmt.Errorf("metric %q: invalid scope %q", d.Name, d.Scope)
	}
	if d.GoodThreshold == d.PoorThreshold {
		return fmt.Errorf("metric %q: good and poor thresholds must differ", d.Name)
	}
	if d.Direction == HigherBetter && d.GoodThreshold < d.PoorThreshold {
		return fmt.Errorf("metric %q: higherBetter requires good > poor", d.Name)
	}
	if d.Direction == LowerBetter && d.GoodThreshold > d.PoorThreshold {
		return fmt.Errorf("metric %q: lowerBetter requires good < poor", d.Name)
	}
	if d.MCID < 0 {
		return fmt.Errorf("metric %q: mcid must be non-negative", d.Name)
	}
	return nil
}

// Lookup returns the definition for a metric name.
func (r *Registry) Lookup(name string) (MetricDefinition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// All returns every definition in registry order.
func (r *Registry) All() []MetricDefinition {
	out := make([]MetricDefinition, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.defs[n])
	}
	return out
}

// Active returns active, clinically meaningful definitions in registry order.
func (r *Registry) Active() []MetricDefinition {
	var out []MetricDefinition
	for _, n := range r.order {
		if d := r.defs[n]; d.Active && d.Meaningful {
			out = append(out, d)
		}
	}
	return out
}

// ByDomain returns the definitions belonging to one domain.
func (r *Registry) ByDomain(domain Domain) []MetricDefinition {
	var out []MetricDefinition
	for _, n := range r.order {
		if d := r.defs[n]; d.Domain == domain {
			out = append(out, d)
		}
	}
	return out
}

// Domains returns the domains present in the registry, sorted.
func (r *Registry) Domains() []Domain {
	seen := make(map[Domain]bool)
	var out []Domain
	for _, d := range r.defs {
		if !seen[d.Domain] {
			seen[d.Domain] = true
			out = append(out, d.Domain)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of definitions.
func (r *Registry) Len() int { return len(r.order) }
