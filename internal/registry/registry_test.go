package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryLoads(t *testing.T) {
	reg := Default()
	require.NotNil(t, reg)
	assert.Same(t, reg, Default(), "registry must be loaded once")

	def, ok := reg.Lookup("peakFlexion")
	require.True(t, ok)
	assert.Equal(t, HigherBetter, def.Direction)
	assert.Equal(t, ScopePerLeg, def.Scope)
	assert.Equal(t, 125.0, def.GoodThreshold)
	assert.Equal(t, 95.0, def.PoorThreshold)
	assert.True(t, def.Active)
	assert.True(t, def.Meaningful)

	raw, ok := reg.Lookup("rawAccelPeak")
	require.True(t, ok)
	assert.False(t, raw.Meaningful)
	for _, d := range reg.Active() {
		assert.NotEqual(t, "rawAccelPeak", d.Name)
	}

	for _, d := range reg.All() {
		assert.NotEqual(t, d.GoodThreshold, d.PoorThreshold, d.Name)
		assert.NotEmpty(t, d.Citation, d.Name)
	}
	assert.Len(t, reg.Domains(), 5)
}

func TestParseRejectsInvalidDefinitions(t *testing.T) {
	tests := map[string]string{
		"equal thresholds": `
metrics:
  - {name: a, domain: range, direction: higherBetter, scope: perLeg, good_threshold: 1, poor_threshold: 1}`,
		"bad direction": `
metrics:
  - {name: a, domain: range, direction: sideways, scope: perLeg, good_threshold: 2, poor_threshold: 1}`,
		"inverted": `
metrics:
  - {name: a, domain: range, direction: higherBetter, scope: perLeg, good_threshold: 1, poor_threshold: 2}`,
		"duplicate": `
metrics:
  - {name: a, domain: range, direction: higherBetter, scope: perLeg, good_threshold: 2, poor_threshold: 1}
  - {name: a, domain: power, direction: higherBetter, scope: perLeg, good_threshold: 2, poor_threshold: 1}`,
		"unknown domain": `
metrics:
  - {name: a, domain: vibes, direction: higherBetter, scope: perLeg, good_threshold: 2, poor_threshold: 1}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestByDomain(t *testing.T) {
	reg := Default()
	for _, d := range reg.ByDomain(DomainSymmetry) {
		assert.Equal(t, DomainSymmetry, d.Domain)
	}
	assert.NotEmpty(t, reg.ByDomain(DomainTiming))
}

func TestBetter(t *testing.T) {
	hb := MetricDefinition{Direction: HigherBetter}
	lb := MetricDefinition{Direction: LowerBetter}
	assert.True(t, hb.Better(2, 1))
	assert.False(t, hb.Better(1, 2))
	assert.True(t, lb.Better(1, 2))
}
