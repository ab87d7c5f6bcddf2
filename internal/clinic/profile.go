// Package clinic holds the practice-level context that frames generated
// insights: who the patients are and how they are being treated.
package clinic

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Profile is optional context provided by the practice. It is added to the
// decomposition and synthesis prompts; it is never treated as evidence.
type Profile struct {
	Setting    string `json:"setting,omitempty"`
	Population string `json:"population,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
	Audience   string `json:"audience,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Load reads a Profile from a JSON file. Returns nil and no error if the
// file does not exist or holds an empty profile.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading clinic profile: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing clinic profile: %w", err)
	}
	if p.IsEmpty() {
		return nil, nil
	}
	return &p, nil
}

// Save writes the Profile to a JSON file, creating parent directories as
// needed.
func (p *Profile) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	return nil
}

// IsEmpty returns true if no fields are populated.
func (p *Profile) IsEmpty() bool {
	return strings.TrimSpace(p.Setting+p.Population+p.Protocol+p.Audience+p.Notes) == ""
}

// PromptSection formats the profile as a text block for a prompt. A nil or
// empty profile yields "".
func (p *Profile) PromptSection() string {
	if p == nil || p.IsEmpty() {
		return ""
	}
	var b strings.Builder
	line := func(label, v string) {
		if v = strings.TrimSpace(v); v != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, v)
		}
	}
	line("Care setting", p.Setting)
	line("Patient population", p.Population)
	line("Rehabilitation protocol", p.Protocol)
	line("Report audience", p.Audience)
	line("Additional context", p.Notes)
	return b.String()
}
