package vectordb

import (
	"fmt"
	"strings"
)

// FormatResults renders search results as human-readable text.
func FormatResults(results []SearchResult) string {
	if len(results) == 0 {
		return "No results found."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d result(s):\n\n", len(results)))

	for i, r := range results {
		sb.WriteString(fmt.Sprintf("--- Result %d (similarity: %.4f) ---\n", i+1, r.Similarity))

		md := r.Document.Metadata
		if md.Tier != "" {
			sb.WriteString(fmt.Sprintf("Tier: %s\n", md.Tier))
		}
		if md.PatternType != "" {
			sb.WriteString(fmt.Sprintf("Pattern: %s\n", md.PatternType))
		}
		if md.Citation != "" {
			sb.WriteString(fmt.Sprintf("Citation: %s\n", md.Citation))
		}

		sb.WriteString("\n")
		sb.WriteString(r.Document.Content)
		sb.WriteString("\n\n")
	}

	return sb.String()
}
