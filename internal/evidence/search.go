package evidence

import (
	"context"
	"fmt"
	"strings"

	"github.com/ziadkadry99/kinesight/internal/embeddings"
)

// SearchText embeds a free-text query and searches the cache without
// recording hits. It backs the CLI, HTTP and MCP search surfaces.
func (c *Cache) SearchText(ctx context.Context, embedder embeddings.Embedder, text string, opts LookupOptions) ([]Match, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("search text is empty")
	}
	vec, err := embedder.Embed(ctx, text, embeddings.TaskRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("embedding search text: %w", err)
	}
	return c.Search(ctx, vec, opts)
}

// FormatMatches renders matches as human-readable text.
func FormatMatches(matches []Match) string {
	if len(matches) == 0 {
		return "No cached evidence matched."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d cached finding set(s):\n\n", len(matches))
	for i, m := range matches {
		fmt.Fprintf(&sb, "%d. [%s] %s (similarity %.3f, hits %d)\n", i+1, m.Entry.Tier, m.Entry.Citation, m.Similarity, m.Entry.HitCount)
		if m.Entry.URL != "" {
			fmt.Fprintf(&sb, "   %s\n", m.Entry.URL)
		}
		for _, f := range m.Entry.Findings {
			fmt.Fprintf(&sb, "   - %s\n", f)
		}
	}
	return sb.String()
}
