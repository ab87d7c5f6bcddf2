// Package diagrams renders small Mermaid graphs for reports.
package diagrams

import (
	"fmt"
	"strings"
)

// Node is a vertex in a flowchart. Shape picks the Mermaid brackets.
type Node struct {
	ID    string
	Label string
	Shape Shape
}

// Shape is a Mermaid node shape.
type Shape int

const (
	ShapeBox Shape = iota
	ShapeRound
	ShapeStadium
)

// Edge is a directed link between two node IDs.
type Edge struct {
	From  string
	To    string
	Label string
}

// Flowchart renders a Mermaid flowchart. direction is LR, TD, etc.; nodes
// are emitted in order and edges after them.
func Flowchart(direction string, nodes []Node, edges []Edge) string {
	if direction == "" {
		direction = "LR"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "graph %s\n", direction)

	for _, n := range nodes {
		label := n.Label
		if label == "" {
			label = n.ID
		}
		open, close := n.Shape.brackets()
		fmt.Fprintf(&b, "    %s%s\"%s\"%s\n", sanitizeID(n.ID), open, escapeMermaid(label), close)
	}

	for _, e := range edges {
		from, to := sanitizeID(e.From), sanitizeID(e.To)
		if e.Label != "" {
			fmt.Fprintf(&b, "    %s -->|%s| %s\n", from, escapeMermaid(e.Label), to)
		} else {
			fmt.Fprintf(&b, "    %s --> %s\n", from, to)
		}
	}

	return b.String()
}

func (s Shape) brackets() (string, string) {
	switch s {
	case ShapeRound:
		return "(", ")"
	case ShapeStadium:
		return "([", "])"
	}
	return "[", "]"
}

// sanitizeID converts a string into a safe mermaid node ID.
func sanitizeID(s string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		".", "_",
		"-", "_",
		" ", "_",
		"(", "_",
		")", "_",
		"[", "_",
		"]", "_",
		"{", "_",
		"}", "_",
		":", "_",
	)
	return replacer.Replace(s)
}

// escapeMermaid escapes characters that have special meaning in mermaid labels.
func escapeMermaid(s string) string {
	s = strings.ReplaceAll(s, "\"", "#quot;")
	s = strings.ReplaceAll(s, "(", "#lpar;")
	s = strings.ReplaceAll(s, ")", "#rpar;")
	s = strings.ReplaceAll(s, "[", "#lsqb;")
	s = strings.ReplaceAll(s, "]", "#rsqb;")
	s = strings.ReplaceAll(s, "{", "#lbrace;")
	s = strings.ReplaceAll(s, "}", "#rbrace;")
	s = strings.ReplaceAll(s, "<", "#lt;")
	s = strings.ReplaceAll(s, ">", "#gt;")
	s = strings.ReplaceAll(s, "|", "#124;")
	return s
}
