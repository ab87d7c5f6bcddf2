package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoJSON is returned when a response holds no valid JSON payload.
var ErrNoJSON = errors.New("no valid JSON payload in response")

// ExtractJSON pulls a JSON object or array out of model output. A markdown
// code fence around the payload is tolerated, as is prose before or after it.
func ExtractJSON(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNoJSON
	}

	if body, ok := fenced(raw); ok && gjson.Valid(body) {
		return body, nil
	}
	if gjson.Valid(raw) && (strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[")) {
		return raw, nil
	}

	for i := 0; i < len(raw); i++ {
		if raw[i] != '{' && raw[i] != '[' {
			continue
		}
		end := matchingClose(raw, i)
		if end < 0 {
			continue
		}
		if candidate := raw[i : end+1]; gjson.Valid(candidate) {
			return candidate, nil
		}
	}
	return "", ErrNoJSON
}

// DecodeJSON extracts the payload from raw and unmarshals it into v.
func DecodeJSON(raw string, v any) error {
	payload, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("json parse: %w", err)
	}
	return nil
}

// fenced returns the body of the first ``` block in s.
func fenced(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	// Drop the info string (```json).
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return "", false
	}
	rest = rest[nl+1:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}

// matchingClose finds the bracket closing s[open], skipping string literals.
func matchingClose(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
