package planner

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoCandidate is returned when no structured plan can be found in the
// oracle output.
var ErrNoCandidate = errors.New("no structured plan found in oracle output")

var fencePattern = regexp.MustCompile("(?s)```([A-Za-z]*)[ \t]*\r?\n?(.*?)```")

// Extract recovers a candidate plan object from untrusted oracle text. It
// tries, in order: the whole text as JSON, each fenced code block (json,
// yaml or unlabelled), then the first balanced {...} object embedded in
// prose.
func Extract(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoCandidate
	}
	if m, ok := decodeJSON(text); ok {
		return m, nil
	}

	for _, match := range fencePattern.FindAllStringSubmatch(text, -1) {
		lang, body := strings.ToLower(match[1]), strings.TrimSpace(match[2])
		switch lang {
		case "json":
			if m, ok := decodeJSON(body); ok {
				return m, nil
			}
		case "yaml", "yml":
			if m, ok := decodeYAML(body); ok {
				return m, nil
			}
		case "":
			if m, ok := decodeJSON(body); ok {
				return m, nil
			}
			if m, ok := decodeYAML(body); ok {
				return m, nil
			}
		}
	}

	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end >= 0 {
			if m, ok := decodeJSON(text[start : end+1]); ok {
				return m, nil
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, ErrNoCandidate
}

func decodeJSON(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func decodeYAML(s string) (map[string]any, bool) {
	var m map[string]any
	if err := yaml.Unmarshal([]byte(s), &m); err != nil || len(m) == 0 {
		return nil, false
	}
	return m, true
}

// matchBrace returns the index of the brace closing the one at start,
// ignoring braces inside JSON strings, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
