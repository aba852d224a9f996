package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
	codeFenceRe     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// OutputParser extracts structured data from model text when a model answers
// in prose instead of through a function call.
type OutputParser struct{}

func NewOutputParser() *OutputParser { return &OutputParser{} }

// ParseJSONOutput returns the first balanced JSON object or array in text.
func (p *OutputParser) ParseJSONOutput(text string) (json.RawMessage, error) {
	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	candidate := firstBalanced(text)
	if candidate == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}
	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), nil
	}

	cleaned := p.fixJSON(candidate)
	if !json.Valid([]byte(cleaned)) {
		return nil, fmt.Errorf("invalid JSON in response")
	}
	return json.RawMessage(cleaned), nil
}

// firstBalanced scans for the first '{' or '[' and returns the span up to its
// matching close, honoring string literals.
func firstBalanced(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return text[start : i+1]
			}
		}
	}
	return ""
}

// fixJSON attempts to fix common JSON formatting issues.
func (p *OutputParser) fixJSON(jsonStr string) string {
	// Remove trailing commas before closing braces/brackets
	jsonStr = trailingCommaRe.ReplaceAllString(jsonStr, "$1")

	// Fix unquoted keys (basic heuristic)
	jsonStr = unquotedKeyRe.ReplaceAllString(jsonStr, `$1"$2":`)

	// Fix single quotes to double quotes
	jsonStr = strings.ReplaceAll(jsonStr, "'", "\"")

	return jsonStr
}
