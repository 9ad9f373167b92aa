package generation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Locator strategies a selector suggestion may carry.
const (
	StrategyRole  = "role"
	StrategyText  = "text"
	StrategyCSS   = "css"
	StrategyXPath = "xpath"
)

// SelectorSuggestion is a validated selector proposal.
type SelectorSuggestion struct {
	Strategy string
	Selector string
}

// Formatted returns the strategy-tagged locator, e.g. "role:button[name=Save]".
func (s SelectorSuggestion) Formatted() string {
	return s.Strategy + ":" + s.Selector
}

// StripCodeFences removes a surrounding Markdown code fence, with or
// without a language tag, and trims whitespace.
func StripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[\"") {
		// Drop the info string ("json", "JSON", ...).
		s = s[nl+1:]
	} else if tag := infoStringLen(s); tag > 0 {
		// Single-line fence: "```json{...}```".
		if rest := strings.TrimLeft(s[tag:], " \t"); strings.HasPrefix(rest, "{") || strings.HasPrefix(rest, "[") {
			s = rest
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// infoStringLen returns the length of a leading language tag: a letter
// followed by letters or digits.
func infoStringLen(s string) int {
	n := 0
	for n < len(s) {
		c := s[n]
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !isLetter && (n == 0 || c < '0' || c > '9') {
			break
		}
		n++
	}
	return n
}

// ParseSelectorSuggestion validates a {locatorStrategy, selector} object.
// Unknown or missing strategies default to css.
func ParseSelectorSuggestion(raw string) (SelectorSuggestion, error) {
	var out struct {
		LocatorStrategy string `json:"locatorStrategy"`
		Selector        string `json:"selector"`
	}
	body := StripCodeFences(raw)
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return SelectorSuggestion{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	sel := strings.TrimSpace(out.Selector)
	if sel == "" {
		return SelectorSuggestion{}, fmt.Errorf("%w: missing selector", ErrInvalidOutput)
	}

	strategy := strings.ToLower(strings.TrimSpace(out.LocatorStrategy))
	switch strategy {
	case StrategyRole, StrategyText, StrategyXPath, StrategyCSS:
	default:
		strategy = StrategyCSS
	}
	// Some models echo the tag inside the selector.
	sel = strings.TrimPrefix(sel, strategy+":")
	return SelectorSuggestion{Strategy: strategy, Selector: sel}, nil
}

// ParseDataValue validates a single JSON object with a "value" key and
// returns the decoded value.
func ParseDataValue(raw string) (any, error) {
	body := StripCodeFences(raw)
	dec := json.NewDecoder(strings.NewReader(body))

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing content after object", ErrInvalidOutput)
	}
	v, ok := obj["value"]
	if !ok {
		return nil, fmt.Errorf("%w: missing \"value\" key", ErrInvalidOutput)
	}
	return v, nil
}
