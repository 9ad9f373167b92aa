// Package keys derives the deterministic cache coordinates used by the
// knowledge store. Every function here is pure and total.
package keys

import (
	"regexp"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{[^}]*\}\}`)
	parenRe       = regexp.MustCompile(`\([^)]*\)`)
	nonAlnumRe    = regexp.MustCompile(`[^a-z0-9]+`)
)

// Actions understood by the step executor.
const (
	ActionClick         = "click"
	ActionFill          = "fill"
	ActionSelect        = "select"
	ActionNavigate      = "navigate"
	ActionAssertVisible = "assert_visible"
	ActionAssertURL     = "assert_url"
	ActionAssertText    = "assert_text"
	ActionHover         = "hover"
	ActionWait          = "wait"
)

// intentRule maps a recognised (action, target) shape to a shared key so
// that differently worded steps reuse one knowledge record.
type intentRule struct {
	key   string
	match func(action, target string) bool
}

// Evaluated top to bottom; first match wins.
var intentRules = []intentRule{
	{
		key: "search_input",
		match: func(action, target string) bool {
			return action == ActionFill && strings.Contains(target, "search")
		},
	},
	{
		key: "login_button",
		match: func(action, target string) bool {
			return action == ActionClick && target == "login"
		},
	},
	{
		key: "register_button",
		match: func(action, target string) bool {
			return action == ActionClick && strings.Contains(target, "register")
		},
	},
	{
		key: "assert_container",
		match: func(action, _ string) bool {
			return action == ActionAssertText
		},
	},
}

// NormalizeTarget lowercases a free-text target, drops {{variable}}
// placeholders and parenthetical asides, and collapses everything that is
// not a letter or digit into single spaces.
func NormalizeTarget(target string) string {
	s := strings.ToLower(target)
	s = placeholderRe.ReplaceAllString(s, " ")
	s = parenRe.ReplaceAllString(s, " ")
	s = nonAlnumRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// BuildSelectorKey returns the semantic key for an action performed on a
// described target. It never returns an empty string.
func BuildSelectorKey(action, target string) string {
	act := strings.ToLower(strings.TrimSpace(action))
	norm := NormalizeTarget(target)

	for _, r := range intentRules {
		if r.match(act, norm) {
			return r.key
		}
	}

	safeAction := safeSegment(act)
	if safeAction == "" {
		safeAction = ActionClick
	}
	safeTarget := safeSegment(norm)
	if safeTarget == "" {
		safeTarget = "target"
	}
	return safeAction + "_" + safeTarget
}

func safeSegment(s string) string {
	return strings.Trim(nonAlnumRe.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// BuildDataKey returns the data key for a (scenario, role, type) triple.
// Role is optional.
func BuildDataKey(scenario, role, typ string) string {
	sc := upperCompact(scenario)
	t := upperCompact(typ)
	if r := upperCompact(role); r != "" {
		return sc + "_" + r + "_" + t
	}
	return sc + "_" + t
}

// upperCompact trims, collapses inner whitespace runs and uppercases.
func upperCompact(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// actionHints is checked in order against the lowercased description.
var actionHints = []struct {
	action  string
	needles []string
}{
	{ActionClick, []string{"click", "press", "submit"}},
	{ActionFill, []string{"fill", "type", "enter"}},
	{ActionSelect, []string{"select"}},
	{ActionNavigate, []string{"navigate", "go to", "open"}},
	{ActionAssertVisible, []string{"visible", "displayed"}},
	{ActionAssertURL, []string{"redirect", "url"}},
	{ActionAssertText, []string{"contain", "text"}},
	{ActionHover, []string{"hover"}},
	{ActionWait, []string{"wait"}},
}

// InferAction guesses the executor action for a free-text step description.
func InferAction(description string) string {
	d := strings.ToLower(description)
	for _, h := range actionHints {
		for _, n := range h.needles {
			if strings.Contains(d, n) {
				return h.action
			}
		}
	}
	return ActionClick
}
