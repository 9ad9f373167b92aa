package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnresolvedPlaceholder is returned when a placeholder has no value.
var ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate replaces {{alias.path}} and {{alias.items[n].path}} tokens
// with values from data. Every placeholder must resolve.
func Interpolate(template string, data map[string]any) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(template, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		path := placeholderRe.FindStringSubmatch(tok)[1]
		v, ok := lookupPath(data, path)
		if !ok {
			firstErr = fmt.Errorf("%w: {{%s}}", ErrUnresolvedPlaceholder, path)
			return tok
		}
		s, err := stringify(v)
		if err != nil {
			firstErr = fmt.Errorf("rendering {{%s}}: %w", path, err)
			return tok
		}
		return s
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// splitPath breaks "a.items[0].b" into ["a", "items", "0", "b"].
func splitPath(path string) []string {
	path = strings.NewReplacer("[", ".", "]", "").Replace(path)
	var segs []string
	for _, s := range strings.Split(path, ".") {
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func lookupPath(data map[string]any, path string) (any, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false
	}
	var cur any = data
	for _, seg := range segs {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			if !isDigits(seg) {
				return nil, false
			}
			i, err := strconv.Atoi(seg)
			if err != nil || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// stringify renders a scalar with default formatting; nil is "null" and
// containers render as JSON.
func stringify(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "null", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case json.Number:
		return x.String(), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return fmt.Sprint(x), nil
	}
}

// Flatten walks data into "alias.path[idx]" → string pairs. Objects expand
// by dotted key and arrays by index; empty containers keep their key with
// a JSON rendering.
func Flatten(data map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range data {
		flattenInto(out, k, v)
	}
	return out
}

func flattenInto(out map[string]string, prefix string, v any) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			out[prefix] = "{}"
			return
		}
		for k, child := range x {
			flattenInto(out, prefix+"."+k, child)
		}
	case []any:
		if len(x) == 0 {
			out[prefix] = "[]"
			return
		}
		for i, child := range x {
			flattenInto(out, prefix+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		s, err := stringify(x)
		if err != nil {
			s = fmt.Sprint(x)
		}
		out[prefix] = s
	}
}
