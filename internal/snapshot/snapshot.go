// Package snapshot condenses an HTML page into a compact listing of the
// elements a locator could target, suitable for embedding in a prompt.
package snapshot

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultMaxLines bounds the number of elements Summarize emits.
const DefaultMaxLines = 200

const maxTextRunes = 80

// attributes worth showing to the generator, in output order.
var keptAttrs = []string{
	"id", "name", "type", "role", "aria-label", "placeholder",
	"data-testid", "data-test", "href", "for", "value",
}

var interactive = map[atom.Atom]bool{
	atom.A:        true,
	atom.Button:   true,
	atom.Input:    true,
	atom.Select:   true,
	atom.Textarea: true,
	atom.Label:    true,
	atom.Option:   true,
	atom.Form:     true,
	atom.H1:       true,
	atom.H2:       true,
	atom.H3:       true,
}

var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Template: true,
}

// LooksLikeHTML reports whether s appears to be markup rather than prose.
func LooksLikeHTML(s string) bool {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "<") {
		return false
	}
	lower := strings.ToLower(t)
	for _, marker := range []string{"<!doctype", "<html", "<body", "<div", "<form", "<input", "<button", "<a "} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Summarize parses the document and returns one line per interactive or
// structural element, for example:
//
//	button#submit[type=submit] "Sign in"
//
// At most maxLines lines are returned; maxLines <= 0 uses DefaultMaxLines.
func Summarize(r io.Reader, maxLines int) (string, error) {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var lines []string
	title := ""
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(lines) >= maxLines {
			return
		}
		if n.Type == html.ElementNode {
			if skipped[n.DataAtom] {
				return
			}
			if n.DataAtom == atom.Title && title == "" {
				title = textOf(n)
			}
			if interactive[n.DataAtom] || hasAttr(n, "role") || hasAttr(n, "data-testid") {
				lines = append(lines, describe(n))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "title: %q\n", title)
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// SummarizeString is Summarize over an in-memory document.
func SummarizeString(doc string, maxLines int) (string, error) {
	return Summarize(strings.NewReader(doc), maxLines)
}

func describe(n *html.Node) string {
	var b strings.Builder
	b.WriteString(n.Data)
	if id := attr(n, "id"); id != "" {
		b.WriteString("#")
		b.WriteString(id)
	}
	for _, key := range keptAttrs {
		if key == "id" {
			continue
		}
		if v := attr(n, key); v != "" {
			fmt.Fprintf(&b, "[%s=%s]", key, v)
		}
	}
	if n.DataAtom != atom.Form && n.DataAtom != atom.Select {
		if text := textOf(n); text != "" {
			fmt.Fprintf(&b, " %q", text)
		}
	}
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	return attr(n, key) != ""
}

// textOf returns the element's visible text, whitespace-collapsed and truncated.
func textOf(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(c *html.Node) {
		if c.Type == html.ElementNode && skipped[c.DataAtom] {
			return
		}
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			collect(k)
		}
	}
	collect(n)
	text := strings.Join(strings.Fields(b.String()), " ")
	if r := []rune(text); len(r) > maxTextRunes {
		text = string(r[:maxTextRunes]) + "…"
	}
	return text
}
