package resolver

import (
	"fmt"
	"strings"
)

const maxNarrativeRunes = 1500

const selectorSystemPrompt = `You write UI locators for browser test automation.
Reply with exactly one JSON object and nothing else:
{"locatorStrategy": "role" | "text" | "css" | "xpath", "selector": "<locator>"}
Prefer role locators (e.g. button[name=Save]), then visible text, then stable
css (ids, data-testid), and xpath only as a last resort.`

const dataSystemPrompt = `You generate realistic test data for automated end-to-end tests.
Reply with exactly one JSON object of the form {"value": <data>} and nothing else.
Do not wrap the reply in Markdown code fences and do not add commentary.`

func selectorUserPrompt(description, action, key, page string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step: %s\n", description)
	fmt.Fprintf(&b, "Action: %s\n", action)
	fmt.Fprintf(&b, "Semantic key: %s\n", key)
	if page != "" {
		b.WriteString("\nCurrent page:\n")
		b.WriteString(page)
		b.WriteString("\n")
	}
	return b.String()
}

func dataUserPrompt(req DataRequirement, dctx DataContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Requirement type: %s\n", req.Type)
	fmt.Fprintf(&b, "Scenario: %s\n", req.Scenario)
	if req.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", req.Role)
	}

	section := func(label, text string) {
		if text = strings.TrimSpace(text); text != "" {
			fmt.Fprintf(&b, "\n%s:\n%s\n", label, truncateRunes(text, maxNarrativeRunes))
		}
	}
	section("Ticket title", dctx.TicketTitle)
	section("Ticket description", dctx.TicketDescription)
	section("Acceptance criteria", dctx.AcceptanceCriteria)
	section("Test case title", dctx.TestCaseTitle)
	section("Test case scenario", dctx.TestCaseScenario)
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
