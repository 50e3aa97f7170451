// Package status infers a coarse activity state for each session from its
// sanitized output.
package status

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// State is the inferred activity of a session.
type State string

const (
	Idle      State = "idle"
	Working   State = "working"
	Waiting   State = "waiting"
	Completed State = "completed"
)

// ParseState converts a stored state name back into a State.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case Idle, Working, Waiting, Completed:
		return State(s), true
	}
	return Idle, false
}

// sticky states hold against different states for the dwell time.
func (s State) sticky() bool {
	return s == Waiting || s == Completed
}

// Rule names reported in Match for the built-in checks.
const (
	RuleThinkingVerb = "thinking_verb"
	RuleIdleTimeout  = "idle_timeout"
)

// Match describes the outcome of one evaluation.
type Match struct {
	State State
	// Rule is the pattern source or built-in rule name that fired. Empty
	// when nothing matched.
	Rule string
}

// Matched reports whether any rule fired.
func (m Match) Matched() bool { return m.Rule != "" }

// Classify evaluates window against rules in priority order
// waiting > completed > working. Within working, the thinking-verb check
// runs before the structural markers. It holds no state between calls.
func Classify(window string, rules *Rules) Match {
	if rules == nil {
		return Match{}
	}
	for _, m := range rules.waiting {
		if m.match(window) {
			return Match{State: Waiting, Rule: m.source}
		}
	}
	for _, m := range rules.completed {
		if m.match(window) {
			return Match{State: Completed, Rule: m.source}
		}
	}
	if rules.endsWithThinkingVerb(window) {
		return Match{State: Working, Rule: RuleThinkingVerb}
	}
	for _, m := range rules.working {
		if m.match(window) {
			return Match{State: Working, Rule: m.source}
		}
	}
	return Match{}
}

// endsWithThinkingVerb reports whether the window, ignoring trailing
// whitespace, ends with "<verb>…" or "<verb>..." for a known verb.
func (r *Rules) endsWithThinkingVerb(window string) bool {
	if len(r.verbs) == 0 {
		return false
	}
	s := strings.TrimRightFunc(window, unicode.IsSpace)
	switch {
	case strings.HasSuffix(s, "…"):
		s = strings.TrimSuffix(s, "…")
	case strings.HasSuffix(s, "..."):
		s = strings.TrimSuffix(s, "...")
	default:
		return false
	}

	end := len(s)
	start := end
	for start > 0 {
		ch, size := utf8.DecodeLastRuneInString(s[:start])
		if !unicode.IsLetter(ch) {
			break
		}
		start -= size
	}
	if start == end {
		return false
	}
	_, ok := r.verbs[strings.ToLower(s[start:end])]
	return ok
}
