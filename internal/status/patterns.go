package status

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/asheshgoplani/shellpulse/internal/logging"
)

var patternLog = logging.ForComponent(logging.CompStatus)

// RawRules holds detection rules in string form before compilation.
// Entries prefixed with "re:" are compiled as regular expressions; anything
// else is matched with strings.Contains.
type RawRules struct {
	Waiting       []string `toml:"waiting"`
	Completed     []string `toml:"completed"`
	Working       []string `toml:"working"`
	ThinkingVerbs []string `toml:"thinking_verbs"`
}

// Rules is the compiled, read-only rule set. It is safe to share between
// classifiers and goroutines.
type Rules struct {
	waiting   []matcher
	completed []matcher
	working   []matcher
	verbs     map[string]struct{}
}

type matcher struct {
	source string
	substr string
	re     *regexp.Regexp
}

// match is stateless: regexp.Regexp keeps no scan position between calls.
func (m matcher) match(text string) bool {
	if m.re != nil {
		return m.re.MatchString(text)
	}
	return strings.Contains(text, m.substr)
}

// DefaultRawRules returns the built-in rule set for interactive coding agents
// and plain shells.
func DefaultRawRules() *RawRules {
	return &RawRules{
		Waiting: []string{
			"Do you want to",
			"Yes, allow once",
			"No, and tell Claude what to do differently",
			"Approve this plan?",
			"Press Enter to select",
			"Continue?",
			"Proceed?",
			"(Y/n)",
			"(y/N)",
			"[Y/n]",
			"[y/N]",
			`re:(?m)^\s*❯\s*\d+\.\s`,
			`re:(?i)\bpassword( for [^:]+)?:\s*$`,
		},
		Completed: []string{
			`re:Total cost:\s*\$\d`,
			`re:(?m)^✻ \S+ for \d+`,
			`re:(?i)\btask completed\b`,
			`re:(?m)^Done in \d+(\.\d+)?m?s\b`,
		},
		Working: []string{
			`re:(?m)^\s*(?:⏺\s*)?(?:Read|Write|Edit|MultiEdit|Bash|Grep|Glob|Explore|Task|WebFetch|WebSearch|TodoWrite|NotebookEdit)\(`,
			`re:(?m)^[✳✽✶✢⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]\s*.+…`,
			"ctrl+c to interrupt",
			"esc to interrupt",
			"esc to cancel",
		},
		ThinkingVerbs: defaultThinkingVerbs(),
	}
}

// defaultThinkingVerbs are the progress words agents print before an
// ellipsis while they work.
func defaultThinkingVerbs() []string {
	return []string{
		"accomplishing", "actioning", "actualizing", "analyzing", "baking",
		"billowing", "booping", "brewing", "building", "calculating",
		"cerebrating", "channelling", "checking", "churning", "clauding",
		"coalescing", "cogitating", "combobulating", "compiling", "computing",
		"concocting", "conjuring", "considering", "contemplating", "cooking",
		"crafting", "creating", "crunching", "deciphering", "deliberating",
		"determining", "discombobulating", "divining", "doing", "effecting",
		"elucidating", "enchanting", "envisioning", "exploring", "finagling",
		"flibbertigibbeting", "forging", "forming", "frolicking", "generating",
		"germinating", "gusting", "hatching", "herding", "honking",
		"hustling", "ideating", "imagining", "incubating", "inferring",
		"installing", "jiving", "loading", "manifesting", "marinating",
		"meandering", "metamorphosing", "moseying", "mulling", "mustering",
		"musing", "noodling", "percolating", "perusing", "philosophising",
		"planning", "pondering", "pontificating", "processing", "puttering",
		"puzzling", "reading", "reasoning", "recombobulating", "reflecting",
		"reticulating", "ruminating", "running", "sautéing", "scheming",
		"schlepping", "searching", "shimmying", "shucking", "simmering",
		"smooshing", "spelunking", "spinning", "stewing", "sublimating",
		"sussing", "synthesizing", "thinking", "tinkering", "transmuting",
		"unfurling", "unravelling", "vibing", "wandering", "whirring",
		"wibbling", "wizarding", "working", "wrangling", "writing",
	}
}

// CompileRules compiles raw rules. Invalid regular expressions are logged
// and skipped so a bad user override never disables detection entirely.
func CompileRules(raw *RawRules) (*Rules, error) {
	if raw == nil {
		return nil, fmt.Errorf("status: nil rules")
	}
	r := &Rules{
		waiting:   compileGroup("waiting", raw.Waiting),
		completed: compileGroup("completed", raw.Completed),
		working:   compileGroup("working", raw.Working),
		verbs:     make(map[string]struct{}, len(raw.ThinkingVerbs)),
	}
	for _, v := range raw.ThinkingVerbs {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			r.verbs[v] = struct{}{}
		}
	}
	return r, nil
}

func compileGroup(group string, patterns []string) []matcher {
	out := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(p, "re:"); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				patternLog.Warn("invalid_rule_regex",
					slog.String("group", group),
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			out = append(out, matcher{source: p, re: re})
			continue
		}
		out = append(out, matcher{source: p, substr: p})
	}
	return out
}

// MustDefaultRules compiles DefaultRawRules.
func MustDefaultRules() *Rules {
	r, err := CompileRules(DefaultRawRules())
	if err != nil {
		panic(err)
	}
	return r
}

// MergeRawRules layers overrides and extras on top of defaults.
//   - A non-nil override field replaces the default field entirely, even if empty.
//   - Extras are appended after the defaults or overrides.
//   - A nil defaults means only overrides and extras are used.
func MergeRawRules(defaults, overrides, extras *RawRules) *RawRules {
	out := &RawRules{}
	if defaults != nil {
		out.Waiting = clone(defaults.Waiting)
		out.Completed = clone(defaults.Completed)
		out.Working = clone(defaults.Working)
		out.ThinkingVerbs = clone(defaults.ThinkingVerbs)
	}
	if overrides != nil {
		if overrides.Waiting != nil {
			out.Waiting = clone(overrides.Waiting)
		}
		if overrides.Completed != nil {
			out.Completed = clone(overrides.Completed)
		}
		if overrides.Working != nil {
			out.Working = clone(overrides.Working)
		}
		if overrides.ThinkingVerbs != nil {
			out.ThinkingVerbs = clone(overrides.ThinkingVerbs)
		}
	}
	if extras != nil {
		out.Waiting = append(out.Waiting, extras.Waiting...)
		out.Completed = append(out.Completed, extras.Completed...)
		out.Working = append(out.Working, extras.Working...)
		out.ThinkingVerbs = append(out.ThinkingVerbs, extras.ThinkingVerbs...)
	}
	return out
}

func clone(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}
