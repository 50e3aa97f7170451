package status

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	rules := MustDefaultRules()
	tests := []struct {
		name   string
		window string
		want   State
		rule   string
	}{
		{"tool call", "Explore(src/)\n", Working, ""},
		{"bullet tool call", "⏺ Bash(go test ./...)\n", Working, ""},
		{"thinking verb unicode ellipsis", "some output\nPondering…", Working, RuleThinkingVerb},
		{"thinking verb ascii ellipsis", "Cogitating...\n  ", Working, RuleThinkingVerb},
		{"thinking verb case insensitive", "SAUTÉING…", Working, RuleThinkingVerb},
		{"unknown verb", "Flooping…", Idle, ""},
		{"verb not at end", "Thinking… done\n$ ", Idle, ""},
		{"interrupt hint", "(12s · 340 tokens · ctrl+c to interrupt)", Working, "ctrl+c to interrupt"},
		{"cost line", "Total cost: $0.42\n", Completed, `re:Total cost:\s*\$\d`},
		{"done marker", "✻ Worked for 1m 12s\n", Completed, ""},
		{"permission prompt", "Do you want to proceed?\n❯ 1. Yes\n  2. No\n", Waiting, "Do you want to"},
		{"yes no prompt", "Overwrite file? [y/N] ", Waiting, "[y/N]"},
		{"password prompt", "[sudo] password for dev: ", Waiting, ""},
		{"plain text", "hello world\n", Idle, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Classify(tt.window, rules)
			if tt.want == Idle {
				assert.False(t, m.Matched(), "unexpected match %+v", m)
				return
			}
			require.True(t, m.Matched())
			assert.Equal(t, tt.want, m.State)
			if tt.rule != "" {
				assert.Equal(t, tt.rule, m.Rule)
			}
		})
	}
}

func TestClassifyPriority(t *testing.T) {
	rules := MustDefaultRules()

	both := "Bash(rm -rf build)\nDo you want to proceed?\n"
	assert.Equal(t, Waiting, Classify(both, rules).State)

	doneAndWorking := "Read(main.go)\nTotal cost: $1.10\n"
	assert.Equal(t, Completed, Classify(doneAndWorking, rules).State)

	all := "Thinking…\nTotal cost: $0.10\nContinue? "
	assert.Equal(t, Waiting, Classify(all, rules).State)
}

func TestClassifyThinkingVerbBeforeMarkers(t *testing.T) {
	rules := MustDefaultRules()
	m := Classify("Grep(TODO)\nReticulating...", rules)
	assert.Equal(t, Working, m.State)
	assert.Equal(t, RuleThinkingVerb, m.Rule)
}

func TestClassifyIsStateless(t *testing.T) {
	rules := MustDefaultRules()
	text := "Edit(foo.go)\n"
	first := Classify(text, rules)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Classify(text, rules))
	}
}

func TestClassifyNilRules(t *testing.T) {
	assert.False(t, Classify("Total cost: $1", nil).Matched())
}

func TestCompileRulesSkipsInvalidRegex(t *testing.T) {
	rules, err := CompileRules(&RawRules{
		Working: []string{"re:([unclosed", "building", ""},
	})
	require.NoError(t, err)
	assert.Len(t, rules.working, 1)
	assert.Equal(t, Working, Classify("building image", rules).State)

	_, err = CompileRules(nil)
	assert.Error(t, err)
}

func TestMergeRawRules(t *testing.T) {
	defaults := &RawRules{
		Waiting:       []string{"Continue?"},
		Completed:     []string{"done"},
		ThinkingVerbs: []string{"thinking"},
	}
	overrides := &RawRules{
		Completed: []string{},
	}
	extras := &RawRules{
		Waiting:       []string{"re:Enter passphrase"},
		ThinkingVerbs: []string{"compacting"},
	}

	merged := MergeRawRules(defaults, overrides, extras)
	assert.Equal(t, []string{"Continue?", "re:Enter passphrase"}, merged.Waiting)
	assert.Empty(t, merged.Completed, "non-nil empty override clears the defaults")
	assert.Equal(t, []string{"thinking", "compacting"}, merged.ThinkingVerbs)

	// The defaults must not be aliased.
	merged.Waiting[0] = "mutated"
	assert.Equal(t, "Continue?", defaults.Waiting[0])

	onlyExtras := MergeRawRules(nil, nil, extras)
	assert.Nil(t, onlyExtras.Completed)
	assert.Equal(t, extras.Waiting, onlyExtras.Waiting)
}

func TestExtraThinkingVerb(t *testing.T) {
	raw := MergeRawRules(DefaultRawRules(), nil, &RawRules{ThinkingVerbs: []string{" Compacting "}})
	rules, err := CompileRules(raw)
	require.NoError(t, err)
	assert.Equal(t, RuleThinkingVerb, Classify("Compacting…", rules).Rule)
}

func TestParseState(t *testing.T) {
	s, ok := ParseState("waiting")
	assert.True(t, ok)
	assert.Equal(t, Waiting, s)
	_, ok = ParseState(strings.ToUpper("waiting"))
	assert.False(t, ok)
}
