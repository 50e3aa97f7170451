package main

import (
	"bytes"
	"flag"
	"strings"
	"testing"

	xansi "github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/shellpulse/internal/status"
)

func TestSanitizeStream(t *testing.T) {
	in := "\x1b[32mok\x1b[0m\r\n\x1b]0;title\x07progress 10%\rprogress 100%\n"
	var out bytes.Buffer
	require.NoError(t, sanitizeStream(strings.NewReader(in), &out, false))
	assert.Equal(t, "ok\nprogress 10%progress 100%\n", out.String())
}

func TestSanitizeStreamWithoutTrailingNewline(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, sanitizeStream(strings.NewReader("\x1b[1mdone"), &out, true))
	assert.Equal(t, "done", out.String())
}

func TestClassifyStreamTimeline(t *testing.T) {
	in := "⏺ Bash(ls -la)\nDo you want to proceed?\n"
	var out bytes.Buffer
	err := classifyStream(strings.NewReader(in), &out, status.MustDefaultRules(), status.Options{}, 0, false)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3, out.String())
	assert.Contains(t, lines[0], "300ms")
	assert.Contains(t, lines[0], "idle -> working")
	assert.Contains(t, lines[1], "working -> waiting")
	assert.Equal(t, "final: waiting", lines[2])
}

func TestClassifyStreamQuietInput(t *testing.T) {
	var out bytes.Buffer
	err := classifyStream(strings.NewReader("hello\nworld\n"), &out, status.MustDefaultRules(), status.Options{}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, "final: idle\n", out.String())
}

func TestPaintState(t *testing.T) {
	assert.Equal(t, "working", paintState("working", false))
	assert.Equal(t, "\x1b[35mwaiting\x1b[0m", paintState("waiting", true))
}

func TestNormalizeArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Bool("full", false, "")
	fs.Int("n", 10, "")

	got := normalizeArgs(fs, []string{"web", "--full", "-n", "5", "--", "-x"})
	assert.Equal(t, []string{"--full", "-n", "5", "web", "-x"}, got)
}

func TestTailLines(t *testing.T) {
	assert.Nil(t, tailLines("", 5))
	assert.Equal(t, []string{"b", "c"}, tailLines("a\nb\nc\n", 2))
	assert.Equal(t, []string{"a", "b"}, tailLines("a\nb", 0))
}

func TestTruncateLeft(t *testing.T) {
	assert.Equal(t, "/srv/app", truncateLeft("/srv/app", 10))

	got := truncateLeft("/home/user/projects/web", 10)
	assert.Equal(t, 10, xansi.StringWidth(got))
	assert.True(t, strings.HasPrefix(got, "…"), got)
	assert.True(t, strings.HasSuffix(got, "/web"), got)
}
