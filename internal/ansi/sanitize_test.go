package ansi

import (
	"strings"
	"testing"

	xansi "github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello world\n", "hello world\n"},
		{"sgr", "\x1b[1;32mok\x1b[0m", "ok"},
		{"cursor movement", "a\x1b[2Kb\x1b[10;20Hc", "abc"},
		{"private mode", "\x1b[?25lhidden\x1b[?25h", "hidden"},
		{"8-bit csi", "x\x9b31my", "xy"},
		{"osc bel", "\x1b]0;title\x07prompt$ ", "prompt$ "},
		{"osc st", "\x1b]8;;https://example.com\x1b\\link\x1b]8;;\x1b\\", "link"},
		{"osc unterminated short", "text\x1b]0;partial tit", "text"},
		{"dcs", "a\x1bPq#0;2;0;0;0\x1b\\b", "ab"},
		{"apc bel", "a\x1b_Gf=24\x07b", "ab"},
		{"pm and sos", "\x1b^pm\x1b\\\x1bXsos\x1b\\done", "done"},
		{"dcs unterminated", "keep\x1bPpayload", "keep"},
		{"two byte escape", "\x1b7saved\x1b8", "saved"},
		{"charset designation", "\x1b(Bascii", "ascii"},
		{"crlf", "line1\r\nline2\r\n", "line1\nline2\n"},
		{"bare cr spinner", "⠋ Loading\r⠙ Loading\r⠹ Done\n", "⠋ Loading⠙ Loading⠹ Done\n"},
		{"lone esc at end", "abc\x1b", "abc"},
		{"unterminated csi", "abc\x1b[12;", "abc"},
		{"esc before newline", "a\x1b\nb", "a\nb"},
		{"utf8 with 0x9b continuation", "⠛ busy", "⠛ busy"},
		{"multibyte after esc", "\x1b…x", "…x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.input))
		})
	}
}

func TestSanitizeLongUnterminatedOSC(t *testing.T) {
	payload := strings.Repeat("p", MaxOSCScan+10)
	got := Sanitize("\x1b]2;" + payload)
	assert.Equal(t, "2;"+payload, got, "only the introducer is dropped past the scan bound")
	assert.NotContains(t, got, "\x1b")
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"\x1b[31mred\x1b[0m\r\nnext\rover",
		"\x1b]0;t\x07\x1bPdcs\x1b\\plain",
		"a\x1b[1;\x1b[2mb",
		"\x1b]" + strings.Repeat("z", 400),
		"mixed ⠙ \x9b1m text",
		"\x1b\x1b[\x1b]",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		assert.Equal(t, once, Sanitize(once), "input %q", in)
	}
}

func TestSanitizeCleanTextUnchanged(t *testing.T) {
	clean := "Explore(src/)\nTotal cost: $0.42\n✻ Worked for 12s\n"
	assert.Equal(t, clean, Sanitize(clean))
}

func TestSanitizeMatchesStripForSGR(t *testing.T) {
	inputs := []string{
		"\x1b[38;2;255;0;0mtruecolor\x1b[m",
		"\x1b[1m\x1b[4mbold underline\x1b[22;24m",
		"\x1b[3Aup\x1b[2Cright",
	}
	for _, in := range inputs {
		assert.Equal(t, xansi.Strip(in), Sanitize(in), "input %q", in)
	}
}

func TestSanitizeBytes(t *testing.T) {
	assert.Equal(t, "ok\n", SanitizeBytes([]byte("\x1b[32mok\x1b[0m\r\n")))
}

func BenchmarkSanitize(b *testing.B) {
	chunk := strings.Repeat("\x1b[32m✓\x1b[0m test passed\r\n", 200)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Sanitize(chunk)
	}
}
