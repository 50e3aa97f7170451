// Package ansi strips terminal control sequences from raw pty output so the
// remaining text can be pattern-matched and stored as plain log text.
package ansi

import (
	"strings"
	"unicode/utf8"
)

const (
	esc    = 0x1b
	bel    = 0x07
	csi8   = 0x9b
	cr     = '\r'
	lf     = '\n'
	stByte = '\\'
)

// MaxOSCScan bounds how far an unterminated OSC sequence is allowed to
// swallow. An OSC whose terminator is missing and whose remainder fits in
// this many bytes is treated as split across chunks and dropped through the
// end of the chunk. A longer unterminated one only loses its introducer.
const MaxOSCScan = 256

// Sanitize removes CSI, OSC, DCS/SOS/PM/APC and other escape sequences plus
// bare carriage returns from s. It is pure and idempotent.
func Sanitize(s string) string {
	if !needsWork(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == esc:
			i = skipEscape(s, i)
		case c == cr:
			// A bare \r redraws the line in place and \r\n collapses to \n,
			// so every CR is dropped.
			i++
		case c == csi8:
			i = skipCSIBody(s, i+1)
		case c >= utf8.RuneSelf:
			_, size := utf8.DecodeRuneInString(s[i:])
			b.WriteString(s[i : i+size])
			i += size
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// SanitizeBytes is Sanitize for a raw chunk read from a pty.
func SanitizeBytes(p []byte) string {
	return Sanitize(string(p))
}

// needsWork reports whether s contains anything Sanitize would remove.
// A 0x9B byte that belongs to a valid multi-byte rune is ordinary text.
func needsWork(s string) bool {
	if strings.IndexByte(s, esc) >= 0 || strings.IndexByte(s, cr) >= 0 {
		return true
	}
	if strings.IndexByte(s, csi8) < 0 {
		return false
	}
	for i := 0; i < len(s); {
		if s[i] == csi8 {
			return true
		}
		if s[i] < utf8.RuneSelf {
			i++
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return false
}

// skipEscape returns the index just past the escape sequence starting at i.
func skipEscape(s string, i int) int {
	if i+1 >= len(s) {
		return len(s)
	}
	switch s[i+1] {
	case '[':
		return skipCSIBody(s, i+2)
	case ']':
		return skipOSC(s, i)
	case 'P', 'X', '^', '_':
		return skipString(s, i+2)
	}
	// nF escapes (ESC ( B and friends) carry intermediates before the final byte.
	j := i + 1
	for j < len(s) && s[j] >= 0x20 && s[j] <= 0x2f {
		j++
	}
	if j >= len(s) {
		return len(s)
	}
	if s[j] < 0x30 || s[j] > 0x7e {
		// Not a valid final byte; only the ESC (and intermediates) go.
		return j
	}
	return j + 1
}

// skipCSIBody skips parameter and intermediate bytes up to and including the
// final byte (0x40-0x7E). An unterminated CSI runs to the end of the chunk.
func skipCSIBody(s string, j int) int {
	for j < len(s) {
		c := s[j]
		switch {
		case c >= 0x40 && c <= 0x7e:
			return j + 1
		case c >= 0x20 && c <= 0x3f:
			j++
		default:
			// Malformed; resume normal processing at the offending byte.
			return j
		}
	}
	return len(s)
}

// skipOSC handles ESC ] ... terminated by BEL or ESC \.
func skipOSC(s string, i int) int {
	body := i + 2
	if end, ok := findTerminator(s, body); ok {
		return end
	}
	if len(s)-i <= MaxOSCScan {
		return len(s)
	}
	return body
}

// skipString handles DCS, SOS, PM and APC. Unterminated ones run to the end of
// the chunk.
func skipString(s string, body int) int {
	if end, ok := findTerminator(s, body); ok {
		return end
	}
	return len(s)
}

// findTerminator finds the first BEL or ST (ESC \) at or after from and
// returns the index just past it.
func findTerminator(s string, from int) (int, bool) {
	for j := from; j < len(s); j++ {
		switch s[j] {
		case bel:
			return j + 1, true
		case esc:
			if j+1 < len(s) && s[j+1] == stByte {
				return j + 2, true
			}
		}
	}
	return 0, false
}
