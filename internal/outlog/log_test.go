package outlog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/shellpulse/internal/sched"
)

func newTestLog(maxBytes int) (*Log, *sched.Manual) {
	clock := sched.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(clock, 0, maxBytes)
	l.Start()
	return l, clock
}

func TestReadIncludesPending(t *testing.T) {
	l, clock := newTestLog(0)
	l.EnsureRecord("api")

	l.Append("api", "line 1\n")
	assert.Equal(t, "line 1\n", l.Read("api"), "no flush lag for readers")
	d, p := l.Size("api")
	assert.Zero(t, d)
	assert.Equal(t, 7, p)

	clock.Advance(300 * time.Millisecond)
	d, p = l.Size("api")
	assert.Equal(t, 7, d)
	assert.Zero(t, p)

	l.Append("api", "line 2\n")
	assert.Equal(t, "line 1\nline 2\n", l.Read("api"))
}

func TestFlushSkipsOwnersWithoutRecord(t *testing.T) {
	l, clock := newTestLog(0)

	l.Append("starting", "early output\n")
	clock.Advance(time.Second)
	assert.False(t, l.HasRecord("starting"))
	_, p := l.Size("starting")
	assert.Equal(t, 13, p, "pending kept while the owner has no record")

	l.EnsureRecord("starting")
	l.Append("starting", "more\n")
	clock.Advance(300 * time.Millisecond)
	d, p := l.Size("starting")
	assert.Equal(t, 18, d)
	assert.Zero(t, p)
	assert.Equal(t, "early output\nmore\n", l.Read("starting"))
}

func TestDurableLogBound(t *testing.T) {
	l, clock := newTestLog(1024)
	l.EnsureRecord("svc")

	var all strings.Builder
	for i := 0; i < 100; i++ {
		line := strings.Repeat(string(rune('a'+i%26)), 49) + "\n"
		all.WriteString(line)
		l.Append("svc", line)
		if i%7 == 0 {
			clock.Advance(300 * time.Millisecond)
		}
	}
	clock.Advance(300 * time.Millisecond)

	got := l.Read("svc")
	assert.Len(t, got, 1024)
	assert.True(t, strings.HasSuffix(all.String(), got), "keeps the most recent bytes")
}

func TestDefaultBoundIs50KB(t *testing.T) {
	l, clock := newTestLog(0)
	l.EnsureRecord("svc")
	for i := 0; i < 80; i++ {
		l.Append("svc", strings.Repeat("x", 1000))
		clock.Advance(300 * time.Millisecond)
	}
	d, _ := l.Size("svc")
	assert.Equal(t, 50*1024, d)
}

func TestPendingBoundWithoutRecord(t *testing.T) {
	l, _ := newTestLog(100)
	l.Append("ghost", strings.Repeat("a", 80))
	l.Append("ghost", strings.Repeat("b", 80))
	_, p := l.Size("ghost")
	assert.Equal(t, 100, p)
	assert.True(t, strings.HasSuffix(l.Read("ghost"), strings.Repeat("b", 80)))
}

func TestClearDiscardsBoth(t *testing.T) {
	l, clock := newTestLog(0)
	l.EnsureRecord("api")
	l.Append("api", "flushed\n")
	clock.Advance(300 * time.Millisecond)
	l.Append("api", "pending\n")

	l.Clear("api")
	assert.Empty(t, l.Read("api"))
	assert.True(t, l.HasRecord("api"))

	l.Append("api", "after\n")
	clock.Advance(300 * time.Millisecond)
	assert.Equal(t, "after\n", l.Read("api"))
}

func TestDrop(t *testing.T) {
	l, _ := newTestLog(0)
	l.EnsureRecord("api")
	l.Append("api", "x")
	l.Drop("api")
	assert.False(t, l.HasRecord("api"))
	assert.Empty(t, l.Read("api"))
}

func TestReadSkipsSplitRune(t *testing.T) {
	l, clock := newTestLog(4)
	l.EnsureRecord("u")
	l.Append("u", "ab✓") // ✓ is 3 bytes; the ring keeps "b" plus the rune
	clock.Advance(300 * time.Millisecond)
	assert.Equal(t, "b✓", l.Read("u"))

	l.Append("u", "é") // ring now holds the last 2 bytes of ✓ then é
	clock.Advance(300 * time.Millisecond)
	assert.Equal(t, "é", l.Read("u"))
}

func TestStopFlushesAndHaltsTicker(t *testing.T) {
	l, clock := newTestLog(0)
	l.EnsureRecord("api")
	l.Append("api", "tail")
	l.Stop()
	d, _ := l.Size("api")
	assert.Equal(t, 4, d)
	require.Zero(t, clock.Pending())
}
