package status

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/shellpulse/internal/sched"
)

type recorder struct {
	changes []Change
}

func (r *recorder) record(c Change) { r.changes = append(r.changes, c) }

func (r *recorder) states() []State {
	out := make([]State, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func newTestClassifier(t *testing.T) (*Classifier, *sched.Manual, *recorder) {
	t.Helper()
	clock := sched.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &recorder{}
	c := NewClassifier(42, clock, MustDefaultRules(), Options{}, rec.record)
	t.Cleanup(c.Close)
	return c, clock, rec
}

func TestClassifierScenario(t *testing.T) {
	c, clock, rec := newTestClassifier(t)

	c.Feed("Explore(src/)\n")
	clock.Advance(299 * time.Millisecond)
	assert.Equal(t, Idle, c.State(), "classification waits for the debounce")
	clock.Advance(time.Millisecond)
	assert.Equal(t, Working, c.State())

	clock.Advance(2800 * time.Millisecond) // 3,100 ms after the first chunk
	c.Feed("Total cost: $0.42\n")
	clock.Advance(300 * time.Millisecond)
	require.Equal(t, Completed, c.State())
	completedAt := c.ChangedAt()

	clock.Advance(500 * time.Millisecond)
	c.Feed("some other idle text")
	clock.Advance(300 * time.Millisecond)
	assert.Equal(t, Completed, c.State(), "hysteresis holds")

	clock.Advance(2100*time.Millisecond - clock.Now().Sub(completedAt))
	c.Feed("more plain output\n")
	clock.Advance(300 * time.Millisecond)
	assert.Equal(t, Completed, c.State(), "stale match keeps completed until idle")

	clock.Advance(15 * time.Second)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, []State{Working, Completed, Idle}, rec.states())
	assert.Equal(t, RuleIdleTimeout, rec.changes[2].Match.Rule)
	assert.Empty(t, c.Window(), "idle drops the acted-on window")
}

func TestClassifierDebounceCoalescesBurst(t *testing.T) {
	c, clock, rec := newTestClassifier(t)

	for i := 0; i < 10; i++ {
		c.Feed("Read(file.go)\n")
		clock.Advance(100 * time.Millisecond)
	}
	assert.Empty(t, rec.changes, "no evaluation while the burst continues")
	clock.Advance(200 * time.Millisecond)
	assert.Equal(t, []State{Working}, rec.states())
}

func TestClassifierSameStateIsNoop(t *testing.T) {
	c, clock, rec := newTestClassifier(t)

	c.Feed("Bash(ls)\n")
	clock.Advance(300 * time.Millisecond)
	c.Feed("Bash(pwd)\n")
	clock.Advance(300 * time.Millisecond)
	c.Feed("Bash(pwd)\n")
	clock.Advance(300 * time.Millisecond)

	assert.Equal(t, []State{Working}, rec.states())
}

func TestClassifierHysteresisReleasesAfterDwell(t *testing.T) {
	c, clock, rec := newTestClassifier(t)

	c.Feed("Do you want to proceed?\n")
	clock.Advance(300 * time.Millisecond)
	require.Equal(t, Waiting, c.State())

	// Overflow the window so the prompt is trimmed away and only working
	// text remains.
	c.Feed(strings.Repeat("x", 4000) + "\nEdit(main.go)\n")
	clock.Advance(300 * time.Millisecond)
	assert.Equal(t, Waiting, c.State(), "held within 2,000 ms")

	// Entered at 300 ms, held evaluation at 600 ms, dwell ends at 2,300 ms.
	clock.Advance(1699 * time.Millisecond)
	assert.Equal(t, Waiting, c.State())
	clock.Advance(time.Millisecond)
	assert.Equal(t, Working, c.State(), "re-evaluated once the dwell ends")
	assert.Equal(t, []State{Waiting, Working}, rec.states())
}

func TestClassifierWaitingSurvivesIdle(t *testing.T) {
	c, clock, rec := newTestClassifier(t)

	c.Feed("Continue? ")
	clock.Advance(300 * time.Millisecond)
	require.Equal(t, Waiting, c.State())

	clock.Advance(60 * time.Second)
	assert.Equal(t, Waiting, c.State())
	assert.Equal(t, []State{Waiting}, rec.states())

	// Output while waiting does not arm the watchdog either.
	c.Feed("\n")
	clock.Advance(60 * time.Second)
	assert.Equal(t, Waiting, c.State())
}

func TestClassifierLeavingWaitingRearmsIdle(t *testing.T) {
	c, clock, _ := newTestClassifier(t)

	c.Feed("[y/N] ")
	clock.Advance(300 * time.Millisecond)
	require.Equal(t, Waiting, c.State())

	clock.Advance(3 * time.Second)
	c.Feed(strings.Repeat("-", 4000) + "\nGlob(**/*.go)\n")
	clock.Advance(300 * time.Millisecond)
	require.Equal(t, Working, c.State())

	clock.Advance(15 * time.Second)
	assert.Equal(t, Idle, c.State())
}

func TestClassifierIdleWithoutMatch(t *testing.T) {
	c, clock, rec := newTestClassifier(t)

	c.Feed("plain text\n")
	clock.Advance(time.Minute)
	assert.Equal(t, Idle, c.State())
	assert.Empty(t, rec.changes, "idle to idle is not a change")
}

func TestClassifierWindowBounds(t *testing.T) {
	c, _, _ := newTestClassifier(t)

	c.Feed(strings.Repeat("a", 3990))
	assert.Len(t, c.Window(), 3990)
	c.Feed(strings.Repeat("b", 20))
	assert.Len(t, c.Window(), 2000)
	assert.True(t, strings.HasSuffix(c.Window(), strings.Repeat("b", 20)))
}

func TestClassifierTrimsAfterMatch(t *testing.T) {
	c, clock, _ := newTestClassifier(t)

	c.Feed(strings.Repeat("z", 1500) + "\nWrite(out.txt)\n")
	clock.Advance(300 * time.Millisecond)
	require.Equal(t, Working, c.State())
	assert.Len(t, c.Window(), 500)
}

func TestClassifierTrimKeepsRunes(t *testing.T) {
	assert.Equal(t, "é", tail("aé", 2))
	assert.Equal(t, "", tail("é", 1))
	assert.Equal(t, "abc", tail("abc", 10))
}

func TestClassifierCloseCancelsTimers(t *testing.T) {
	clock := sched.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &recorder{}
	c := NewClassifier(1, clock, nil, Options{}, rec.record)

	c.Feed("Task(explore repo)\n")
	require.Equal(t, 2, clock.Pending(), "debounce and idle armed")
	c.Close()
	assert.Zero(t, clock.Pending())

	clock.Advance(time.Minute)
	c.Feed("Total cost: $3\n")
	clock.Advance(time.Minute)
	assert.Empty(t, rec.changes)
	assert.Zero(t, clock.Pending())
}

func TestClassifierSetRules(t *testing.T) {
	c, clock, _ := newTestClassifier(t)

	custom, err := CompileRules(&RawRules{Completed: []string{"BUILD SUCCESSFUL"}})
	require.NoError(t, err)
	c.SetRules(custom)
	c.SetRules(nil)

	c.Feed("BUILD SUCCESSFUL in 4s\n")
	clock.Advance(300 * time.Millisecond)
	assert.Equal(t, Completed, c.State())
}
