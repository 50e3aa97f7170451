package status

import (
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/asheshgoplani/shellpulse/internal/logging"
	"github.com/asheshgoplani/shellpulse/internal/sched"
	"github.com/asheshgoplani/shellpulse/internal/session"
)

var statusLog = logging.ForComponent(logging.CompStatus)

// Options tunes a Classifier. Zero fields take the defaults.
type Options struct {
	Debounce  time.Duration // quiet period before a burst is classified
	IdleAfter time.Duration // silence that forces idle
	Dwell     time.Duration // minimum hold for waiting and completed

	WindowMax      int // bytes before the window is trimmed
	WindowTrim     int // bytes kept when trimming
	KeepAfterMatch int // bytes kept after a rule matched
}

// DefaultOptions returns the standard timings and window sizes.
func DefaultOptions() Options {
	return Options{
		Debounce:       300 * time.Millisecond,
		IdleAfter:      15 * time.Second,
		Dwell:          2 * time.Second,
		WindowMax:      4000,
		WindowTrim:     2000,
		KeepAfterMatch: 500,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Debounce <= 0 {
		o.Debounce = d.Debounce
	}
	if o.IdleAfter <= 0 {
		o.IdleAfter = d.IdleAfter
	}
	if o.Dwell < 0 {
		o.Dwell = 0
	} else if o.Dwell == 0 {
		o.Dwell = d.Dwell
	}
	if o.WindowMax <= 0 {
		o.WindowMax = d.WindowMax
	}
	if o.WindowTrim <= 0 || o.WindowTrim > o.WindowMax {
		o.WindowTrim = min(d.WindowTrim, o.WindowMax)
	}
	if o.KeepAfterMatch <= 0 {
		o.KeepAfterMatch = d.KeepAfterMatch
	}
	return o
}

// Change is emitted when a session's resolved state differs from its
// previous one.
type Change struct {
	ID    session.ID
	From  State
	To    State
	Match Match
	At    time.Time
}

// Classifier tracks one session's rolling output window and resolves its
// activity state with debounce, hysteresis and an idle watchdog.
//
// A Classifier is not safe for concurrent use. All calls and all timer
// callbacks must happen on the same goroutine, which is what a Loop-bound
// scheduler guarantees.
type Classifier struct {
	id       session.ID
	clock    sched.Scheduler
	opts     Options
	rules    *Rules
	onChange func(Change)

	window    string
	state     State
	changedAt time.Time

	debounce sched.Timer
	idle     sched.Timer
	closed   bool
}

// NewClassifier creates a classifier in the idle state. onChange may be nil.
func NewClassifier(id session.ID, clock sched.Scheduler, rules *Rules, opts Options, onChange func(Change)) *Classifier {
	if rules == nil {
		rules = MustDefaultRules()
	}
	return &Classifier{
		id:        id,
		clock:     clock,
		opts:      opts.withDefaults(),
		rules:     rules,
		onChange:  onChange,
		state:     Idle,
		changedAt: clock.Now(),
	}
}

// Feed appends sanitized text to the window, re-arms the idle watchdog
// (unless waiting) and restarts the debounce timer.
func (c *Classifier) Feed(text string) {
	if c.closed {
		return
	}
	c.window += text
	if len(c.window) > c.opts.WindowMax {
		c.window = tail(c.window, c.opts.WindowTrim)
	}
	if c.state != Waiting {
		c.armIdle()
	}
	sched.Stop(c.debounce)
	c.debounce = c.clock.AfterFunc(c.opts.Debounce, c.evaluate)
}

// State returns the current state.
func (c *Classifier) State() State { return c.state }

// ChangedAt returns when the current state was entered.
func (c *Classifier) ChangedAt() time.Time { return c.changedAt }

// Window returns the current text window.
func (c *Classifier) Window() string { return c.window }

// SetRules swaps the rule set used by future evaluations.
func (c *Classifier) SetRules(r *Rules) {
	if r != nil {
		c.rules = r
	}
}

// Close cancels both timers and drops the window. Later calls and any
// already-queued callbacks are no-ops.
func (c *Classifier) Close() {
	if c.closed {
		return
	}
	c.closed = true
	sched.Stop(c.debounce)
	sched.Stop(c.idle)
	c.debounce, c.idle = nil, nil
	c.window = ""
}

func (c *Classifier) armIdle() {
	sched.Stop(c.idle)
	c.idle = c.clock.AfterFunc(c.opts.IdleAfter, c.idleFired)
}

func (c *Classifier) evaluate() {
	c.debounce = nil
	if c.closed {
		return
	}
	if len(c.window) > c.opts.WindowMax {
		c.window = tail(c.window, c.opts.WindowTrim)
	}

	m := Classify(c.window, c.rules)
	if !m.Matched() {
		return
	}
	c.window = tail(c.window, c.opts.KeepAfterMatch)
	c.apply(m)
}

func (c *Classifier) apply(m Match) {
	if m.State == c.state {
		return
	}
	now := c.clock.Now()
	if c.state.sticky() {
		if held := now.Sub(c.changedAt); held < c.opts.Dwell {
			logging.Aggregate(logging.CompStatus, "transition_held",
				slog.String("from", string(c.state)),
				slog.String("to", string(m.State)))
			// Look again once the dwell is over unless new output does first.
			if c.debounce == nil {
				c.debounce = c.clock.AfterFunc(c.opts.Dwell-held, c.evaluate)
			}
			return
		}
	}
	c.transition(m, now)
}

func (c *Classifier) idleFired() {
	c.idle = nil
	if c.closed || c.state == Waiting || c.state == Idle {
		return
	}
	// The window has been acted on; a later unrelated chunk must not
	// re-match it.
	c.window = ""
	c.transition(Match{State: Idle, Rule: RuleIdleTimeout}, c.clock.Now())
}

func (c *Classifier) transition(m Match, now time.Time) {
	from := c.state
	c.state = m.State
	c.changedAt = now

	switch {
	case m.State == Waiting:
		sched.Stop(c.idle)
		c.idle = nil
	case from == Waiting:
		c.armIdle()
	}

	statusLog.Debug("state_change",
		slog.String("session", c.id.String()),
		slog.String("from", string(from)),
		slog.String("to", string(m.State)),
		slog.String("rule", m.Rule))

	if c.onChange != nil {
		c.onChange(Change{ID: c.id, From: from, To: m.State, Match: m, At: now})
	}
}

// tail returns the last n bytes of s, moved forward to a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
