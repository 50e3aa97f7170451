// Package outlog keeps the durable, size-bounded output log of each
// background service. Sanitized text is accumulated per owner and merged into
// the durable log on a fixed flush interval, independent of any UI refresh.
package outlog

import (
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/asheshgoplani/shellpulse/internal/logging"
	"github.com/asheshgoplani/shellpulse/internal/sched"
)

var outLog = logging.ForComponent(logging.CompOutput)

const (
	// DefaultFlushInterval is how often pending output is merged.
	DefaultFlushInterval = 300 * time.Millisecond
	// DefaultMaxBytes caps each durable log; the newest bytes are kept.
	DefaultMaxBytes = 50 * 1024
)

// Log is the per-owner output store. It is not safe for concurrent use; it
// belongs to the pipeline goroutine, which is also where the flush timer
// fires when the scheduler is loop-bound.
type Log struct {
	clock    sched.Scheduler
	interval time.Duration
	maxBytes int

	pending map[string][]byte
	durable map[string]*logging.RingBuffer
	ticker  sched.Timer
}

// New creates a log store. Zero values take the defaults.
func New(clock sched.Scheduler, interval time.Duration, maxBytes int) *Log {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Log{
		clock:    clock,
		interval: interval,
		maxBytes: maxBytes,
		pending:  make(map[string][]byte),
		durable:  make(map[string]*logging.RingBuffer),
	}
}

// Start begins periodic flushing.
func (l *Log) Start() {
	if l.ticker == nil {
		l.ticker = l.clock.Every(l.interval, l.Flush)
	}
}

// Stop ends periodic flushing after one final flush.
func (l *Log) Stop() {
	sched.Stop(l.ticker)
	l.ticker = nil
	l.Flush()
}

// EnsureRecord creates the durable log for owner if it does not exist.
// Pending output for an owner without a record is never flushed.
func (l *Log) EnsureRecord(owner string) {
	if _, ok := l.durable[owner]; !ok {
		l.durable[owner] = logging.NewRingBuffer(l.maxBytes)
	}
}

// HasRecord reports whether owner has a durable log.
func (l *Log) HasRecord(owner string) bool {
	_, ok := l.durable[owner]
	return ok
}

// Append accumulates text for owner until the next flush. Pending output is
// bounded like the durable log.
func (l *Log) Append(owner, text string) {
	if text == "" {
		return
	}
	p := append(l.pending[owner], text...)
	if over := len(p) - l.maxBytes; over > 0 {
		p = append(p[:0:0], p[over:]...)
		logging.Aggregate(logging.CompOutput, "pending_trimmed", slog.String("owner", owner))
	}
	l.pending[owner] = p
}

// Flush merges pending output into the durable log of every owner that has
// one. Owners without a record keep their pending output.
func (l *Log) Flush() {
	for owner, p := range l.pending {
		rb, ok := l.durable[owner]
		if !ok {
			continue
		}
		_, _ = rb.Write(p)
		delete(l.pending, owner)
	}
}

// Read returns the durable log followed by any pending output, so readers
// never lag a flush interval behind.
func (l *Log) Read(owner string) string {
	var out []byte
	if rb, ok := l.durable[owner]; ok {
		out = rb.Bytes()
	}
	out = append(out, l.pending[owner]...)
	return string(trimPartialRune(out))
}

// Size returns durable and pending byte counts for owner.
func (l *Log) Size(owner string) (durable, pending int) {
	if rb, ok := l.durable[owner]; ok {
		durable = rb.Len()
	}
	return durable, len(l.pending[owner])
}

// Clear discards both durable and pending output for owner. The durable
// record itself survives.
func (l *Log) Clear(owner string) {
	if rb, ok := l.durable[owner]; ok {
		rb.Reset()
	}
	delete(l.pending, owner)
	outLog.Debug("log_cleared", slog.String("owner", owner))
}

// Drop removes owner's record and all of its output.
func (l *Log) Drop(owner string) {
	delete(l.durable, owner)
	delete(l.pending, owner)
}

// trimPartialRune skips continuation bytes left at the front when the ring
// buffer cut a multi-byte rune.
func trimPartialRune(b []byte) []byte {
	i := 0
	for i < len(b) && i < utf8.UTFMax-1 && !utf8.RuneStart(b[i]) {
		i++
	}
	return b[i:]
}
