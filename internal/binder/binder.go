// Package binder decides which owner a session's output belongs to while
// the session's owner is still being established.
//
// Session creation is asynchronous: output tagged with a new id can arrive
// before the create call that returned the id has settled. Every id
// therefore moves through an explicit claim state machine:
//
//	Unclaimed --RegisterPending--> PendingBound --Commit--> Committed
//	    |                                                       ^
//	    +-------------------------Commit------------------------+
//
// Unclaimed output is held as orphans for a bounded time and drained, in
// arrival order, into the owner as soon as one is known.
package binder

import (
	"log/slog"
	"time"

	"github.com/asheshgoplani/shellpulse/internal/logging"
	"github.com/asheshgoplani/shellpulse/internal/sched"
	"github.com/asheshgoplani/shellpulse/internal/session"
)

var binderLog = logging.ForComponent(logging.CompBinder)

const (
	// DefaultOrphanTTL is how long unclaimed output is kept.
	DefaultOrphanTTL = 5 * time.Second
	// DefaultOrphanMaxBytes caps unclaimed output per id; oldest chunks go first.
	DefaultOrphanMaxBytes = 50_000
)

// State is the claim state of a session id.
type State int

const (
	Unclaimed State = iota
	PendingBound
	Committed
)

func (s State) String() string {
	switch s {
	case PendingBound:
		return "pending"
	case Committed:
		return "committed"
	default:
		return "unclaimed"
	}
}

// DeliverFunc receives routed output. It is called synchronously from Route
// and Commit.
type DeliverFunc func(id session.ID, owner session.Owner, chunk []byte)

type orphan struct {
	data []byte
	at   time.Time
}

type claim struct {
	state   State
	owner   session.Owner
	orphans []orphan
	bytes   int
	expiry  sched.Timer
}

// Options tunes orphan handling. Zero fields take the defaults.
type Options struct {
	OrphanTTL      time.Duration
	OrphanMaxBytes int
}

// Binder holds one claim per session id. It is not safe for concurrent use;
// it is owned by the pipeline goroutine.
type Binder struct {
	clock   sched.Scheduler
	opts    Options
	deliver DeliverFunc
	claims  map[session.ID]*claim
}

// New creates a binder that hands routed output to deliver.
func New(clock sched.Scheduler, opts Options, deliver DeliverFunc) *Binder {
	if opts.OrphanTTL <= 0 {
		opts.OrphanTTL = DefaultOrphanTTL
	}
	if opts.OrphanMaxBytes <= 0 {
		opts.OrphanMaxBytes = DefaultOrphanMaxBytes
	}
	return &Binder{
		clock:   clock,
		opts:    opts,
		deliver: deliver,
		claims:  make(map[session.ID]*claim),
	}
}

// Route delivers chunk to the committed or pending owner of id, or holds it
// as an orphan. It reports whether the chunk was delivered.
func (b *Binder) Route(id session.ID, chunk []byte) bool {
	c := b.claims[id]
	if c != nil && c.state != Unclaimed {
		b.deliver(id, c.owner, chunk)
		return true
	}
	if c == nil {
		c = &claim{}
		b.claims[id] = c
	}
	b.addOrphan(id, c, chunk)
	return false
}

func (b *Binder) addOrphan(id session.ID, c *claim, chunk []byte) {
	data := make([]byte, len(chunk))
	copy(data, chunk)
	c.orphans = append(c.orphans, orphan{data: data, at: b.clock.Now()})
	c.bytes += len(data)

	for c.bytes > b.opts.OrphanMaxBytes && len(c.orphans) > 1 {
		c.bytes -= len(c.orphans[0].data)
		c.orphans[0] = orphan{}
		c.orphans = c.orphans[1:]
		logging.Aggregate(logging.CompBinder, "orphan_dropped_overflow", slog.String("session", id.String()))
	}

	if c.expiry == nil {
		c.expiry = b.clock.AfterFunc(b.opts.OrphanTTL, func() { b.expire(id) })
		binderLog.Debug("orphan_queue_started", slog.String("session", id.String()))
	}
	logging.Aggregate(logging.CompBinder, "orphan_buffered")
}

// expire drops orphans older than the TTL. Younger ones get a new deadline
// so a chunk is only ever dropped once it has waited the full TTL.
func (b *Binder) expire(id session.ID) {
	c := b.claims[id]
	if c == nil || c.state != Unclaimed {
		return
	}
	c.expiry = nil

	cutoff := b.clock.Now().Add(-b.opts.OrphanTTL)
	n := 0
	for n < len(c.orphans) && !c.orphans[n].at.After(cutoff) {
		c.bytes -= len(c.orphans[n].data)
		n++
	}
	if n > 0 {
		binderLog.Debug("orphans_expired",
			slog.String("session", id.String()),
			slog.Int("chunks", n))
		c.orphans = c.orphans[n:]
	}

	if len(c.orphans) == 0 {
		delete(b.claims, id)
		return
	}
	wait := c.orphans[0].at.Add(b.opts.OrphanTTL).Sub(b.clock.Now())
	c.expiry = b.clock.AfterFunc(wait, func() { b.expire(id) })
}

// RegisterPending binds id to owner before the owner's record exists.
// Held orphans are drained into owner first, so output routed from now on
// can never overtake them.
func (b *Binder) RegisterPending(id session.ID, owner session.Owner) {
	c := b.claims[id]
	if c == nil {
		c = &claim{}
		b.claims[id] = c
	}
	if c.state == Committed {
		binderLog.Warn("register_pending_after_commit",
			slog.String("session", id.String()),
			slog.String("owner", c.owner.String()))
		return
	}
	c.state = PendingBound
	c.owner = owner
	b.drain(id, c)
}

// Commit makes owner the permanent owner of id and drains any held orphans
// into it in arrival order.
func (b *Binder) Commit(id session.ID, owner session.Owner) {
	c := b.claims[id]
	if c == nil {
		c = &claim{}
		b.claims[id] = c
	}
	c.state = Committed
	c.owner = owner
	b.drain(id, c)
}

func (b *Binder) drain(id session.ID, c *claim) {
	sched.Stop(c.expiry)
	c.expiry = nil

	orphans := c.orphans
	c.orphans = nil
	c.bytes = 0
	for _, o := range orphans {
		b.deliver(id, c.owner, o.data)
	}
	if len(orphans) > 0 {
		binderLog.Debug("orphans_drained",
			slog.String("session", id.String()),
			slog.String("owner", c.owner.String()),
			slog.Int("chunks", len(orphans)))
	}
}

// Abandon discards everything held for id after a failed creation.
func (b *Binder) Abandon(id session.ID) {
	b.Release(id)
}

// Release forgets id entirely, cancelling its orphan timer.
func (b *Binder) Release(id session.ID) {
	c := b.claims[id]
	if c == nil {
		return
	}
	sched.Stop(c.expiry)
	delete(b.claims, id)
}

// Lookup returns the claim state and owner of id. ok is false if nothing is
// known about id.
func (b *Binder) Lookup(id session.ID) (state State, owner session.Owner, ok bool) {
	c := b.claims[id]
	if c == nil {
		return Unclaimed, session.Owner{}, false
	}
	return c.state, c.owner, true
}

// Orphans returns the number of chunks and bytes held for id.
func (b *Binder) Orphans(id session.ID) (chunks, bytes int) {
	if c := b.claims[id]; c != nil {
		return len(c.orphans), c.bytes
	}
	return 0, 0
}

// Len returns the number of ids with a claim.
func (b *Binder) Len() int { return len(b.claims) }
