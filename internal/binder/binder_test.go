package binder

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/shellpulse/internal/sched"
	"github.com/asheshgoplani/shellpulse/internal/session"
)

type delivery struct {
	id    session.ID
	owner session.Owner
	data  string
}

type sink struct{ got []delivery }

func (s *sink) deliver(id session.ID, owner session.Owner, chunk []byte) {
	s.got = append(s.got, delivery{id: id, owner: owner, data: string(chunk)})
}

func (s *sink) dataFor(owner session.Owner) []string {
	var out []string
	for _, d := range s.got {
		if d.owner == owner {
			out = append(out, d.data)
		}
	}
	return out
}

func newTestBinder(opts Options) (*Binder, *sched.Manual, *sink) {
	clock := sched.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := &sink{}
	return New(clock, opts, s.deliver), clock, s
}

var svc = session.ServiceOwner("api")

func TestRouteCommitted(t *testing.T) {
	b, _, s := newTestBinder(Options{})
	b.Commit(1, svc)

	assert.True(t, b.Route(1, []byte("hello")))
	assert.Equal(t, []string{"hello"}, s.dataFor(svc))

	state, owner, ok := b.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, Committed, state)
	assert.Equal(t, svc, owner)
}

func TestOrphansDrainOnRegisterInOrder(t *testing.T) {
	b, clock, s := newTestBinder(Options{})

	assert.False(t, b.Route(7, []byte("a")))
	assert.False(t, b.Route(7, []byte("b")))
	chunks, size := b.Orphans(7)
	assert.Equal(t, 2, chunks)
	assert.Equal(t, 2, size)
	assert.Empty(t, s.got)

	b.RegisterPending(7, svc)
	assert.True(t, b.Route(7, []byte("c")))
	b.Commit(7, svc)
	assert.True(t, b.Route(7, []byte("d")))

	assert.Equal(t, []string{"a", "b", "c", "d"}, s.dataFor(svc))
	assert.Zero(t, clock.Pending(), "expiry cancelled once claimed")
	chunks, _ = b.Orphans(7)
	assert.Zero(t, chunks)
}

func TestCommitWithoutPendingDrains(t *testing.T) {
	b, clock, s := newTestBinder(Options{})
	pane := session.PaneOwner(3)

	b.Route(3, []byte("early"))
	clock.Advance(4 * time.Second)
	b.Commit(3, pane)
	b.Route(3, []byte("late"))

	assert.Equal(t, []string{"early", "late"}, s.dataFor(pane))
}

func TestOrphanExpiry(t *testing.T) {
	b, clock, s := newTestBinder(Options{})

	b.Route(9, []byte("lost"))
	clock.Advance(4999 * time.Millisecond)
	chunks, _ := b.Orphans(9)
	assert.Equal(t, 1, chunks)

	clock.Advance(time.Millisecond)
	chunks, _ = b.Orphans(9)
	assert.Zero(t, chunks)
	_, _, ok := b.Lookup(9)
	assert.False(t, ok, "claim removed with its last orphan")
	assert.Zero(t, b.Len())
	assert.Zero(t, clock.Pending())

	b.Commit(9, svc)
	assert.Empty(t, s.got)
}

func TestOrphanExpiryIsPerChunk(t *testing.T) {
	b, clock, s := newTestBinder(Options{})

	b.Route(2, []byte("old"))
	clock.Advance(3 * time.Second)
	b.Route(2, []byte("young"))
	clock.Advance(2 * time.Second)

	chunks, _ := b.Orphans(2)
	assert.Equal(t, 1, chunks, "only the chunk that waited the full TTL is dropped")

	clock.Advance(time.Second)
	b.Commit(2, svc)
	assert.Equal(t, []string{"young"}, s.dataFor(svc))
}

func TestOrphanByteCap(t *testing.T) {
	b, _, s := newTestBinder(Options{OrphanMaxBytes: 10})

	b.Route(4, []byte("12345"))
	b.Route(4, []byte("67890"))
	b.Route(4, []byte("abc"))
	chunks, size := b.Orphans(4)
	assert.Equal(t, 2, chunks)
	assert.Equal(t, 8, size)

	b.Commit(4, svc)
	assert.Equal(t, []string{"67890", "abc"}, s.dataFor(svc))
}

func TestAbandonDiscardsEverything(t *testing.T) {
	b, clock, s := newTestBinder(Options{})

	b.Route(5, []byte("x"))
	b.RegisterPending(6, svc)
	b.Abandon(5)
	b.Abandon(6)
	b.Abandon(99)

	assert.Zero(t, b.Len())
	assert.Zero(t, clock.Pending())
	clock.Advance(time.Minute)
	assert.Empty(t, s.got)
}

func TestRegisterPendingAfterCommitIgnored(t *testing.T) {
	b, _, _ := newTestBinder(Options{})
	pane := session.PaneOwner(1)
	b.Commit(1, pane)
	b.RegisterPending(1, svc)

	state, owner, _ := b.Lookup(1)
	assert.Equal(t, Committed, state)
	assert.Equal(t, pane, owner)
}

func TestReleaseStopsLateExpiry(t *testing.T) {
	b, clock, _ := newTestBinder(Options{})
	b.Route(8, []byte("x"))
	b.Release(8)
	assert.Zero(t, clock.Pending())
	b.expire(8) // a callback that was already queued is harmless
	assert.Zero(t, b.Len())
}

// Any interleaving of arrivals with RegisterPending and Commit, all inside the
// TTL, must deliver every chunk to the owner exactly once and in order.
func TestRaceSafetyInterleavings(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		b, clock, s := newTestBinder(Options{})
		const id = session.ID(11)
		n := 1 + rng.Intn(20)
		registerAt := rng.Intn(n + 1)
		commitAt := registerAt + rng.Intn(n-registerAt+1)
		skipPending := rng.Intn(4) == 0

		var want []string
		for i := 0; i <= n; i++ {
			if i == registerAt && !skipPending {
				b.RegisterPending(id, svc)
			}
			if i == commitAt {
				b.Commit(id, svc)
			}
			if i == n {
				break
			}
			chunk := fmt.Sprintf("c%02d", i)
			want = append(want, chunk)
			b.Route(id, []byte(chunk))
			clock.Advance(time.Duration(rng.Intn(200)) * time.Millisecond)
		}
		require.Equal(t, want, s.dataFor(svc), "trial %d (n=%d register=%d commit=%d)", trial, n, registerAt, commitAt)
		state, _, _ := b.Lookup(id)
		require.Equal(t, Committed, state)
	}
}
