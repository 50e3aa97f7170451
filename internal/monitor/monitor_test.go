package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/asheshgoplani/shellpulse/internal/renderbuf"
	"github.com/asheshgoplani/shellpulse/internal/sched"
	"github.com/asheshgoplani/shellpulse/internal/session"
	"github.com/asheshgoplani/shellpulse/internal/statedb"
	"github.com/asheshgoplani/shellpulse/internal/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHost struct {
	mu         sync.Mutex
	next       session.ID
	inputs     map[session.ID][]string
	closed     []session.ID
	sizes      map[session.ID][2]uint16
	failCreate error
	// onCreate runs before CreateSession returns.
	onCreate func(id session.ID)
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		inputs: make(map[session.ID][]string),
		sizes:  make(map[session.ID][2]uint16),
	}
}

func (h *fakeHost) CreateSession(ctx context.Context, cwd, label string) (session.ID, error) {
	h.mu.Lock()
	if h.failCreate != nil {
		err := h.failCreate
		h.mu.Unlock()
		return 0, err
	}
	h.next++
	id := h.next
	hook := h.onCreate
	h.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return id, nil
}

func (h *fakeHost) SendInput(id session.ID, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inputs[id] = append(h.inputs[id], string(data))
	return nil
}

func (h *fakeHost) CloseSession(id session.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, id)
	return nil
}

func (h *fakeHost) Resize(id session.ID, cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sizes[id] = [2]uint16{cols, rows}
	return nil
}

func (h *fakeHost) inputFor(id session.ID) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.inputs[id]...)
}

func (h *fakeHost) closedIDs() []session.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]session.ID(nil), h.closed...)
}

func (h *fakeHost) setFailCreate(err error) {
	h.mu.Lock()
	h.failCreate = err
	h.mu.Unlock()
}

type harness struct {
	t     *testing.T
	mon   *Monitor
	host  *fakeHost
	clock *sched.Manual
	ctx   context.Context
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	host := newFakeHost()
	clock := sched.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := Config{Host: host, Clock: clock}
	if mutate != nil {
		mutate(&cfg)
	}
	mon, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	h := &harness{t: t, mon: mon, host: host, clock: clock, ctx: context.Background()}
	h.sync()
	return h
}

// sync waits until everything posted so far has run on the loop.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.mon.loop.Call(h.ctx, func() {}))
}

// advance moves the clock in small steps so callbacks posted by one timer
// can arm the next before time moves on.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	const step = 10 * time.Millisecond
	for d > 0 {
		s := min(step, d)
		h.clock.Advance(s)
		h.sync()
		d -= s
	}
}

func (h *harness) output(id session.ID, s string) {
	h.mon.HandleOutput(id, []byte(s))
	h.sync()
}

func (h *harness) state(id session.ID) status.State {
	h.t.Helper()
	info, err := h.mon.State(h.ctx, id)
	require.NoError(h.t, err)
	return info.State
}

func TestNewRequiresHost(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestPaneOutputBufferedUntilFlush(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.mon.OpenPane(h.ctx, "/tmp", "shell")
	require.NoError(t, err)

	h.output(id, "\x1b[31mred\x1b[0m ")
	h.output(id, "plain")

	got, err := h.mon.FlushToRenderer(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "\x1b[31mred\x1b[0m plain", string(got), "panes receive raw bytes")

	got, err = h.mon.FlushToRenderer(h.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPaneActivationFlushesThenStreams(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.mon.OpenPane(h.ctx, "", "shell")
	require.NoError(t, err)

	var writes []string
	r := renderbuf.RendererFunc(func(b []byte) { writes = append(writes, string(b)) })

	h.output(id, "one ")
	h.output(id, "two ")
	require.NoError(t, h.mon.AttachRenderer(h.ctx, id, r))
	assert.Empty(t, writes, "inactive pane stays buffered")

	require.NoError(t, h.mon.Activate(h.ctx, id))
	h.output(id, "three")
	h.sync()

	assert.Equal(t, []string{"one two ", "three"}, writes)

	require.NoError(t, h.mon.DetachRenderer(h.ctx, id))
	h.output(id, "four")
	got, err := h.mon.FlushToRenderer(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "four", string(got))
}

func TestOutputBeforeBindIsDeliveredFirst(t *testing.T) {
	h := newHarness(t, nil)
	h.host.onCreate = func(id session.ID) {
		h.mon.HandleOutput(id, []byte("early "))
	}

	id, err := h.mon.OpenPane(h.ctx, "", "shell")
	require.NoError(t, err)
	h.output(id, "late")

	got, err := h.mon.FlushToRenderer(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "early late", string(got))
}

func TestUnknownPane(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.mon.FlushToRenderer(h.ctx, 42)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, h.mon.Activate(h.ctx, 42), ErrUnknownSession)
	assert.ErrorIs(t, h.mon.ClosePane(h.ctx, 42), ErrUnknownSession)
	_, err = h.mon.State(h.ctx, 42)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestStateChangesPublished(t *testing.T) {
	var (
		mu      sync.Mutex
		changes []status.State
	)
	h := newHarness(t, func(c *Config) {
		c.OnStateChange = func(_ session.ID, s status.State) {
			mu.Lock()
			changes = append(changes, s)
			mu.Unlock()
		}
	})
	events, unsubscribe := h.mon.Subscribe(8)
	defer unsubscribe()

	id, err := h.mon.OpenPane(h.ctx, "", "claude")
	require.NoError(t, err)

	h.output(id, "⏺ Explore(src/)\n")
	h.advance(300 * time.Millisecond)
	assert.Equal(t, status.Working, h.state(id))

	ev := <-events
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, session.PaneOwner(id), ev.Owner)
	assert.Equal(t, status.Idle, ev.From)
	assert.Equal(t, status.Working, ev.To)

	h.output(id, "Do you want to proceed?\n")
	h.advance(300 * time.Millisecond)
	assert.Equal(t, status.Waiting, h.state(id))

	mu.Lock()
	assert.Equal(t, []status.State{status.Working, status.Waiting}, changes)
	mu.Unlock()

	snap, err := h.mon.Snapshot(h.ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "claude", snap[0].Label)
	assert.Equal(t, status.Waiting, snap[0].State)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := newHarness(t, nil)
	events, unsubscribe := h.mon.Subscribe(1)
	unsubscribe()
	unsubscribe()
	_, ok := <-events
	assert.False(t, ok)
}

func TestClosePurgesSessionAndTimers(t *testing.T) {
	h := newHarness(t, nil)
	baseline := h.clock.Pending()

	id, err := h.mon.OpenPane(h.ctx, "", "shell")
	require.NoError(t, err)
	h.output(id, "⏺ Bash(ls)\n")
	assert.Greater(t, h.clock.Pending(), baseline, "debounce and idle timers armed")

	h.mon.HandleClosed(id)
	h.sync()
	assert.Equal(t, baseline, h.clock.Pending())

	h.advance(20 * time.Second)
	snap, err := h.mon.Snapshot(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestClosePaneClosesHostSession(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.mon.OpenPane(h.ctx, "", "shell")
	require.NoError(t, err)

	require.NoError(t, h.mon.ClosePane(h.ctx, id))
	assert.Equal(t, []session.ID{id}, h.host.closedIDs())
	_, err = h.mon.FlushToRenderer(h.ctx, id)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestSetRulesAppliesToLiveSessions(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.mon.OpenPane(h.ctx, "", "shell")
	require.NoError(t, err)

	raw := status.MergeRawRules(status.DefaultRawRules(), nil, &status.RawRules{Waiting: []string{"Enter passphrase"}})
	rules, err := status.CompileRules(raw)
	require.NoError(t, err)
	h.mon.SetRules(rules)

	h.output(id, "Enter passphrase for key: ")
	h.advance(300 * time.Millisecond)
	assert.Equal(t, status.Waiting, h.state(id))
}

func TestInputAndResizeReachHost(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.mon.OpenPane(h.ctx, "", "shell")
	require.NoError(t, err)

	require.NoError(t, h.mon.Input(id, []byte("ls\n")))
	require.NoError(t, h.mon.Resize(id, 120, 40))
	assert.Equal(t, []string{"ls\n"}, h.host.inputFor(id))
	h.host.mu.Lock()
	assert.Equal(t, [2]uint16{120, 40}, h.host.sizes[id])
	h.host.mu.Unlock()
}

func TestOpenPaneCreateFailure(t *testing.T) {
	h := newHarness(t, nil)
	boom := errors.New("no pty")
	h.host.setFailCreate(boom)

	_, err := h.mon.OpenPane(h.ctx, "", "shell")
	require.ErrorIs(t, err, boom)
}

func TestRunDrainsPersistence(t *testing.T) {
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	defer db.Close()

	host := newFakeHost()
	clock := sched.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	mon, err := New(Config{Host: host, Clock: clock, Store: db})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	id, err := mon.OpenPane(context.Background(), "", "shell")
	require.NoError(t, err)
	mon.HandleOutput(id, []byte("⏺ Read(main.go)\n"))
	require.NoError(t, mon.loop.Call(context.Background(), func() {}))
	clock.Advance(300 * time.Millisecond)
	require.NoError(t, mon.loop.Call(context.Background(), func() {}))

	cancel()
	require.NoError(t, <-done)

	states, err := db.ReadSessionStates()
	require.NoError(t, err)
	require.Contains(t, states, uint32(id))
	assert.Equal(t, string(status.Working), states[uint32(id)].State)
	assert.Equal(t, "pane", states[uint32(id)].OwnerKind)
}

func TestBindOwnerDrainsOrphansIntoServiceLog(t *testing.T) {
	h := newHarness(t, nil)
	const id = session.ID(42)

	h.output(id, "\x1b[2Kbooting\r\n")
	h.output(id, "listening\n")
	require.NoError(t, h.mon.BindOwner(h.ctx, id, session.ServiceOwner("worker")))
	h.output(id, "ready\n")

	got, err := h.mon.GetLog(h.ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, "booting\nlistening\nready\n", got)
}

func TestOrphansExpireBeforeBind(t *testing.T) {
	h := newHarness(t, nil)
	const id = session.ID(43)

	h.output(id, "lost\n")
	h.advance(5100 * time.Millisecond)
	require.NoError(t, h.mon.BindOwner(h.ctx, id, session.ServiceOwner("late")))
	h.output(id, "kept\n")

	got, err := h.mon.GetLog(h.ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, "kept\n", got)
}

func TestChunkAfterCloseIsIgnored(t *testing.T) {
	var (
		mu      sync.Mutex
		changes []status.State
	)
	h := newHarness(t, func(c *Config) {
		c.OnStateChange = func(_ session.ID, s status.State) {
			mu.Lock()
			changes = append(changes, s)
			mu.Unlock()
		}
	})
	id, err := h.mon.OpenPane(h.ctx, "", "shell")
	require.NoError(t, err)
	events, unsubscribe := h.mon.Subscribe(8)
	defer unsubscribe()

	require.NoError(t, h.mon.ClosePane(h.ctx, id))
	h.output(id, "⏺ Bash(ls)\n")
	h.advance(400 * time.Millisecond)

	snap, err := h.mon.Snapshot(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
	select {
	case ev := <-events:
		t.Fatalf("unexpected state change %+v", ev)
	default:
	}
	mu.Lock()
	assert.Empty(t, changes)
	mu.Unlock()
}

func TestBindAfterCloseFails(t *testing.T) {
	h := newHarness(t, nil)
	const id = session.ID(44)

	h.output(id, "early\n")
	h.mon.HandleClosed(id)
	h.sync()

	err := h.mon.BindOwner(h.ctx, id, session.ServiceOwner("gone"))
	require.ErrorIs(t, err, ErrSessionClosed)
	snap, err := h.mon.Snapshot(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestOpenPaneSessionExitsDuringCreate(t *testing.T) {
	h := newHarness(t, nil)
	h.host.onCreate = func(id session.ID) {
		h.mon.HandleClosed(id)
	}

	_, err := h.mon.OpenPane(h.ctx, "", "shell")
	require.ErrorIs(t, err, ErrSessionClosed)
	snap, err := h.mon.Snapshot(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}
