// Package monitor wires the output pipeline: every chunk a session produces
// is sanitized and classified, then routed to a render pane or a service log
// depending on who owns the session.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/shellpulse/internal/ansi"
	"github.com/asheshgoplani/shellpulse/internal/binder"
	"github.com/asheshgoplani/shellpulse/internal/logging"
	"github.com/asheshgoplani/shellpulse/internal/outlog"
	"github.com/asheshgoplani/shellpulse/internal/renderbuf"
	"github.com/asheshgoplani/shellpulse/internal/sched"
	"github.com/asheshgoplani/shellpulse/internal/service"
	"github.com/asheshgoplani/shellpulse/internal/session"
	"github.com/asheshgoplani/shellpulse/internal/statedb"
	"github.com/asheshgoplani/shellpulse/internal/status"
)

var (
	monLog   = logging.ForComponent(logging.CompSession)
	storeLog = logging.ForComponent(logging.CompStorage)
)

// ErrUnknownSession is returned for a session id the monitor does not track.
var ErrUnknownSession = errors.New("monitor: unknown session")

// ErrSessionClosed is returned when a session ended before its owner could
// be bound.
var ErrSessionClosed = errors.New("monitor: session closed")

// DefaultGracefulStop is how long a service gets to exit after ^C before
// its session is closed.
const DefaultGracefulStop = 3 * time.Second

// closedRetention is how long a closed session id is remembered so late
// output and late binds for it are ignored.
const closedRetention = time.Minute

// Config configures a Monitor. Host is required.
type Config struct {
	Host Host
	// Clock defaults to sched.Real.
	Clock sched.Scheduler
	// Store is optional. Without it nothing is persisted.
	Store Store

	Rules          *status.Rules
	Status         status.Options
	Binder         binder.Options
	RenderMaxBytes int
	OutputFlush    time.Duration
	OutputMaxBytes int
	GracefulStop   time.Duration

	// Services seeds the registry.
	Services []service.Definition

	// OnStateChange is called on the pipeline goroutine for every
	// resolved state change. It must not block.
	OnStateChange func(id session.ID, state status.State)
}

// StateChange is delivered to subscribers.
type StateChange struct {
	ID    session.ID    `json:"id"`
	Owner session.Owner `json:"owner"`
	From  status.State  `json:"from"`
	To    status.State  `json:"to"`
	Rule  string        `json:"rule,omitempty"`
	At    time.Time     `json:"at"`
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID        session.ID    `json:"id"`
	Owner     session.Owner `json:"owner"`
	Label     string        `json:"label,omitempty"`
	State     status.State  `json:"state"`
	ChangedAt time.Time     `json:"changed_at"`
}

// sessionCtx is the per-session state owned by the loop.
type sessionCtx struct {
	id         session.ID
	owner      session.Owner
	label      string
	classifier *status.Classifier
}

// Monitor owns the pipeline. All pipeline state lives on a single loop
// goroutine; exported methods may be called from any goroutine.
type Monitor struct {
	cfg   Config
	host  Host
	loop  *sched.Loop
	io    *sched.Loop
	clock sched.Scheduler

	// Loop-owned.
	rules      *status.Rules
	sessions   map[session.ID]*sessionCtx
	closed     map[session.ID]time.Time
	binder     *binder.Binder
	render     *renderbuf.Buffer
	logs       *outlog.Log
	services   *service.Registry
	stopTimers map[string]sched.Timer
	runCtx     context.Context

	subMu   sync.Mutex
	subs    map[int]chan StateChange
	nextSub int

	wg sync.WaitGroup
}

// New creates a monitor. Call Run to start it.
func New(cfg Config) (*Monitor, error) {
	if cfg.Host == nil {
		return nil, errors.New("monitor: nil host")
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.Real{}
	}
	if cfg.Rules == nil {
		cfg.Rules = status.MustDefaultRules()
	}
	if cfg.GracefulStop <= 0 {
		cfg.GracefulStop = DefaultGracefulStop
	}

	loop := sched.NewLoop()
	m := &Monitor{
		cfg:        cfg,
		host:       cfg.Host,
		loop:       loop,
		io:         sched.NewLoop(),
		clock:      loop.Bind(cfg.Clock),
		rules:      cfg.Rules,
		sessions:   make(map[session.ID]*sessionCtx),
		closed:     make(map[session.ID]time.Time),
		render:     renderbuf.New(cfg.RenderMaxBytes),
		services:   service.NewRegistry(),
		stopTimers: make(map[string]sched.Timer),
		runCtx:     context.Background(),
		subs:       make(map[int]chan StateChange),
	}
	m.binder = binder.New(m.clock, cfg.Binder, m.deliver)
	m.logs = outlog.New(m.clock, cfg.OutputFlush, cfg.OutputMaxBytes)

	for _, d := range cfg.Services {
		if err := m.services.Put(d); err != nil {
			return nil, fmt.Errorf("seed service %s: %w", d.ID, err)
		}
		m.logs.EnsureRecord(d.ID)
	}
	return m, nil
}

// Run processes pipeline work until ctx is cancelled. Pending persistence
// is drained before it returns.
func (m *Monitor) Run(ctx context.Context) error {
	ioCtx, ioCancel := context.WithCancel(context.Background())
	ioDone := make(chan error, 1)
	go func() { ioDone <- m.io.Run(ioCtx) }()

	m.runCtx = ctx
	m.loop.Post(m.logs.Start)
	err := m.loop.Run(ctx)

	// The loop has exited, so its state can be touched from here.
	m.logs.Stop()
	for id, t := range m.stopTimers {
		sched.Stop(t)
		delete(m.stopTimers, id)
	}
	for _, sc := range m.sessions {
		sc.classifier.Close()
	}
	m.wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if derr := m.io.Call(drainCtx, func() {}); derr != nil {
		monLog.Warn("persist_drain_failed", slog.String("error", derr.Error()))
	}
	cancel()
	ioCancel()
	<-ioDone

	m.subMu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.subMu.Unlock()
	return err
}

// Done is closed once Run has returned.
func (m *Monitor) Done() <-chan struct{} { return m.loop.Done() }

// HandleOutput queues a raw chunk produced by session id. The monitor takes
// ownership of chunk.
func (m *Monitor) HandleOutput(id session.ID, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	m.loop.Post(func() { m.handleOutput(id, chunk) })
}

// HandleClosed reports that session id has ended.
func (m *Monitor) HandleClosed(id session.ID) {
	m.loop.Post(func() { m.closeSession(id, "exited") })
}

func (m *Monitor) handleOutput(id session.ID, chunk []byte) {
	if m.isClosed(id) {
		logging.Aggregate(logging.CompSession, "chunk_after_close", slog.String("session", id.String()))
		return
	}
	sc := m.ensureSession(id)
	if text := ansi.SanitizeBytes(chunk); text != "" {
		sc.classifier.Feed(text)
	}
	if !m.binder.Route(id, chunk) {
		logging.Aggregate(logging.CompBinder, "chunk_orphaned", slog.String("session", id.String()))
	}
}

// deliver is the binder's sink. It runs on the loop.
func (m *Monitor) deliver(id session.ID, owner session.Owner, chunk []byte) {
	switch owner.Kind {
	case session.KindPane:
		m.render.Write(id, chunk)
	case session.KindService:
		m.logs.Append(owner.ID, ansi.SanitizeBytes(chunk))
	}
}

func (m *Monitor) ensureSession(id session.ID) *sessionCtx {
	if sc, ok := m.sessions[id]; ok {
		return sc
	}
	sc := &sessionCtx{id: id}
	sc.classifier = status.NewClassifier(id, m.clock, m.rules, m.cfg.Status, m.onChange)
	m.sessions[id] = sc
	return sc
}

// closeSession cancels every timer of the session and purges its state.
// Calling it for an unknown session is a no-op.
func (m *Monitor) closeSession(id session.ID, reason string) {
	m.markClosed(id)
	sc, ok := m.sessions[id]
	if ok {
		sc.classifier.Close()
		delete(m.sessions, id)
	}
	m.render.Purge(id)
	m.binder.Release(id)

	if inst, restart := m.services.Exited(id, reason, m.clock.Now()); inst != nil {
		m.finishRun(inst)
		if restart {
			m.restartAsync(inst.ServiceID)
		}
	}
	if ok {
		m.persist(func(s Store) error { return s.DeleteSessionState(uint32(id)) })
		monLog.Debug("session_closed",
			slog.String("session", id.String()),
			slog.String("owner", sc.owner.String()),
			slog.String("reason", reason))
	}
}

// markClosed records a tombstone for id and forgets expired ones. Ids are
// never reused while live, and the allocator only wraps after the whole id
// space, so a minute of memory is enough.
func (m *Monitor) markClosed(id session.ID) {
	now := m.clock.Now()
	for old, at := range m.closed {
		if now.Sub(at) >= closedRetention {
			delete(m.closed, old)
		}
	}
	m.closed[id] = now
}

func (m *Monitor) isClosed(id session.ID) bool {
	at, ok := m.closed[id]
	return ok && m.clock.Now().Sub(at) < closedRetention
}

func (m *Monitor) onChange(c status.Change) {
	sc := m.sessions[c.ID]
	if sc == nil {
		return
	}
	ev := StateChange{ID: c.ID, Owner: sc.owner, From: c.From, To: c.To, Rule: c.Match.Rule, At: c.At}
	monLog.Debug("state_changed",
		slog.String("session", c.ID.String()),
		slog.String("from", string(c.From)),
		slog.String("to", string(c.To)),
		slog.String("rule", c.Match.Rule))

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(c.ID, c.To)
	}
	m.publish(ev)

	row := &statedb.SessionStateRow{
		SessionID: uint32(c.ID),
		OwnerKind: sc.owner.Kind.String(),
		OwnerID:   sc.owner.ID,
		State:     string(c.To),
		ChangedAt: c.At,
	}
	m.persist(func(s Store) error { return s.WriteSessionState(row) })
}

// Subscribe returns a channel of state changes and a function that ends the
// subscription. Changes are dropped for a subscriber whose buffer is full.
func (m *Monitor) Subscribe(buffer int) (<-chan StateChange, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan StateChange, buffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			if c, ok := m.subs[id]; ok {
				close(c)
				delete(m.subs, id)
			}
			m.subMu.Unlock()
		})
	}
}

func (m *Monitor) publish(ev StateChange) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			logging.Aggregate(logging.CompSession, "subscriber_dropped")
		}
	}
}

// Snapshot returns every tracked session ordered by id.
func (m *Monitor) Snapshot(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := m.loop.Call(ctx, func() {
		out = make([]SessionInfo, 0, len(m.sessions))
		for _, sc := range m.sessions {
			out = append(out, sc.info())
		}
	})
	if err != nil {
		return nil, err
	}
	sortSessions(out)
	return out, nil
}

// State returns the current state of one session.
func (m *Monitor) State(ctx context.Context, id session.ID) (SessionInfo, error) {
	var (
		info SessionInfo
		ok   bool
	)
	err := m.loop.Call(ctx, func() {
		var sc *sessionCtx
		if sc, ok = m.sessions[id]; ok {
			info = sc.info()
		}
	})
	if err != nil {
		return SessionInfo{}, err
	}
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return info, nil
}

func (sc *sessionCtx) info() SessionInfo {
	return SessionInfo{
		ID:        sc.id,
		Owner:     sc.owner,
		Label:     sc.label,
		State:     sc.classifier.State(),
		ChangedAt: sc.classifier.ChangedAt(),
	}
}

// SetRules swaps the detection rules of every session and of sessions
// created later.
func (m *Monitor) SetRules(rules *status.Rules) {
	if rules == nil {
		return
	}
	m.loop.Post(func() {
		m.rules = rules
		for _, sc := range m.sessions {
			sc.classifier.SetRules(rules)
		}
		monLog.Info("rules_updated", slog.Int("sessions", len(m.sessions)))
	})
}

// BindOwner commits id to owner. Buffered orphan output is delivered to the
// owner before anything that arrives later. It fails with ErrSessionClosed
// if id has already ended.
func (m *Monitor) BindOwner(ctx context.Context, id session.ID, owner session.Owner) error {
	var bound bool
	if err := m.loop.Call(ctx, func() { bound = m.bind(id, owner, "") }); err != nil {
		return err
	}
	if !bound {
		return fmt.Errorf("bind %s: %w", id, ErrSessionClosed)
	}
	return nil
}

// bind prepares the owner's sink and commits the claim. It reports false,
// changing nothing, if id has already closed.
func (m *Monitor) bind(id session.ID, owner session.Owner, label string) bool {
	if !m.prepare(id, owner, label) {
		return false
	}
	m.binder.Commit(id, owner)
	return true
}

// prepare records the owner of id and opens its sink, so orphans drained
// into it are not lost. A closed id is left alone and false returned.
func (m *Monitor) prepare(id session.ID, owner session.Owner, label string) bool {
	if m.isClosed(id) {
		return false
	}
	sc := m.ensureSession(id)
	sc.owner = owner
	if label != "" {
		sc.label = label
	}
	switch owner.Kind {
	case session.KindPane:
		m.render.Open(id)
	case session.KindService:
		m.logs.EnsureRecord(owner.ID)
	}
	return true
}

// Input writes data to session id.
func (m *Monitor) Input(id session.ID, data []byte) error {
	if err := m.host.SendInput(id, data); err != nil {
		return fmt.Errorf("input %s: %w", id, err)
	}
	return nil
}

// Resize changes the terminal size of session id if the host supports it.
func (m *Monitor) Resize(id session.ID, cols, rows uint16) error {
	r, ok := m.host.(Resizer)
	if !ok {
		return nil
	}
	if err := r.Resize(id, cols, rows); err != nil {
		return fmt.Errorf("resize %s: %w", id, err)
	}
	return nil
}

// persist runs f against the store on the persistence goroutine.
func (m *Monitor) persist(f func(Store) error) {
	store := m.cfg.Store
	if store == nil {
		return
	}
	m.io.Post(func() {
		if err := f(store); err != nil {
			storeLog.Warn("persist_failed", slog.String("error", err.Error()))
		}
	})
}

// goAsync runs f off the loop and tracks it for shutdown. Loop only.
func (m *Monitor) goAsync(f func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
}
