//go:build !windows
// +build !windows

// Package ptyhost runs shell sessions on pseudo-terminals and streams their
// output to a sink.
package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/asheshgoplani/shellpulse/internal/logging"
	"github.com/asheshgoplani/shellpulse/internal/session"
)

var hostLog = logging.ForComponent(logging.CompHost)

// ErrUnknownSession is returned for an id with no live pty.
var ErrUnknownSession = errors.New("ptyhost: unknown session")

// ReadSize is the maximum chunk read from a pty at once.
const ReadSize = 4096

const killGrace = 2 * time.Second

// Sink receives session output and termination. Calls for one session come
// from a single goroutine in order; HandleClosed is always last.
type Sink interface {
	HandleOutput(id session.ID, chunk []byte)
	HandleClosed(id session.ID)
}

// Options configures new sessions.
type Options struct {
	Shell string
	Args  []string
	Env   []string
	Cols  uint16
	Rows  uint16
}

// Info describes a live session.
type Info struct {
	ID        session.ID `json:"id"`
	Label     string     `json:"label"`
	Cwd       string     `json:"cwd"`
	Pid       int        `json:"pid"`
	StartedAt time.Time  `json:"started_at"`
}

type ptySession struct {
	id        session.ID
	label     string
	cwd       string
	cmd       *exec.Cmd
	ptmx      *os.File
	startedAt time.Time
	closeOnce sync.Once
	kill      *time.Timer
}

// Host owns every pty session. It is safe for concurrent use.
type Host struct {
	opts Options
	ids  *session.Allocator

	mu       sync.Mutex
	sink     Sink
	sessions map[session.ID]*ptySession

	wg sync.WaitGroup
}

// New creates a host. SetSink must be called before the first session.
func New(opts Options) *Host {
	if opts.Shell == "" {
		opts.Shell = os.Getenv("SHELL")
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Cols == 0 {
		opts.Cols = 120
	}
	if opts.Rows == 0 {
		opts.Rows = 32
	}
	return &Host{
		opts:     opts,
		ids:      session.NewAllocator(),
		sessions: make(map[session.ID]*ptySession),
	}
}

// SetSink sets where output and close events go.
func (h *Host) SetSink(s Sink) {
	h.mu.Lock()
	h.sink = s
	h.mu.Unlock()
}

// CreateSession starts the shell in cwd. Output may reach the sink before
// CreateSession returns.
func (h *Host) CreateSession(ctx context.Context, cwd, label string) (session.ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	if sink == nil {
		return 0, errors.New("ptyhost: no sink")
	}

	id, err := h.ids.Next()
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(h.opts.Shell, h.opts.Args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")
	cmd.Env = append(cmd.Env, h.opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: h.opts.Cols, Rows: h.opts.Rows})
	if err != nil {
		h.ids.Release(id)
		return 0, fmt.Errorf("start pty: %w", err)
	}

	s := &ptySession{
		id:        id,
		label:     label,
		cwd:       cwd,
		cmd:       cmd,
		ptmx:      ptmx,
		startedAt: time.Now(),
	}
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	h.wg.Add(1)
	go h.stream(s, sink)

	hostLog.Info("pty_started",
		slog.String("session", id.String()),
		slog.String("shell", h.opts.Shell),
		slog.Int("pid", cmd.Process.Pid))
	return id, nil
}

func (h *Host) stream(s *ptySession, sink Sink) {
	defer h.wg.Done()

	buf := make([]byte, ReadSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink.HandleOutput(s.id, chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				hostLog.Warn("pty_read_failed",
					slog.String("session", s.id.String()),
					slog.String("error", err.Error()))
			}
			break
		}
	}

	h.terminate(s)
	_ = s.cmd.Wait()
	if s.kill != nil {
		s.kill.Stop()
	}

	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.ids.Release(s.id)

	hostLog.Info("pty_exited", slog.String("session", s.id.String()))
	sink.HandleClosed(s.id)
}

// terminate closes the pty and signals the process group, killing it if it
// is still around after a grace period.
func (h *Host) terminate(s *ptySession) {
	s.closeOnce.Do(func() {
		_ = s.ptmx.Close()
		if s.cmd.Process == nil {
			return
		}
		pid := s.cmd.Process.Pid
		if pgid, err := syscall.Getpgid(pid); err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGHUP)
		} else {
			_ = s.cmd.Process.Signal(syscall.SIGHUP)
		}
		s.kill = time.AfterFunc(killGrace, func() { _ = s.cmd.Process.Kill() })
	})
}

func (h *Host) lookup(id session.ID) (*ptySession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// SendInput writes data to the session's terminal.
func (h *Host) SendInput(id session.ID, data []byte) error {
	s, err := h.lookup(id)
	if err != nil {
		return err
	}
	if _, err := s.ptmx.Write(data); err != nil {
		return fmt.Errorf("write pty %s: %w", id, err)
	}
	return nil
}

// CloseSession ends the session. The close event follows asynchronously.
func (h *Host) CloseSession(id session.ID) error {
	s, err := h.lookup(id)
	if err != nil {
		return err
	}
	h.terminate(s)
	return nil
}

// Resize sets the terminal size of the session.
func (h *Host) Resize(id session.ID, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid dimensions: cols=%d rows=%d", cols, rows)
	}
	s, err := h.lookup(id)
	if err != nil {
		return err
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// SetCwd records the session's current directory.
func (h *Host) SetCwd(id session.ID, cwd string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.cwd = cwd
	return nil
}

// List returns the live sessions ordered by id.
func (h *Host) List() []Info {
	h.mu.Lock()
	out := make([]Info, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, Info{
			ID:        s.id,
			Label:     s.label,
			Cwd:       s.cwd,
			Pid:       s.cmd.Process.Pid,
			StartedAt: s.startedAt,
		})
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close ends every session and waits for their readers to finish.
func (h *Host) Close() {
	h.mu.Lock()
	live := make([]*ptySession, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()
	for _, s := range live {
		h.terminate(s)
	}
	h.wg.Wait()
}
