package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/asheshgoplani/shellpulse/internal/renderbuf"
	"github.com/asheshgoplani/shellpulse/internal/session"
)

// OpenPane creates an interactive session rendered in a UI pane. Output
// produced before the pane is bound is held and delivered first.
func (m *Monitor) OpenPane(ctx context.Context, cwd, label string) (session.ID, error) {
	id, err := m.host.CreateSession(ctx, cwd, label)
	if err != nil {
		return 0, fmt.Errorf("open pane: %w", err)
	}
	owner := session.PaneOwner(id)
	var bound bool
	err = m.loop.Call(ctx, func() { bound = m.bind(id, owner, label) })
	if err == nil && !bound {
		return 0, fmt.Errorf("open pane %s: %w", id, ErrSessionClosed)
	}
	if err != nil {
		if cerr := m.host.CloseSession(id); cerr != nil {
			monLog.Warn("pane_close_failed", slog.String("session", id.String()), slog.String("error", cerr.Error()))
		}
		return 0, fmt.Errorf("open pane %s: %w", id, err)
	}
	monLog.Info("pane_opened", slog.String("session", id.String()), slog.String("cwd", cwd))
	return id, nil
}

// ClosePane closes the session behind a pane and purges its state.
func (m *Monitor) ClosePane(ctx context.Context, id session.ID) error {
	var known bool
	if err := m.loop.Call(ctx, func() {
		sc, ok := m.sessions[id]
		known = ok && sc.owner.Kind == session.KindPane
	}); err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	herr := m.host.CloseSession(id)
	if herr != nil {
		monLog.Warn("pane_close_failed", slog.String("session", id.String()), slog.String("error", herr.Error()))
	}
	if err := m.loop.Call(ctx, func() { m.closeSession(id, "closed") }); err != nil {
		return err
	}
	return herr
}

// AttachRenderer connects r to pane id. If the pane is active, buffered
// output is flushed to r as one write.
func (m *Monitor) AttachRenderer(ctx context.Context, id session.ID, r renderbuf.Renderer) error {
	return m.paneCall(ctx, id, func() { m.render.Attach(id, r) })
}

// DetachRenderer disconnects the renderer of pane id; output is buffered
// again.
func (m *Monitor) DetachRenderer(ctx context.Context, id session.ID) error {
	return m.paneCall(ctx, id, func() {
		m.render.Detach(id)
		m.render.Deactivate(id)
	})
}

// Activate makes id the visible pane and flushes its buffer to the
// attached renderer.
func (m *Monitor) Activate(ctx context.Context, id session.ID) error {
	return m.paneCall(ctx, id, func() { m.render.Activate(id) })
}

// FlushToRenderer returns and clears everything buffered for pane id.
func (m *Monitor) FlushToRenderer(ctx context.Context, id session.ID) ([]byte, error) {
	var out []byte
	if err := m.paneCall(ctx, id, func() { out = m.render.Flush(id) }); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Monitor) paneCall(ctx context.Context, id session.ID, f func()) error {
	var open bool
	err := m.loop.Call(ctx, func() {
		if open = m.render.IsOpen(id); open {
			f()
		}
	})
	if err != nil {
		return err
	}
	if !open {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return nil
}

func sortSessions(s []SessionInfo) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}
