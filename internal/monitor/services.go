package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/asheshgoplani/shellpulse/internal/logging"
	"github.com/asheshgoplani/shellpulse/internal/sched"
	"github.com/asheshgoplani/shellpulse/internal/service"
	"github.com/asheshgoplani/shellpulse/internal/session"
	"github.com/asheshgoplani/shellpulse/internal/statedb"
)

var svcLog = logging.ForComponent(logging.CompService)

// interruptInput is what a terminal sends for ^C.
var interruptInput = []byte{0x03}

const restartTimeout = 30 * time.Second

// ServiceInfo is a service definition with its latest instance, if any.
type ServiceInfo struct {
	service.Definition
	Instance *service.Instance `json:"instance,omitempty"`
}

// AddService adds or replaces a service definition.
func (m *Monitor) AddService(ctx context.Context, d service.Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	var err error
	if cerr := m.loop.Call(ctx, func() {
		if err = m.services.Put(d); err == nil {
			m.logs.EnsureRecord(d.ID)
		}
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	row := definitionRow(d)
	m.persist(func(s Store) error { return s.SaveService(row) })
	svcLog.Info("service_added", slog.String("service", d.ID), slog.String("name", d.Label()))
	return nil
}

// Services lists every definition with its latest instance.
func (m *Monitor) Services(ctx context.Context) ([]ServiceInfo, error) {
	var out []ServiceInfo
	err := m.loop.Call(ctx, func() {
		defs := m.services.List()
		out = make([]ServiceInfo, 0, len(defs))
		for _, d := range defs {
			out = append(out, m.serviceInfo(d))
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Service returns one definition with its latest instance.
func (m *Monitor) Service(ctx context.Context, id string) (ServiceInfo, error) {
	var (
		info ServiceInfo
		err  error
	)
	if cerr := m.loop.Call(ctx, func() {
		var d service.Definition
		if d, err = m.services.Get(id); err == nil {
			info = m.serviceInfo(d)
		}
	}); cerr != nil {
		return ServiceInfo{}, cerr
	}
	return info, err
}

func (m *Monitor) serviceInfo(d service.Definition) ServiceInfo {
	info := ServiceInfo{Definition: d}
	if inst, ok := m.services.Instance(d.ID); ok {
		cp := *inst
		info.Instance = &cp
	}
	return info
}

// StartService launches a service in a new session. The session is bound
// to the service before the launch command is sent, so none of its output
// can be lost or misrouted.
func (m *Monitor) StartService(ctx context.Context, id string) (service.Instance, error) {
	var (
		def service.Definition
		err error
	)
	if cerr := m.loop.Call(ctx, func() {
		if def, err = m.services.Get(id); err != nil {
			return
		}
		_, err = m.services.Reserve(id, m.clock.Now())
	}); cerr != nil {
		return service.Instance{}, cerr
	}
	if err != nil {
		return service.Instance{}, err
	}

	sid, err := m.host.CreateSession(ctx, def.WorkingDir, def.Label())
	if err != nil {
		reason := err.Error()
		m.loop.Post(func() { m.services.Release(id, reason, m.clock.Now()) })
		svcLog.Warn("service_start_failed", slog.String("service", id), slog.String("error", reason))
		return service.Instance{}, fmt.Errorf("start service %s: %w", id, err)
	}

	owner := def.Owner()
	var exited bool
	if cerr := m.loop.Call(ctx, func() {
		if exited = !m.prepare(sid, owner, def.Label()); exited {
			m.releaseExited(id, sid)
			return
		}
		m.binder.RegisterPending(sid, owner)
	}); cerr != nil {
		m.abandon(id, sid, cerr)
		return service.Instance{}, fmt.Errorf("start service %s: %w", id, cerr)
	}
	if exited {
		return service.Instance{}, fmt.Errorf("start service %s: %w", id, ErrSessionClosed)
	}

	runID := m.insertRun(ctx, &statedb.RunRow{
		ServiceID: id,
		SessionID: uint32(sid),
		Status:    string(service.StatusRunning),
		StartedAt: m.clock.Now(),
	})

	var (
		inst service.Instance
		aerr error
	)
	err = m.loop.Call(ctx, func() {
		if exited = m.isClosed(sid); exited {
			m.releaseExited(id, sid)
			return
		}
		var live *service.Instance
		if live, aerr = m.services.Attach(id, sid); aerr != nil {
			return
		}
		live.RunID = runID
		m.binder.Commit(sid, owner)
		inst = *live
	})
	if err == nil && exited {
		if runID != 0 {
			m.persist(func(s Store) error {
				return s.FinishRun(runID, string(service.StatusErrored), "exited", time.Now())
			})
		}
		return service.Instance{}, fmt.Errorf("start service %s: %w", id, ErrSessionClosed)
	}
	if err == nil {
		err = aerr
	}
	if err != nil {
		m.abandon(id, sid, err)
		if runID != 0 {
			reason := err.Error()
			m.persist(func(s Store) error {
				return s.FinishRun(runID, string(service.StatusErrored), reason, time.Now())
			})
		}
		return service.Instance{}, fmt.Errorf("start service %s: %w", id, err)
	}

	if ierr := m.host.SendInput(sid, []byte(def.LaunchCommand+"\n")); ierr != nil {
		svcLog.Warn("service_launch_input_failed",
			slog.String("service", id),
			slog.String("session", sid.String()),
			slog.String("error", ierr.Error()))
	}
	svcLog.Info("service_started",
		slog.String("service", id),
		slog.String("session", sid.String()),
		slog.Int64("run", runID))
	return inst, nil
}

// abandon undoes a start whose session exists but could not be attached.
func (m *Monitor) abandon(id string, sid session.ID, cause error) {
	reason := cause.Error()
	m.loop.Post(func() {
		m.binder.Abandon(sid)
		m.closeSession(sid, reason)
		m.services.Release(id, reason, m.clock.Now())
	})
	if err := m.host.CloseSession(sid); err != nil {
		svcLog.Warn("service_session_close_failed",
			slog.String("service", id),
			slog.String("session", sid.String()),
			slog.String("error", err.Error()))
	}
}

// releaseExited gives up a reservation whose session ended before it could
// be attached. It runs on the loop.
func (m *Monitor) releaseExited(id string, sid session.ID) {
	m.binder.Abandon(sid)
	m.services.Release(id, "exited", m.clock.Now())
	svcLog.Warn("service_exited_before_attach",
		slog.String("service", id),
		slog.String("session", sid.String()))
}

// insertRun records a run and returns its id, or 0 without a store.
func (m *Monitor) insertRun(ctx context.Context, row *statedb.RunRow) int64 {
	store := m.cfg.Store
	if store == nil {
		return 0
	}
	res := make(chan int64, 1)
	if !m.io.Post(func() {
		id, err := store.InsertRun(row)
		if err != nil {
			storeLog.Warn("run_insert_failed", slog.String("service", row.ServiceID), slog.String("error", err.Error()))
		}
		res <- id
	}) {
		return 0
	}
	select {
	case id := <-res:
		return id
	case <-ctx.Done():
		return 0
	case <-m.io.Done():
		return 0
	}
}

// StopService asks a running service to exit with ^C. If it is still
// running after the graceful stop timeout its session is closed.
func (m *Monitor) StopService(ctx context.Context, id string) error {
	return m.stop(ctx, id, false)
}

// RestartService stops a running service and starts it again once it has
// exited. A service that is not running is simply started.
func (m *Monitor) RestartService(ctx context.Context, id string) error {
	err := m.stop(ctx, id, true)
	if errors.Is(err, service.ErrNotRunning) {
		_, err = m.StartService(ctx, id)
	}
	return err
}

func (m *Monitor) stop(ctx context.Context, id string, restart bool) error {
	var (
		sid session.ID
		err error
	)
	if cerr := m.loop.Call(ctx, func() {
		var inst *service.Instance
		if inst, err = m.services.RequestStop(id, restart); err != nil {
			return
		}
		sid = inst.SessionID
		m.armForceStop(id, sid)
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}

	if ierr := m.host.SendInput(sid, interruptInput); ierr != nil {
		svcLog.Warn("service_interrupt_failed",
			slog.String("service", id),
			slog.String("session", sid.String()),
			slog.String("error", ierr.Error()))
	}
	svcLog.Info("service_stopping", slog.String("service", id), slog.Bool("restart", restart))
	return nil
}

// armForceStop schedules the forced close of a stopping service. Loop only.
func (m *Monitor) armForceStop(id string, sid session.ID) {
	if _, ok := m.stopTimers[id]; ok {
		return
	}
	m.stopTimers[id] = m.clock.AfterFunc(m.cfg.GracefulStop, func() {
		delete(m.stopTimers, id)
		inst, ok := m.services.BySession(sid)
		if !ok || inst.ServiceID != id {
			return
		}
		svcLog.Warn("service_force_close",
			slog.String("service", id),
			slog.String("session", sid.String()),
			slog.Duration("after", m.cfg.GracefulStop))
		m.forceClose(sid, "force closed")
	})
}

// forceClose finalizes sid now and closes it on the host. Loop only.
func (m *Monitor) forceClose(sid session.ID, reason string) {
	m.closeSession(sid, reason)
	m.goAsync(func() {
		if err := m.host.CloseSession(sid); err != nil {
			svcLog.Warn("service_session_close_failed",
				slog.String("session", sid.String()),
				slog.String("error", err.Error()))
		}
	})
}

// finishRun cancels the force timer of a finished instance and records the
// outcome. Loop only.
func (m *Monitor) finishRun(inst *service.Instance) {
	if t, ok := m.stopTimers[inst.ServiceID]; ok {
		sched.Stop(t)
		delete(m.stopTimers, inst.ServiceID)
	}
	svcLog.Info("service_exited",
		slog.String("service", inst.ServiceID),
		slog.String("status", string(inst.Status)),
		slog.String("reason", inst.ExitReason))
	if inst.RunID == 0 {
		return
	}
	runID, st, reason, at := inst.RunID, string(inst.Status), inst.ExitReason, inst.StoppedAt
	m.persist(func(s Store) error { return s.FinishRun(runID, st, reason, at) })
}

// restartAsync starts id again off the loop. Loop only.
func (m *Monitor) restartAsync(id string) {
	parent := m.runCtx
	m.goAsync(func() {
		ctx, cancel := context.WithTimeout(parent, restartTimeout)
		defer cancel()
		if _, err := m.StartService(ctx, id); err != nil {
			svcLog.Warn("service_restart_failed", slog.String("service", id), slog.String("error", err.Error()))
		}
	})
}

// RemoveService stops a running service, then deletes its definition, log
// and run history.
func (m *Monitor) RemoveService(ctx context.Context, id string) error {
	var (
		sid  session.ID
		live bool
		err  error
	)
	if cerr := m.loop.Call(ctx, func() {
		if _, err = m.services.Get(id); err != nil {
			return
		}
		if inst, ok := m.services.Instance(id); ok && inst.Status == service.StatusRunning {
			if _, err = m.services.RequestStop(id, false); err != nil {
				return
			}
			sid, live = inst.SessionID, true
			m.closeSession(sid, "removed")
		}
		if err = m.services.Remove(id); err != nil {
			return
		}
		m.logs.Drop(id)
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}

	if live {
		if ierr := m.host.SendInput(sid, interruptInput); ierr != nil {
			svcLog.Warn("service_interrupt_failed", slog.String("service", id), slog.String("error", ierr.Error()))
		}
		if cerr := m.host.CloseSession(sid); cerr != nil {
			svcLog.Warn("service_session_close_failed", slog.String("service", id), slog.String("error", cerr.Error()))
		}
	}
	m.persist(func(s Store) error {
		_, err := s.DeleteService(id)
		return err
	})
	svcLog.Info("service_removed", slog.String("service", id))
	return nil
}

// GetLog returns the sanitized output log of a service.
func (m *Monitor) GetLog(ctx context.Context, id string) (string, error) {
	var (
		out   string
		found bool
	)
	if err := m.loop.Call(ctx, func() {
		if found = m.logs.HasRecord(id); found {
			out = m.logs.Read(id)
		}
	}); err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %s", service.ErrNotFound, id)
	}
	return out, nil
}

// ClearLog empties the output log of a service.
func (m *Monitor) ClearLog(ctx context.Context, id string) error {
	var found bool
	if err := m.loop.Call(ctx, func() {
		if found = m.logs.HasRecord(id); found {
			m.logs.Clear(id)
		}
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", service.ErrNotFound, id)
	}
	return nil
}

func definitionRow(d service.Definition) *statedb.ServiceRow {
	return &statedb.ServiceRow{
		ID:            d.ID,
		DisplayName:   d.DisplayName,
		LaunchCommand: d.LaunchCommand,
		WorkingDir:    d.WorkingDir,
		Color:         d.Color,
		LinkedName:    d.LinkedName,
		CreatedAt:     d.CreatedAt,
	}
}

// DefinitionFromRow converts a persisted row back into a definition.
func DefinitionFromRow(r *statedb.ServiceRow) service.Definition {
	return service.Definition{
		ID:            r.ID,
		DisplayName:   r.DisplayName,
		LaunchCommand: r.LaunchCommand,
		WorkingDir:    r.WorkingDir,
		Color:         r.Color,
		LinkedName:    r.LinkedName,
		CreatedAt:     r.CreatedAt,
	}
}
