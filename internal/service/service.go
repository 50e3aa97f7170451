// Package service models background services: persisted launch definitions
// and the single live instance each one may have.
package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/shellpulse/internal/session"
)

var (
	// ErrNotFound is returned for an unknown service id.
	ErrNotFound = errors.New("service: not found")
	// ErrAlreadyRunning is returned when a service already has a live instance.
	ErrAlreadyRunning = errors.New("service: already running")
	// ErrNotRunning is returned when an operation needs a live instance.
	ErrNotRunning = errors.New("service: not running")
)

// Definition is the persisted description of a service.
type Definition struct {
	ID            string    `json:"id" toml:"-"`
	DisplayName   string    `json:"display_name" toml:"name"`
	LaunchCommand string    `json:"launch_command" toml:"command"`
	WorkingDir    string    `json:"working_dir" toml:"dir"`
	Color         string    `json:"color,omitempty" toml:"color"`
	LinkedName    string    `json:"linked_name,omitempty" toml:"linked_name"`
	CreatedAt     time.Time `json:"created_at" toml:"-"`
}

// NewDefinition returns a definition with a fresh id.
func NewDefinition(name, command, dir string) Definition {
	return Definition{
		ID:            uuid.NewString(),
		DisplayName:   name,
		LaunchCommand: command,
		WorkingDir:    dir,
		CreatedAt:     time.Now(),
	}
}

// Validate checks the fields needed to launch the service.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("service: empty id")
	}
	if strings.TrimSpace(d.LaunchCommand) == "" {
		return fmt.Errorf("service %s: empty launch command", d.ID)
	}
	return nil
}

// Label is the name shown for the service, including its linked name.
func (d Definition) Label() string {
	name := d.DisplayName
	if name == "" {
		name = d.ID
	}
	if d.LinkedName != "" {
		return name + " (" + d.LinkedName + ")"
	}
	return name
}

// Owner returns the pipeline owner for this service.
func (d Definition) Owner() session.Owner {
	return session.ServiceOwner(d.ID)
}

// Status is the runtime status of a service instance.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusErrored  Status = "errored"
)

// Live reports whether an instance in this status occupies its service's
// single live slot.
func (s Status) Live() bool {
	return s == StatusStarting || s == StatusRunning
}

// Instance is one run of a service.
type Instance struct {
	ServiceID  string     `json:"service_id"`
	SessionID  session.ID `json:"session_id"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  time.Time  `json:"stopped_at,omitzero"`
	ExitReason string     `json:"exit_reason,omitempty"`
	RunID      int64      `json:"run_id,omitempty"`

	stopRequested bool
	restart       bool
}

// StopRequested reports whether the current run was asked to stop.
func (i *Instance) StopRequested() bool { return i.stopRequested }

// Registry holds definitions and the latest instance of each. It enforces
// at most one live instance per service. It is not safe for concurrent use.
type Registry struct {
	defs      map[string]Definition
	instances map[string]*Instance
	bySession map[session.ID]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:      make(map[string]Definition),
		instances: make(map[string]*Instance),
		bySession: make(map[session.ID]string),
	}
}

// Put adds or replaces a definition.
func (r *Registry) Put(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.defs[d.ID] = d
	return nil
}

// Get returns a definition.
func (r *Registry) Get(id string) (Definition, error) {
	d, ok := r.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// Remove deletes a definition and its instance record.
func (r *Registry) Remove(id string) error {
	if _, ok := r.defs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.defs, id)
	if inst := r.instances[id]; inst != nil {
		delete(r.bySession, inst.SessionID)
		delete(r.instances, id)
	}
	return nil
}

// List returns all definitions sorted by display name, then id.
func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].ID < out[j].ID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Instance returns the latest instance of a service, live or not.
func (r *Registry) Instance(id string) (*Instance, bool) {
	inst, ok := r.instances[id]
	return inst, ok
}

// BySession returns the instance attached to a session.
func (r *Registry) BySession(sid session.ID) (*Instance, bool) {
	id, ok := r.bySession[sid]
	if !ok {
		return nil, false
	}
	inst := r.instances[id]
	return inst, inst != nil
}

// Reserve claims the live slot of a service before its session exists.
func (r *Registry) Reserve(id string, now time.Time) (*Instance, error) {
	if _, ok := r.defs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if inst := r.instances[id]; inst != nil && inst.Status.Live() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	inst := &Instance{ServiceID: id, Status: StatusStarting, StartedAt: now}
	r.instances[id] = inst
	return inst, nil
}

// Release gives up a reservation whose session never materialized.
func (r *Registry) Release(id string, reason string, now time.Time) {
	inst := r.instances[id]
	if inst == nil || inst.Status != StatusStarting {
		return
	}
	inst.Status = StatusErrored
	inst.ExitReason = reason
	inst.StoppedAt = now
}

// Attach records the session of a reserved instance and marks it running.
func (r *Registry) Attach(id string, sid session.ID) (*Instance, error) {
	inst := r.instances[id]
	if inst == nil || inst.Status != StatusStarting {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	inst.SessionID = sid
	inst.Status = StatusRunning
	r.bySession[sid] = id
	return inst, nil
}

// RequestStop marks the live instance as asked to stop and returns it.
func (r *Registry) RequestStop(id string, restart bool) (*Instance, error) {
	if _, ok := r.defs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	inst := r.instances[id]
	if inst == nil || inst.Status != StatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	inst.stopRequested = true
	inst.restart = inst.restart || restart
	return inst, nil
}

// Exited finalizes the instance attached to sid. A run that was asked to
// stop ends as stopped, anything else as errored. It returns the instance
// and whether a restart was requested.
func (r *Registry) Exited(sid session.ID, reason string, now time.Time) (*Instance, bool) {
	id, ok := r.bySession[sid]
	if !ok {
		return nil, false
	}
	delete(r.bySession, sid)
	inst := r.instances[id]
	if inst == nil {
		return nil, false
	}
	if inst.stopRequested {
		inst.Status = StatusStopped
	} else {
		inst.Status = StatusErrored
	}
	if reason == "" {
		reason = "exited"
	}
	inst.ExitReason = reason
	inst.StoppedAt = now
	restart := inst.restart
	inst.restart = false
	return inst, restart
}

// Running returns every live instance.
func (r *Registry) Running() []*Instance {
	var out []*Instance
	for _, inst := range r.instances {
		if inst.Status.Live() {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}
