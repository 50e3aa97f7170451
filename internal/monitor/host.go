package monitor

import (
	"context"
	"time"

	"github.com/asheshgoplani/shellpulse/internal/session"
	"github.com/asheshgoplani/shellpulse/internal/statedb"
)

// Host creates and drives shell sessions. Implementations report output and
// termination back through Monitor.HandleOutput and Monitor.HandleClosed,
// and must be safe for concurrent use.
type Host interface {
	CreateSession(ctx context.Context, cwd, label string) (session.ID, error)
	SendInput(id session.ID, data []byte) error
	CloseSession(id session.ID) error
}

// Resizer is implemented by hosts whose sessions have a terminal size.
type Resizer interface {
	Resize(id session.ID, cols, rows uint16) error
}

// Store persists service definitions, run history and the last known state
// of each live session. *statedb.StateDB satisfies it. Store calls are made
// from a dedicated goroutine, never from the pipeline loop.
type Store interface {
	SaveService(row *statedb.ServiceRow) error
	DeleteService(id string) (bool, error)
	InsertRun(row *statedb.RunRow) (int64, error)
	FinishRun(id int64, status, reason string, stoppedAt time.Time) error
	WriteSessionState(row *statedb.SessionStateRow) error
	DeleteSessionState(sessionID uint32) error
}

var _ Store = (*statedb.StateDB)(nil)
