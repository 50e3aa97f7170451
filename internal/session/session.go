// Package session defines the identifiers shared by the output pipeline:
// session ids handed out by the process host and the owners their output
// belongs to.
package session

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ID is an opaque handle for a live interactive process.
// The zero value is never allocated.
type ID uint32

func (id ID) String() string { return fmt.Sprintf("s%d", uint32(id)) }

// Kind classifies who consumes a session's output.
type Kind int

const (
	KindNone Kind = iota
	KindPane
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindPane:
		return "pane"
	case KindService:
		return "service"
	default:
		return "none"
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name; unknown names mean KindNone.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pane":
		*k = KindPane
	case "service":
		*k = KindService
	default:
		*k = KindNone
	}
	return nil
}

// Owner is the logical consumer of a session's output: a UI pane keyed by
// the session itself, or a background service keyed by its definition id.
type Owner struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// PaneOwner returns the owner for a render pane showing session id.
func PaneOwner(id ID) Owner {
	return Owner{Kind: KindPane, ID: id.String()}
}

// ServiceOwner returns the owner for a service definition.
func ServiceOwner(serviceID string) Owner {
	return Owner{Kind: KindService, ID: serviceID}
}

// IsZero reports whether o names no owner.
func (o Owner) IsZero() bool { return o.Kind == KindNone }

func (o Owner) String() string {
	if o.IsZero() {
		return "none"
	}
	return o.Kind.String() + ":" + o.ID
}

// ErrIDsExhausted is returned when every id in the space is live.
var ErrIDsExhausted = errors.New("session: no free ids")

// Allocator hands out session ids. Ids increase monotonically and wrap back
// to 1 before reaching math.MaxUint32; on wrap, ids still held by live
// sessions are skipped so a live id is never handed out twice.
type Allocator struct {
	mu   sync.Mutex
	next uint32
	max  uint32
	live map[ID]struct{}
}

// NewAllocator returns an allocator whose first id is 1.
func NewAllocator() *Allocator {
	return newAllocator(math.MaxUint32 - 1)
}

func newAllocator(max uint32) *Allocator {
	return &Allocator{next: 1, max: max, live: make(map[ID]struct{})}
}

// Next allocates a fresh id and marks it live.
func (a *Allocator) Next() (ID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(len(a.live)) >= uint64(a.max) {
		return 0, ErrIDsExhausted
	}
	for {
		id := ID(a.next)
		if a.next >= a.max {
			a.next = 1
		} else {
			a.next++
		}
		if _, taken := a.live[id]; !taken {
			a.live[id] = struct{}{}
			return id, nil
		}
	}
}

// Release marks id as no longer live.
func (a *Allocator) Release(id ID) {
	a.mu.Lock()
	delete(a.live, id)
	a.mu.Unlock()
}

// Live returns the number of ids currently allocated.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
