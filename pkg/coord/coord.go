// Package coord defines the client-side contract zephyrgroup needs from a
// hierarchical coordination store (etcd, consul, or the in-memory tree in
// pkg/kv), together with the protected-creation protocol built on top of it.
//
// Paths are slash separated and absolute ("/groups/chat/_c_<token>-alice").
// A node's children are the nodes exactly one segment below it.
package coord

import (
	"context"
	"fmt"
)

type CreateMode uint8

const (
	// Persistent nodes outlive the session that created them.
	Persistent CreateMode = iota
	// Ephemeral nodes are removed by the store when their session ends.
	Ephemeral
)

func (m CreateMode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// SessionState is reported to listeners whenever the link's session changes.
type SessionState uint8

const (
	StateConnected SessionState = iota
	StateSuspended
	StateReconnected
	// StateLost is terminal: every ephemeral node of the session is gone.
	StateLost
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateReconnected:
		return "reconnected"
	case StateLost:
		return "lost"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Stat is node metadata. Revisions are store-wide and strictly increasing,
// so CreateRevision orders creations across siblings.
type Stat struct {
	CreateRevision int64
	ModRevision    int64
	Ephemeral      bool
}

type EventType uint8

const (
	ChildAdded EventType = iota
	ChildRemoved
	ChildUpdated
	// ChildResync means the watch may have missed events and the
	// subscriber should re-list.
	ChildResync
)

func (t EventType) String() string {
	switch t {
	case ChildAdded:
		return "added"
	case ChildRemoved:
		return "removed"
	case ChildUpdated:
		return "updated"
	case ChildResync:
		return "resync"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// ChildEvent is delivered to WatchChildren callbacks.
type ChildEvent struct {
	Type     EventType
	Name     string // child name, empty for ChildResync
	Revision int64
}

// Link is a session-scoped connection to the coordination store.
//
// Implementations must be safe for concurrent use. Watch and state callbacks
// run on a dispatcher goroutine owned by the link, in delivery order, and
// must not block for long.
type Link interface {
	// Create creates path with data. It fails with ErrAlreadyExists if the
	// node exists and ErrNotFound if its parent does not. The returned path
	// is the path actually created.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)
	// Delete removes path. A missing node is not an error.
	Delete(ctx context.Context, path string) error
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	// Set overwrites the data of an existing node without changing its
	// ownership.
	Set(ctx context.Context, path string, data []byte) error
	// Children lists the names of the direct children of path, sorted.
	Children(ctx context.Context, path string) ([]string, error)
	// WatchChildren subscribes fn to changes of the direct children of path
	// until the returned cancel is called or the link closes. Delivery is
	// at-least-once and bursts may be coalesced.
	WatchChildren(ctx context.Context, path string, fn func(ChildEvent)) (cancel func(), err error)
	// AddStateListener registers fn for session state changes.
	AddStateListener(fn func(SessionState)) (remove func())
	Close() error
}
