// Package distributed implements the overlay search tree (C7): one
// parent connection, any number of children, branch level/root
// propagation down the tree, and search-request broadcast with
// duplicate-token suppression.
//
// The children directory uses xsync's lock-free map, the same
// dependency the teacher reaches for wherever a map is read far more
// than it's written (its block-index and device-connection tables);
// broadcast deduplication uses golang.org/x/sync/singleflight so that a
// search token arriving from more than one path concurrently still only
// fans out to children once.
package distributed

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/soulseek-go/soulseek/connection"
	"github.com/soulseek-go/soulseek/dlog"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/metrics"
	"github.com/soulseek-go/soulseek/protocol"
)

var (
	debug = dlog.Enabled("distributed")
	l     = dlog.Default("distributed")
)

// SearchForwarder sends a distributed search request frame to one
// child; supplied by the caller so Manager stays agnostic of framing.
type SearchForwarder func(child *connection.MessageConnection, req protocol.DistributedSearchRequestMsg)

// LevelForwarder writes a BranchLevel frame carrying this node's own
// (already incremented) level to one child.
type LevelForwarder func(child *connection.MessageConnection, level int32)

// RootForwarder writes a BranchRoot frame carrying this node's own root
// to one child.
type RootForwarder func(child *connection.MessageConnection, root string)

// Manager owns this node's position in the overlay tree.
type Manager struct {
	username string
	bus      *events.Bus
	metrics  *metrics.Registry

	mu          sync.RWMutex
	parent      *connection.MessageConnection
	parentKey   protocol.ConnectionKey
	branchLevel int32
	branchRoot  string

	children *xsync.MapOf[protocol.ConnectionKey, *connection.MessageConnection]

	dedup      singleflight.Group
	seenTokens *xsync.MapOf[uint32, struct{}]
}

// New constructs a Manager for a node that starts out as its own branch
// root (no parent, level 0) until SetParent is called.
func New(username string, bus *events.Bus, reg *metrics.Registry) *Manager {
	return &Manager{
		username:    username,
		bus:         bus,
		metrics:     reg,
		branchRoot:  username,
		branchLevel: 0,
		children:    xsync.NewMapOf[protocol.ConnectionKey, *connection.MessageConnection](),
		seenTokens:  xsync.NewMapOf[uint32, struct{}](),
	}
}

// SetParent replaces the current parent (disconnecting the old one, if
// any). parentLevel is the level the parent reported about itself, or
// -1 when none is known yet (as when addParentConnection adopts a
// freshly connected candidate); per the
// invariant branch_level = parent.branch_level + 1, this node's own
// level becomes parentLevel+1. root is copied as-is, since branch root
// names propagate down the tree unchanged.
func (m *Manager) SetParent(key protocol.ConnectionKey, mc *connection.MessageConnection, parentLevel int32, root string) {
	level := parentLevel + 1
	m.mu.Lock()
	old := m.parent
	m.parent = mc
	m.parentKey = key
	m.branchLevel = level
	m.branchRoot = root
	m.mu.Unlock()

	if old != nil && old != mc {
		old.Underlying().Disconnect("replaced by new parent")
	}
	if debug {
		l.Debugf("parent set to %s, branch level=%d root=%s", key, level, root)
	}
	if m.bus != nil {
		m.bus.Log(events.OverlayBranchChanged, events.LevelInfo, fmt.Sprintf("level=%d root=%s", level, root))
	}
}

// UpdateBranchLevel applies a BranchLevel message from the current
// parent: parentLevel is the parent's own level, so this node's level
// becomes parentLevel+1. from guards against a stale connection that
// has already been replaced from pushing an update. Per spec
// set_branch_level's contract, the new level is then re-broadcast to
// every child via forward before anything else observes the update.
func (m *Manager) UpdateBranchLevel(from protocol.ConnectionKey, parentLevel int32, forward LevelForwarder) {
	level := parentLevel + 1
	m.mu.Lock()
	if m.parentKey != from {
		m.mu.Unlock()
		return
	}
	m.branchLevel = level
	root := m.branchRoot
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Log(events.OverlayBranchChanged, events.LevelInfo, fmt.Sprintf("level=%d root=%s", level, root))
	}
	m.broadcastLevel(level, forward)
}

// UpdateBranchRoot applies a BranchRoot message from the current
// parent. from guards against a stale connection that has already been
// replaced from pushing an update. The new root is re-broadcast to
// every child via forward, mirroring UpdateBranchLevel's contract.
func (m *Manager) UpdateBranchRoot(from protocol.ConnectionKey, root string, forward RootForwarder) {
	m.mu.Lock()
	if m.parentKey != from {
		m.mu.Unlock()
		return
	}
	m.branchRoot = root
	level := m.branchLevel
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Log(events.OverlayBranchChanged, events.LevelInfo, fmt.Sprintf("level=%d root=%s", level, root))
	}
	m.broadcastRoot(root, forward)
}

// ClearParent drops the current parent and promotes this node back to
// being its own branch root.
func (m *Manager) ClearParent(reason string) {
	m.mu.Lock()
	old := m.parent
	m.parent = nil
	m.parentKey = protocol.ConnectionKey{}
	m.branchLevel = 0
	m.branchRoot = m.username
	m.mu.Unlock()

	if old != nil {
		old.Underlying().Disconnect(reason)
	}
	if m.bus != nil {
		m.bus.Log(events.OverlayBranchChanged, events.LevelInfo, fmt.Sprintf("no parent, self root %s", m.username))
	}
}

// BranchLevel and BranchRoot report this node's current position, as
// last propagated from its parent (or its own identity, if it has
// none).
func (m *Manager) BranchLevel() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.branchLevel
}

func (m *Manager) BranchRoot() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.branchRoot
}

// HasParent reports whether this node currently has an overlay parent.
func (m *Manager) HasParent() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.parent != nil
}

func (m *Manager) broadcastLevel(level int32, forward LevelForwarder) {
	if forward == nil {
		return
	}
	m.children.Range(func(_ protocol.ConnectionKey, mc *connection.MessageConnection) bool {
		forward(mc, level)
		return true
	})
}

func (m *Manager) broadcastRoot(root string, forward RootForwarder) {
	if forward == nil {
		return
	}
	m.children.Range(func(_ protocol.ConnectionKey, mc *connection.MessageConnection) bool {
		forward(mc, root)
		return true
	})
}

// AddChild registers a new child connection in the overlay tree.
func (m *Manager) AddChild(key protocol.ConnectionKey, mc *connection.MessageConnection) {
	m.children.Store(key, mc)
	if m.metrics != nil {
		m.metrics.ActiveChildConnections.Inc(1)
	}
}

// RemoveChild drops a child, e.g. after it disconnects.
func (m *Manager) RemoveChild(key protocol.ConnectionKey) {
	if _, ok := m.children.LoadAndDelete(key); ok && m.metrics != nil {
		m.metrics.ActiveChildConnections.Dec(1)
	}
}

// ChildCount reports how many children are currently attached.
func (m *Manager) ChildCount() int { return m.children.Size() }

// BroadcastSearch forwards req to every child except the one it arrived
// from (origin may be the zero ConnectionKey if it came from the
// server). Duplicate tokens arriving while a broadcast is already in
// flight, or after one has completed, are suppressed: a search request
// should traverse each branch of the tree exactly once.
func (m *Manager) BroadcastSearch(ctx context.Context, origin protocol.ConnectionKey, req protocol.DistributedSearchRequestMsg, forward SearchForwarder) {
	if _, alreadySeen := m.seenTokens.LoadOrStore(req.Token, struct{}{}); alreadySeen {
		if debug {
			l.Debugf("suppressing duplicate broadcast of token %d", req.Token)
		}
		return
	}

	key := fmt.Sprintf("%d", req.Token)
	_, _, _ = m.dedup.Do(key, func() (interface{}, error) {
		m.children.Range(func(childKey protocol.ConnectionKey, mc *connection.MessageConnection) bool {
			if childKey == origin {
				return true
			}
			forward(mc, req)
			return true
		})
		return nil, nil
	})
}

// ForgetToken releases the dedup record for token; callers with a
// bounded number of concurrent searches may want to do this once a
// search's response_timeout has elapsed, to cap seenTokens' size.
func (m *Manager) ForgetToken(token uint32) {
	m.seenTokens.Delete(token)
}
