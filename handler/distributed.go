package handler

import (
	"context"

	"github.com/soulseek-go/soulseek/codec"
	"github.com/soulseek-go/soulseek/connection"
	"github.com/soulseek-go/soulseek/distributed"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/metrics"
	"github.com/soulseek-go/soulseek/protocol"
)

// DistributedCallbacks lets a client react to overlay traffic beyond
// what the tree bookkeeping (branch level/root, search broadcast) does
// on its own.
type DistributedCallbacks struct {
	OnSearchRequest func(protocol.DistributedSearchRequestMsg)
}

// DistributedHandler dispatches messages from one overlay connection
// (either our parent, or one of our children) and keeps the owning
// distributed.Manager's tree state current.
type DistributedHandler struct {
	peerKey      protocol.ConnectionKey
	tree         *distributed.Manager
	bus          *events.Bus
	metrics      *metrics.Registry
	forward      distributed.SearchForwarder
	levelForward distributed.LevelForwarder
	rootForward  distributed.RootForwarder
	callbacks    DistributedCallbacks
}

// NewDistributedHandler constructs a handler for traffic from peerKey,
// which updates tree, forwards search requests via forward, and
// re-broadcasts branch level/root updates to tree's children via
// levelForward/rootForward.
func NewDistributedHandler(peerKey protocol.ConnectionKey, tree *distributed.Manager, bus *events.Bus, reg *metrics.Registry, forward distributed.SearchForwarder, levelForward distributed.LevelForwarder, rootForward distributed.RootForwarder, cb DistributedCallbacks) *DistributedHandler {
	return &DistributedHandler{peerKey: peerKey, tree: tree, bus: bus, metrics: reg, forward: forward, levelForward: levelForward, rootForward: rootForward, callbacks: cb}
}

// Handle is the MessageHandler registered on an overlay MessageConnection.
func (h *DistributedHandler) Handle(msg connection.Message) {
	defer h.recoverPanic(msg)

	r := codec.NewReader(msg.Code, msg.Payload)
	switch protocol.DistributedCode(msg.Code) {
	case protocol.DistributedPing:
		// not answered: no reply carrying the token is sent
	case protocol.DistributedSearchRequest:
		h.handleSearchRequest(r)
	case protocol.DistributedBranchLevel:
		h.handleBranchLevel(r)
	case protocol.DistributedBranchRoot:
		h.handleBranchRoot(r)
	case protocol.DistributedChildDepth:
		// advertised depth of this child's own subtree; informational
	default:
		if debug {
			l.Debugf("unhandled distributed code %d from %s", msg.Code, h.peerKey)
		}
	}
}

func (h *DistributedHandler) recoverPanic(msg connection.Message) {
	if r := recover(); r != nil {
		if h.bus != nil {
			h.bus.Diagnosticf(events.LevelError, "distributed handler (%s) panicked on code %d: %v", h.peerKey, msg.Code, r)
		}
		if h.metrics != nil {
			h.metrics.HandlerPanics.Inc(1)
		}
	}
}

func (h *DistributedHandler) decodeErr(op string, err error) {
	if h.bus != nil {
		h.bus.Diagnosticf(events.LevelWarning, "distributed %s: decoding %s failed: %v", h.peerKey, op, err)
	}
}

func (h *DistributedHandler) handleSearchRequest(r *codec.Reader) {
	username, err := r.ReadString()
	if err != nil {
		h.decodeErr("search_request", err)
		return
	}
	token, err := r.ReadUint32()
	if err != nil {
		h.decodeErr("search_request", err)
		return
	}
	query, err := r.ReadString()
	if err != nil {
		h.decodeErr("search_request", err)
		return
	}
	req := protocol.DistributedSearchRequestMsg{Username: username, Token: token, Query: query}

	if h.callbacks.OnSearchRequest != nil {
		h.callbacks.OnSearchRequest(req)
	}
	h.tree.BroadcastSearch(context.Background(), h.peerKey, req, h.forward)
}

func (h *DistributedHandler) handleBranchLevel(r *codec.Reader) {
	level, err := r.ReadInt32()
	if err != nil {
		h.decodeErr("branch_level", err)
		return
	}
	h.tree.UpdateBranchLevel(h.peerKey, level, h.levelForward)
}

func (h *DistributedHandler) handleBranchRoot(r *codec.Reader) {
	root, err := r.ReadString()
	if err != nil {
		h.decodeErr("branch_root", err)
		return
	}
	h.tree.UpdateBranchRoot(h.peerKey, root, h.rootForward)
}
