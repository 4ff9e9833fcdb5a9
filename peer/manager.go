// Package peer implements the per-peer message-connection directory
// (C6): one MessageConnection per (username, ip, port, kind) key, a
// direct-vs-indirect handshake race for outbound connects, and LRU
// eviction once the pool is at capacity.
//
// The directory itself is grounded on the teacher's discovery-cache
// shape (internal/discover/client.go caches resolved addresses behind a
// small TTL'd map); eviction uses the pack's hashicorp/golang-lru/v2,
// the same dependency the teacher pulls in for its block/index caches.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/soulseek-go/soulseek/connection"
	"github.com/soulseek-go/soulseek/dlog"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/metrics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/waiter"
)

var (
	debug = dlog.Enabled("peer")
	l     = dlog.Default("peer")
)

// ServerRequester is the slice of the server connection a
// PeerConnectionManager needs: asking the server to solicit an indirect
// connection attempt from a peer on our behalf.
type ServerRequester interface {
	RequestIndirectConnection(ctx context.Context, username string, kind protocol.ConnectionKind, token uint32) error
}

// DialFunc performs the low-level outbound dial for a direct connection
// attempt; split out so tests can substitute a fake dialer.
type DialFunc func(ctx context.Context, addr string, opts protocol.ConnectionOptions) (net.Conn, error)

func defaultDial(ctx context.Context, addr string, opts protocol.ConnectionOptions) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Manager is the per-peer message-connection directory.
type Manager struct {
	cache *lru.Cache[protocol.ConnectionKey, *connection.MessageConnection]

	opts    protocol.ConnectionOptions
	bus     *events.Bus
	metrics *metrics.Registry
	server  ServerRequester
	dial    DialFunc
	onMsg   func(protocol.ConnectionKey, connection.Message)

	indirect  *waiter.Waiter
	nextToken uint32
}

// New constructs a Manager holding at most capacity connections; beyond
// that the least recently used is disconnected and evicted.
func New(capacity int, opts protocol.ConnectionOptions, server ServerRequester, bus *events.Bus, reg *metrics.Registry, onMsg func(protocol.ConnectionKey, connection.Message)) *Manager {
	m := &Manager{
		opts:     opts,
		bus:      bus,
		metrics:  reg,
		server:   server,
		dial:     defaultDial,
		onMsg:    onMsg,
		indirect: waiter.New(),
	}
	cache, err := lru.NewWithEvict[protocol.ConnectionKey, *connection.MessageConnection](capacity, m.onEvict)
	if err != nil {
		// capacity <= 0 is a caller bug, not a runtime condition to
		// recover from; a small fixed fallback keeps the zero value
		// usable in tests that don't care about eviction.
		cache, _ = lru.New[protocol.ConnectionKey, *connection.MessageConnection](16)
	}
	m.cache = cache
	return m
}

// SetDialer overrides the outbound dial function; used by tests.
func (m *Manager) SetDialer(fn DialFunc) { m.dial = fn }

func (m *Manager) onEvict(key protocol.ConnectionKey, mc *connection.MessageConnection) {
	if debug {
		l.Debugf("evicting %s: pool at capacity", key)
	}
	mc.Underlying().Disconnect("evicted: connection pool at capacity")
	if m.metrics != nil {
		m.metrics.ActivePeerConnections.Dec(1)
	}
}

// Get returns the pooled connection for key, if one exists and is still
// connected.
func (m *Manager) Get(key protocol.ConnectionKey) (*connection.MessageConnection, bool) {
	mc, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	if mc.Underlying().State() != protocol.StateConnected {
		m.cache.Remove(key)
		return nil, false
	}
	return mc, true
}

// GetOrConnect returns the pooled connection for key, establishing one
// by racing a direct dial against an indirect (ConnectToPeer/
// PierceFirewall) solicitation if none exists yet.
func (m *Manager) GetOrConnect(ctx context.Context, key protocol.ConnectionKey) (*connection.MessageConnection, error) {
	if mc, ok := m.Get(key); ok {
		return mc, nil
	}
	mc, err := m.race(ctx, key)
	if err != nil {
		return nil, err
	}
	m.cache.Add(key, mc)
	if m.metrics != nil {
		m.metrics.ActivePeerConnections.Inc(1)
	}
	return mc, nil
}

type raceResult struct {
	conn   *connection.Connection
	direct bool
}

// race dials key directly while simultaneously soliciting an indirect
// connection through the server; whichever handshake completes first
// wins and the loser is disconnected. Writing the PeerInit or
// PierceFirewall frame that accompanies each kind of handshake is the
// caller's responsibility once it holds the winning MessageConnection,
// since only the caller knows its own username and listen port.
func (m *Manager) race(ctx context.Context, key protocol.ConnectionKey) (*connection.MessageConnection, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	winner := make(chan raceResult)
	token := atomic.AddUint32(&m.nextToken, 1)

	go m.attemptDirect(raceCtx, key, winner)
	go m.attemptIndirect(raceCtx, key, token, winner)

	select {
	case res := <-winner:
		cancel()
		if m.metrics != nil {
			if res.direct {
				m.metrics.DirectConnectWins.Inc(1)
			} else {
				m.metrics.IndirectConnectWins.Inc(1)
			}
		}
		mc := connection.NewMessageConnection(res.conn, m.bus, func(msg connection.Message) {
			m.onMsg(key, msg)
		})
		mc.Start(ctx)
		return mc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) attemptDirect(ctx context.Context, key protocol.ConnectionKey, winner chan<- raceResult) {
	addr := fmt.Sprintf("%s:%d", key.IP, key.Port)
	raw, err := m.dial(ctx, addr, m.opts)
	if err != nil {
		return
	}
	c := connection.Accept(raw, m.opts, connection.KindPeerMessage, m.bus)

	select {
	case winner <- raceResult{conn: c, direct: true}:
	case <-ctx.Done():
		c.Disconnect("lost connection race")
	}
}

func (m *Manager) attemptIndirect(ctx context.Context, key protocol.ConnectionKey, token uint32, winner chan<- raceResult) {
	if m.server == nil {
		return
	}
	if err := m.server.RequestIndirectConnection(ctx, key.Username, key.Kind, token); err != nil {
		return
	}
	v, err := m.indirect.Wait(ctx, token)
	if err != nil {
		return
	}
	raw, ok := v.(net.Conn)
	if !ok {
		return
	}
	c := connection.Accept(raw, m.opts, connection.KindPeerMessage, m.bus)
	select {
	case winner <- raceResult{conn: c, direct: false}:
	case <-ctx.Done():
		c.Disconnect("lost connection race")
	}
}

// CompleteIndirect is called by the owner of the listening socket when
// an inbound connection presents a PierceFirewall frame carrying token,
// handing the raw connection to whichever race is waiting on it.
func (m *Manager) CompleteIndirect(token uint32, conn net.Conn) bool {
	return m.indirect.Complete(token, conn)
}

// Remove evicts key's connection from the pool without disconnecting it
// (used when the caller has already torn it down, e.g. on read error).
func (m *Manager) Remove(key protocol.ConnectionKey) {
	m.cache.Remove(key)
}

// Len reports how many connections are currently pooled.
func (m *Manager) Len() int { return m.cache.Len() }
