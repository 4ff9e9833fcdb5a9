// Package connection implements the single-TCP-session primitive (C2)
// that every other connection role (C3 MessageConnection, C4
// TransferConnection) builds on: connect-with-deadline, bounded
// chunked reads with progress events, serialized writes, a watchdog that
// detects a socket that has silently gone away, and an inactivity timer
// that disconnects a peer that has stopped making read progress.
//
// The read/write-loop-plus-channels shape here is grounded on the
// teacher corpus's lib/torrent connection pattern (readLoop/writeLoop,
// a done channel, a sync.Once-guarded Close); the state machine and
// named timers are specific to this module's spec.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/soulseek-go/soulseek/dlog"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/syncutil"
)

var (
	debug = dlog.Enabled("connection")
	l     = dlog.Default("connection")
)

const (
	watchdogPeriod  = 250 * time.Millisecond
	keepalivePeriod = 30 * time.Second
)

// Kind identifies what this Connection is used for; purely informational
// (logging, events) since behavior does not depend on it here — that
// distinction lives one layer up, in MessageConnection/TransferConnection.
type Kind int

const (
	KindServer Kind = iota
	KindPeerMessage
	KindTransfer
	KindDistributed
)

// ErrorKind is the ConnectionError taxonomy from spec §7.
type ErrorKind int

const (
	ErrTimeout ErrorKind = iota
	ErrRead
	ErrWrite
	ErrClosed
)

// Error wraps a ConnectionError with its kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("connection: %v", e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// StateChangeFunc is invoked exactly once per observed transition.
type StateChangeFunc func(prev, next protocol.ConnectionState, reason string)

// DataReadFunc is invoked after each chunk read by Read.
type DataReadFunc func(chunk []byte, cumulative, total int)

// Connection is a single TCP session with the lifecycle and timers
// described in spec §4.2.
type Connection struct {
	addr string
	opts protocol.ConnectionOptions
	kind Kind
	bus  *events.Bus

	mu    syncutil.Mutex
	state protocol.ConnectionState
	conn  net.Conn

	onStateChange StateChangeFunc
	onDataRead    DataReadFunc

	disconnectReason string
	done              chan struct{}
	watchdogStop      chan struct{}
	inactivityTimer   *time.Timer
	inactivityStop    chan struct{}
}

// New creates a Connection that will dial addr when Connect is called.
func New(addr string, opts protocol.ConnectionOptions, kind Kind, bus *events.Bus) *Connection {
	return &Connection{
		addr:  addr,
		opts:  opts,
		kind:  kind,
		bus:   bus,
		mu:    syncutil.NewMutex(),
		state: protocol.StatePending,
		done:  make(chan struct{}),
	}
}

// Accept wraps an already-established net.Conn (e.g. from a listener or
// a transfer solicitation) as an already-Connected Connection.
func Accept(conn net.Conn, opts protocol.ConnectionOptions, kind Kind, bus *events.Bus) *Connection {
	enableKeepalive(conn)
	c := &Connection{
		addr:  conn.RemoteAddr().String(),
		opts:  opts,
		kind:  kind,
		bus:   bus,
		mu:    syncutil.NewMutex(),
		state: protocol.StateConnected,
		conn:  conn,
		done:  make(chan struct{}),
	}
	c.armWatchdog()
	c.armInactivity()
	return c
}

// enableKeepalive turns on TCP keepalive so a peer that vanishes
// without a FIN (a dead link, a crashed process) is eventually
// reported by the kernel rather than looking idle forever; the
// watchdog's socketError check still catches it sooner whenever a
// write is already due.
func enableKeepalive(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(keepalivePeriod)
}

// OnStateChange registers the callback invoked on every state transition.
// Must be set before Connect/Accept's first transition is observed by
// callers that need every event (i.e. immediately after New).
func (c *Connection) OnStateChange(fn StateChangeFunc) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// OnDataRead registers the callback invoked after each Read chunk.
func (c *Connection) OnDataRead(fn DataReadFunc) {
	c.mu.Lock()
	c.onDataRead = fn
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Connection) State() protocol.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(next protocol.ConnectionState, reason string) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	fn := c.onStateChange
	c.mu.Unlock()

	if debug {
		l.Debugf("%s: %s -> %s (%s)", c.addr, prev, next, reason)
	}
	if fn != nil {
		fn(prev, next, reason)
	}
	if c.bus != nil {
		c.bus.Log(events.ConnectionStateChanged, events.LevelDebug, struct {
			Addr   string
			Prev   protocol.ConnectionState
			Next   protocol.ConnectionState
			Reason string
		}{c.addr, prev, next, reason})
	}
}

// Connect dials addr, racing connect_timeout_s and cancel against each
// other. Connect is only valid from Pending or Disconnected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != protocol.StatePending && state != protocol.StateDisconnected {
		return &Error{Kind: ErrClosed, Err: fmt.Errorf("connect: invalid state %s", state)}
	}

	c.setState(protocol.StateConnecting, "connecting")

	dctx, cancel := context.WithTimeout(ctx, time.Duration(c.opts.ConnectTimeout)*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", c.addr)
	if err != nil {
		kind := ErrRead
		if dctx.Err() != nil {
			kind = ErrTimeout
		}
		c.setState(protocol.StateDisconnected, "connect failed")
		return &Error{Kind: kind, Err: err}
	}

	enableKeepalive(conn)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(protocol.StateConnected, "connected")
	c.armWatchdog()
	c.armInactivity()
	return nil
}

func (c *Connection) armWatchdog() {
	c.watchdogStop = make(chan struct{})
	go func(stop chan struct{}) {
		t := time.NewTicker(watchdogPeriod)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.done:
				return
			case <-t.C:
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn == nil {
					continue
				}
				if err := socketError(conn); err != nil {
					c.Disconnect("watchdog: socket unreachable")
					return
				}
			}
		}
	}(c.watchdogStop)
}

func (c *Connection) armInactivity() {
	c.inactivityStop = make(chan struct{})
	d := time.Duration(c.opts.ReadTimeout) * time.Second
	c.inactivityTimer = time.AfterFunc(d, func() {
		c.Disconnect("inactivity")
	})
}

func (c *Connection) resetInactivity() {
	c.mu.Lock()
	t := c.inactivityTimer
	d := time.Duration(c.opts.ReadTimeout) * time.Second
	c.mu.Unlock()
	if t != nil {
		t.Reset(d)
	}
}

// Read reads exactly n bytes in buffer_size chunks, invoking OnDataRead
// after each chunk and resetting the inactivity timer on progress. A
// zero-byte read from the underlying socket (peer closed cleanly) forces
// disconnection and returns ErrClosed.
func (c *Connection) Read(ctx context.Context, n int) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	chunkSize := int(c.opts.BufferSize)
	c.mu.Unlock()
	if conn == nil {
		return nil, &Error{Kind: ErrClosed, Err: fmt.Errorf("not connected")}
	}
	if chunkSize <= 0 {
		chunkSize = 4096
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: ErrRead, Err: ctx.Err()}
		case <-c.done:
			return nil, &Error{Kind: ErrClosed, Err: fmt.Errorf("disconnected")}
		default:
		}

		want := chunkSize
		if remaining := n - len(out); remaining < want {
			want = remaining
		}
		buf := make([]byte, want)
		rn, err := conn.Read(buf)
		if rn == 0 && (err == nil || errors.Is(err, io.EOF)) {
			c.forceDisconnect(ErrRead, "remote closed")
			return nil, &Error{Kind: ErrClosed, Err: fmt.Errorf("remote closed connection")}
		}
		if rn > 0 {
			out = append(out, buf[:rn]...)
			c.resetInactivity()
			c.mu.Lock()
			fn := c.onDataRead
			c.mu.Unlock()
			if fn != nil {
				fn(buf[:rn], len(out), n)
			}
		}
		if err != nil {
			c.forceDisconnect(ErrRead, err.Error())
			return nil, &Error{Kind: ErrRead, Err: err}
		}
	}
	return out, nil
}

// Write sends bytes in full, resetting the inactivity timer on success.
func (c *Connection) Write(ctx context.Context, b []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &Error{Kind: ErrClosed, Err: fmt.Errorf("not connected")}
	}

	select {
	case <-ctx.Done():
		return &Error{Kind: ErrWrite, Err: ctx.Err()}
	default:
	}

	if _, err := conn.Write(b); err != nil {
		c.forceDisconnect(ErrWrite, err.Error())
		return &Error{Kind: ErrWrite, Err: err}
	}
	c.resetInactivity()
	return nil
}

func (c *Connection) forceDisconnect(kind ErrorKind, reason string) {
	c.Disconnect(reason)
}

// Disconnect idempotently tears down the connection: timers are
// cancelled, the socket closed, and the state forced to Disconnected
// exactly once.
func (c *Connection) Disconnect(reason string) {
	c.mu.Lock()
	if c.state == protocol.StateDisconnected || c.state == protocol.StateDisconnecting {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = protocol.StateDisconnecting
	conn := c.conn
	timer := c.inactivityTimer
	c.disconnectReason = reason
	fn := c.onStateChange
	c.mu.Unlock()

	if fn != nil {
		fn(from, protocol.StateDisconnecting, reason)
	}

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		conn.Close()
	}

	c.mu.Lock()
	prev := c.state
	c.state = protocol.StateDisconnected
	c.mu.Unlock()

	if debug {
		l.Debugf("%s: disconnected: %s", c.addr, reason)
	}
	if fn != nil {
		fn(prev, protocol.StateDisconnected, reason)
	}
	if c.bus != nil {
		c.bus.Log(events.ConnectionStateChanged, events.LevelDebug, struct {
			Addr   string
			Reason string
		}{c.addr, reason})
	}
}

// Done returns a channel closed once Disconnect has run.
func (c *Connection) Done() <-chan struct{} { return c.done }

// DisconnectReason returns the reason passed to Disconnect, or "" if
// still connected.
func (c *Connection) DisconnectReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectReason
}

// RemoteAddr returns the dialed or accepted address.
func (c *Connection) RemoteAddr() string { return c.addr }
