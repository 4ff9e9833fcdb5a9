package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/soulseek-go/soulseek/dlog"
	"github.com/soulseek-go/soulseek/events"
)

var (
	mcDebug = dlog.Enabled("message_connection")
	mcLog   = dlog.Default("message_connection")
)

// Message is a decoded inbound frame handed to a MessageHandler.
type Message struct {
	Code    int32
	Payload []byte
}

// MessageHandler is invoked once per inbound frame, in read-loop order.
// It must not block for long: it runs on the connection's own read loop.
type MessageHandler func(Message)

// writeRequest is one queued outbound frame plus the channel its result
// is reported on, so Send can optionally be awaited.
type writeRequest struct {
	frame []byte
	errCh chan error
}

// MessageConnection layers the Soulseek framed-message protocol (C3) on
// top of a raw Connection: a dedicated read loop decodes
// [len][code][payload] frames and dispatches them to a handler, and a
// dedicated write loop serializes concurrent Send calls into a single
// ordered stream. Framing errors and handler panics are reported as
// diagnostic events, never propagated back into the loop.
type MessageConnection struct {
	conn    *Connection
	bus     *events.Bus
	onMsg   MessageHandler
	writeCh chan writeRequest

	mu      sync.Mutex
	started bool
}

// NewMessageConnection wraps an already-constructed Connection. The
// caller is responsible for calling Connect (outbound) before Start, or
// passing a Connection built via Accept (inbound).
func NewMessageConnection(conn *Connection, bus *events.Bus, onMsg MessageHandler) *MessageConnection {
	return &MessageConnection{
		conn:    conn,
		bus:     bus,
		onMsg:   onMsg,
		writeCh: make(chan writeRequest, 64),
	}
}

// Start launches the read and write loops. The underlying Connection
// must already be Connected.
func (m *MessageConnection) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.readLoop(ctx)
	go m.writeLoop(ctx)
}

func (m *MessageConnection) readLoop(ctx context.Context) {
	for {
		select {
		case <-m.conn.Done():
			return
		default:
		}

		header, err := m.conn.Read(ctx, 8)
		if err != nil {
			return
		}
		length := le32(header[0:4])
		code := int32(le32(header[4:8]))
		if length < 4 {
			m.diagnosticf(events.LevelWarning, "frame with impossible length %d on %s, dropping connection", length, m.conn.RemoteAddr())
			m.conn.Disconnect("malformed frame length")
			return
		}

		payload, err := m.conn.Read(ctx, int(length)-4)
		if err != nil {
			return
		}

		m.dispatch(Message{Code: code, Payload: payload})
	}
}

func (m *MessageConnection) dispatch(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.diagnosticf(events.LevelError, "message handler panicked on code %d from %s: %v", msg.Code, m.conn.RemoteAddr(), r)
			if m.bus != nil {
				m.bus.Log(events.HandlerPanic, events.LevelError, fmt.Sprintf("%v", r))
			}
		}
	}()
	if mcDebug {
		mcLog.Debugf("%s: recv code=%d len=%d", m.conn.RemoteAddr(), msg.Code, len(msg.Payload))
	}
	if m.onMsg != nil {
		m.onMsg(msg)
	}
}

func (m *MessageConnection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-m.conn.Done():
			return
		case req := <-m.writeCh:
			err := m.conn.Write(ctx, req.frame)
			if req.errCh != nil {
				req.errCh <- err
			}
		}
	}
}

// Send enqueues a fully-built frame (see codec.Writer.Build) for
// transmission, preserving caller order. It does not block on the
// network write completing.
func (m *MessageConnection) Send(frame []byte) {
	select {
	case m.writeCh <- writeRequest{frame: frame}:
	case <-m.conn.Done():
	}
}

// SendWait is like Send but blocks until the frame has been written (or
// the connection has failed), returning any write error.
func (m *MessageConnection) SendWait(ctx context.Context, frame []byte) error {
	errCh := make(chan error, 1)
	select {
	case m.writeCh <- writeRequest{frame: frame, errCh: errCh}:
	case <-m.conn.Done():
		return &Error{Kind: ErrClosed, Err: fmt.Errorf("connection closed")}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MessageConnection) diagnosticf(level events.Level, format string, args ...interface{}) {
	if mcDebug {
		mcLog.Debugf(format, args...)
	}
	if m.bus != nil {
		m.bus.Diagnosticf(level, format, args...)
	}
}

// Underlying exposes the raw Connection for state/disconnect access.
func (m *MessageConnection) Underlying() *Connection { return m.conn }

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
