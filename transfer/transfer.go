// Package transfer implements TransferInternal (C4's domain state): one
// Transfer per negotiated file transfer, tracking direction, negotiated
// size, accumulated bytes, and the forward-only state machine
// Requested -> Queued -> Initializing -> InProgress -> Completed/*.
package transfer

import (
	"sync"

	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/protocol"
)

// State is a TransferInternal state. Every Completed* value is
// terminal; once reached, further Mark*/Complete calls are no-ops.
type State int

const (
	StateRequested State = iota
	StateQueued
	StateInitializing
	StateInProgress
	StateCompletedSucceeded
	StateCompletedErrored
	StateCompletedCancelled
	StateCompletedTimedOut
	StateCompletedRejected
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "Requested"
	case StateQueued:
		return "Queued"
	case StateInitializing:
		return "Initializing"
	case StateInProgress:
		return "InProgress"
	case StateCompletedSucceeded:
		return "Completed/Succeeded"
	case StateCompletedErrored:
		return "Completed/Errored"
	case StateCompletedCancelled:
		return "Completed/Cancelled"
	case StateCompletedTimedOut:
		return "Completed/TimedOut"
	case StateCompletedRejected:
		return "Completed/Rejected"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of the Completed/* states.
func (s State) Terminal() bool { return s >= StateCompletedSucceeded }

// Transfer tracks one negotiated file transfer, keyed by the token its
// TransferRequest/TransferResponse exchange used. remoteToken is the
// ticket read off the transfer socket once it's opened (glossary
// "Pierce-firewall"), which confirms the connection answers this
// Transfer rather than some other one in flight for the same peer.
type Transfer struct {
	Direction protocol.TransferDirection
	Username  string
	Filename  string
	Token     uint32

	mu             sync.Mutex
	remoteToken    uint32
	hasRemoteToken bool
	state          State
	size           uint64
	transferred    uint64
	data           []byte
	uploadData     []byte
	err            error

	done chan struct{}
	bus  *events.Bus
}

// New constructs a Transfer in the Requested state.
func New(direction protocol.TransferDirection, username, filename string, token uint32, bus *events.Bus) *Transfer {
	return &Transfer{
		Direction: direction,
		Username:  username,
		Filename:  filename,
		Token:     token,
		state:     StateRequested,
		done:      make(chan struct{}),
		bus:       bus,
	}
}

// SetSize records the size the TransferResponse negotiated.
func (t *Transfer) SetSize(size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.size = size
}

// Size returns the negotiated size.
func (t *Transfer) Size() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// SetRemoteToken records the ticket read off the transfer socket.
func (t *Transfer) SetRemoteToken(token uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteToken = token
	t.hasRemoteToken = true
}

// RemoteToken returns the ticket read off the wire, if any yet.
func (t *Transfer) RemoteToken() (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteToken, t.hasRemoteToken
}

// State returns the current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// MarkQueued advances Requested -> Queued.
func (t *Transfer) MarkQueued() { t.advance(StateQueued) }

// MarkInitializing advances to Initializing.
func (t *Transfer) MarkInitializing() { t.advance(StateInitializing) }

// MarkInProgress advances to InProgress.
func (t *Transfer) MarkInProgress() { t.advance(StateInProgress) }

func (t *Transfer) advance(next State) {
	t.mu.Lock()
	cur := t.state
	if cur.Terminal() || next <= cur {
		t.mu.Unlock()
		return
	}
	t.state = next
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Log(events.TransferStateChanged, events.LevelInfo, next.String())
	}
}

// Progress records the cumulative byte count reported by the
// underlying TransferConnection.
func (t *Transfer) Progress(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transferred = n
}

// BytesTransferred returns the cumulative byte count reported so far.
func (t *Transfer) BytesTransferred() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// SetUploadData records the bytes to stream once the transfer
// connection opens. Only meaningful for an upload.
func (t *Transfer) SetUploadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploadData = data
}

// UploadData returns the bytes set by SetUploadData.
func (t *Transfer) UploadData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploadData
}

// Complete moves the transfer into a terminal state, recording the
// downloaded bytes (for a download) or the error that ended it, and
// closes Done. Calling Complete on an already-terminal Transfer is a
// no-op, matching the only-forward-transitions rule.
func (t *Transfer) Complete(state State, data []byte, err error) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.data = data
	t.err = err
	t.mu.Unlock()

	close(t.done)
	if t.bus != nil {
		t.bus.Log(events.TransferStateChanged, events.LevelInfo, state.String())
	}
}

// Done is closed once the transfer reaches a terminal state.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Result returns the downloaded bytes and/or the terminal error. Only
// meaningful after Done is closed.
func (t *Transfer) Result() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data, t.err
}

// Manager is the directory of in-flight Transfers, keyed by the token
// their TransferRequest/TransferResponse exchange used. A solicited F
// connection's ticket is matched against this same token once read off
// the wire.
type Manager struct {
	mu      sync.Mutex
	byToken map[uint32]*Transfer
}

// NewManager constructs an empty transfer directory.
func NewManager() *Manager {
	return &Manager{byToken: make(map[uint32]*Transfer)}
}

// Register tracks tr under its own token.
func (m *Manager) Register(tr *Transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byToken[tr.Token] = tr
}

// Get returns the Transfer registered under token, if any.
func (m *Manager) Get(token uint32) (*Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.byToken[token]
	return tr, ok
}

// Remove stops tracking token, e.g. once its transfer has completed.
func (m *Manager) Remove(token uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byToken, token)
}
