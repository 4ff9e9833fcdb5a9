package protocol

import (
	"fmt"
	"net"
)

// ConnectionKey identifies a peer-message connection: the data model's
// (username, ip, port, kind) tuple. Equality and hashing are structural,
// which a plain comparable struct gives us for free as a map key.
type ConnectionKey struct {
	Username string
	IP       string // dotted-quad, comparable and zero-alloc as a map key
	Port     uint16
	Kind     ConnectionKind
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", k.Username, k.IP, k.Port, k.Kind)
}

// TransferKey identifies a transfer connection: (username, remote_token).
// Transfer connections are not pooled by ConnectionKey since many can be
// open to the same user at once.
type TransferKey struct {
	Username    string
	RemoteToken uint32
}

func (k TransferKey) String() string {
	return fmt.Sprintf("%s/%d", k.Username, k.RemoteToken)
}

// ConnectionOptions configures a single TCP session (C2).
type ConnectionOptions struct {
	BufferSize      uint32
	ConnectTimeout  uint32 // seconds
	ReadTimeout     uint32 // seconds; an inactivity timeout, not a hard deadline
}

// DefaultConnectionOptions matches spec §3's defaults.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		BufferSize:     4096,
		ConnectTimeout: 5,
		ReadTimeout:    5,
	}
}

// ConnectionState is the lifecycle of a Connection (C2). Pending is the
// zero value; Disconnected is terminal, with no resurrection.
type ConnectionState int

const (
	StatePending ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// DecodeIP resolves the spec's Open Question on IP representation: the
// protocol carries a peer's address as a 4-byte field that is read via
// the codec's little-endian i32 reader, but whose octets are in network
// (big-endian, dotted-quad) order. v's low byte is therefore the first
// dotted-quad octet.
func DecodeIP(v uint32) net.IP {
	return net.IPv4(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// EncodeIP is the inverse of DecodeIP.
func EncodeIP(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0]) | uint32(ip4[1])<<8 | uint32(ip4[2])<<16 | uint32(ip4[3])<<24
}

// Room is a plain record describing a server-advertised chat room.
type Room struct {
	Name      string
	UserCount int32
}

// UserData is a plain record describing another user's server-reported
// status, as returned by GetStatus/AddUser and friends.
type UserData struct {
	Username        string
	Status          int32
	AverageSpeed    int32
	UploadCount     int64
	FreeUploadSlots int32
	QueueLength     int32
	Country         string
}
