package protocol

import (
	"net"
	"testing"
)

func TestDecodeEncodeIPRoundTrip(t *testing.T) {
	ip := net.IPv4(203, 0, 113, 42)
	encoded := EncodeIP(ip)
	decoded := DecodeIP(encoded)
	if !decoded.Equal(ip) {
		t.Fatalf("round trip: got %s, want %s", decoded, ip)
	}
}

func TestDecodeIPOctetOrder(t *testing.T) {
	// Low byte of the wire value is the first dotted-quad octet.
	v := uint32(1) | uint32(2)<<8 | uint32(3)<<16 | uint32(4)<<24
	got := DecodeIP(v)
	want := net.IPv4(1, 2, 3, 4)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestEncodeIPNonIPv4ReturnsZero(t *testing.T) {
	ip := net.ParseIP("::1")
	if got := EncodeIP(ip); got != 0 {
		t.Fatalf("EncodeIP(::1) = %d, want 0", got)
	}
}

func TestConnectionStateString(t *testing.T) {
	cases := map[ConnectionState]string{
		StatePending:       "Pending",
		StateConnecting:    "Connecting",
		StateConnected:     "Connected",
		StateDisconnecting: "Disconnecting",
		StateDisconnected:  "Disconnected",
		ConnectionState(99): "Unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestConnectionKeyString(t *testing.T) {
	k := ConnectionKey{Username: "alice", IP: "1.2.3.4", Port: 2234, Kind: KindPeerMessage}
	got := k.String()
	want := "alice@1.2.3.4:2234/P"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
