package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/soulseek-go/soulseek/codec"
	"github.com/soulseek-go/soulseek/protocol"
)

// pipeConnections returns two already-Connected Connections back to back
// over an in-process net.Pipe, standing in for a real TCP socket pair.
func pipeConnections(opts protocol.ConnectionOptions) (*Connection, *Connection) {
	a, b := net.Pipe()
	return Accept(a, opts, KindPeerMessage, nil), Accept(b, opts, KindPeerMessage, nil)
}

func TestMessageConnectionRoundTrip(t *testing.T) {
	opts := protocol.ConnectionOptions{BufferSize: 64, ConnectTimeout: 1, ReadTimeout: 5}
	left, right := pipeConnections(opts)
	defer left.Disconnect("test cleanup")
	defer right.Disconnect("test cleanup")

	received := make(chan Message, 1)
	receiver := NewMessageConnection(right, nil, func(m Message) {
		received <- m
	})
	sender := NewMessageConnection(left, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	receiver.Start(ctx)
	sender.Start(ctx)

	frame, err := codec.NewWriter(7).WriteUint32(42).WriteString("hello").Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sender.Send(frame)

	select {
	case msg := <-received:
		if msg.Code != 7 {
			t.Fatalf("got code %d, want 7", msg.Code)
		}
		r := codec.NewReader(msg.Code, msg.Payload)
		n, err := r.ReadUint32()
		if err != nil || n != 42 {
			t.Fatalf("ReadUint32: %v, %d", err, n)
		}
		s, err := r.ReadString()
		if err != nil || s != "hello" {
			t.Fatalf("ReadString: %v, %q", err, s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dispatched")
	}
}

func TestMessageConnectionSendWaitReportsWriteError(t *testing.T) {
	opts := protocol.ConnectionOptions{BufferSize: 64, ConnectTimeout: 1, ReadTimeout: 5}
	left, right := pipeConnections(opts)
	defer right.Disconnect("test cleanup")

	sender := NewMessageConnection(left, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender.Start(ctx)

	left.Disconnect("forced closed before send")

	frame, _ := codec.NewWriter(1).Build()
	err := sender.SendWait(context.Background(), frame)
	if err == nil {
		t.Fatal("expected SendWait to report an error on a closed connection")
	}
}

func TestMessageConnectionMalformedFrameLengthDisconnects(t *testing.T) {
	opts := protocol.ConnectionOptions{BufferSize: 64, ConnectTimeout: 1, ReadTimeout: 5}
	left, right := pipeConnections(opts)
	defer left.Disconnect("test cleanup")

	receiver := NewMessageConnection(right, nil, func(Message) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	receiver.Start(ctx)

	// length field of 0 is impossible: a frame always carries at least
	// its own 4-byte code.
	bad := make([]byte, 8)
	if err := left.Write(context.Background(), bad); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-right.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("malformed frame did not disconnect the receiving connection")
	}
}

func TestMessageConnectionHandlerPanicIsRecovered(t *testing.T) {
	opts := protocol.ConnectionOptions{BufferSize: 64, ConnectTimeout: 1, ReadTimeout: 5}
	left, right := pipeConnections(opts)
	defer left.Disconnect("test cleanup")
	defer right.Disconnect("test cleanup")

	handled := make(chan struct{}, 2)
	receiver := NewMessageConnection(right, nil, func(Message) {
		defer func() { handled <- struct{}{} }()
		panic("boom")
	})
	sender := NewMessageConnection(left, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	receiver.Start(ctx)
	sender.Start(ctx)

	frame1, _ := codec.NewWriter(1).Build()
	frame2, _ := codec.NewWriter(2).Build()
	sender.Send(frame1)
	sender.Send(frame2)

	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("readLoop stopped dispatching after a handler panic")
		}
	}
}
