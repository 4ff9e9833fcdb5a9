package soulseek

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/soulseek-go/soulseek/connection"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/metrics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transfer"
)

func newDownloadTestClient() *Client {
	return &Client{
		cfg:       Config{Username: "me", ConnectionOptions: protocol.ConnectionOptions{BufferSize: 8, ConnectTimeout: 1, ReadTimeout: 5}},
		Events:    events.NewBus(),
		Metrics:   metrics.New(),
		transfers: transfer.NewManager(),
	}
}

func pipeTransferConnections(c *Client) (*connection.TransferConnection, *connection.TransferConnection) {
	a, b := net.Pipe()
	left := connection.Accept(a, c.cfg.ConnectionOptions, connection.KindTransfer, c.Events)
	right := connection.Accept(b, c.cfg.ConnectionOptions, connection.KindTransfer, c.Events)
	return connection.NewTransferConnection(left, c.Events, c.Metrics), connection.NewTransferConnection(right, c.Events, c.Metrics)
}

func TestRunTransferDownloadSucceeds(t *testing.T) {
	c := newDownloadTestClient()
	senderTC, receiverTC := pipeTransferConnections(c)

	payload := []byte("some file bytes, streamed over the wire")
	tr := transfer.New(protocol.DirectionDownload, "alice", "song.mp3", 1, c.Events)
	tr.SetSize(uint64(len(payload)))
	c.transfers.Register(tr)

	go func() {
		senderTC.SendFile(context.Background(), payload, nil)
	}()

	c.runTransfer(tr, receiverTC)

	<-tr.Done()
	data, err := tr.Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("got %q, want %q", data, payload)
	}
	if tr.State() != transfer.StateCompletedSucceeded {
		t.Fatalf("got state %v, want Completed/Succeeded", tr.State())
	}
	if _, ok := c.transfers.Get(tr.Token); ok {
		t.Fatal("runTransfer should remove the transfer from the manager once done")
	}
}

func TestRunTransferUploadSucceeds(t *testing.T) {
	c := newDownloadTestClient()
	senderTC, receiverTC := pipeTransferConnections(c)

	payload := []byte("upload payload")
	tr := transfer.New(protocol.DirectionUpload, "bob", "book.pdf", 2, c.Events)
	tr.SetUploadData(payload)
	c.transfers.Register(tr)

	resultCh := make(chan []byte, 1)
	go func() {
		data, _ := receiverTC.ReceiveFile(context.Background(), uint64(len(payload)), nil)
		resultCh <- data
	}()

	c.runTransfer(tr, senderTC)

	<-tr.Done()
	if _, err := tr.Result(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.State() != transfer.StateCompletedSucceeded {
		t.Fatalf("got state %v, want Completed/Succeeded", tr.State())
	}
	got := <-resultCh
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestAcceptInboundTransferMatchesRegisteredToken(t *testing.T) {
	c := newDownloadTestClient()
	a, b := net.Pipe()
	serverSide := connection.Accept(a, c.cfg.ConnectionOptions, connection.KindTransfer, c.Events)
	clientSide := connection.Accept(b, c.cfg.ConnectionOptions, connection.KindTransfer, c.Events)

	payload := []byte("inbound transfer payload")
	tr := transfer.New(protocol.DirectionDownload, "carol", "clip.mp4", 99, c.Events)
	tr.SetSize(uint64(len(payload)))
	c.transfers.Register(tr)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ticket := make([]byte, 4)
		ticket[0] = 99
		clientSide.Write(ctx, ticket)
		connection.NewTransferConnection(clientSide, c.Events, c.Metrics).SendFile(ctx, payload, nil)
	}()

	c.acceptInboundTransfer(serverSide)

	<-tr.Done()
	data, err := tr.Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("got %q, want %q", data, payload)
	}
	got, ok := tr.RemoteToken()
	if !ok || got != 99 {
		t.Fatalf("got remote token %d,%v, want 99,true", got, ok)
	}
}

func TestAcceptInboundTransferUnknownTokenDisconnects(t *testing.T) {
	c := newDownloadTestClient()
	a, b := net.Pipe()
	serverSide := connection.Accept(a, c.cfg.ConnectionOptions, connection.KindTransfer, c.Events)
	clientSide := connection.Accept(b, c.cfg.ConnectionOptions, connection.KindTransfer, c.Events)
	defer clientSide.Disconnect("test cleanup")

	done := make(chan struct{})
	go func() {
		c.acceptInboundTransfer(serverSide)
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	clientSide.Write(ctx, []byte{1, 2, 3, 4})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acceptInboundTransfer did not return for an unknown token")
	}
}
