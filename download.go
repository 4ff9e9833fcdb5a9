package soulseek

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/soulseek-go/soulseek/codec"
	"github.com/soulseek-go/soulseek/connection"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/handler"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transfer"
	"github.com/soulseek-go/soulseek/waiter"
)

// Download negotiates and runs a download of filename from username,
// implementing TransferInternal end to end (E2E scenario 5): a direct
// message connection to the peer, TransferRequest/TransferResponse,
// then a direct-dialed transfer socket (openOutboundTransfer). If that
// dial fails the transfer completes as CompletedErrored; no
// server-mediated F-kind connection is requested for it. The returned
// Transfer's Done channel closes once the transfer reaches a
// Completed/* state.
func (c *Client) Download(ctx context.Context, username, filename string) (*transfer.Transfer, error) {
	addr, err := c.getPeerAddress(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("soulseek: resolving %s: %w", username, err)
	}

	mc, ph, err := c.connectPeerForMessages(ctx, username, addr)
	if err != nil {
		return nil, fmt.Errorf("soulseek: connecting to %s: %w", username, err)
	}

	token := c.mintToken()
	tr := transfer.New(protocol.DirectionDownload, username, filename, token, c.Events)
	c.transfers.Register(tr)

	frame, err := codec.NewWriter(int32(protocol.PeerTransferRequest)).
		WriteInt32(int32(protocol.DirectionDownload)).
		WriteUint32(token).
		WriteString(filename).
		Build()
	if err != nil {
		c.transfers.Remove(token)
		return nil, err
	}
	mc.Send(frame)

	resp, err := ph.WaitTransferResponse(ctx, token)
	if err != nil {
		c.transfers.Remove(token)
		tr.Complete(transfer.StateCompletedTimedOut, nil, err)
		return tr, err
	}
	if !resp.Allowed {
		c.transfers.Remove(token)
		tr.Complete(transfer.StateCompletedRejected, nil, fmt.Errorf("soulseek: %s rejected %s: %s", username, filename, resp.Reason))
		return tr, nil
	}
	tr.SetSize(resp.Size)
	tr.MarkQueued()

	go c.openOutboundTransfer(tr, addr)
	return tr, nil
}

// openOutboundTransfer dials the peer's transfer socket directly,
// completes the PeerInit handshake identifying this as an F-kind
// connection, writes our token as the opening ticket, and runs the
// negotiated transfer. Used once TransferResponse has allowed the
// request.
func (c *Client) openOutboundTransfer(tr *transfer.Transfer, addr protocol.GetPeerAddressResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.ConnectionOptions.ConnectTimeout)*time.Second)
	defer cancel()

	raddr := fmt.Sprintf("%s:%d", addr.IP, addr.Port)
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", raddr)
	if err != nil {
		c.transfers.Remove(tr.Token)
		tr.Complete(transfer.StateCompletedErrored, nil, err)
		return
	}

	conn := connection.Accept(raw, c.cfg.ConnectionOptions, connection.KindTransfer, c.Events)

	initFrame, err := codec.NewWriter(int32(protocol.InitPeerInit)).
		WriteString(c.cfg.Username).
		WriteString(string(protocol.KindFileTransfer)).
		WriteUint32(tr.Token).
		Build()
	if err != nil {
		conn.Disconnect("failed to build PeerInit frame")
		c.transfers.Remove(tr.Token)
		tr.Complete(transfer.StateCompletedErrored, nil, err)
		return
	}
	ticket := make([]byte, 4)
	binary.LittleEndian.PutUint32(ticket, tr.Token)

	if err := conn.Write(ctx, initFrame); err != nil {
		conn.Disconnect("failed to write PeerInit frame")
		c.transfers.Remove(tr.Token)
		tr.Complete(transfer.StateCompletedErrored, nil, err)
		return
	}
	if err := conn.Write(ctx, ticket); err != nil {
		conn.Disconnect("failed to write transfer ticket")
		c.transfers.Remove(tr.Token)
		tr.Complete(transfer.StateCompletedErrored, nil, err)
		return
	}

	c.runTransfer(tr, connection.NewTransferConnection(conn, c.Events, c.Metrics))
}

// acceptInboundTransfer completes the other half of a direct F-kind
// PeerInit handshake: once the dialer has identified itself (handled by
// the listener's generic init-frame read), it writes its ticket next,
// which is matched against whichever Transfer our own negotiation
// already registered under that token.
func (c *Client) acceptInboundTransfer(conn *connection.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.ConnectionOptions.ConnectTimeout)*time.Second)
	defer cancel()

	tokenBytes, err := conn.Read(ctx, 4)
	if err != nil {
		conn.Disconnect("failed to read transfer ticket")
		return
	}
	remoteToken := binary.LittleEndian.Uint32(tokenBytes)

	tr, ok := c.transfers.Get(remoteToken)
	if !ok {
		c.Events.Diagnosticf(events.LevelWarning, "inbound transfer connection for unknown token %d", remoteToken)
		conn.Disconnect("no matching transfer")
		return
	}
	tr.SetRemoteToken(remoteToken)
	c.runTransfer(tr, connection.NewTransferConnection(conn, c.Events, c.Metrics))
}

// onTransferConnectToPeerRequest is the Kind == KindFileTransfer leg of
// onConnectToPeerRequest: the peer couldn't reach us directly, so the
// server asked us to dial them instead. get_transfer_connection's
// contract (spec §4.6) is to dial, then read the first 4 bytes off the
// raw socket as the remote token, which is matched against whichever
// Transfer our own TransferRequest/TransferResponse exchange already
// registered under that same token.
func (c *Client) onTransferConnectToPeerRequest(req protocol.ConnectToPeerRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.ConnectionOptions.ConnectTimeout)*time.Second)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", req.IP, req.Port)
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.Events.Diagnosticf(events.LevelWarning, "transfer connect to %s failed: %v", addr, err)
		return
	}

	conn := connection.Accept(raw, c.cfg.ConnectionOptions, connection.KindTransfer, c.Events)
	tokenBytes, err := conn.Read(ctx, 4)
	if err != nil {
		conn.Disconnect("failed to read transfer remote token")
		return
	}
	remoteToken := binary.LittleEndian.Uint32(tokenBytes)

	tr, ok := c.transfers.Get(remoteToken)
	if !ok {
		c.Events.Diagnosticf(events.LevelWarning, "transfer connection for unknown token %d from %s", remoteToken, req.Username)
		conn.Disconnect("no matching transfer")
		return
	}
	tr.SetRemoteToken(remoteToken)

	c.runTransfer(tr, connection.NewTransferConnection(conn, c.Events, c.Metrics))
}

// runTransfer drives tr's state machine (Initializing -> InProgress ->
// Completed/*) over tc, once the raw socket is established and its
// ticket has been exchanged.
func (c *Client) runTransfer(tr *transfer.Transfer, tc *connection.TransferConnection) {
	defer c.transfers.Remove(tr.Token)
	tr.MarkInitializing()
	tr.MarkInProgress()

	ctx := context.Background()
	switch tr.Direction {
	case protocol.DirectionDownload:
		data, err := tc.ReceiveFile(ctx, tr.Size(), func(n, total uint64) { tr.Progress(n) })
		if err != nil {
			tc.Underlying().Disconnect("transfer receive failed")
			tr.Complete(transfer.StateCompletedErrored, nil, err)
			return
		}
		tc.Underlying().Disconnect("transfer complete")
		tr.Complete(transfer.StateCompletedSucceeded, data, nil)
	case protocol.DirectionUpload:
		if err := tc.SendFile(ctx, tr.UploadData(), func(n, total uint64) { tr.Progress(n) }); err != nil {
			tc.Underlying().Disconnect("transfer send failed")
			tr.Complete(transfer.StateCompletedErrored, nil, err)
			return
		}
		tc.Underlying().Disconnect("transfer complete")
		tr.Complete(transfer.StateCompletedSucceeded, nil, nil)
	}
}

// getPeerAddress asks the server to resolve username's current IP/port.
func (c *Client) getPeerAddress(ctx context.Context, username string) (protocol.GetPeerAddressResponse, error) {
	frame, err := codec.NewWriter(int32(protocol.ServerGetPeerAddress)).
		WriteString(username).
		Build()
	if err != nil {
		return protocol.GetPeerAddressResponse{}, err
	}
	if err := c.serverMC.SendWait(ctx, frame); err != nil {
		return protocol.GetPeerAddressResponse{}, err
	}
	return c.server.WaitGetPeerAddress(ctx, username)
}

// connectPeerForMessages opens a fresh, direct peer-message connection
// to addr, completes the PeerInit handshake, and attaches a dedicated
// PeerHandler so responses (e.g. TransferResponse) can be waited on.
// Unlike c.peers' pooled connections, this one is owned solely by the
// caller for the duration of one negotiation.
func (c *Client) connectPeerForMessages(ctx context.Context, username string, addr protocol.GetPeerAddressResponse) (*connection.MessageConnection, *handler.PeerHandler, error) {
	raddr := fmt.Sprintf("%s:%d", addr.IP, addr.Port)
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", raddr)
	if err != nil {
		return nil, nil, err
	}

	conn := connection.Accept(raw, c.cfg.ConnectionOptions, connection.KindPeerMessage, c.Events)
	ph := handler.NewPeerHandler(username, waiter.New(), c.Events, c.Metrics, handler.PeerCallbacks{})
	mc := connection.NewMessageConnection(conn, c.Events, ph.Handle)
	mc.Start(ctx)

	frame, err := codec.NewWriter(int32(protocol.InitPeerInit)).
		WriteString(c.cfg.Username).
		WriteString(string(protocol.KindPeerMessage)).
		WriteUint32(c.mintToken()).
		Build()
	if err != nil {
		conn.Disconnect("failed to build PeerInit frame")
		return nil, nil, err
	}
	mc.Send(frame)

	return mc, ph, nil
}
