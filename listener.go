package soulseek

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/soulseek-go/soulseek/codec"
	"github.com/soulseek-go/soulseek/connection"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/handler"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/waiter"
)

const initHandshakeTimeout = 5 * time.Second

func (c *Client) startListener() error {
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("soulseek: listen: %w", err)
	}
	c.listener = ln
	return nil
}

func (c *Client) acceptLoop(ctx context.Context) error {
	for {
		raw, err := c.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				c.Events.Diagnosticf(events.LevelWarning, "peer listener accept failed: %v", err)
				continue
			}
		}
		go c.handleInbound(ctx, raw)
	}
}

// handleInbound reads the short initialization handshake that precedes
// every connection's normal traffic and routes the freshly accepted
// socket accordingly: a PierceFirewall frame completes a connection
// race we're already running, a PeerInit frame introduces a new direct
// peer or distributed child connection.
func (c *Client) handleInbound(ctx context.Context, raw net.Conn) {
	raw.SetReadDeadline(time.Now().Add(initHandshakeTimeout))
	initCode, payload, err := readInitFrame(raw)
	raw.SetReadDeadline(time.Time{})
	if err != nil {
		c.Events.Diagnosticf(events.LevelWarning, "inbound handshake from %s failed: %v", raw.RemoteAddr(), err)
		raw.Close()
		return
	}

	r := codec.NewReader(int32(initCode), payload)
	switch protocol.InitCode(initCode) {
	case protocol.InitPierceFirewall:
		token, err := r.ReadUint32()
		if err != nil {
			raw.Close()
			return
		}
		if !c.peers.CompleteIndirect(token, raw) {
			c.Events.Diagnosticf(events.LevelWarning, "PierceFirewall token %d had no waiting race", token)
			raw.Close()
		}
	case protocol.InitPeerInit:
		username, err := r.ReadString()
		if err != nil {
			raw.Close()
			return
		}
		kind, err := r.ReadString()
		if err != nil {
			raw.Close()
			return
		}
		c.acceptDirectPeer(ctx, username, protocol.ConnectionKind(kind), raw)
	default:
		c.Events.Diagnosticf(events.LevelWarning, "unknown init code %d from %s", initCode, raw.RemoteAddr())
		raw.Close()
	}
}

func (c *Client) acceptDirectPeer(ctx context.Context, username string, kind protocol.ConnectionKind, raw net.Conn) {
	host, portStr, err := net.SplitHostPort(raw.RemoteAddr().String())
	if err != nil {
		raw.Close()
		return
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	key := protocol.ConnectionKey{Username: username, IP: host, Port: port, Kind: kind}

	switch kind {
	case protocol.KindDistributed:
		conn := connection.Accept(raw, c.cfg.ConnectionOptions, connection.KindDistributed, c.Events)
		dh := handler.NewDistributedHandler(key, c.tree, c.Events, c.Metrics, c.forwardSearch, c.forwardBranchLevel, c.forwardBranchRoot, handler.DistributedCallbacks{})
		mc := connection.NewMessageConnection(conn, c.Events, dh.Handle)
		mc.Start(ctx)
		c.tree.AddChild(key, mc)
	case protocol.KindFileTransfer:
		conn := connection.Accept(raw, c.cfg.ConnectionOptions, connection.KindTransfer, c.Events)
		go c.acceptInboundTransfer(conn)
	default:
		conn := connection.Accept(raw, c.cfg.ConnectionOptions, connection.KindPeerMessage, c.Events)
		w := waiter.New()
		ph := handler.NewPeerHandler(username, w, c.Events, c.Metrics, handler.PeerCallbacks{
			OnSearchResponse: func(resp protocol.SearchResponse) { c.searches.Dispatch(resp) },
		})
		mc := connection.NewMessageConnection(conn, c.Events, ph.Handle)
		mc.Start(ctx)
	}
}

// readInitFrame reads one [u32 len][u32 code][payload] frame directly
// off conn, used only for the handshake message that precedes a
// MessageConnection's own read loop taking over.
func readInitFrame(conn net.Conn) (int32, []byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	code := int32(binary.LittleEndian.Uint32(header[4:8]))
	if length < 4 {
		return 0, nil, fmt.Errorf("soulseek: impossible init frame length %d", length)
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, err
	}
	return code, payload, nil
}
