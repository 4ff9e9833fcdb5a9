// Package soulseek is a client library for the Soulseek peer-to-peer
// file-sharing network: a server connection for login, user lookup and
// room chat, on-demand peer connections for browsing and transferring
// files, and a distributed overlay connection for receiving and
// forwarding other users' searches.
package soulseek

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/soulseek-go/soulseek/codec"
	"github.com/soulseek-go/soulseek/connection"
	"github.com/soulseek-go/soulseek/distributed"
	"github.com/soulseek-go/soulseek/dlog"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/handler"
	"github.com/soulseek-go/soulseek/metrics"
	"github.com/soulseek-go/soulseek/peer"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/search"
	"github.com/soulseek-go/soulseek/suturewrap"
	"github.com/soulseek-go/soulseek/transfer"
	"github.com/soulseek-go/soulseek/waiter"
)

var (
	debug = dlog.Enabled("client")
	l     = dlog.Default("client")
)

const (
	protocolVersionMajor = 160
	protocolVersionMinor = 1
	pingInterval         = 2 * time.Minute
)

// Config configures a Client.
type Config struct {
	Username   string
	Password   string
	ServerAddr string // e.g. "server.slsknet.org:2242"
	ListenAddr string // local address to accept peer connections on, e.g. ":2234"

	ConnectionOptions protocol.ConnectionOptions
	PeerPoolCapacity  int
	SearchDefaults    search.Options
}

// withDefaults fills in zero-valued fields the way spec §3 requires.
func (c Config) withDefaults() Config {
	if c.ConnectionOptions == (protocol.ConnectionOptions{}) {
		c.ConnectionOptions = protocol.DefaultConnectionOptions()
	}
	if c.PeerPoolCapacity == 0 {
		c.PeerPoolCapacity = 64
	}
	if c.SearchDefaults.SearchTimeout == 0 {
		c.SearchDefaults = search.DefaultOptions()
	}
	return c
}

// Client is a logged-in session against the Soulseek network.
type Client struct {
	cfg     Config
	Events  *events.Bus
	Metrics *metrics.Registry

	serverConn *connection.Connection
	serverMC   *connection.MessageConnection
	serverW    *waiter.Waiter
	server     *handler.ServerHandler

	peers      *peer.Manager
	tree       *distributed.Manager
	parentAcq  parentAcquisition
	searches   *search.Manager
	transfers  *transfer.Manager
	listener   net.Listener
	supervisor *suture.Supervisor

	nextToken uint32
}

// New constructs a Client; Connect must be called before it is usable.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:       cfg,
		Events:    events.NewBus(),
		Metrics:   metrics.New(),
		serverW:   waiter.New(),
		searches:  search.NewManager(),
		transfers: transfer.NewManager(),
	}
	c.tree = distributed.New(cfg.Username, c.Events, c.Metrics)
	c.peers = peer.New(cfg.PeerPoolCapacity, cfg.ConnectionOptions, &serverIndirectRequester{c}, c.Events, c.Metrics, c.onPeerMessage)
	return c
}

// Connect dials the server, logs in, starts the peer listener (if
// ListenAddr is set) and the keepalive loop, then blocks until login
// succeeds or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	c.serverConn = connection.New(c.cfg.ServerAddr, c.cfg.ConnectionOptions, connection.KindServer, c.Events)
	if err := c.serverConn.Connect(ctx); err != nil {
		return err
	}

	c.server = handler.NewServerHandler(c.serverW, c.Events, c.Metrics, c.peers, handler.ServerCallbacks{
		OnConnectToPeerRequest: c.onConnectToPeerRequest,
		OnSearchRequest:        c.onServerSearchRequest,
	})
	c.serverMC = connection.NewMessageConnection(c.serverConn, c.Events, c.server.Handle)
	c.serverMC.Start(ctx)

	if err := c.login(ctx); err != nil {
		c.serverConn.Disconnect("login failed")
		return err
	}

	c.supervisor = suture.NewSimple("soulseek-client")
	c.supervisor.Add(suturewrap.AsService(c.pingLoop, "server-ping"))
	if c.cfg.ListenAddr != "" {
		if err := c.startListener(); err != nil {
			return err
		}
		c.supervisor.Add(suturewrap.AsService(c.acceptLoop, "peer-listener"))
	}
	go c.supervisor.ServeBackground(ctx)

	return nil
}

func (c *Client) login(ctx context.Context) error {
	hash := md5.Sum([]byte(c.cfg.Username + c.cfg.Password))
	frame, err := codec.NewWriter(int32(protocol.ServerLogin)).
		WriteString(c.cfg.Username).
		WriteString(c.cfg.Password).
		WriteInt32(protocolVersionMajor).
		WriteString(hex.EncodeToString(hash[:])).
		WriteInt32(protocolVersionMinor).
		Build()
	if err != nil {
		return err
	}
	if err := c.serverMC.SendWait(ctx, frame); err != nil {
		return err
	}
	resp, err := c.server.WaitLogin(ctx)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("soulseek: login rejected: %s", resp.Message)
	}
	return nil
}

func (c *Client) pingLoop(ctx context.Context) error {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.serverConn.Done():
			return nil
		case <-t.C:
			frame, err := codec.NewWriter(int32(protocol.ServerPing)).Build()
			if err != nil {
				continue
			}
			c.serverMC.Send(frame)
		}
	}
}

// Search starts a new search query and returns the session tracking its
// results; the caller reads sess.Responses() after <-sess.Done(), or
// polls it while the search is still in flight.
func (c *Client) Search(ctx context.Context, query string, opts search.Options) (*search.Session, error) {
	token := c.mintToken()
	sess := search.New(query, token, opts, c.Events, c.Metrics)
	c.searches.Start(sess)

	frame, err := codec.NewWriter(int32(protocol.ServerSearchRequest)).
		WriteUint32(token).
		WriteString(query).
		Build()
	if err != nil {
		sess.Cancel()
		return nil, err
	}
	c.serverMC.Send(frame)
	return sess, nil
}

func (c *Client) mintToken() uint32 {
	c.nextToken++
	return c.nextToken
}

func (c *Client) onServerSearchRequest(username string, token uint32, query string) {
	c.tree.BroadcastSearch(context.Background(), protocol.ConnectionKey{}, protocol.DistributedSearchRequestMsg{
		Username: username,
		Token:    token,
		Query:    query,
	}, c.forwardSearch)
}

func (c *Client) forwardSearch(child *connection.MessageConnection, req protocol.DistributedSearchRequestMsg) {
	frame, err := codec.NewWriter(int32(protocol.DistributedSearchRequest)).
		WriteString(req.Username).
		WriteUint32(req.Token).
		WriteString(req.Query).
		Build()
	if err != nil {
		return
	}
	child.Send(frame)
}

func (c *Client) forwardBranchLevel(child *connection.MessageConnection, level int32) {
	frame, err := codec.NewWriter(int32(protocol.DistributedBranchLevel)).
		WriteInt32(level).
		Build()
	if err != nil {
		return
	}
	child.Send(frame)
}

func (c *Client) forwardBranchRoot(child *connection.MessageConnection, root string) {
	frame, err := codec.NewWriter(int32(protocol.DistributedBranchRoot)).
		WriteString(root).
		Build()
	if err != nil {
		return
	}
	child.Send(frame)
}

func (c *Client) onPeerMessage(key protocol.ConnectionKey, msg connection.Message) {
	// Every message arriving on a connection pooled by c.peers lands
	// here. No handler decodes it: it is dropped, and logged when
	// tracing is enabled.
	if debug {
		l.Debugf("unattributed peer message code=%d from %s", msg.Code, key)
	}
}

func (c *Client) onConnectToPeerRequest(req protocol.ConnectToPeerRequest) {
	switch req.Kind {
	case protocol.KindDistributed:
		c.onDistributedConnectToPeerRequest(req)
		return
	case protocol.KindFileTransfer:
		c.onTransferConnectToPeerRequest(req)
		return
	}

	key := protocol.ConnectionKey{Username: req.Username, IP: req.IP.String(), Port: req.Port, Kind: req.Kind}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.ConnectionOptions.ConnectTimeout)*time.Second)
	defer cancel()

	mc, err := c.peers.GetOrConnect(ctx, key)
	if err != nil {
		c.Events.Diagnosticf(events.LevelWarning, "solicited connect to %s failed: %v", key, err)
		return
	}
	frame, err := codec.NewWriter(int32(0)). // InitPierceFirewall
							WriteUint32(req.Token).
							Build()
	if err == nil {
		mc.Send(frame)
	}
}

// serverIndirectRequester adapts Client to peer.ServerRequester: asking
// the server to tell a peer to connect back to us uses the same wire
// code (ServerConnectToPeer) the server itself uses to push that
// request to us, but with a different payload shape (token, username,
// type — no address, since the server already knows ours).
type serverIndirectRequester struct{ c *Client }

func (r *serverIndirectRequester) RequestIndirectConnection(ctx context.Context, username string, kind protocol.ConnectionKind, token uint32) error {
	frame, err := codec.NewWriter(int32(protocol.ServerConnectToPeer)).
		WriteUint32(token).
		WriteString(username).
		WriteString(string(kind)).
		Build()
	if err != nil {
		return err
	}
	return r.c.serverMC.SendWait(ctx, frame)
}

// Disconnect stops the supervised background loops, closes the listener,
// if any, tears down the server connection and fails every outstanding
// server wait. Pooled peer connections and overlay connections are not
// closed.
func (c *Client) Disconnect() {
	if c.supervisor != nil {
		c.supervisor.Stop()
	}
	if c.listener != nil {
		c.listener.Close()
	}
	if c.serverConn != nil {
		c.serverConn.Disconnect("client disconnect")
	}
	c.serverW.CancelAll(fmt.Errorf("client disconnected"))
}
