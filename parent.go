package soulseek

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soulseek-go/soulseek/connection"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/handler"
	"github.com/soulseek-go/soulseek/protocol"
)

// parentCandidateWindow bounds how long incoming distributed
// ConnectToPeer solicitations are collected before racing the batch.
// The server offers overlay parent candidates one at a time rather than
// as a single list, so this window stands in for a batch of candidates
// to race against each other.
const parentCandidateWindow = 2 * time.Second

var errParentAcquired = errors.New("soulseek: parent connection acquired")

// parentAcquisition buffers distributed ConnectToPeer solicitations
// that arrive while no racing attempt is already under way.
type parentAcquisition struct {
	mu         sync.Mutex
	collecting bool
	candidates []protocol.ConnectToPeerRequest
}

// onDistributedConnectToPeerRequest is the Kind == KindDistributed leg
// of ServerConnectToPeer: a candidate overlay parent offered by the
// server. If this node already has a parent the candidate is ignored;
// otherwise it is buffered, and parentCandidateWindow after the first
// candidate of a batch was buffered, every buffered candidate is raced
// at once. Later arrivals do not extend the window.
func (c *Client) onDistributedConnectToPeerRequest(req protocol.ConnectToPeerRequest) {
	if c.tree.HasParent() {
		return
	}

	c.parentAcq.mu.Lock()
	c.parentAcq.candidates = append(c.parentAcq.candidates, req)
	already := c.parentAcq.collecting
	c.parentAcq.collecting = true
	c.parentAcq.mu.Unlock()
	if already {
		return
	}

	go func() {
		time.Sleep(parentCandidateWindow)
		c.parentAcq.mu.Lock()
		batch := c.parentAcq.candidates
		c.parentAcq.candidates = nil
		c.parentAcq.collecting = false
		c.parentAcq.mu.Unlock()
		c.addParentConnection(context.Background(), batch)
	}()
}

// addParentConnection races a direct connection attempt to every
// candidate; whichever completes first is adopted as the overlay
// parent and the rest are abandoned. The adopted connection's branch
// level starts as a placeholder (this node is its own root until the
// parent's first BranchLevel/BranchRoot frames correct it through
// DistributedHandler). A candidate is adopted as soon as its TCP
// connect succeeds: no PeerInit frame is written to it and no
// BranchLevel frame is awaited before adoption.
func (c *Client) addParentConnection(ctx context.Context, candidates []protocol.ConnectToPeerRequest) {
	if len(candidates) == 0 || c.tree.HasParent() {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ConnectionOptions.ConnectTimeout)*time.Second)
	defer cancel()

	type result struct {
		key  protocol.ConnectionKey
		conn *connection.Connection
	}
	winner := make(chan result, 1)

	g, gctx := errgroup.WithContext(dialCtx)
	var won sync.Once
	for _, cand := range candidates {
		cand := cand
		g.Go(func() error {
			key := protocol.ConnectionKey{Username: cand.Username, IP: cand.IP.String(), Port: cand.Port, Kind: protocol.KindDistributed}
			conn := connection.New(fmt.Sprintf("%s:%d", cand.IP, cand.Port), c.cfg.ConnectionOptions, connection.KindDistributed, c.Events)
			if err := conn.Connect(gctx); err != nil {
				return nil
			}

			claimed := false
			won.Do(func() {
				claimed = true
				winner <- result{key, conn}
			})
			if !claimed {
				conn.Disconnect("lost parent connection race")
				return nil
			}
			// Cancel gctx so the remaining in-flight dials abort early.
			return errParentAcquired
		})
	}
	_ = g.Wait()

	select {
	case res := <-winner:
		dh := handler.NewDistributedHandler(res.key, c.tree, c.Events, c.Metrics, c.forwardSearch, c.forwardBranchLevel, c.forwardBranchRoot, handler.DistributedCallbacks{})
		mc := connection.NewMessageConnection(res.conn, c.Events, dh.Handle)
		mc.Start(ctx)
		c.tree.SetParent(res.key, mc, -1, c.cfg.Username)
		if debug {
			l.Debugf("adopted overlay parent %s", res.key)
		}
	default:
		c.Events.Diagnosticf(events.LevelWarning, "no distributed parent candidate could be reached out of %d offered", len(candidates))
	}
}
