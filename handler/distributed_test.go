package handler

import (
	"testing"
	"time"

	"github.com/soulseek-go/soulseek/codec"
	"github.com/soulseek-go/soulseek/connection"
	"github.com/soulseek-go/soulseek/distributed"
	"github.com/soulseek-go/soulseek/protocol"
)

func buildDistributedMessage(t *testing.T, code protocol.DistributedCode, build func(*codec.Writer)) connection.Message {
	t.Helper()
	w := codec.NewWriter(int32(code))
	build(w)
	frame, err := w.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return connection.Message{Code: int32(code), Payload: frame[8:]}
}

func TestHandleDistributedSearchRequestForwardsAndCallsBack(t *testing.T) {
	tree := distributed.New("me", nil, nil)
	otherChild := protocol.ConnectionKey{Username: "other-child"}
	tree.AddChild(otherChild, nil)
	peerKey := protocol.ConnectionKey{Username: "parent"}

	var forwardedCount int
	forward := func(child *connection.MessageConnection, req protocol.DistributedSearchRequestMsg) {
		forwardedCount++
	}

	received := make(chan protocol.DistributedSearchRequestMsg, 1)
	h := NewDistributedHandler(peerKey, tree, nil, nil, forward, nil, nil, DistributedCallbacks{
		OnSearchRequest: func(req protocol.DistributedSearchRequestMsg) { received <- req },
	})

	msg := buildDistributedMessage(t, protocol.DistributedSearchRequest, func(w *codec.Writer) {
		w.WriteString("searcher").WriteUint32(11).WriteString("flac album")
	})
	h.Handle(msg)

	select {
	case req := <-received:
		if req.Username != "searcher" || req.Token != 11 || req.Query != "flac album" {
			t.Fatalf("got %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("OnSearchRequest was not invoked")
	}
	if forwardedCount != 1 {
		t.Fatalf("forwarded to %d children, want 1 (the single registered child)", forwardedCount)
	}
}

func TestHandleBranchLevelUpdatesTreeWithoutDisconnectingParent(t *testing.T) {
	tree := distributed.New("me", nil, nil)
	parentKey := protocol.ConnectionKey{Username: "parent"}
	tree.SetParent(parentKey, nil, 1, "root-user") // branch level starts at 2 (parent's 1 + 1)

	h := NewDistributedHandler(parentKey, tree, nil, nil, nil, nil, nil, DistributedCallbacks{})
	msg := buildDistributedMessage(t, protocol.DistributedBranchLevel, func(w *codec.Writer) {
		w.WriteInt32(4)
	})
	h.Handle(msg)

	if tree.BranchLevel() != 5 {
		t.Fatalf("BranchLevel() = %d, want 5 (parent's reported 4 + 1)", tree.BranchLevel())
	}
	if tree.BranchRoot() != "root-user" {
		t.Fatalf("BranchRoot() = %q, want unchanged root-user", tree.BranchRoot())
	}
}

func TestHandleBranchLevelRebroadcastsToChildren(t *testing.T) {
	tree := distributed.New("me", nil, nil)
	parentKey := protocol.ConnectionKey{Username: "parent"}
	tree.SetParent(parentKey, nil, 1, "root-user") // branch level starts at 2
	tree.AddChild(protocol.ConnectionKey{Username: "child-a"}, nil)
	tree.AddChild(protocol.ConnectionKey{Username: "child-b"}, nil)

	var levelsSent []int32
	levelForward := func(child *connection.MessageConnection, level int32) {
		levelsSent = append(levelsSent, level)
	}

	h := NewDistributedHandler(parentKey, tree, nil, nil, nil, levelForward, nil, DistributedCallbacks{})
	msg := buildDistributedMessage(t, protocol.DistributedBranchLevel, func(w *codec.Writer) {
		w.WriteInt32(4)
	})
	h.Handle(msg)

	if len(levelsSent) != 2 {
		t.Fatalf("got %d children notified, want 2", len(levelsSent))
	}
	for _, lvl := range levelsSent {
		if lvl != 5 {
			t.Fatalf("child was sent level %d, want 5 (own level after update)", lvl)
		}
	}
}

func TestHandleBranchRootUpdatesTree(t *testing.T) {
	tree := distributed.New("me", nil, nil)
	parentKey := protocol.ConnectionKey{Username: "parent"}
	tree.SetParent(parentKey, nil, 2, "old-root") // branch level starts at 3 (parent's 2 + 1)

	h := NewDistributedHandler(parentKey, tree, nil, nil, nil, nil, nil, DistributedCallbacks{})
	msg := buildDistributedMessage(t, protocol.DistributedBranchRoot, func(w *codec.Writer) {
		w.WriteString("new-root")
	})
	h.Handle(msg)

	if tree.BranchRoot() != "new-root" {
		t.Fatalf("BranchRoot() = %q, want new-root", tree.BranchRoot())
	}
	if tree.BranchLevel() != 3 {
		t.Fatalf("BranchLevel() = %d, want unchanged 3", tree.BranchLevel())
	}
}

func TestHandleBranchRootRebroadcastsToChildren(t *testing.T) {
	tree := distributed.New("me", nil, nil)
	parentKey := protocol.ConnectionKey{Username: "parent"}
	tree.SetParent(parentKey, nil, 2, "old-root")
	tree.AddChild(protocol.ConnectionKey{Username: "child-a"}, nil)

	var rootsSent []string
	rootForward := func(child *connection.MessageConnection, root string) {
		rootsSent = append(rootsSent, root)
	}

	h := NewDistributedHandler(parentKey, tree, nil, nil, nil, nil, rootForward, DistributedCallbacks{})
	msg := buildDistributedMessage(t, protocol.DistributedBranchRoot, func(w *codec.Writer) {
		w.WriteString("new-root")
	})
	h.Handle(msg)

	if len(rootsSent) != 1 || rootsSent[0] != "new-root" {
		t.Fatalf("got %v, want one forward of new-root", rootsSent)
	}
}

func TestHandleBranchLevelFromStaleParentIsIgnored(t *testing.T) {
	tree := distributed.New("me", nil, nil)
	tree.SetParent(protocol.ConnectionKey{Username: "real-parent"}, nil, 1, "root-user")

	stale := protocol.ConnectionKey{Username: "old-parent"}
	h := NewDistributedHandler(stale, tree, nil, nil, nil, nil, nil, DistributedCallbacks{})
	msg := buildDistributedMessage(t, protocol.DistributedBranchLevel, func(w *codec.Writer) {
		w.WriteInt32(99)
	})
	h.Handle(msg)

	if tree.BranchLevel() != 2 {
		t.Fatalf("BranchLevel() = %d, want unchanged 2 (update came from a stale parent key)", tree.BranchLevel())
	}
}
