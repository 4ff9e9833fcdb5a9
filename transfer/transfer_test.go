package transfer

import (
	"testing"

	"github.com/soulseek-go/soulseek/protocol"
)

func TestTransferAdvancesForward(t *testing.T) {
	tr := New(protocol.DirectionDownload, "alice", "f.mp3", 1, nil)
	if tr.State() != StateRequested {
		t.Fatalf("got %v, want Requested", tr.State())
	}

	tr.MarkQueued()
	tr.MarkInitializing()
	tr.MarkInProgress()
	if tr.State() != StateInProgress {
		t.Fatalf("got %v, want InProgress", tr.State())
	}
}

func TestTransferIgnoresBackwardOrStaleTransitions(t *testing.T) {
	tr := New(protocol.DirectionDownload, "alice", "f.mp3", 1, nil)
	tr.MarkInProgress() // skips straight to InProgress
	tr.MarkQueued()     // stale, should be ignored
	if tr.State() != StateInProgress {
		t.Fatalf("got %v, want InProgress unaffected by a stale MarkQueued", tr.State())
	}
}

func TestTransferCompleteIsTerminalAndOnlyFirstWins(t *testing.T) {
	tr := New(protocol.DirectionDownload, "alice", "f.mp3", 1, nil)
	tr.MarkQueued()
	tr.MarkInProgress()

	tr.Complete(StateCompletedSucceeded, []byte("data"), nil)
	select {
	case <-tr.Done():
	default:
		t.Fatal("Done should be closed after Complete")
	}
	if tr.State() != StateCompletedSucceeded {
		t.Fatalf("got %v, want Completed/Succeeded", tr.State())
	}

	tr.Complete(StateCompletedErrored, nil, nil)
	if tr.State() != StateCompletedSucceeded {
		t.Fatalf("second Complete call changed a terminal state to %v", tr.State())
	}

	data, err := tr.Result()
	if string(data) != "data" || err != nil {
		t.Fatalf("got data=%q err=%v, want data=%q err=nil", data, err, "data")
	}

	tr.MarkInProgress() // terminal, should be a no-op
	if tr.State() != StateCompletedSucceeded {
		t.Fatalf("MarkInProgress moved a terminal transfer to %v", tr.State())
	}
}

func TestTransferRemoteTokenAndProgress(t *testing.T) {
	tr := New(protocol.DirectionUpload, "bob", "song.flac", 7, nil)
	if _, ok := tr.RemoteToken(); ok {
		t.Fatal("RemoteToken should report absent before SetRemoteToken")
	}
	tr.SetRemoteToken(7)
	got, ok := tr.RemoteToken()
	if !ok || got != 7 {
		t.Fatalf("got %d,%v, want 7,true", got, ok)
	}

	tr.SetSize(1000)
	if tr.Size() != 1000 {
		t.Fatalf("got size %d, want 1000", tr.Size())
	}

	tr.Progress(250)
	if tr.BytesTransferred() != 250 {
		t.Fatalf("got %d, want 250", tr.BytesTransferred())
	}
}

func TestManagerRegisterGetRemove(t *testing.T) {
	m := NewManager()
	tr := New(protocol.DirectionDownload, "alice", "f.mp3", 42, nil)
	m.Register(tr)

	got, ok := m.Get(42)
	if !ok || got != tr {
		t.Fatalf("got %v,%v, want the registered transfer", got, ok)
	}

	m.Remove(42)
	if _, ok := m.Get(42); ok {
		t.Fatal("transfer should no longer be tracked after Remove")
	}
}
