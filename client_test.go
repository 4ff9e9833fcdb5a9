package soulseek

import (
	"testing"

	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/search"
)

func TestConfigWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{Username: "alice", Password: "secret"}.withDefaults()

	if cfg.ConnectionOptions != protocol.DefaultConnectionOptions() {
		t.Fatalf("got %+v, want default connection options", cfg.ConnectionOptions)
	}
	if cfg.PeerPoolCapacity != 64 {
		t.Fatalf("PeerPoolCapacity = %d, want 64", cfg.PeerPoolCapacity)
	}
	if cfg.SearchDefaults.SearchTimeout != search.DefaultOptions().SearchTimeout {
		t.Fatalf("SearchDefaults = %+v, want defaults", cfg.SearchDefaults)
	}
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	custom := protocol.ConnectionOptions{BufferSize: 1, ConnectTimeout: 1, ReadTimeout: 1}
	cfg := Config{
		Username:          "alice",
		ConnectionOptions: custom,
		PeerPoolCapacity:  7,
	}.withDefaults()

	if cfg.ConnectionOptions != custom {
		t.Fatalf("got %+v, want preserved %+v", cfg.ConnectionOptions, custom)
	}
	if cfg.PeerPoolCapacity != 7 {
		t.Fatalf("PeerPoolCapacity = %d, want preserved 7", cfg.PeerPoolCapacity)
	}
}

func TestNewConstructsClientWithDefaults(t *testing.T) {
	c := New(Config{Username: "alice", Password: "secret", ServerAddr: "127.0.0.1:0"})
	if c.tree.BranchRoot() != "alice" {
		t.Fatalf("tree root = %q, want alice", c.tree.BranchRoot())
	}
	if c.peers == nil || c.searches == nil || c.Events == nil || c.Metrics == nil {
		t.Fatal("New left a required field nil")
	}
}

func TestMintTokenIncrementsAndNeverRepeats(t *testing.T) {
	c := New(Config{Username: "alice", ServerAddr: "127.0.0.1:0"})
	seen := make(map[uint32]bool)
	for i := 0; i < 5; i++ {
		tok := c.mintToken()
		if seen[tok] {
			t.Fatalf("mintToken repeated value %d", tok)
		}
		seen[tok] = true
	}
}
