// Package metrics collects in-process counters for the client: active
// connections, bytes transferred, searches in flight, handler panics.
// It is purely internal instrumentation — spec.md explicitly keeps
// telemetry rendering out of scope, so this package exposes a read-only
// snapshot and wires no exporter. Grounded on the teacher's use of
// github.com/rcrowley/go-metrics for the same kind of ambient counters
// in lib/stats and lib/ur.
package metrics

import "github.com/rcrowley/go-metrics"

// Registry holds every counter for a single Client instance so that
// multiple clients in the same process don't share state.
type Registry struct {
	r metrics.Registry

	ActivePeerConnections  metrics.Counter
	ActiveChildConnections metrics.Counter
	BytesSent              metrics.Counter
	BytesReceived          metrics.Counter
	SearchesInFlight       metrics.Counter
	HandlerPanics          metrics.Counter
	IndirectConnectWins    metrics.Counter
	DirectConnectWins      metrics.Counter
}

// New returns a fresh, independent Registry.
func New() *Registry {
	r := metrics.NewRegistry()
	reg := &Registry{
		r:                      r,
		ActivePeerConnections:  metrics.NewRegisteredCounter("peer.connections.active", r),
		ActiveChildConnections: metrics.NewRegisteredCounter("distributed.children.active", r),
		BytesSent:              metrics.NewRegisteredCounter("transfer.bytes.sent", r),
		BytesReceived:          metrics.NewRegisteredCounter("transfer.bytes.received", r),
		SearchesInFlight:       metrics.NewRegisteredCounter("search.in_flight", r),
		HandlerPanics:          metrics.NewRegisteredCounter("handler.panics", r),
		IndirectConnectWins:    metrics.NewRegisteredCounter("peer.connect.indirect_wins", r),
		DirectConnectWins:      metrics.NewRegisteredCounter("peer.connect.direct_wins", r),
	}
	return reg
}

// Snapshot is a point-in-time copy of every counter, safe to read after
// the registry has moved on.
type Snapshot struct {
	ActivePeerConnections  int64
	ActiveChildConnections int64
	BytesSent              int64
	BytesReceived          int64
	SearchesInFlight       int64
	HandlerPanics          int64
	IndirectConnectWins    int64
	DirectConnectWins      int64
}

// Snapshot returns the current values of every counter.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		ActivePeerConnections:  r.ActivePeerConnections.Count(),
		ActiveChildConnections: r.ActiveChildConnections.Count(),
		BytesSent:              r.BytesSent.Count(),
		BytesReceived:          r.BytesReceived.Count(),
		SearchesInFlight:       r.SearchesInFlight.Count(),
		HandlerPanics:          r.HandlerPanics.Count(),
		IndirectConnectWins:    r.IndirectConnectWins.Count(),
		DirectConnectWins:      r.DirectConnectWins.Count(),
	}
}
