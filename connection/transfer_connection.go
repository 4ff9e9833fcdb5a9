package connection

import (
	"context"
	"fmt"

	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/metrics"
)

// ProgressFunc reports transfer progress after each chunk.
type ProgressFunc func(transferred, total uint64)

// TransferConnection layers raw byte streaming (C4) on top of a
// Connection: no framing, just a known total size and progress events,
// used for the file-transfer connection kind once a TransferRequest has
// been negotiated over the owning peer's message connection.
type TransferConnection struct {
	conn    *Connection
	bus     *events.Bus
	metrics *metrics.Registry
}

// NewTransferConnection wraps a Connected Connection of KindTransfer.
func NewTransferConnection(conn *Connection, bus *events.Bus, m *metrics.Registry) *TransferConnection {
	return &TransferConnection{conn: conn, bus: bus, metrics: m}
}

// ReceiveFile reads exactly size bytes, invoking progress after each
// chunk (delegated to the underlying Connection's chunked Read).
func (t *TransferConnection) ReceiveFile(ctx context.Context, size uint64, progress ProgressFunc) ([]byte, error) {
	if progress != nil {
		t.conn.OnDataRead(func(chunk []byte, cumulative, total int) {
			progress(uint64(cumulative), size)
		})
	}
	if size > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("transfer: size %d too large for this platform", size)
	}
	data, err := t.conn.Read(ctx, int(size))
	if err != nil {
		return nil, err
	}
	if t.metrics != nil {
		t.metrics.BytesReceived.Inc(int64(len(data)))
	}
	return data, nil
}

// SendFile writes data in full, reporting progress in BufferSize-sized
// increments to match the receiver's chunked view.
func (t *TransferConnection) SendFile(ctx context.Context, data []byte, progress ProgressFunc) error {
	total := uint64(len(data))
	chunkSize := int(t.conn.opts.BufferSize)
	if chunkSize <= 0 {
		chunkSize = 4096
	}

	var sent int
	for sent < len(data) {
		end := sent + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := t.conn.Write(ctx, data[sent:end]); err != nil {
			return err
		}
		sent = end
		if progress != nil {
			progress(uint64(sent), total)
		}
	}
	if t.metrics != nil {
		t.metrics.BytesSent.Inc(int64(len(data)))
	}
	return nil
}

// Underlying exposes the raw Connection for state/disconnect access.
func (t *TransferConnection) Underlying() *Connection { return t.conn }
