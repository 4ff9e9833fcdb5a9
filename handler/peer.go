package handler

import (
	"context"

	"github.com/soulseek-go/soulseek/codec"
	"github.com/soulseek-go/soulseek/connection"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/metrics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/waiter"
)

// byToken keys a waiter on a request/response pair scoped to the
// transfer or search token that carried it.
type byToken struct {
	op    string
	token uint32
}

// PeerCallbacks are the push-style messages a peer connection receives
// that aren't answers to something we asked.
type PeerCallbacks struct {
	OnSearchResponse  func(protocol.SearchResponse)
	OnBrowseRequest   func() // remote wants our shared file list
	OnInfoRequest     func() // remote wants our user info
	OnQueueFailed     func(protocol.QueueFailed)
}

// PeerHandler dispatches messages received on one peer's message
// connection. One instance is created per peer connection since
// responses are correlated to that specific peer's outstanding
// requests.
type PeerHandler struct {
	username  string
	w         *waiter.Waiter
	bus       *events.Bus
	metrics   *metrics.Registry
	callbacks PeerCallbacks
}

// NewPeerHandler constructs a handler for messages from username.
func NewPeerHandler(username string, w *waiter.Waiter, bus *events.Bus, reg *metrics.Registry, cb PeerCallbacks) *PeerHandler {
	return &PeerHandler{username: username, w: w, bus: bus, metrics: reg, callbacks: cb}
}

// Handle is the MessageHandler registered on a peer's MessageConnection.
func (h *PeerHandler) Handle(msg connection.Message) {
	defer h.recoverPanic(msg)

	r := codec.NewReader(msg.Code, msg.Payload)
	switch protocol.PeerCode(msg.Code) {
	case protocol.PeerBrowseRequest:
		if h.callbacks.OnBrowseRequest != nil {
			h.callbacks.OnBrowseRequest()
		}
	case protocol.PeerBrowseResponse:
		h.handleBrowseResponse(r)
	case protocol.PeerSearchResponse:
		h.handleSearchResponse(r)
	case protocol.PeerInfoRequest:
		if h.callbacks.OnInfoRequest != nil {
			h.callbacks.OnInfoRequest()
		}
	case protocol.PeerInfoResponse:
		h.handleInfoResponse(r)
	case protocol.PeerTransferRequest:
		h.handleTransferRequest(r)
	case protocol.PeerTransferResponse:
		h.handleTransferResponse(r)
	case protocol.PeerQueueFailed:
		h.handleQueueFailed(r)
	default:
		if debug {
			l.Debugf("unhandled peer code %d from %s", msg.Code, h.username)
		}
	}
}

func (h *PeerHandler) recoverPanic(msg connection.Message) {
	if r := recover(); r != nil {
		if h.bus != nil {
			h.bus.Diagnosticf(events.LevelError, "peer handler (%s) panicked on code %d: %v", h.username, msg.Code, r)
		}
		if h.metrics != nil {
			h.metrics.HandlerPanics.Inc(1)
		}
	}
}

func (h *PeerHandler) decodeErr(op string, err error) {
	if h.bus != nil {
		h.bus.Diagnosticf(events.LevelWarning, "peer %s: decoding %s failed: %v", h.username, op, err)
	}
}

func (h *PeerHandler) handleBrowseResponse(r *codec.Reader) {
	if err := r.Decompress(); err != nil {
		h.decodeErr("browse_response", err)
		return
	}
	dirCount, err := r.ReadInt32()
	if err != nil {
		h.decodeErr("browse_response", err)
		return
	}
	dirs := make(map[string][]protocol.FileEntry, dirCount)
	for i := int32(0); i < dirCount; i++ {
		name, err := r.ReadString()
		if err != nil {
			h.decodeErr("browse_response", err)
			return
		}
		files, err := readFileList(r)
		if err != nil {
			h.decodeErr("browse_response", err)
			return
		}
		dirs[name] = files
	}
	h.w.Complete(byUsername{op: "browse", username: h.username}, protocol.BrowseResponse{Directories: dirs})
}

func readFileList(r *codec.Reader) ([]protocol.FileEntry, error) {
	count, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	files := make([]protocol.FileEntry, 0, count)
	for i := int32(0); i < count; i++ {
		if _, err := r.ReadByte(); err != nil { // leading code byte, always 1
			return nil, err
		}
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		size, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		ext, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		attrCount, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		attrs := make(map[uint32]uint32, attrCount)
		for j := int32(0); j < attrCount; j++ {
			key, err := r.ReadUint32()
			if err != nil {
				return nil, err
			}
			val, err := r.ReadUint32()
			if err != nil {
				return nil, err
			}
			attrs[key] = val
		}
		files = append(files, protocol.FileEntry{Name: name, Size: size, Extension: ext, Attributes: attrs})
	}
	return files, nil
}

func (h *PeerHandler) handleSearchResponse(r *codec.Reader) {
	if err := r.Decompress(); err != nil {
		h.decodeErr("search_response", err)
		return
	}
	username, err := r.ReadString()
	if err != nil {
		h.decodeErr("search_response", err)
		return
	}
	token, err := r.ReadUint32()
	if err != nil {
		h.decodeErr("search_response", err)
		return
	}
	files, err := readFileList(r)
	if err != nil {
		h.decodeErr("search_response", err)
		return
	}
	var freeSlots byte
	var speed int32
	var queue int64
	if r.HasMore() {
		freeSlots, _ = r.ReadByte()
	}
	if r.HasMore() {
		speed, _ = r.ReadInt32()
	}
	if r.HasMore() {
		queue, _ = r.ReadInt64()
	}
	resp := protocol.SearchResponse{
		Username:        username,
		Token:           token,
		Files:           files,
		FreeUploadSlots: freeSlots != 0,
		AverageSpeed:    speed,
		QueueLength:     queue,
	}
	if h.callbacks.OnSearchResponse != nil {
		h.callbacks.OnSearchResponse(resp)
	}
	if h.bus != nil {
		h.bus.Log(events.SearchResponseReceived, events.LevelInfo, resp)
	}
}

func (h *PeerHandler) handleInfoResponse(r *codec.Reader) {
	desc, err := r.ReadString()
	if err != nil {
		h.decodeErr("info_response", err)
		return
	}
	hasPicture, _ := r.ReadByte()
	var picture []byte
	if hasPicture != 0 {
		n, err := r.ReadInt32()
		if err == nil {
			picture, _ = r.ReadBytes(int(n))
		}
	}
	slots, _ := r.ReadInt32()
	queue, _ := r.ReadInt32()
	freeSlots, _ := r.ReadByte()
	resp := protocol.InfoResponse{
		Description:  desc,
		HasPicture:   hasPicture != 0,
		Picture:      picture,
		UploadSlots:  slots,
		QueueLength:  queue,
		HasFreeSlots: freeSlots != 0,
	}
	h.w.Complete(byUsername{op: "info", username: h.username}, resp)
}

func (h *PeerHandler) handleTransferRequest(r *codec.Reader) {
	direction, err := r.ReadInt32()
	if err != nil {
		h.decodeErr("transfer_request", err)
		return
	}
	token, err := r.ReadUint32()
	if err != nil {
		h.decodeErr("transfer_request", err)
		return
	}
	filename, err := r.ReadString()
	if err != nil {
		h.decodeErr("transfer_request", err)
		return
	}
	var size uint64
	if protocol.TransferDirection(direction) == protocol.DirectionUpload && r.HasMore() {
		size, _ = r.ReadUint64()
	}
	req := protocol.TransferRequest{Direction: protocol.TransferDirection(direction), Token: token, Filename: filename, Size: size}
	h.w.Complete(byToken{op: "transfer_request", token: token}, req)
}

func (h *PeerHandler) handleTransferResponse(r *codec.Reader) {
	token, err := r.ReadUint32()
	if err != nil {
		h.decodeErr("transfer_response", err)
		return
	}
	allowed, err := r.ReadByte()
	if err != nil {
		h.decodeErr("transfer_response", err)
		return
	}
	resp := protocol.TransferResponse{Token: token, Allowed: allowed != 0}
	if resp.Allowed {
		if size, err := r.ReadUint64(); err == nil {
			resp.Size = size
		}
	} else if reason, err := r.ReadString(); err == nil {
		resp.Reason = reason
	}
	h.w.Complete(byToken{op: "transfer_response", token: token}, resp)
}

func (h *PeerHandler) handleQueueFailed(r *codec.Reader) {
	filename, err := r.ReadString()
	if err != nil {
		h.decodeErr("queue_failed", err)
		return
	}
	reason, err := r.ReadString()
	if err != nil {
		h.decodeErr("queue_failed", err)
		return
	}
	qf := protocol.QueueFailed{Filename: filename, Reason: reason}
	if h.callbacks.OnQueueFailed != nil {
		h.callbacks.OnQueueFailed(qf)
	}
}

// WaitBrowse blocks for this peer's BrowseResponse.
func (h *PeerHandler) WaitBrowse(ctx context.Context) (protocol.BrowseResponse, error) {
	return waiter.WaitFor[protocol.BrowseResponse](ctx, h.w, byUsername{op: "browse", username: h.username})
}

// WaitInfo blocks for this peer's InfoResponse.
func (h *PeerHandler) WaitInfo(ctx context.Context) (protocol.InfoResponse, error) {
	return waiter.WaitFor[protocol.InfoResponse](ctx, h.w, byUsername{op: "info", username: h.username})
}

// WaitTransferRequest blocks for an incoming TransferRequest carrying token.
func (h *PeerHandler) WaitTransferRequest(ctx context.Context, token uint32) (protocol.TransferRequest, error) {
	return waiter.WaitFor[protocol.TransferRequest](ctx, h.w, byToken{op: "transfer_request", token: token})
}

// WaitTransferResponse blocks for the answer to a TransferRequest we sent.
func (h *PeerHandler) WaitTransferResponse(ctx context.Context, token uint32) (protocol.TransferResponse, error) {
	return waiter.WaitFor[protocol.TransferResponse](ctx, h.w, byToken{op: "transfer_response", token: token})
}
