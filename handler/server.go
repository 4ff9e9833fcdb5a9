// Package handler implements per-connection-kind message dispatch (C8):
// decoding a connection.Message's payload with the wire codec and
// routing it to whichever waiter, manager, or resolver callback owns
// that operation. A decode failure or a callback panic is always turned
// into a diagnostic event and the message is dropped — it never
// propagates back into the connection's read loop, which would tear
// down an otherwise healthy connection over one bad frame.
package handler

import (
	"context"
	"fmt"

	"github.com/soulseek-go/soulseek/codec"
	"github.com/soulseek-go/soulseek/connection"
	"github.com/soulseek-go/soulseek/dlog"
	"github.com/soulseek-go/soulseek/events"
	"github.com/soulseek-go/soulseek/metrics"
	"github.com/soulseek-go/soulseek/peer"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/waiter"
)

var (
	debug = dlog.Enabled("handler")
	l     = dlog.Default("handler")
)

// loginKey is the single outstanding Login request's waiter key; the
// server connection only ever has one in flight at a time.
type loginKey struct{}

// byUsername keys a waiter on a server request scoped to one username
// (GetPeerAddress, AddUser, GetStatus all work this way).
type byUsername struct {
	op       string
	username string
}

// ServerCallbacks are the push-style (unsolicited) server messages a
// client wires up to update its own view of the world.
type ServerCallbacks struct {
	OnConnectToPeerRequest  func(protocol.ConnectToPeerRequest)
	OnPrivateMessage        func(protocol.PrivateMessage)
	OnRoomMessage           func(protocol.RoomMessage)
	OnUserJoinedRoom        func(room, username string)
	OnUserLeftRoom          func(room, username string)
	OnUserStatusChange      func(protocol.UserStatusChange)
	OnRoomList              func([]protocol.Room)
	OnKickedFromServer      func()
	OnPrivilegeNotification func(id int32)
	OnSearchRequest         func(username string, token uint32, query string)
}

// ServerHandler dispatches messages received on the single server
// connection.
type ServerHandler struct {
	w         *waiter.Waiter
	bus       *events.Bus
	metrics   *metrics.Registry
	peers     *peer.Manager
	callbacks ServerCallbacks
}

// NewServerHandler constructs a handler bound to w for resolving
// outstanding requests and cb for unsolicited pushes.
func NewServerHandler(w *waiter.Waiter, bus *events.Bus, reg *metrics.Registry, peers *peer.Manager, cb ServerCallbacks) *ServerHandler {
	return &ServerHandler{w: w, bus: bus, metrics: reg, peers: peers, callbacks: cb}
}

// Handle is the MessageHandler registered on the server MessageConnection.
func (h *ServerHandler) Handle(msg connection.Message) {
	defer h.recoverPanic(msg)

	r := codec.NewReader(msg.Code, msg.Payload)
	switch protocol.ServerCode(msg.Code) {
	case protocol.ServerLogin:
		h.handleLogin(r)
	case protocol.ServerGetPeerAddress:
		h.handleGetPeerAddress(r)
	case protocol.ServerAddUser:
		h.handleAddUser(r)
	case protocol.ServerGetStatus:
		h.handleGetStatus(r)
	case protocol.ServerConnectToPeer:
		h.handleConnectToPeer(r)
	case protocol.ServerPrivateMessage:
		h.handlePrivateMessage(r)
	case protocol.ServerSayInChatRoom:
		h.handleRoomMessage(r)
	case protocol.ServerUserJoinedRoom:
		h.handleUserJoinedRoom(r)
	case protocol.ServerUserLeftRoom:
		h.handleUserLeftRoom(r)
	case protocol.ServerRoomList:
		h.handleRoomList(r)
	case protocol.ServerKickedFromServer:
		if h.callbacks.OnKickedFromServer != nil {
			h.callbacks.OnKickedFromServer()
		}
	case protocol.ServerPrivilegeNotification:
		h.handlePrivilegeNotification(r)
	case protocol.ServerSearchRequest:
		h.handleSearchRequest(r)
	case protocol.ServerPing:
		// no-op keepalive; absence of a read-timeout disconnect is the
		// only observable effect
	default:
		if debug {
			l.Debugf("unhandled server code %d", msg.Code)
		}
	}
}

func (h *ServerHandler) recoverPanic(msg connection.Message) {
	if r := recover(); r != nil {
		h.diagnosticf(events.LevelError, "server handler panicked on code %d: %v", msg.Code, r)
		if h.metrics != nil {
			h.metrics.HandlerPanics.Inc(1)
		}
	}
}

func (h *ServerHandler) diagnosticf(level events.Level, format string, args ...interface{}) {
	if h.bus != nil {
		h.bus.Diagnosticf(level, format, args...)
	}
}

func (h *ServerHandler) decodeErr(op string, err error) {
	h.diagnosticf(events.LevelWarning, "server: decoding %s failed: %v", op, err)
}

func (h *ServerHandler) handleLogin(r *codec.Reader) {
	success, err := r.ReadByte()
	if err != nil {
		h.decodeErr("login", err)
		return
	}
	resp := protocol.LoginResponse{Success: success != 0}
	msg, err := r.ReadString()
	if err != nil {
		h.decodeErr("login", err)
		return
	}
	resp.Message = msg
	if resp.Success && r.HasMore() {
		ip, err := r.ReadUint32()
		if err == nil {
			resp.IP = protocol.DecodeIP(ip)
		}
	}
	h.w.Complete(loginKey{}, resp)
}

func (h *ServerHandler) handleGetPeerAddress(r *codec.Reader) {
	username, err := r.ReadString()
	if err != nil {
		h.decodeErr("get_peer_address", err)
		return
	}
	ip, err := r.ReadUint32()
	if err != nil {
		h.decodeErr("get_peer_address", err)
		return
	}
	port, err := r.ReadUint32()
	if err != nil {
		h.decodeErr("get_peer_address", err)
		return
	}
	resp := protocol.GetPeerAddressResponse{Username: username, IP: protocol.DecodeIP(ip), Port: uint16(port)}
	h.w.Complete(byUsername{op: "get_peer_address", username: username}, resp)
}

func (h *ServerHandler) handleAddUser(r *codec.Reader) {
	username, err := r.ReadString()
	if err != nil {
		h.decodeErr("add_user", err)
		return
	}
	exists, err := r.ReadByte()
	if err != nil {
		h.decodeErr("add_user", err)
		return
	}
	resp := protocol.AddUserResponse{Username: username, Exists: exists != 0}
	if resp.Exists && r.HasMore() {
		if status, err := r.ReadInt32(); err == nil {
			resp.Status = status
		}
	}
	h.w.Complete(byUsername{op: "add_user", username: username}, resp)
}

func (h *ServerHandler) handleGetStatus(r *codec.Reader) {
	username, err := r.ReadString()
	if err != nil {
		h.decodeErr("get_status", err)
		return
	}
	status, err := r.ReadInt32()
	if err != nil {
		h.decodeErr("get_status", err)
		return
	}
	privileged, _ := r.ReadByte()
	resp := protocol.GetStatusResponse{Username: username, Status: status, Privileged: privileged != 0}
	h.w.Complete(byUsername{op: "get_status", username: username}, resp)
}

func (h *ServerHandler) handleConnectToPeer(r *codec.Reader) {
	username, err := r.ReadString()
	if err != nil {
		h.decodeErr("connect_to_peer", err)
		return
	}
	kindStr, err := r.ReadString()
	if err != nil {
		h.decodeErr("connect_to_peer", err)
		return
	}
	ip, err := r.ReadUint32()
	if err != nil {
		h.decodeErr("connect_to_peer", err)
		return
	}
	port, err := r.ReadUint32()
	if err != nil {
		h.decodeErr("connect_to_peer", err)
		return
	}
	token, err := r.ReadUint32()
	if err != nil {
		h.decodeErr("connect_to_peer", err)
		return
	}
	privileged, _ := r.ReadByte()

	req := protocol.ConnectToPeerRequest{
		Username:   username,
		Kind:       protocol.ConnectionKind(kindStr),
		IP:         protocol.DecodeIP(ip),
		Port:       uint16(port),
		Token:      token,
		Privileged: privileged != 0,
	}
	if h.callbacks.OnConnectToPeerRequest != nil {
		h.callbacks.OnConnectToPeerRequest(req)
	}
}

func (h *ServerHandler) handlePrivateMessage(r *codec.Reader) {
	id, err := r.ReadInt32()
	if err != nil {
		h.decodeErr("private_message", err)
		return
	}
	ts, _ := r.ReadInt32()
	username, err := r.ReadString()
	if err != nil {
		h.decodeErr("private_message", err)
		return
	}
	message, err := r.ReadString()
	if err != nil {
		h.decodeErr("private_message", err)
		return
	}
	isAdmin, _ := r.ReadByte()

	pm := protocol.PrivateMessage{ID: id, Timestamp: ts, Username: username, Message: message, IsAdmin: isAdmin != 0}
	if h.callbacks.OnPrivateMessage != nil {
		h.callbacks.OnPrivateMessage(pm)
	}
	if h.bus != nil {
		h.bus.Log(events.PrivateMessageReceived, events.LevelInfo, pm)
	}
}

func (h *ServerHandler) handleRoomMessage(r *codec.Reader) {
	room, err := r.ReadString()
	if err != nil {
		h.decodeErr("room_message", err)
		return
	}
	username, err := r.ReadString()
	if err != nil {
		h.decodeErr("room_message", err)
		return
	}
	message, err := r.ReadString()
	if err != nil {
		h.decodeErr("room_message", err)
		return
	}
	rm := protocol.RoomMessage{Room: room, Username: username, Message: message}
	if h.callbacks.OnRoomMessage != nil {
		h.callbacks.OnRoomMessage(rm)
	}
	if h.bus != nil {
		h.bus.Log(events.RoomMessageReceived, events.LevelInfo, rm)
	}
}

func (h *ServerHandler) handleUserJoinedRoom(r *codec.Reader) {
	room, err := r.ReadString()
	if err != nil {
		h.decodeErr("user_joined_room", err)
		return
	}
	username, err := r.ReadString()
	if err != nil {
		h.decodeErr("user_joined_room", err)
		return
	}
	if h.callbacks.OnUserJoinedRoom != nil {
		h.callbacks.OnUserJoinedRoom(room, username)
	}
	if h.bus != nil {
		h.bus.Log(events.RoomJoined, events.LevelInfo, fmt.Sprintf("%s joined %s", username, room))
	}
}

func (h *ServerHandler) handleUserLeftRoom(r *codec.Reader) {
	room, err := r.ReadString()
	if err != nil {
		h.decodeErr("user_left_room", err)
		return
	}
	username, err := r.ReadString()
	if err != nil {
		h.decodeErr("user_left_room", err)
		return
	}
	if h.callbacks.OnUserLeftRoom != nil {
		h.callbacks.OnUserLeftRoom(room, username)
	}
	if h.bus != nil {
		h.bus.Log(events.RoomLeft, events.LevelInfo, fmt.Sprintf("%s left %s", username, room))
	}
}

func (h *ServerHandler) handleRoomList(r *codec.Reader) {
	count, err := r.ReadInt32()
	if err != nil {
		h.decodeErr("room_list", err)
		return
	}
	rooms := make([]protocol.Room, 0, count)
	for i := int32(0); i < count; i++ {
		name, err := r.ReadString()
		if err != nil {
			h.decodeErr("room_list", err)
			return
		}
		rooms = append(rooms, protocol.Room{Name: name})
	}
	for i := range rooms {
		if !r.HasMore() {
			break
		}
		n, err := r.ReadInt32()
		if err != nil {
			break
		}
		rooms[i].UserCount = n
	}
	if h.callbacks.OnRoomList != nil {
		h.callbacks.OnRoomList(rooms)
	}
}

func (h *ServerHandler) handlePrivilegeNotification(r *codec.Reader) {
	id, err := r.ReadInt32()
	if err != nil {
		h.decodeErr("privilege_notification", err)
		return
	}
	if h.callbacks.OnPrivilegeNotification != nil {
		h.callbacks.OnPrivilegeNotification(id)
	}
}

func (h *ServerHandler) handleSearchRequest(r *codec.Reader) {
	username, err := r.ReadString()
	if err != nil {
		h.decodeErr("search_request", err)
		return
	}
	token, err := r.ReadUint32()
	if err != nil {
		h.decodeErr("search_request", err)
		return
	}
	query, err := r.ReadString()
	if err != nil {
		h.decodeErr("search_request", err)
		return
	}
	if h.callbacks.OnSearchRequest != nil {
		h.callbacks.OnSearchRequest(username, token, query)
	}
}

// WaitLogin blocks for the in-flight login's response.
func (h *ServerHandler) WaitLogin(ctx context.Context) (protocol.LoginResponse, error) {
	return waiter.WaitFor[protocol.LoginResponse](ctx, h.w, loginKey{})
}

// WaitGetPeerAddress blocks for a GetPeerAddress reply for username.
func (h *ServerHandler) WaitGetPeerAddress(ctx context.Context, username string) (protocol.GetPeerAddressResponse, error) {
	return waiter.WaitFor[protocol.GetPeerAddressResponse](ctx, h.w, byUsername{op: "get_peer_address", username: username})
}

// WaitAddUser blocks for an AddUser reply for username.
func (h *ServerHandler) WaitAddUser(ctx context.Context, username string) (protocol.AddUserResponse, error) {
	return waiter.WaitFor[protocol.AddUserResponse](ctx, h.w, byUsername{op: "add_user", username: username})
}

// WaitGetStatus blocks for a GetStatus reply for username.
func (h *ServerHandler) WaitGetStatus(ctx context.Context, username string) (protocol.GetStatusResponse, error) {
	return waiter.WaitFor[protocol.GetStatusResponse](ctx, h.w, byUsername{op: "get_status", username: username})
}
