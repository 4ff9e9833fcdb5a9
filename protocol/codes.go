// Package protocol defines the Soulseek wire vocabulary: the three
// disjoint message-code namespaces (server, peer, distributed), the
// initialization handshake codes, and the plain data records exchanged
// over them. Per spec §9 ("keep the three code spaces disjoint in
// types"), each namespace is its own Go type; nothing here renumbers or
// reinterprets a code based on context — that's the job of whichever
// connection kind received the frame.
package protocol

// ConnectionKind is the one-character string (sent length-prefixed, like
// any other string) identifying what a freshly opened socket is for.
type ConnectionKind string

const (
	KindPeerMessage ConnectionKind = "P"
	KindFileTransfer ConnectionKind = "F"
	KindDistributed  ConnectionKind = "D"
)

// ServerCode enumerates message codes carried over the single server
// connection.
type ServerCode int32

const (
	ServerLogin                  ServerCode = 1
	ServerSetListenPort          ServerCode = 2
	ServerGetPeerAddress         ServerCode = 3
	ServerAddUser                ServerCode = 5
	ServerRemoveUser             ServerCode = 6
	ServerGetStatus              ServerCode = 7
	ServerSayInChatRoom          ServerCode = 13
	ServerJoinRoom               ServerCode = 14
	ServerLeaveRoom              ServerCode = 15
	ServerUserJoinedRoom         ServerCode = 16
	ServerUserLeftRoom           ServerCode = 17
	ServerConnectToPeer          ServerCode = 18
	ServerPrivateMessage         ServerCode = 22
	ServerAcknowledgePrivateMessage ServerCode = 26
	ServerRoomList               ServerCode = 64
	ServerPrivilegedUsers        ServerCode = 69
	ServerParentMinSpeed         ServerCode = 83
	ServerParentSpeedRatio       ServerCode = 84
	ServerSearchRequest          ServerCode = 93
	ServerWishlistInterval       ServerCode = 104
	ServerKickedFromServer       ServerCode = 41
	ServerPrivilegeNotification  ServerCode = 124
	ServerPing                   ServerCode = 133
)

// PeerCode enumerates message codes carried over peer-message
// connections (ConnectionKind "P").
type PeerCode int32

const (
	PeerBrowseRequest   PeerCode = 4
	PeerBrowseResponse  PeerCode = 5
	PeerSearchRequest   PeerCode = 8
	PeerSearchResponse  PeerCode = 9
	PeerInfoRequest     PeerCode = 15
	PeerInfoResponse    PeerCode = 16
	PeerTransferRequest  PeerCode = 40
	PeerTransferResponse PeerCode = 41
	PeerQueueFailed      PeerCode = 43
)

// DistributedCode enumerates message codes carried over distributed
// (overlay) connections (ConnectionKind "D").
type DistributedCode int32

const (
	DistributedPing               DistributedCode = 0
	DistributedSearchRequest      DistributedCode = 3
	DistributedBranchLevel        DistributedCode = 4
	DistributedBranchRoot         DistributedCode = 5
	DistributedChildDepth         DistributedCode = 7
	DistributedServerSearchRequest DistributedCode = 93
)

// InitCode enumerates the codes of the short-lived initialization
// handshake that precedes every connection's normal traffic.
type InitCode int32

const (
	InitPierceFirewall InitCode = 0
	InitPeerInit       InitCode = 1
)
