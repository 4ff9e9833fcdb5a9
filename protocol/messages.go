package protocol

import "net"

// This file collects the plain data records carried by individual
// message codes. They carry no byte layout of their own: the handler
// package fills them in field by field from a codec.Reader.

// LoginRequest is ServerLogin's outbound payload.
type LoginRequest struct {
	Username     string
	Password     string
	VersionMajor int32
	Hash         string // md5(username+password)
	MinorVersion int32
}

// LoginResponse is ServerLogin's reply.
type LoginResponse struct {
	Success bool
	Message string
	IP      net.IP
}

// GetPeerAddressResponse answers ServerGetPeerAddress.
type GetPeerAddressResponse struct {
	Username string
	IP       net.IP
	Port     uint16
}

// AddUserResponse answers ServerAddUser.
type AddUserResponse struct {
	Username string
	Exists   bool
	UserData
}

// GetStatusResponse answers ServerGetStatus.
type GetStatusResponse struct {
	Username  string
	Status    int32
	Privileged bool
}

// ConnectToPeerRequest is pushed by the server (ServerConnectToPeer) to
// solicit an indirect connection, and is also what we send to ask the
// server to solicit one on our behalf.
type ConnectToPeerRequest struct {
	Username string
	Kind     ConnectionKind
	IP       net.IP
	Port     uint16
	Token    uint32
	Privileged bool
}

// PierceFirewallRequest is the first thing written on a solicited
// connection, echoing the token the server handed out.
type PierceFirewallRequest struct {
	Token uint32
}

// PeerInitRequest is the first thing written on a direct outbound
// connection.
type PeerInitRequest struct {
	Username string
	Kind     ConnectionKind
	Token    uint32
}

// PrivateMessage is a server-relayed chat message between two users.
type PrivateMessage struct {
	ID        int32
	Timestamp int32
	Username  string
	Message   string
	IsAdmin   bool
}

// RoomMessage is a message said in a joined chat room.
type RoomMessage struct {
	Room     string
	Username string
	Message  string
}

// UserStatusChange reports another user's online/away/offline transition.
type UserStatusChange struct {
	Username   string
	Status     int32
	Privileged bool
}

// FileEntry is a single file in a browse or search response.
type FileEntry struct {
	Name       string
	Size       uint64
	Extension  string
	Attributes map[uint32]uint32
}

// SearchResponse is a peer's answer to a search request (PeerSearchResponse).
type SearchResponse struct {
	Username        string
	Token           uint32
	Files           []FileEntry
	FreeUploadSlots bool
	AverageSpeed    int32
	QueueLength     int64
}

// BrowseResponse lists every shared file a peer offers, grouped by
// directory.
type BrowseResponse struct {
	Directories map[string][]FileEntry
}

// InfoResponse answers PeerInfoRequest with a peer's self-description.
type InfoResponse struct {
	Description  string
	HasPicture   bool
	Picture      []byte
	UploadSlots  int32
	QueueLength  int32
	HasFreeSlots bool
}

// TransferRequest is sent to negotiate a file transfer in either
// direction.
type TransferRequest struct {
	Direction TransferDirection
	Token     uint32
	Filename  string
	Size      uint64
}

// TransferDirection distinguishes who is sending the bytes.
type TransferDirection int32

const (
	DirectionDownload TransferDirection = 0
	DirectionUpload   TransferDirection = 1
)

// TransferResponse answers a TransferRequest.
type TransferResponse struct {
	Token   uint32
	Allowed bool
	Size    uint64
	Reason  string
}

// QueueFailed reports that an upload request could not be queued.
type QueueFailed struct {
	Filename string
	Reason   string
}

// BranchLevel/BranchRoot/ChildDepth are distributed-overlay maintenance
// messages; Ping carries a token, and DistributedHandler sends no reply
// to it.
type BranchLevel struct{ Level int32 }
type BranchRoot struct{ Root string }
type ChildDepth struct{ Depth int32 }
type DistributedPingMsg struct{ Token uint32 }

// DistributedSearchRequestMsg is fanned out down the overlay tree.
type DistributedSearchRequestMsg struct {
	Username string
	Token    uint32
	Query    string
}
