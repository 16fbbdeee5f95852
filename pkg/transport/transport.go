// Package transport abstracts the short-range mesh substrate peers use to find each other,
// establish authenticated connections and exchange byte and file payloads.
package transport

import (
	"context"
	"errors"
	"strconv"
)

var (
	ErrUnknownEndpoint = errors.New("transport: unknown endpoint")
	ErrNotConnected    = errors.New("transport: endpoint not connected")
	ErrNotAdvertising  = errors.New("transport: endpoint is not advertising")
	ErrUnknownPayload  = errors.New("transport: unknown payload")
	ErrStopped         = errors.New("transport: stopped")
)

// PayloadID identifies one payload on the link. File payloads are announced by a control
// message carrying the same id before the bytes are sent.
type PayloadID int64

func (id PayloadID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParsePayloadID parses the decimal representation used on the control channel
func ParsePayloadID(s string) (PayloadID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return PayloadID(v), nil
}

// PayloadKind distinguishes control bytes from bulk files
type PayloadKind int

const (
	PayloadBytes PayloadKind = iota
	PayloadFile
)

// Payload is delivered to the receiver as soon as a transfer starts.
// For files, Path names the download location; it is complete only once a
// TransferSuccess update for the same ID arrives.
type Payload struct {
	ID    PayloadID
	Kind  PayloadKind
	Bytes []byte
	Path  string
	Size  int64
}

// TransferStatus reports the progress of a payload
type TransferStatus int

const (
	TransferInProgress TransferStatus = iota
	TransferSuccess
	TransferFailure
	TransferCanceled
)

func (s TransferStatus) String() string {
	switch s {
	case TransferInProgress:
		return "in_progress"
	case TransferSuccess:
		return "success"
	case TransferFailure:
		return "failure"
	case TransferCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// TransferUpdate is emitted for both incoming and outgoing payloads
type TransferUpdate struct {
	PayloadID        PayloadID
	Status           TransferStatus
	BytesTransferred int64
	TotalBytes       int64
	// Outgoing is set on updates about payloads this device is sending
	Outgoing bool
}

// ConnectionStatus is the outcome of a connection handshake
type ConnectionStatus int

const (
	StatusOK ConnectionStatus = iota
	StatusRejected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRejected:
		return "rejected"
	default:
		return "error"
	}
}

// ConnectionInfo describes a connection awaiting acceptance by both sides
type ConnectionInfo struct {
	EndpointName string
	AuthDigits   string
	Incoming     bool
}

// DiscoveryHandler receives discovery callbacks
type DiscoveryHandler interface {
	EndpointFound(id, name string)
	EndpointLost(id string)
}

// ConnectionHandler receives connection lifecycle callbacks
type ConnectionHandler interface {
	ConnectionInitiated(id string, info ConnectionInfo)
	ConnectionResult(id string, status ConnectionStatus)
	Disconnected(id string)
}

// PayloadHandler receives payload callbacks
type PayloadHandler interface {
	PayloadReceived(from string, p Payload)
	PayloadTransferUpdate(from string, u TransferUpdate)
}

// Handlers groups the callback sinks of one device. Callbacks for a device are
// delivered serially, never concurrently with each other.
type Handlers struct {
	Discovery  DiscoveryHandler
	Connection ConnectionHandler
	Payload    PayloadHandler
}

// Transport is the mesh capability used by a node
type Transport interface {
	// LocalID returns the id peers know this device by
	LocalID() string
	SetHandlers(h Handlers)

	StartAdvertising(ctx context.Context, name string) error
	StopAdvertising()
	StartDiscovery(ctx context.Context) error
	StopDiscovery()

	RequestConnection(ctx context.Context, localName, endpointID string) error
	AcceptConnection(endpointID string) error
	RejectConnection(endpointID string) error
	Disconnect(endpointID string)

	// NewPayloadID allocates the id a file will be sent under
	NewPayloadID() PayloadID
	SendBytes(ctx context.Context, endpointID string, data []byte) error
	SendFile(ctx context.Context, endpointID string, id PayloadID, path string) error
	CancelPayload(id PayloadID) error

	// StopAll disconnects every peer and stops advertising and discovery
	StopAll()
}
