package protocol

import (
	"errors"
	"time"

	"github.com/Meander-Cloud/go-framelock/net/wire"
)

const (
	defaultWriteDeadline time.Duration = time.Second * 3
	defaultBindTimeout   time.Duration = time.Second * 5
	defaultQueueLength   int           = 4096
	defaultAcceptBacklog int           = 64
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrPeerClosed       = errors.New("peer closed connection")
	ErrBindTimeout      = errors.New("connection not bound in time")
	ErrListenerClosed   = errors.New("listener closed")
)

type ConnectionState uint32

const (
	StateInvalid      ConnectionState = 0
	StateConnected    ConnectionState = 1
	StateClosing      ConnectionState = 2
	StateDisconnected ConnectionState = 3
)

func (s ConnectionState) String() string {
	switch s {
	case StateInvalid:
		return "Invalid State"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown State"
	}
}

// Handler receives everything a Connection reads except Heartbeat and
// Disconnect frames, which the Connection consumes itself.
type Handler interface {
	// invoked on the receive goroutine, in wire order
	HandleFrame(*Connection, *wire.Frame)

	// invoked exactly once per connection, on whichever goroutine observed the failure
	HandleDisconnect(*Connection, error)
}

type Options struct {
	// local identity used in log descriptors, e.g. node2
	SelfID string

	HeartbeatInterval time.Duration // zero disables heartbeats
	WriteDeadline     time.Duration
	BindTimeout       time.Duration
	MaxPayloadLen     uint32
	QueueLength       int
	AcceptBacklog     int

	LogPrefix string
	LogDebug  bool
}

func (o *Options) writeDeadline() time.Duration {
	if o.WriteDeadline <= 0 {
		return defaultWriteDeadline
	}
	return o.WriteDeadline
}

func (o *Options) bindTimeout() time.Duration {
	if o.BindTimeout <= 0 {
		return defaultBindTimeout
	}
	return o.BindTimeout
}

func (o *Options) queueLength() int {
	if o.QueueLength <= 0 {
		return defaultQueueLength
	}
	return o.QueueLength
}

func (o *Options) acceptBacklog() int {
	if o.AcceptBacklog <= 0 {
		return defaultAcceptBacklog
	}
	return o.AcceptBacklog
}

type ConnVolatileData struct {
	PeerIndex   int // -1 until the handshake names the peer
	PeerSession string
	Descriptor  string
}
