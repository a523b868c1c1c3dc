package cluster

import (
	"time"

	"github.com/Meander-Cloud/go-framelock/transfer"
)

type (
	DataReceived     = transfer.DataReceived
	DataComplete     = transfer.DataComplete
	ConnectionStatus = transfer.ConnectionStatus
)

type NodeLost struct {
	NodeIndex int
	Err       error
	Time      time.Time
}

// UserCallback methods are invoked one at a time on the arbiter goroutine.
type UserCallback interface {
	// a complete package arrived, the sender is acknowledged after this returns
	DataReceived(*DataReceived)

	// every peer the package was sent to acknowledged it
	DataComplete(*DataComplete)

	// a data connection went up or down
	ConnectionStatus(*ConnectionStatus)

	// a node's sync connection was lost or the node was evicted by a firm
	// barrier timeout, once per loss
	NodeLost(*NodeLost)
}
