package transfer

import "time"

type DataReceived struct {
	Payload     []byte
	PackageID   int32
	SenderIndex int
	Time        time.Time
}

type DataComplete struct {
	PackageID int32
	Elapsed   time.Duration // first chunk queued to last required ack
	Time      time.Time
}

type ConnectionStatus struct {
	NodeIndex int
	Connected bool
	Time      time.Time
}

// Callback methods are invoked on the arbiter goroutine, one at a time.
type Callback interface {
	DataReceived(*DataReceived)
	DataComplete(*DataComplete)
	ConnectionStatus(*ConnectionStatus)
}
