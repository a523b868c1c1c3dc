package cluster

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted     = errors.New("coordinator not started")
	ErrAlreadyStarted = errors.New("coordinator already started")
	ErrShutdown       = errors.New("coordinator shut down")
	ErrNodeLocked     = errors.New("node already running on this host")
	ErrRejected       = errors.New("handshake rejected")
	ErrHandshake      = errors.New("handshake failed")
	ErrEvicted        = errors.New("evicted by firm barrier timeout")
)

// ClusterStartupError names the nodes that did not join before the startup timeout.
type ClusterStartupError struct {
	Missing []int
	Err     error
}

func (e *ClusterStartupError) Error() string {
	return fmt.Sprintf("cluster startup failed, missing nodes %v, err=%v", e.Missing, e.Err)
}

func (e *ClusterStartupError) Unwrap() error {
	return e.Err
}
