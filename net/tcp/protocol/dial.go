package protocol

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy is shared by every path that (re)establishes a connection.
type BackoffPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     uint16 // zero means unbounded, only ctx stops dialing
	DialTimeout     time.Duration
	KeepAlive       time.Duration
}

func (p *BackoffPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	if p.Multiplier > 1 {
		eb.Multiplier = p.Multiplier
	}
	// attempts bound the policy, not wall time
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}

	return backoff.WithContext(b, ctx)
}

type ConnectError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s after %d attempts, err=%v", e.Address, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Connect dials address, retrying with exponential backoff until the policy
// is exhausted or ctx is done. The returned connection must be bound and run.
func Connect(ctx context.Context, address string, policy *BackoffPolicy, options *Options) (*Connection, error) {
	dialer := &net.Dialer{
		Timeout:   policy.DialTimeout,
		KeepAlive: policy.KeepAlive,
	}

	attempts := 0
	var conn net.Conn

	err := backoff.RetryNotify(
		func() error {
			attempts++
			c, err := dialer.DialContext(ctx, "tcp", address)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		policy.newBackOff(ctx),
		func(err error, wait time.Duration) {
			log.Printf(
				"%s: %s: attempt %d to dial %s failed, retrying in %v, err=%s",
				options.LogPrefix,
				options.SelfID,
				attempts,
				address,
				wait,
				err.Error(),
			)
		},
	)
	if err != nil {
		connectErr := &ConnectError{
			Address:  address,
			Attempts: attempts,
			Err:      err,
		}
		log.Printf("%s: %s: %s", options.LogPrefix, options.SelfID, connectErr.Error())
		return nil, connectErr
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if ok {
		tcpConn.SetNoDelay(true)
	}

	c := NewConnection(conn, options, true)
	log.Printf("%s: %s: new %s connection", options.LogPrefix, c.Descriptor(), conn.RemoteAddr().Network())

	return c, nil
}
