package protocol

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	m "github.com/Meander-Cloud/go-framelock/message"
)

// Listener is the protocol side of a listening socket. The transport calls
// ReadLoop for every accepted socket on its own goroutine and Close on shutdown.
type Listener struct {
	options    *Options
	inShutdown atomic.Bool
	acceptch   chan *Connection
	donech     chan struct{}
	closeOnce  sync.Once

	mutex   sync.Mutex
	connMap map[uint32]*Connection // connID -> live connection
}

func NewListener(options *Options) *Listener {
	return &Listener{
		options:  options,
		acceptch: make(chan *Connection, options.acceptBacklog()),
		donech:   make(chan struct{}),
		connMap:  make(map[uint32]*Connection),
	}
}

func (l *Listener) Options() *Options {
	return l.options
}

// invoked on transport goroutine, one per accepted socket
func (l *Listener) ReadLoop(conn net.Conn) {
	c := NewConnection(conn, l.options, false)

	registered := func() bool {
		l.mutex.Lock()
		defer l.mutex.Unlock()

		if l.inShutdown.Load() {
			return false
		}
		l.connMap[c.ConnID] = c
		return true
	}()
	if !registered {
		log.Printf("%s: %s: listener in shutdown, dropping connection", l.options.LogPrefix, c.Descriptor())
		c.disconnect(ErrListenerClosed)
		return
	}

	defer func() {
		l.mutex.Lock()
		defer l.mutex.Unlock()

		delete(l.connMap, c.ConnID)
	}()

	tcpConn, ok := conn.(*net.TCPConn)
	if ok {
		tcpConn.SetNoDelay(true)
	}

	log.Printf("%s: %s: new %s connection", l.options.LogPrefix, c.Descriptor(), conn.RemoteAddr().Network())

	select {
	case l.acceptch <- c:
	default:
		err := fmt.Errorf("%w: accept backlog full", ErrListenerClosed)
		log.Printf("%s: %s: %s", l.options.LogPrefix, c.Descriptor(), err.Error())
		c.disconnect(err)
		return
	}

	c.Run() // wait
}

// Accept blocks until a peer connects, ctx is done or the listener closes.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	select {
	case c := <-l.acceptch:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.donech:
		return nil, ErrListenerClosed
	}
}

// Close stops accepting and closes every live connection, idempotent.
func (l *Listener) Close() {
	l.closeOnce.Do(
		func() {
			log.Printf("%s: %s: listener closing", l.options.LogPrefix, l.options.SelfID)

			var live []*Connection
			func() {
				l.mutex.Lock()
				defer l.mutex.Unlock()

				l.inShutdown.Store(true)
				close(l.donech)

				for _, c := range l.connMap {
					live = append(live, c)
				}
			}()

			var wg sync.WaitGroup
			for _, c := range live {
				wg.Add(1)
				go func(c *Connection) {
					defer wg.Done()
					c.Close(m.DisconnectReasonShutdown, "listener closing")
				}(c)
			}
			wg.Wait()

			log.Printf("%s: %s: listener closed", l.options.LogPrefix, l.options.SelfID)
		},
	)
}
