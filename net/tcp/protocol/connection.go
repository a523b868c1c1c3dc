package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	m "github.com/Meander-Cloud/go-framelock/message"
	"github.com/Meander-Cloud/go-framelock/net/wire"
)

// if increment overflow will wrap to zero
var connIDGen atomic.Uint32

type Connection struct {
	options  *Options
	ConnID   uint32
	conn     net.Conn
	outbound bool
	Data     atomic.Pointer[ConnVolatileData]

	state atomic.Uint32

	// monotonic nanoseconds since epoch
	epoch    time.Time
	lastRecv atomic.Int64
	lastSend atomic.Int64

	boundch  chan struct{}
	bindOnce sync.Once

	mutex    sync.Mutex
	handler  Handler
	notified bool
	queue    [][]byte
	closing  bool
	notifych chan struct{}

	donech    chan struct{}
	closeOnce sync.Once
	closeErr  error

	wg sync.WaitGroup
}

func NewConnection(conn net.Conn, options *Options, outbound bool) *Connection {
	c := &Connection{
		options:  options,
		ConnID:   connIDGen.Add(1),
		conn:     conn,
		outbound: outbound,
		Data:     atomic.Pointer[ConnVolatileData]{},

		epoch: time.Now(),

		boundch:  make(chan struct{}),
		notifych: make(chan struct{}, 1),
		donech:   make(chan struct{}),
	}
	c.state.Store(uint32(StateConnected))

	arrow := "<-"
	if outbound {
		arrow = "->"
	}
	c.Data.Store(
		&ConnVolatileData{
			PeerIndex:   -1,
			PeerSession: "",
			Descriptor: fmt.Sprintf(
				"[%d]%s%s<%s>",
				c.ConnID,
				options.SelfID,
				arrow,
				conn.RemoteAddr().String(),
			),
		},
	)

	return c
}

func (c *Connection) Descriptor() string {
	return c.Data.Load().Descriptor
}

func (c *Connection) PeerIndex() int {
	return c.Data.Load().PeerIndex
}

// SetPeer records the identity announced during the handshake.
func (c *Connection) SetPeer(peerIndex int, peerSession string) {
	arrow := "<-"
	if c.outbound {
		arrow = "->"
	}

	c.Data.Store(
		&ConnVolatileData{
			PeerIndex:   peerIndex,
			PeerSession: peerSession,
			Descriptor: fmt.Sprintf(
				"[%d]%s%snode%d<%s>",
				c.ConnID,
				c.options.SelfID,
				arrow,
				peerIndex,
				c.conn.RemoteAddr().String(),
			),
		},
	)
}

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) Done() <-chan struct{} {
	return c.donech
}

// Err returns the reason the connection went down, nil while it is up or after a local Close.
func (c *Connection) Err() error {
	select {
	case <-c.donech:
		return c.closeErr
	default:
		return nil
	}
}

// LastActivity returns when the last frame of any kind was received.
func (c *Connection) LastActivity() time.Time {
	return c.epoch.Add(time.Duration(c.lastRecv.Load()))
}

func (c *Connection) touch(v *atomic.Int64) {
	v.Store(int64(time.Since(c.epoch)))
}

func (c *Connection) since(v *atomic.Int64) time.Duration {
	return time.Since(c.epoch) - time.Duration(v.Load())
}

// Bind attaches the handler, frames are not read before a handler is bound.
// Binding a connection that already went down reports the disconnect to h.
func (c *Connection) Bind(h Handler) {
	c.bindOnce.Do(
		func() {
			var err error
			notify := false

			func() {
				c.mutex.Lock()
				defer c.mutex.Unlock()

				c.handler = h
				if c.State() == StateDisconnected && !c.notified {
					c.notified = true
					notify = true
					err = c.closeErr
				}
			}()

			close(c.boundch)

			if notify {
				h.HandleDisconnect(c, err)
			}
		},
	)
}

// Run blocks until the connection goes down. It waits for Bind first.
func (c *Connection) Run() {
	timer := time.NewTimer(c.options.bindTimeout())
	select {
	case <-c.boundch:
		timer.Stop()
	case <-c.donech:
		timer.Stop()
		return
	case <-timer.C:
		c.disconnect(fmt.Errorf("%w: %v", ErrBindTimeout, c.options.bindTimeout()))
		return
	}

	// reading starts now, the peer has been silent so far as far as we know
	c.touch(&c.lastRecv)
	c.touch(&c.lastSend)

	c.wg.Add(2)
	go c.writeLoop()
	go c.heartbeatLoop()

	c.readLoop()
	c.wg.Wait()

	log.Printf("%s: %s: connection loops exited", c.options.LogPrefix, c.Descriptor())
}

// invoked on Run goroutine
func (c *Connection) readLoop() {
	decoder := wire.NewDecoder(bufio.NewReader(c.conn), c.options.MaxPayloadLen)

	for {
		frame, err := decoder.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.disconnect(fmt.Errorf("%w: %s", ErrPeerClosed, err.Error()))
			} else {
				c.disconnect(err)
			}
			return
		}
		c.touch(&c.lastRecv)

		if c.options.LogDebug {
			log.Printf("%s: %s: received %s, %d payload bytes", c.options.LogPrefix, c.Descriptor(), frame.Kind, len(frame.Payload))
		}

		switch frame.Kind {
		case m.KindHeartbeat:
			continue
		case m.KindDisconnect:
			disconnect := new(m.Disconnect)
			err = wire.Unmarshal(frame, disconnect)
			if err != nil {
				c.disconnect(err)
				return
			}
			c.disconnect(fmt.Errorf("%w: reason=%s, detail=%s", ErrPeerDisconnected, disconnect.Reason, disconnect.Detail))
			return
		default:
			c.handler.HandleFrame(c, frame)
		}
	}
}

// invoked on writer goroutine
func (c *Connection) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.donech:
			return
		case <-c.notifych:
		}

		for {
			var batch [][]byte
			closing := false

			func() {
				c.mutex.Lock()
				defer c.mutex.Unlock()

				batch = c.queue
				c.queue = nil
				closing = c.closing
			}()

			if len(batch) == 0 {
				if closing {
					// queue drained after Close
					c.disconnect(nil)
					return
				}
				break
			}

			for _, buf := range batch {
				c.conn.SetWriteDeadline(time.Now().Add(c.options.writeDeadline()))
				_, err := c.conn.Write(buf)
				if err != nil {
					c.disconnect(fmt.Errorf("failed to write %d bytes, err=%w", len(buf), err))
					return
				}
				c.touch(&c.lastSend)
			}
		}
	}
}

// invoked on heartbeat goroutine
func (c *Connection) heartbeatLoop() {
	defer c.wg.Done()

	interval := c.options.HeartbeatInterval
	if interval <= 0 {
		return
	}

	heartbeat, err := wire.Encode(m.KindHeartbeat, nil)
	if err != nil {
		log.Printf("%s: %s: failed to encode heartbeat, err=%s", c.options.LogPrefix, c.Descriptor(), err.Error())
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.donech:
			return
		case <-ticker.C:
		}

		sinceRecv := c.since(&c.lastRecv)
		if sinceRecv >= 2*interval {
			c.disconnect(fmt.Errorf("%w: no frame received for %v, interval=%v", ErrHeartbeatTimeout, sinceRecv, interval))
			return
		}

		// keep the peer's receive timer fed whenever this side has been quiet
		if c.since(&c.lastSend) >= interval/2 || sinceRecv >= interval {
			err = c.enqueue(heartbeat, false)
			if err != nil && c.options.LogDebug {
				log.Printf("%s: %s: failed to queue heartbeat, err=%s", c.options.LogPrefix, c.Descriptor(), err.Error())
			}
		}
	}
}

func (c *Connection) enqueue(buf []byte, closing bool) error {
	err := func() error {
		c.mutex.Lock()
		defer c.mutex.Unlock()

		if c.closing || c.State() == StateDisconnected {
			return ErrConnectionClosed
		}
		if len(c.queue) >= c.options.queueLength() {
			return fmt.Errorf("%w: length=%d", ErrSendQueueFull, len(c.queue))
		}

		c.queue = append(c.queue, buf)
		if closing {
			c.closing = true
			c.state.CompareAndSwap(uint32(StateConnected), uint32(StateClosing))
		}
		return nil
	}()
	if err != nil {
		return err
	}

	select {
	case c.notifych <- struct{}{}:
	default:
	}

	return nil
}

// Send queues one encoded frame, frames leave in the order they were queued.
// invoked on any goroutine
func (c *Connection) Send(buf []byte) error {
	return c.enqueue(buf, false)
}

// SendMessage frames messageStruct as kind and queues it.
// invoked on any goroutine
func (c *Connection) SendMessage(kind m.Kind, messageStruct any) error {
	buf, err := wire.Marshal(kind, messageStruct)
	if err != nil {
		log.Printf("%s: %s: %s", c.options.LogPrefix, c.Descriptor(), err.Error())
		return err
	}

	return c.Send(buf)
}

// Close tells the peer why, flushes queued frames and closes the socket.
// It returns once the connection is down or the write deadline passed.
func (c *Connection) Close(reason m.DisconnectReason, detail string) {
	select {
	case <-c.boundch:
	default:
		// no writer will ever run
		c.disconnect(nil)
		return
	}

	buf, err := wire.Marshal(
		m.KindDisconnect,
		&m.Disconnect{
			Reason: reason,
			Detail: detail,
		},
	)
	if err == nil {
		err = c.enqueue(buf, true)
	}
	if err != nil {
		// nothing will drain the queue, go down now
		c.disconnect(nil)
		return
	}

	timer := time.NewTimer(c.options.writeDeadline())
	defer timer.Stop()

	select {
	case <-c.donech:
	case <-timer.C:
		log.Printf("%s: %s: graceful close timed out, forcing", c.options.LogPrefix, c.Descriptor())
		c.disconnect(nil)
	}
}

// err is nil for a local close
func (c *Connection) disconnect(err error) {
	c.closeOnce.Do(
		func() {
			var h Handler

			func() {
				c.mutex.Lock()
				defer c.mutex.Unlock()

				c.state.Store(uint32(StateDisconnected))
				c.closeErr = err
				c.queue = nil

				if c.handler != nil && !c.notified {
					c.notified = true
					h = c.handler
				}
			}()

			c.conn.Close()
			close(c.donech)

			if err != nil {
				log.Printf("%s: %s: connection down, err=%s", c.options.LogPrefix, c.Descriptor(), err.Error())
			} else {
				log.Printf("%s: %s: connection closed", c.options.LogPrefix, c.Descriptor())
			}

			if h != nil {
				h.HandleDisconnect(c, err)
			}
		},
	)
}
