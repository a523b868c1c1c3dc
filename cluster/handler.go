package cluster

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-framelock/group"
	m "github.com/Meander-Cloud/go-framelock/message"
	"github.com/Meander-Cloud/go-framelock/net/tcp"
	"github.com/Meander-Cloud/go-framelock/net/tcp/protocol"
	"github.com/Meander-Cloud/go-framelock/net/wire"
	"github.com/Meander-Cloud/go-framelock/topology"
)

// connHandler serves one sync or data connection. Until the handshake
// completes only Hello (master side) or HelloAck (client side) is accepted.
type connHandler struct {
	co         *Coordinator
	channel    m.Channel
	peer       *topology.NodeDescriptor // the node expected on the other end
	inbound    bool
	handshaked atomic.Bool
	timer      *time.Timer      // inbound handshake deadline
	ackch      chan *m.HelloAck // outbound handshake result
}

func (h *connHandler) key() connKey {
	return connKey{
		nodeIndex: h.peer.Index,
		channel:   h.channel,
	}
}

// invoked on receive goroutine
func (h *connHandler) HandleFrame(conn *protocol.Connection, frame *wire.Frame) {
	co := h.co

	if !h.handshaked.Load() {
		if h.inbound {
			h.handleHello(conn, frame)
		} else {
			h.handleHelloAck(conn, frame)
		}
		return
	}

	var err error
	switch {
	case h.channel == m.ChannelData:
		err = co.dataChannel.HandleFrame(conn, frame)
	case h.inbound && frame.Kind == m.KindSyncAck:
		err = co.syncChannel.HandleSyncAck(conn, frame)
	case !h.inbound && frame.Kind == m.KindSyncData:
		err = co.syncChannel.HandleSyncData(conn, frame)
	default:
		log.Printf("%s: %s: unexpected %s on %s channel, ignored", co.c.LogPrefix, conn.Descriptor(), frame.Kind, h.channel)
		return
	}

	if err != nil && co.c.LogDebug {
		log.Printf("%s: %s: %s handled with err=%s", co.c.LogPrefix, conn.Descriptor(), frame.Kind, err.Error())
	}
}

// invoked exactly once per connection
func (h *connHandler) HandleDisconnect(conn *protocol.Connection, err error) {
	if h.timer != nil {
		h.timer.Stop()
	}
	if !h.handshaked.Load() {
		return
	}

	h.co.unregister(h, conn, err)
}

func (h *connHandler) reject(conn *protocol.Connection, reason string) {
	co := h.co
	log.Printf("%s: %s: rejecting %s connection, reason=%s", co.c.LogPrefix, conn.Descriptor(), h.channel, reason)

	err := conn.SendMessage(
		m.KindHelloAck,
		&m.HelloAck{
			Accepted: false,
			Reason:   reason,
			Session:  co.session,
		},
	)
	if err != nil {
		log.Printf("%s: %s: failed to send rejection, err=%s", co.c.LogPrefix, conn.Descriptor(), err.Error())
	}

	go conn.Close(m.DisconnectReasonRejected, reason)
}

// invoked on receive goroutine, master side
func (h *connHandler) handleHello(conn *protocol.Connection, frame *wire.Frame) {
	if frame.Kind != m.KindHello {
		h.reject(conn, fmt.Sprintf("expected %s, received %s", m.KindHello, frame.Kind))
		return
	}

	hello := new(m.Hello)
	err := wire.Unmarshal(frame, hello)
	if err != nil {
		h.reject(conn, err.Error())
		return
	}

	if hello.NodeIndex != h.peer.Index || hello.Channel != h.channel {
		h.reject(
			conn,
			fmt.Sprintf(
				"port belongs to node%d %s channel, hello from node%d %s channel",
				h.peer.Index,
				h.channel,
				hello.NodeIndex,
				hello.Channel,
			),
		)
		return
	}

	if h.timer != nil {
		h.timer.Stop()
	}
	conn.SetPeer(hello.NodeIndex, hello.Session)

	h.co.register(h, conn, hello.Session, 0)
}

// invoked on receive goroutine, client side
func (h *connHandler) handleHelloAck(conn *protocol.Connection, frame *wire.Frame) {
	co := h.co

	if frame.Kind != m.KindHelloAck {
		log.Printf("%s: %s: expected %s, received %s", co.c.LogPrefix, conn.Descriptor(), m.KindHelloAck, frame.Kind)
		go conn.Close(m.DisconnectReasonRejected, "handshake violation")
		return
	}

	helloAck := new(m.HelloAck)
	err := wire.Unmarshal(frame, helloAck)
	if err != nil {
		go conn.Close(m.DisconnectReasonRejected, err.Error())
		return
	}

	if helloAck.Accepted {
		conn.SetPeer(h.peer.Index, helloAck.Session)
		co.register(h, conn, helloAck.Session, helloAck.FrameNumber)
	}

	select {
	case h.ackch <- helloAck:
	default:
	}
}

// register makes conn the live connection for its node and channel, replacing
// any previous one. The master answers the handshake here so the HelloAck is
// queued before any frame published after it.
func (co *Coordinator) register(h *connHandler, conn *protocol.Connection, peerSession string, frameNumber uint64) {
	key := h.key()

	closing := false
	old := func() *protocol.Connection {
		co.mutex.Lock()
		defer co.mutex.Unlock()

		// Shutdown snapshots connMap under this mutex after setting inShutdown
		if co.inShutdown.Load() {
			closing = true
			return nil
		}

		old := co.connMap[key]
		co.connMap[key] = conn
		h.handshaked.Store(true)

		if h.inbound {
			err := conn.SendMessage(
				m.KindHelloAck,
				&m.HelloAck{
					Accepted:    true,
					Session:     co.session,
					FrameNumber: co.frameNumber,
				},
			)
			if err != nil {
				log.Printf("%s: %s: failed to send handshake ack, err=%s", co.c.LogPrefix, conn.Descriptor(), err.Error())
			}
		} else if h.channel == m.ChannelSync {
			// the master's frame sequence is authoritative
			co.syncChannel.Reset(frameNumber)
			co.frameBarrier.Rebase(frameNumber)
			co.frameNumber = frameNumber
		}

		if h.channel == m.ChannelSync {
			co.frameBarrier.Admit(key.nodeIndex)
			delete(co.lostMap, key.nodeIndex)
		}

		return old
	}()
	if closing {
		go conn.Close(m.DisconnectReasonShutdown, "coordinator shutdown")
		return
	}

	log.Printf(
		"%s: %s: %s channel handshaked, peerSession=%s, frame=%d",
		co.c.LogPrefix,
		conn.Descriptor(),
		h.channel,
		peerSession,
		frameNumber,
	)

	if old != nil && old != conn {
		go old.Close(m.DisconnectReasonDuplicate, "replaced by newer connection")
	}
	if h.channel == m.ChannelData {
		co.dataChannel.Attach(conn)
	}

	co.notifyState()
}

// unregister forgets conn if it is still the live connection for its node
// and channel, then reports the loss and, on a client, schedules a reconnect.
func (co *Coordinator) unregister(h *connHandler, conn *protocol.Connection, err error) {
	key := h.key()

	current := func() bool {
		co.mutex.Lock()
		defer co.mutex.Unlock()

		if co.connMap[key] != conn {
			return false
		}
		delete(co.connMap, key)
		return true
	}()

	if h.channel == m.ChannelData {
		co.dataChannel.Detach(conn)
	}
	if !current {
		return
	}

	if h.channel == m.ChannelSync {
		// a lost node must not hold the barrier in either mode
		co.frameBarrier.Evict(key.nodeIndex)
		if err == nil {
			err = protocol.ErrConnectionClosed
		}
		co.nodeLost(key.nodeIndex, err)
	}

	if !h.inbound && !co.inShutdown.Load() {
		co.scheduleReconnect(h.channel, co.c.InitialBackoff())
	}
}

// invoked on accept goroutine, master side
func (co *Coordinator) acceptLoop(ls *tcp.ListenerStruct) {
	defer co.wg.Done()

	for {
		conn, err := ls.Protocol().Accept(co.ctx)
		if err != nil {
			log.Printf("%s: accept loop on %s exiting, err=%s", co.c.LogPrefix, ls.Address, err.Error())
			return
		}

		h := &connHandler{
			co:      co,
			channel: ls.Channel,
			peer:    ls.Node,
			inbound: true,
		}
		h.timer = time.AfterFunc(
			co.c.Handshake(),
			func() {
				if h.handshaked.Load() {
					return
				}
				log.Printf("%s: %s: no handshake within %v", co.c.LogPrefix, conn.Descriptor(), co.c.Handshake())
				conn.Close(m.DisconnectReasonRejected, "handshake timeout")
			},
		)

		conn.Bind(h)
	}
}

// connect dials the master on this node's own port for channel and completes
// the handshake.
// invoked on startup or reconnect goroutine, client side
func (co *Coordinator) connect(ctx context.Context, channel m.Channel) error {
	port := co.self.SyncPort
	if channel == m.ChannelData {
		port = co.self.DataPort
	}
	address := net.JoinHostPort(co.master.Address, strconv.Itoa(port))

	conn, err := protocol.Connect(ctx, address, co.policy, co.options)
	if err != nil {
		return err
	}

	h := &connHandler{
		co:      co,
		channel: channel,
		peer:    co.master,
		inbound: false,
		ackch:   make(chan *m.HelloAck, 1),
	}
	conn.Bind(h)

	co.wg.Add(1)
	go func() {
		defer co.wg.Done()
		conn.Run() // wait
	}()

	err = conn.SendMessage(
		m.KindHello,
		&m.Hello{
			NodeIndex: co.self.Index,
			Session:   co.session,
			Channel:   channel,
		},
	)
	if err != nil {
		conn.Close(m.DisconnectReasonShutdown, "handshake failed")
		return fmt.Errorf("%s: %s: %w: %w", co.c.LogPrefix, conn.Descriptor(), ErrHandshake, err)
	}

	timer := time.NewTimer(co.c.Handshake())
	defer timer.Stop()

	select {
	case helloAck := <-h.ackch:
		if !helloAck.Accepted {
			err = fmt.Errorf("%s: %s: %w: %s", co.c.LogPrefix, conn.Descriptor(), ErrRejected, helloAck.Reason)
			log.Printf("%s", err.Error())
			return err
		}
		return nil
	case <-conn.Done():
		err = fmt.Errorf("%s: %s: %w: connection down, err=%v", co.c.LogPrefix, conn.Descriptor(), ErrHandshake, conn.Err())
	case <-timer.C:
		err = fmt.Errorf("%s: %s: %w: no answer within %v", co.c.LogPrefix, conn.Descriptor(), ErrHandshake, co.c.Handshake())
		conn.Close(m.DisconnectReasonShutdown, "handshake timeout")
	case <-ctx.Done():
		err = fmt.Errorf("%s: %s: %w: %w", co.c.LogPrefix, conn.Descriptor(), ErrHandshake, ctx.Err())
		conn.Close(m.DisconnectReasonShutdown, "handshake cancelled")
	}

	log.Printf("%s", err.Error())
	return err
}

func reconnectGroup(channel m.Channel) group.Group {
	if channel == m.ChannelData {
		return group.GroupReconnectData
	}
	return group.GroupReconnectSync
}

// scheduleReconnect starts a reconnect round for channel after wait, on a
// timer owned by the arbiter.
// invoked on any goroutine, client side
func (co *Coordinator) scheduleReconnect(channel m.Channel, wait time.Duration) {
	g := reconnectGroup(channel)

	err := co.a.Dispatch(func() {
		// invoked on arbiter goroutine
		co.a.ReleaseGroup(g)
		co.a.StartTimer(
			g,
			wait,
			func() {
				// invoked on arbiter goroutine
				if co.inShutdown.Load() {
					return
				}
				co.wg.Add(1)
				go co.reconnect(channel)
			},
		)
	})
	if err != nil {
		log.Printf("%s: failed to schedule %s, err=%s", co.c.LogPrefix, g, err.Error())
		return
	}

	log.Printf("%s: %s channel to master lost, reconnecting in %v", co.c.LogPrefix, channel, wait)
}

// invoked on reconnect goroutine, client side
func (co *Coordinator) reconnect(channel m.Channel) {
	defer co.wg.Done()

	err := co.connect(co.ctx, channel)
	if err == nil {
		return
	}
	if co.inShutdown.Load() {
		return
	}

	// the backoff policy is exhausted for this round, the next one starts later
	co.scheduleReconnect(channel, co.c.MaxBackoff())
}
