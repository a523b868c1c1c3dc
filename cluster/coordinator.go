// Package cluster wires the sync channel, the frame barrier and the data
// transfer channel of one node to its peers.
//
// The master listens on every client's sync and data ports, clients dial the
// master on their own ports. The render goroutine drives frames through
// RunFrame, or BeginFrame and WaitForBarrier when it has work in between.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/Meander-Cloud/go-framelock/arbiter"
	"github.com/Meander-Cloud/go-framelock/barrier"
	"github.com/Meander-Cloud/go-framelock/config"
	"github.com/Meander-Cloud/go-framelock/framesync"
	m "github.com/Meander-Cloud/go-framelock/message"
	"github.com/Meander-Cloud/go-framelock/net/tcp"
	"github.com/Meander-Cloud/go-framelock/net/tcp/protocol"
	"github.com/Meander-Cloud/go-framelock/topology"
	"github.com/Meander-Cloud/go-framelock/transfer"
)

type connKey struct {
	nodeIndex int
	channel   m.Channel
}

type Coordinator struct {
	c        *config.Config
	registry *topology.Registry
	self     *topology.NodeDescriptor
	master   *topology.NodeDescriptor
	session  string
	mode     barrier.Mode
	uc       UserCallback

	a            *arbiter.Arbiter
	frameBarrier *barrier.Barrier
	syncChannel  *framesync.Channel
	dataChannel  *transfer.Channel
	options      *protocol.Options
	policy       *protocol.BackoffPolicy

	fileLock *flock.Flock
	matrix   *tcp.Matrix

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// guards connMap, lostMap and frameNumber; Publish runs under it so a
	// HelloAck and the frames that follow it reach a client in order
	mutex       sync.Mutex
	connMap     map[connKey]*protocol.Connection
	lostMap     map[int]struct{}
	frameNumber uint64 // master: last published, client: last released
	statech     chan struct{}

	started      atomic.Bool
	inShutdown   atomic.Bool
	shutdownOnce sync.Once
}

func NewCoordinator(c *config.Config, codec framesync.Codec, uc UserCallback) (*Coordinator, error) {
	err := c.Validate()
	if err != nil {
		return nil, err
	}
	if codec == nil || uc == nil {
		err = fmt.Errorf("%s: codec and user callback are required", c.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	registry, err := topology.FromConfig(c)
	if err != nil {
		err = fmt.Errorf("%s: invalid node list, err=%w", c.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	var self *topology.NodeDescriptor
	if c.NodeIndex == config.NodeIndexAuto {
		self, err = registry.ResolveSelf(topology.LocalAddresses())
		if err != nil {
			return nil, err
		}
	} else {
		self, _ = registry.Node(c.NodeIndex)
	}

	mode := barrier.ModeSoft
	if c.FirmSync {
		mode = barrier.ModeFirm
	}

	ctx, cancel := context.WithCancel(context.Background())

	co := &Coordinator{
		c:        c,
		registry: registry,
		self:     self,
		master:   registry.Master(),
		session:  uuid.NewString(),
		mode:     mode,
		uc:       uc,

		a:            arbiter.NewArbiter(c),
		frameBarrier: barrier.NewBarrier(
			&barrier.Options{
				LogPrefix: c.LogPrefix,
				LogDebug:  c.LogDebug,
			},
		),
		options: &protocol.Options{
			SelfID:            fmt.Sprintf("node%d", self.Index),
			HeartbeatInterval: c.Heartbeat(),
			WriteDeadline:     c.WriteDeadline(),
			BindTimeout:       c.Handshake(),
			MaxPayloadLen:     c.MaxFramePayloadLen(),
			QueueLength:       int(c.QueueLength()),
			LogPrefix:         c.LogPrefix,
			LogDebug:          c.LogDebug,
		},
		policy: &protocol.BackoffPolicy{
			InitialInterval: c.InitialBackoff(),
			MaxInterval:     c.MaxBackoff(),
			Multiplier:      2,
			MaxAttempts:     c.MaxConnectAttempts(),
			DialTimeout:     c.DialTimeout(),
			KeepAlive:       c.KeepAliveInterval(),
		},

		ctx:    ctx,
		cancel: cancel,

		connMap:     make(map[connKey]*protocol.Connection),
		lostMap:     make(map[int]struct{}),
		frameNumber: 0,
		statech:     make(chan struct{}, 1),
	}

	co.syncChannel = framesync.NewChannel(
		&framesync.Options{
			Role:        self.Role,
			MasterIndex: co.master.Index,
			Codec:       codec,
			Barrier:     co.frameBarrier,
			LogPrefix:   c.LogPrefix,
			LogDebug:    c.LogDebug,
		},
	)
	co.dataChannel = transfer.NewChannel(
		&transfer.Options{
			SelfIndex:  self.Index,
			ChunkSize:  int(c.ChunkSize()),
			MaxChunks:  int(c.MaxChunks()),
			Dispatcher: co.a,
			Callback:   uc,
			LogPrefix:  c.LogPrefix,
			LogDebug:   c.LogDebug,
		},
	)

	log.Printf(
		"%s: coordinator created, self=%s, nodes=%d, mode=%s, session=%s",
		c.LogPrefix,
		self,
		registry.Len(),
		mode,
		co.session,
	)

	return co, nil
}

func (co *Coordinator) Self() *topology.NodeDescriptor {
	return co.self
}

func (co *Coordinator) Registry() *topology.Registry {
	return co.registry
}

func (co *Coordinator) Session() string {
	return co.session
}

func (co *Coordinator) IsMaster() bool {
	return co.self.Role == topology.RoleMaster
}

func (co *Coordinator) FrameNumber() uint64 {
	co.mutex.Lock()
	defer co.mutex.Unlock()

	return co.frameNumber
}

func (co *Coordinator) SyncStats() framesync.Stats {
	return co.syncChannel.Stats()
}

// ConnectedNodes returns the peers with a handshaked sync connection, ascending.
func (co *Coordinator) ConnectedNodes() []int {
	co.mutex.Lock()
	defer co.mutex.Unlock()

	var nodes []int
	for key := range co.connMap {
		if key.channel == m.ChannelSync {
			nodes = append(nodes, key.nodeIndex)
		}
	}
	slices.Sort(nodes)
	return nodes
}

// Start joins the cluster. The master waits for every client's sync and data
// connections, a client for its own connections to the master. Either fails
// with *ClusterStartupError once the startup timeout passed.
func (co *Coordinator) Start(ctx context.Context) error {
	if co.inShutdown.Load() {
		return ErrShutdown
	}
	if !co.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	err := co.lockNode()
	if err != nil {
		co.Shutdown()
		return &ClusterStartupError{
			Missing: []int{co.self.Index},
			Err:     err,
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, co.c.Startup())
	defer cancel()

	t0 := time.Now()
	if co.IsMaster() {
		err = co.startMaster(startCtx)
	} else {
		err = co.startClient(startCtx)
	}
	if err != nil {
		log.Printf("%s: %s", co.c.LogPrefix, err.Error())
		co.Shutdown()
		return err
	}

	log.Printf("%s: cluster started in %v, connected=%v", co.c.LogPrefix, time.Since(t0), co.ConnectedNodes())
	return nil
}

func (co *Coordinator) lockNode() error {
	if co.c.LockDir == "" {
		return nil
	}

	path := filepath.Join(co.c.LockDir, fmt.Sprintf("framelock-node-%d.lock", co.self.Index))
	fileLock := flock.New(path)

	locked, err := fileLock.TryLock()
	if err != nil {
		err = fmt.Errorf("%s: failed to lock %s, err=%w", co.c.LogPrefix, path, err)
		log.Printf("%s", err.Error())
		return err
	}
	if !locked {
		err = fmt.Errorf("%s: %w: node%d, lock=%s", co.c.LogPrefix, ErrNodeLocked, co.self.Index, path)
		log.Printf("%s", err.Error())
		return err
	}

	co.fileLock = fileLock
	return nil
}

func (co *Coordinator) startMaster(ctx context.Context) error {
	mx, err := tcp.NewMatrix(
		co.c,
		co.registry,
		func(_ *topology.NodeDescriptor, _ m.Channel) *protocol.Options {
			return co.options
		},
	)
	if err != nil {
		return &ClusterStartupError{
			Missing: nil,
			Err:     err,
		}
	}
	co.matrix = mx

	for _, ls := range mx.Listeners() {
		co.wg.Add(1)
		go co.acceptLoop(ls)
	}

	for {
		missing := co.missing()
		if len(missing) == 0 {
			return nil
		}

		select {
		case <-co.statech:
		case <-ctx.Done():
			return &ClusterStartupError{
				Missing: missing,
				Err:     ctx.Err(),
			}
		}
	}
}

func (co *Coordinator) startClient(ctx context.Context) error {
	channels := []m.Channel{m.ChannelSync}
	if co.self.HasDataPort() {
		channels = append(channels, m.ChannelData)
	}

	errList := make([]error, len(channels))
	var wg sync.WaitGroup
	for i, channel := range channels {
		wg.Add(1)
		go func(i int, channel m.Channel) {
			defer wg.Done()
			errList[i] = co.connect(ctx, channel)
		}(i, channel)
	}
	wg.Wait()

	err := errors.Join(errList...)
	if err != nil {
		return &ClusterStartupError{
			Missing: []int{co.master.Index},
			Err:     err,
		}
	}
	return nil
}

// missing lists clients whose sync or data connection is not handshaked yet.
func (co *Coordinator) missing() []int {
	co.mutex.Lock()
	defer co.mutex.Unlock()

	var missing []int
	for _, node := range co.registry.Clients() {
		_, syncUp := co.connMap[connKey{node.Index, m.ChannelSync}]
		dataUp := true
		if node.HasDataPort() {
			_, dataUp = co.connMap[connKey{node.Index, m.ChannelData}]
		}
		if !syncUp || !dataUp {
			missing = append(missing, node.Index)
		}
	}
	return missing
}

func (co *Coordinator) notifyState() {
	select {
	case co.statech <- struct{}{}:
	default:
	}
}

func (co *Coordinator) checkRunning() error {
	if co.inShutdown.Load() {
		return ErrShutdown
	}
	if !co.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// BeginFrame advances to the next frame and arms the barrier for it. On the
// master the current state is encoded and published to every connected client.
// invoked on render goroutine
func (co *Coordinator) BeginFrame(ctx context.Context) (uint64, error) {
	err := co.checkRunning()
	if err != nil {
		return 0, err
	}
	err = ctx.Err()
	if err != nil {
		return 0, err
	}
	if co.frameBarrier.State() == barrier.StateArmed {
		return 0, barrier.ErrAlreadyArmed
	}

	co.mutex.Lock()
	defer co.mutex.Unlock()

	if co.IsMaster() {
		return co.beginMasterFrame()
	}
	return co.beginClientFrame()
}

// invoked with Coordinator mutex held
func (co *Coordinator) beginMasterFrame() (uint64, error) {
	frameNumber := co.frameNumber + 1

	var peers []framesync.Peer
	var expected []int
	for _, node := range co.registry.Clients() {
		conn, found := co.connMap[connKey{node.Index, m.ChannelSync}]
		if !found {
			continue
		}
		peers = append(peers, conn)
		expected = append(expected, node.Index)
	}

	// acks racing ahead of Arm are held back by the barrier
	_, err := co.syncChannel.Publish(frameNumber, peers)
	if err != nil {
		return 0, err
	}

	err = co.frameBarrier.Arm(frameNumber, expected, co.mode, co.c.Barrier())
	if err != nil {
		log.Printf("%s: frame=%d, failed to arm barrier, err=%s", co.c.LogPrefix, frameNumber, err.Error())
		return 0, err
	}

	co.frameNumber = frameNumber
	return frameNumber, nil
}

// invoked with Coordinator mutex held
func (co *Coordinator) beginClientFrame() (uint64, error) {
	target := co.frameNumber + 1

	// frames already applied are not waited for twice, the state is a snapshot
	applied := co.syncChannel.LastApplied()
	if applied > target {
		target = applied
	}

	// a client only waits for the master's data, eviction is the master's call
	err := co.frameBarrier.Arm(target, []int{co.master.Index}, barrier.ModeSoft, co.c.Barrier())
	if err != nil {
		log.Printf("%s: frame=%d, failed to arm barrier, err=%s", co.c.LogPrefix, target, err.Error())
		return 0, err
	}
	if applied >= target {
		co.frameBarrier.Acknowledge(co.master.Index, target)
	}

	return target, nil
}

// WaitForBarrier blocks until every expected node reached the armed frame or
// the barrier timeout passed. On the master, nodes evicted by a firm timeout
// are disconnected and reported through NodeLost. A client acknowledges the
// frame to the master here, once its own render loop reached the boundary; a
// client that timed out waiting for the master keeps its frame and arms it
// again next time, a dead master is left to heartbeat loss.
// invoked on render goroutine
func (co *Coordinator) WaitForBarrier(ctx context.Context) (*barrier.Result, error) {
	r, err := co.frameBarrier.Wait(ctx)
	if err != nil {
		return r, err
	}

	if co.IsMaster() {
		for _, nodeIndex := range r.Evicted {
			co.evict(nodeIndex, fmt.Errorf("%w: frame=%d", ErrEvicted, r.FrameNumber))
		}
		return r, nil
	}

	if r.Outcome != barrier.OutcomeReleased {
		log.Printf("%s: frame=%d, no data from master within %v, presumed slow", co.c.LogPrefix, r.FrameNumber, r.Elapsed)
		return r, nil
	}

	var conn *protocol.Connection
	func() {
		co.mutex.Lock()
		defer co.mutex.Unlock()

		if r.FrameNumber > co.frameNumber {
			co.frameNumber = r.FrameNumber
		}
		conn = co.connMap[connKey{co.master.Index, m.ChannelSync}]
	}()

	// nil while the master is away, the client free-runs until it rejoins
	if conn != nil {
		_ = co.syncChannel.SendAck(conn, r.FrameNumber)
	}

	return r, nil
}

// RunFrame is BeginFrame followed by WaitForBarrier.
// invoked on render goroutine
func (co *Coordinator) RunFrame(ctx context.Context) (*barrier.Result, error) {
	_, err := co.BeginFrame(ctx)
	if err != nil {
		return nil, err
	}
	return co.WaitForBarrier(ctx)
}

// Transfer sends payload to every node with a live data connection.
// invoked on any goroutine
func (co *Coordinator) Transfer(payload []byte) (int32, error) {
	err := co.checkRunning()
	if err != nil {
		return 0, err
	}
	return co.dataChannel.Transfer(payload)
}

// TransferTo sends payload to one node.
// invoked on any goroutine
func (co *Coordinator) TransferTo(nodeIndex int, payload []byte) (int32, error) {
	err := co.checkRunning()
	if err != nil {
		return 0, err
	}
	return co.dataChannel.TransferTo(nodeIndex, payload)
}

// evict closes every connection to nodeIndex after a firm barrier timeout,
// a client will dial back in and rejoin through the handshake.
func (co *Coordinator) evict(nodeIndex int, err error) {
	var connList []*protocol.Connection
	func() {
		co.mutex.Lock()
		defer co.mutex.Unlock()

		for key, conn := range co.connMap {
			if key.nodeIndex == nodeIndex {
				connList = append(connList, conn)
			}
		}
	}()

	co.nodeLost(nodeIndex, err)

	for _, conn := range connList {
		go conn.Close(m.DisconnectReasonEvicted, err.Error())
	}
}

// nodeLost reports nodeIndex through NodeLost unless already reported since
// its last handshake.
func (co *Coordinator) nodeLost(nodeIndex int, err error) {
	if co.inShutdown.Load() {
		return
	}

	first := func() bool {
		co.mutex.Lock()
		defer co.mutex.Unlock()

		_, found := co.lostMap[nodeIndex]
		if found {
			return false
		}
		co.lostMap[nodeIndex] = struct{}{}
		return true
	}()
	if !first {
		return
	}

	log.Printf("%s: node%d lost, err=%v", co.c.LogPrefix, nodeIndex, err)

	now := time.Now().UTC()
	dispatchErr := co.a.Dispatch(func() {
		co.uc.NodeLost(
			&NodeLost{
				NodeIndex: nodeIndex,
				Err:       err,
				Time:      now,
			},
		)
	})
	if dispatchErr != nil {
		log.Printf("%s: failed to dispatch NodeLost for node%d, err=%s", co.c.LogPrefix, nodeIndex, dispatchErr.Error())
	}
}

// Shutdown tells every peer, closes all connections and listeners and stops
// the arbiter. Idempotent.
func (co *Coordinator) Shutdown() {
	co.shutdownOnce.Do(
		func() {
			log.Printf("%s: coordinator shutting down", co.c.LogPrefix)

			co.inShutdown.Store(true)
			co.cancel()

			var connList []*protocol.Connection
			func() {
				co.mutex.Lock()
				defer co.mutex.Unlock()

				for _, conn := range co.connMap {
					connList = append(connList, conn)
				}
			}()

			var wg sync.WaitGroup
			for _, conn := range connList {
				wg.Add(1)
				go func(conn *protocol.Connection) {
					defer wg.Done()
					conn.Close(m.DisconnectReasonShutdown, "coordinator shutdown")
				}(conn)
			}
			wg.Wait()

			if co.matrix != nil {
				co.matrix.Shutdown() // wait
			}

			// no reconnect timer fires after this
			co.a.Shutdown() // wait
			co.wg.Wait()

			if co.fileLock != nil {
				err := co.fileLock.Unlock()
				if err != nil {
					log.Printf("%s: failed to unlock %s, err=%s", co.c.LogPrefix, co.fileLock.Path(), err.Error())
				}
			}

			log.Printf("%s: coordinator shut down", co.c.LogPrefix)
		},
	)
}
