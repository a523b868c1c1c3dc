// Package transfer carries large application payloads between nodes over the
// data connections, split into chunks and acknowledged once per package.
package transfer

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"golang.org/x/exp/slices"

	m "github.com/Meander-Cloud/go-framelock/message"
	"github.com/Meander-Cloud/go-framelock/net/wire"
)

const (
	defaultChunkSize int = 1024 * 1024
	defaultMaxChunks int = 4096
)

var (
	ErrNoPeers           = errors.New("no data peers connected")
	ErrUnknownPeer       = errors.New("data peer not connected")
	ErrInvalidChunk      = errors.New("invalid chunk")
	ErrUnexpectedMessage = errors.New("unexpected message kind")
)

// Peer is the sending half of one data connection.
type Peer interface {
	PeerIndex() int
	Descriptor() string
	Send([]byte) error
}

type Dispatcher interface {
	Dispatch(f func()) error
}

type Options struct {
	SelfIndex  int
	ChunkSize  int
	MaxChunks  int
	Dispatcher Dispatcher
	Callback   Callback

	LogPrefix string
	LogDebug  bool
}

type ackCounter struct {
	packageID int32
	targets   map[int]struct{} // nodes the package was sent to
	ackedBy   map[int]struct{}
	startedAt time.Time
}

type reassemblyKey struct {
	sender    int
	packageID int32
}

type reassembly struct {
	totalSeq uint32
	chunks   *treemap.Map // seq -> []byte
	size     int
}

type Channel struct {
	options  *Options
	idGen    atomic.Int32
	sendLock sync.Mutex // keeps the chunks of one package contiguous per connection

	mutex        sync.Mutex
	peerMap      map[int]Peer
	counters     *treemap.Map // packageID -> *ackCounter
	reassemblies map[reassemblyKey]*reassembly
}

func NewChannel(options *Options) *Channel {
	if options.ChunkSize <= 0 {
		options.ChunkSize = defaultChunkSize
	}
	if options.MaxChunks <= 0 {
		options.MaxChunks = defaultMaxChunks
	}

	return &Channel{
		options:      options,
		peerMap:      make(map[int]Peer),
		counters:     treemap.NewWith(utils.Int32Comparator),
		reassemblies: make(map[reassemblyKey]*reassembly),
	}
}

func (ch *Channel) dispatch(f func()) {
	err := ch.options.Dispatcher.Dispatch(f)
	if err != nil {
		log.Printf("%s: failed to dispatch callback, err=%s", ch.options.LogPrefix, err.Error())
	}
}

// Attach makes peer the data connection to its node, replacing any previous one.
// invoked on any goroutine
func (ch *Channel) Attach(peer Peer) {
	nodeIndex := peer.PeerIndex()

	func() {
		ch.mutex.Lock()
		defer ch.mutex.Unlock()

		ch.peerMap[nodeIndex] = peer
	}()

	log.Printf("%s: %s: data peer attached", ch.options.LogPrefix, peer.Descriptor())

	now := time.Now().UTC()
	ch.dispatch(func() {
		ch.options.Callback.ConnectionStatus(
			&ConnectionStatus{
				NodeIndex: nodeIndex,
				Connected: true,
				Time:      now,
			},
		)
	})
}

// Detach forgets peer if it is still the current connection to its node and
// discards partial packages received from it. In-flight packages sent to it
// never complete.
// invoked on any goroutine
func (ch *Channel) Detach(peer Peer) {
	nodeIndex := peer.PeerIndex()
	discarded := 0

	detached := func() bool {
		ch.mutex.Lock()
		defer ch.mutex.Unlock()

		current, found := ch.peerMap[nodeIndex]
		if !found || current != peer {
			return false
		}
		delete(ch.peerMap, nodeIndex)

		for key := range ch.reassemblies {
			if key.sender == nodeIndex {
				delete(ch.reassemblies, key)
				discarded++
			}
		}
		return true
	}()
	if !detached {
		return
	}

	log.Printf("%s: %s: data peer detached, discarded %d partial packages", ch.options.LogPrefix, peer.Descriptor(), discarded)

	now := time.Now().UTC()
	ch.dispatch(func() {
		ch.options.Callback.ConnectionStatus(
			&ConnectionStatus{
				NodeIndex: nodeIndex,
				Connected: false,
				Time:      now,
			},
		)
	})
}

// Peers returns the node indexes with a live data connection, ascending.
func (ch *Channel) Peers() []int {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	peers := make([]int, 0, len(ch.peerMap))
	for nodeIndex := range ch.peerMap {
		peers = append(peers, nodeIndex)
	}
	slices.Sort(peers)
	return peers
}

// Pending returns how many sent packages still wait for acknowledgments.
func (ch *Channel) Pending() int {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	return ch.counters.Size()
}

// Transfer sends payload to every connected data peer. The package completes
// once each of them acknowledged it.
// invoked on any goroutine
func (ch *Channel) Transfer(payload []byte) (int32, error) {
	return ch.send(payload, func() []Peer {
		peers := make([]Peer, 0, len(ch.peerMap))
		for _, peer := range ch.peerMap {
			peers = append(peers, peer)
		}
		return peers
	})
}

// TransferTo sends payload to one node only.
// invoked on any goroutine
func (ch *Channel) TransferTo(nodeIndex int, payload []byte) (int32, error) {
	packageID, err := ch.send(payload, func() []Peer {
		peer, found := ch.peerMap[nodeIndex]
		if !found {
			return nil
		}
		return []Peer{peer}
	})
	if errors.Is(err, ErrNoPeers) {
		err = fmt.Errorf("%w: node%d", ErrUnknownPeer, nodeIndex)
	}
	return packageID, err
}

func (ch *Channel) chunk(packageID int32, payload []byte) ([][]byte, error) {
	chunkSize := ch.options.ChunkSize
	totalSeq := (len(payload) + chunkSize - 1) / chunkSize
	if totalSeq == 0 {
		totalSeq = 1
	}
	if totalSeq > ch.options.MaxChunks {
		return nil, fmt.Errorf(
			"%w: payload of %d bytes needs %d chunks, max=%d",
			ErrInvalidChunk,
			len(payload),
			totalSeq,
			ch.options.MaxChunks,
		)
	}

	bufList := make([][]byte, 0, totalSeq)
	for seq := 0; seq < totalSeq; seq++ {
		begin := seq * chunkSize
		end := min(begin+chunkSize, len(payload))

		buf, err := wire.Marshal(
			m.KindDataPackage,
			&m.DataPackage{
				PackageID: packageID,
				Seq:       uint32(seq),
				TotalSeq:  uint32(totalSeq),
				Chunk:     payload[begin:end],
			},
		)
		if err != nil {
			return nil, err
		}
		bufList = append(bufList, buf)
	}

	return bufList, nil
}

func (ch *Channel) send(payload []byte, selectPeers func() []Peer) (int32, error) {
	packageID := ch.idGen.Add(1)

	bufList, err := ch.chunk(packageID, payload)
	if err != nil {
		err = fmt.Errorf("%s: packageID=%d, %w", ch.options.LogPrefix, packageID, err)
		log.Printf("%s", err.Error())
		return 0, err
	}

	ch.sendLock.Lock()
	defer ch.sendLock.Unlock()

	var peers []Peer
	func() {
		ch.mutex.Lock()
		defer ch.mutex.Unlock()

		peers = selectPeers()
		if len(peers) == 0 {
			return
		}

		targets := make(map[int]struct{}, len(peers))
		for _, peer := range peers {
			targets[peer.PeerIndex()] = struct{}{}
		}

		// registered before the first chunk leaves, acks may be fast
		ch.counters.Put(
			packageID,
			&ackCounter{
				packageID: packageID,
				targets:   targets,
				ackedBy:   make(map[int]struct{}, len(peers)),
				startedAt: time.Now(),
			},
		)
	}()
	if len(peers) == 0 {
		err = fmt.Errorf("%s: packageID=%d, %w", ch.options.LogPrefix, packageID, ErrNoPeers)
		log.Printf("%s", err.Error())
		return 0, err
	}

	for _, peer := range peers {
		for _, buf := range bufList {
			err = peer.Send(buf)
			if err != nil {
				log.Printf(
					"%s: %s: failed to send packageID=%d, err=%s",
					ch.options.LogPrefix,
					peer.Descriptor(),
					packageID,
					err.Error(),
				)
				break
			}
		}
	}

	log.Printf(
		"%s: packageID=%d, %d bytes in %d chunks sent to %d peers",
		ch.options.LogPrefix,
		packageID,
		len(payload),
		len(bufList),
		len(peers),
	)

	return packageID, nil
}

// HandleFrame consumes DataPackage and DataAck frames from a data connection.
// invoked on receive goroutine
func (ch *Channel) HandleFrame(from Peer, frame *wire.Frame) error {
	switch frame.Kind {
	case m.KindDataPackage:
		return ch.handleDataPackage(from, frame)
	case m.KindDataAck:
		return ch.handleDataAck(from, frame)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, frame.Kind)
	}
}

func (ch *Channel) handleDataPackage(from Peer, frame *wire.Frame) error {
	dataPackage := new(m.DataPackage)
	err := wire.Unmarshal(frame, dataPackage)
	if err != nil {
		log.Printf("%s: %s: %s", ch.options.LogPrefix, from.Descriptor(), err.Error())
		return err
	}

	if dataPackage.TotalSeq == 0 ||
		dataPackage.Seq >= dataPackage.TotalSeq ||
		dataPackage.TotalSeq > uint32(ch.options.MaxChunks) {
		err = fmt.Errorf(
			"%s: %s: packageID=%d, %w: seq=%d, totalSeq=%d",
			ch.options.LogPrefix,
			from.Descriptor(),
			dataPackage.PackageID,
			ErrInvalidChunk,
			dataPackage.Seq,
			dataPackage.TotalSeq,
		)
		log.Printf("%s", err.Error())
		return err
	}

	senderIndex := from.PeerIndex()
	key := reassemblyKey{
		sender:    senderIndex,
		packageID: dataPackage.PackageID,
	}

	var payload []byte
	complete := false

	err = func() error {
		ch.mutex.Lock()
		defer ch.mutex.Unlock()

		r, found := ch.reassemblies[key]
		if !found {
			r = &reassembly{
				totalSeq: dataPackage.TotalSeq,
				chunks:   treemap.NewWith(utils.UInt32Comparator),
				size:     0,
			}
			ch.reassemblies[key] = r
		}

		if r.totalSeq != dataPackage.TotalSeq {
			delete(ch.reassemblies, key)
			return fmt.Errorf(
				"%w: totalSeq changed %d -> %d, package discarded",
				ErrInvalidChunk,
				r.totalSeq,
				dataPackage.TotalSeq,
			)
		}

		_, found = r.chunks.Get(dataPackage.Seq)
		if found {
			if ch.options.LogDebug {
				log.Printf("%s: %s: packageID=%d, duplicate seq=%d ignored", ch.options.LogPrefix, from.Descriptor(), dataPackage.PackageID, dataPackage.Seq)
			}
			return nil
		}

		r.chunks.Put(dataPackage.Seq, dataPackage.Chunk)
		r.size += len(dataPackage.Chunk)

		if uint32(r.chunks.Size()) < r.totalSeq {
			return nil
		}

		delete(ch.reassemblies, key)
		complete = true

		payload = make([]byte, 0, r.size)
		it := r.chunks.Iterator()
		for it.Next() {
			payload = append(payload, it.Value().([]byte)...)
		}
		return nil
	}()
	if err != nil {
		err = fmt.Errorf("%s: %s: packageID=%d, %w", ch.options.LogPrefix, from.Descriptor(), dataPackage.PackageID, err)
		log.Printf("%s", err.Error())
		return err
	}
	if !complete {
		return nil
	}

	if ch.options.LogDebug {
		log.Printf("%s: %s: packageID=%d received, %d bytes", ch.options.LogPrefix, from.Descriptor(), dataPackage.PackageID, len(payload))
	}

	packageID := dataPackage.PackageID
	now := time.Now().UTC()
	ch.dispatch(func() {
		ch.options.Callback.DataReceived(
			&DataReceived{
				Payload:     payload,
				PackageID:   packageID,
				SenderIndex: senderIndex,
				Time:        now,
			},
		)

		// acknowledged only after the application took the payload
		buf, err := wire.Marshal(
			m.KindDataAck,
			&m.DataAck{
				PackageID: packageID,
			},
		)
		if err == nil {
			err = from.Send(buf)
		}
		if err != nil {
			log.Printf("%s: %s: failed to ack packageID=%d, err=%s", ch.options.LogPrefix, from.Descriptor(), packageID, err.Error())
		}
	})

	return nil
}

func (ch *Channel) handleDataAck(from Peer, frame *wire.Frame) error {
	dataAck := new(m.DataAck)
	err := wire.Unmarshal(frame, dataAck)
	if err != nil {
		log.Printf("%s: %s: %s", ch.options.LogPrefix, from.Descriptor(), err.Error())
		return err
	}

	nodeIndex := from.PeerIndex()
	var done *ackCounter

	func() {
		ch.mutex.Lock()
		defer ch.mutex.Unlock()

		v, found := ch.counters.Get(dataAck.PackageID)
		if !found {
			if ch.options.LogDebug {
				log.Printf("%s: %s: ack for unknown packageID=%d ignored", ch.options.LogPrefix, from.Descriptor(), dataAck.PackageID)
			}
			return
		}

		counter := v.(*ackCounter)
		_, found = counter.targets[nodeIndex]
		if !found {
			log.Printf("%s: %s: packageID=%d was not sent to node%d, ack ignored", ch.options.LogPrefix, from.Descriptor(), dataAck.PackageID, nodeIndex)
			return
		}

		_, found = counter.ackedBy[nodeIndex]
		if found {
			if ch.options.LogDebug {
				log.Printf("%s: %s: duplicate ack for packageID=%d ignored", ch.options.LogPrefix, from.Descriptor(), dataAck.PackageID)
			}
			return
		}

		counter.ackedBy[nodeIndex] = struct{}{}
		if len(counter.ackedBy) < len(counter.targets) {
			return
		}

		ch.counters.Remove(dataAck.PackageID)
		done = counter
	}()
	if done == nil {
		return nil
	}

	elapsed := time.Since(done.startedAt)
	log.Printf("%s: packageID=%d complete, %d acks in %v", ch.options.LogPrefix, done.packageID, len(done.targets), elapsed)

	now := time.Now().UTC()
	ch.dispatch(func() {
		ch.options.Callback.DataComplete(
			&DataComplete{
				PackageID: done.packageID,
				Elapsed:   elapsed,
				Time:      now,
			},
		)
	})

	return nil
}
