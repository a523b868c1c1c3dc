// Package framesync distributes the per-frame state snapshot from the master
// to every client and collects the clients' acknowledgments.
package framesync

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	m "github.com/Meander-Cloud/go-framelock/message"
	"github.com/Meander-Cloud/go-framelock/net/wire"
	"github.com/Meander-Cloud/go-framelock/topology"
)

const (
	// publish times are kept this many frames back for loop time measurement
	loopTimeWindow uint64 = 64
)

var (
	ErrDecodeRejected    = errors.New("state decode rejected")
	ErrEncodeFailed      = errors.New("state encode failed")
	ErrFrameOutOfOrder   = errors.New("frame out of order")
	ErrWrongRole         = errors.New("operation not valid for node role")
	ErrUnexpectedMessage = errors.New("unexpected message kind")
)

// Codec is implemented by the application: the master encodes the whole
// shared state once per frame, every client decodes it.
type Codec interface {
	Encode() ([]byte, error)
	Decode([]byte) error
}

// Peer is the sending half of one sync connection.
type Peer interface {
	PeerIndex() int
	Descriptor() string
	Send([]byte) error
}

// Acknowledger receives frame acknowledgments, normally the local barrier.
type Acknowledger interface {
	Acknowledge(nodeIndex int, frameNumber uint64) bool
}

// FrameSnapshot is immutable once published.
type FrameSnapshot struct {
	FrameNumber uint64
	Payload     []byte
}

type Stats struct {
	Published uint64
	Applied   uint64
	Dropped   uint64
	Rejected  uint64
	Acked     uint64 // master: acks received, client: acks sent

	LastLoopTime time.Duration
	MinLoopTime  time.Duration
	MaxLoopTime  time.Duration
}

type Options struct {
	Role        topology.Role
	MasterIndex int
	Codec       Codec
	Barrier     Acknowledger

	LogPrefix string
	LogDebug  bool
}

type Channel struct {
	options *Options

	mutex       sync.Mutex
	lastApplied uint64
	snapshot    *FrameSnapshot
	publishedAt map[uint64]time.Time
	stats       Stats
}

func NewChannel(options *Options) *Channel {
	return &Channel{
		options:     options,
		lastApplied: 0,
		snapshot:    nil,
		publishedAt: make(map[uint64]time.Time),
	}
}

// Publish encodes the current state once and sends the same bytes to every
// peer. Per-peer send failures are logged, the connection reports them itself.
// invoked on render goroutine
func (ch *Channel) Publish(frameNumber uint64, peers []Peer) (*FrameSnapshot, error) {
	if ch.options.Role != topology.RoleMaster {
		return nil, fmt.Errorf("%w: publish on %s", ErrWrongRole, ch.options.Role)
	}

	blob, err := ch.options.Codec.Encode()
	if err != nil {
		err = fmt.Errorf("%s: frame=%d, %w: %w", ch.options.LogPrefix, frameNumber, ErrEncodeFailed, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	snapshot := &FrameSnapshot{
		FrameNumber: frameNumber,
		Payload:     blob,
	}

	buf, err := wire.Marshal(
		m.KindSyncData,
		&m.SyncData{
			FrameNumber: snapshot.FrameNumber,
			Blob:        snapshot.Payload,
		},
	)
	if err != nil {
		log.Printf("%s: frame=%d, %s", ch.options.LogPrefix, frameNumber, err.Error())
		return nil, err
	}

	func() {
		ch.mutex.Lock()
		defer ch.mutex.Unlock()

		ch.snapshot = snapshot
		ch.publishedAt[frameNumber] = time.Now()
		for f := range ch.publishedAt {
			if f+loopTimeWindow < frameNumber {
				delete(ch.publishedAt, f)
			}
		}
		ch.stats.Published++
	}()

	for _, peer := range peers {
		err = peer.Send(buf)
		if err != nil {
			log.Printf(
				"%s: %s: failed to send frame=%d, err=%s",
				ch.options.LogPrefix,
				peer.Descriptor(),
				frameNumber,
				err.Error(),
			)
		}
	}

	if ch.options.LogDebug {
		log.Printf("%s: frame=%d published to %d peers, %d bytes", ch.options.LogPrefix, frameNumber, len(peers), len(blob))
	}

	return snapshot, nil
}

// Snapshot returns the last published frame, nil before the first publish.
func (ch *Channel) Snapshot() *FrameSnapshot {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	return ch.snapshot
}

// LastPublished is announced to clients during the handshake.
func (ch *Channel) LastPublished() uint64 {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if ch.snapshot == nil {
		return 0
	}
	return ch.snapshot.FrameNumber
}

// LastApplied returns the newest frame a client accepted.
func (ch *Channel) LastApplied() uint64 {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	return ch.lastApplied
}

// Reset rebases a client so that lastApplied+1 is the next accepted frame.
func (ch *Channel) Reset(lastApplied uint64) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	log.Printf("%s: sync channel rebased, lastApplied=%d -> %d", ch.options.LogPrefix, ch.lastApplied, lastApplied)
	ch.lastApplied = lastApplied
}

func (ch *Channel) Stats() Stats {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	return ch.stats
}

// HandleSyncData applies the frame that directly follows lastApplied and
// acknowledges it to the local barrier on behalf of the master. The SyncAck to
// the master is left to the render goroutine, see SendAck. A frame the decoder
// rejects still advances lastApplied, the previous state stays in effect.
// invoked on receive goroutine
func (ch *Channel) HandleSyncData(from Peer, frame *wire.Frame) error {
	if ch.options.Role != topology.RoleClient {
		return fmt.Errorf("%w: %s on %s", ErrWrongRole, frame.Kind, ch.options.Role)
	}
	if frame.Kind != m.KindSyncData {
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, frame.Kind)
	}

	syncData := new(m.SyncData)
	err := wire.Unmarshal(frame, syncData)
	if err != nil {
		log.Printf("%s: %s: %s", ch.options.LogPrefix, from.Descriptor(), err.Error())
		return err
	}

	err = func() error {
		ch.mutex.Lock()
		defer ch.mutex.Unlock()

		if syncData.FrameNumber != ch.lastApplied+1 {
			ch.stats.Dropped++
			return fmt.Errorf(
				"%w: frame=%d, lastApplied=%d",
				ErrFrameOutOfOrder,
				syncData.FrameNumber,
				ch.lastApplied,
			)
		}

		ch.lastApplied = syncData.FrameNumber
		return nil
	}()
	if err != nil {
		log.Printf("%s: %s: dropping sync data, %s", ch.options.LogPrefix, from.Descriptor(), err.Error())
		return err
	}

	var rejectErr error
	err = ch.options.Codec.Decode(syncData.Blob)
	if err != nil {
		rejectErr = fmt.Errorf("%s: frame=%d, %w: %w", ch.options.LogPrefix, syncData.FrameNumber, ErrDecodeRejected, err)
		log.Printf("%s", rejectErr.Error())
	}

	func() {
		ch.mutex.Lock()
		defer ch.mutex.Unlock()

		if rejectErr != nil {
			ch.stats.Rejected++
		} else {
			ch.stats.Applied++
		}
	}()

	ch.options.Barrier.Acknowledge(ch.options.MasterIndex, syncData.FrameNumber)

	if ch.options.LogDebug {
		log.Printf("%s: %s: frame=%d applied, %d bytes", ch.options.LogPrefix, from.Descriptor(), syncData.FrameNumber, len(syncData.Blob))
	}

	return rejectErr
}

// SendAck tells the master this client reached the boundary of frameNumber.
// Only the render goroutine calls it, after the frame was applied, so the
// master's barrier waits for client renders and not for packet arrival.
// invoked on render goroutine
func (ch *Channel) SendAck(to Peer, frameNumber uint64) error {
	if ch.options.Role != topology.RoleClient {
		return fmt.Errorf("%w: ack on %s", ErrWrongRole, ch.options.Role)
	}

	buf, err := wire.Marshal(
		m.KindSyncAck,
		&m.SyncAck{
			FrameNumber: frameNumber,
		},
	)
	if err == nil {
		err = to.Send(buf)
	}
	if err != nil {
		err = fmt.Errorf("%s: %s: failed to send sync ack for frame=%d, err=%w", ch.options.LogPrefix, to.Descriptor(), frameNumber, err)
		log.Printf("%s", err.Error())
		return err
	}

	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	ch.stats.Acked++
	return nil
}

// HandleSyncAck records a client's acknowledgment against the barrier.
// invoked on receive goroutine
func (ch *Channel) HandleSyncAck(from Peer, frame *wire.Frame) error {
	if ch.options.Role != topology.RoleMaster {
		return fmt.Errorf("%w: %s on %s", ErrWrongRole, frame.Kind, ch.options.Role)
	}
	if frame.Kind != m.KindSyncAck {
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, frame.Kind)
	}

	syncAck := new(m.SyncAck)
	err := wire.Unmarshal(frame, syncAck)
	if err != nil {
		log.Printf("%s: %s: %s", ch.options.LogPrefix, from.Descriptor(), err.Error())
		return err
	}

	// counted before the barrier can release on it
	publishedAt, found := func() (time.Time, bool) {
		ch.mutex.Lock()
		defer ch.mutex.Unlock()

		ch.stats.Acked++
		publishedAt, found := ch.publishedAt[syncAck.FrameNumber]
		return publishedAt, found
	}()

	counted := ch.options.Barrier.Acknowledge(from.PeerIndex(), syncAck.FrameNumber)
	if !found || !counted {
		return nil
	}

	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	loopTime := time.Since(publishedAt)
	ch.stats.LastLoopTime = loopTime
	if ch.stats.MinLoopTime == 0 || loopTime < ch.stats.MinLoopTime {
		ch.stats.MinLoopTime = loopTime
	}
	if loopTime > ch.stats.MaxLoopTime {
		ch.stats.MaxLoopTime = loopTime
	}

	if ch.options.LogDebug {
		log.Printf("%s: %s: frame=%d acked, loopTime=%v", ch.options.LogPrefix, from.Descriptor(), syncAck.FrameNumber, loopTime)
	}

	return nil
}
