package transfer

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-framelock/arbiter"
	"github.com/Meander-Cloud/go-framelock/config"
	m "github.com/Meander-Cloud/go-framelock/message"
	"github.com/Meander-Cloud/go-framelock/net/wire"
)

// runs callbacks inline on the calling goroutine
type inlineDispatcher struct{}

func (inlineDispatcher) Dispatch(f func()) error {
	f()
	return nil
}

type recordingCallback struct {
	mutex    sync.Mutex
	received []*DataReceived
	complete []*DataComplete
	status   []*ConnectionStatus
}

func (r *recordingCallback) DataReceived(evt *DataReceived) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.received = append(r.received, evt)
}

func (r *recordingCallback) DataComplete(evt *DataComplete) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.complete = append(r.complete, evt)
}

func (r *recordingCallback) ConnectionStatus(evt *ConnectionStatus) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.status = append(r.status, evt)
}

type fakePeer struct {
	index int

	mutex sync.Mutex
	sent  [][]byte
}

func (p *fakePeer) PeerIndex() int {
	return p.index
}

func (p *fakePeer) Descriptor() string {
	return "fake"
}

func (p *fakePeer) Send(buf []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.sent = append(p.sent, buf)
	return nil
}

// drain returns and forgets every frame sent so far
func (p *fakePeer) drain(t *testing.T) []*wire.Frame {
	t.Helper()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	var frames []*wire.Frame
	for _, buf := range p.sent {
		frame, err := wire.NewDecoder(bytes.NewReader(buf), wire.DefaultMaxPayloadLen).Decode()
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	p.sent = nil
	return frames
}

func newTestChannel(selfIndex int, chunkSize int) (*Channel, *recordingCallback) {
	cb := &recordingCallback{}
	ch := NewChannel(
		&Options{
			SelfIndex:  selfIndex,
			ChunkSize:  chunkSize,
			MaxChunks:  64,
			Dispatcher: inlineDispatcher{},
			Callback:   cb,
			LogPrefix:  "test",
		},
	)
	return ch, cb
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()

	payload := make([]byte, n)
	_, err := rand.New(rand.NewSource(int64(n))).Read(payload)
	require.NoError(t, err)
	return payload
}

func TestChunkedTransfer(t *testing.T) {
	const mb = 1024 * 1024

	sender, senderCB := newTestChannel(0, mb)
	receiver, receiverCB := newTestChannel(1, mb)

	toReceiver := &fakePeer{index: 1}
	toSender := &fakePeer{index: 0}
	sender.Attach(toReceiver)
	receiver.Attach(toSender)

	payload := randomPayload(t, 10*mb)
	packageID, err := sender.Transfer(payload)
	require.NoError(t, err)
	assert.Equal(t, int32(1), packageID)
	assert.Equal(t, 1, sender.Pending())

	frames := toReceiver.drain(t)
	require.Len(t, frames, 10)
	for _, frame := range frames {
		assert.Equal(t, m.KindDataPackage, frame.Kind)
		require.NoError(t, receiver.HandleFrame(toSender, frame))
	}

	require.Len(t, receiverCB.received, 1)
	assert.Equal(t, packageID, receiverCB.received[0].PackageID)
	assert.Equal(t, 0, receiverCB.received[0].SenderIndex)
	assert.True(t, bytes.Equal(payload, receiverCB.received[0].Payload))

	acks := toSender.drain(t)
	require.Len(t, acks, 1)
	assert.Equal(t, m.KindDataAck, acks[0].Kind)

	require.NoError(t, sender.HandleFrame(toReceiver, acks[0]))
	// duplicate ack after completion
	require.NoError(t, sender.HandleFrame(toReceiver, acks[0]))

	require.Len(t, senderCB.complete, 1)
	assert.Equal(t, packageID, senderCB.complete[0].PackageID)
	assert.Equal(t, 0, sender.Pending())
}

func TestOutOfOrderChunksReassembleBySeq(t *testing.T) {
	sender, _ := newTestChannel(0, 4)
	receiver, receiverCB := newTestChannel(1, 4)

	toReceiver := &fakePeer{index: 1}
	toSender := &fakePeer{index: 0}
	sender.Attach(toReceiver)

	payload := []byte("abcdefghijklmnopqr")
	_, err := sender.Transfer(payload)
	require.NoError(t, err)

	frames := toReceiver.drain(t)
	require.Len(t, frames, 5)
	for i := len(frames) - 1; i >= 0; i-- {
		require.NoError(t, receiver.HandleFrame(toSender, frames[i]))
	}
	// repeated chunk is not delivered twice
	require.NoError(t, receiver.HandleFrame(toSender, frames[0]))

	require.Len(t, receiverCB.received, 1)
	assert.Equal(t, payload, receiverCB.received[0].Payload)
}

func TestEmptyPayload(t *testing.T) {
	sender, _ := newTestChannel(0, 16)
	receiver, receiverCB := newTestChannel(1, 16)

	toReceiver := &fakePeer{index: 1}
	sender.Attach(toReceiver)

	_, err := sender.Transfer(nil)
	require.NoError(t, err)

	frames := toReceiver.drain(t)
	require.Len(t, frames, 1)
	require.NoError(t, receiver.HandleFrame(&fakePeer{index: 0}, frames[0]))
	require.Len(t, receiverCB.received, 1)
	assert.Empty(t, receiverCB.received[0].Payload)
}

func TestCompletionNeedsEveryPeer(t *testing.T) {
	sender, senderCB := newTestChannel(0, 16)

	peer1 := &fakePeer{index: 1}
	peer2 := &fakePeer{index: 2}
	sender.Attach(peer1)
	sender.Attach(peer2)
	assert.Equal(t, []int{1, 2}, sender.Peers())

	packageID, err := sender.Transfer([]byte("payload"))
	require.NoError(t, err)

	ackBuf, err := wire.Marshal(m.KindDataAck, &m.DataAck{PackageID: packageID})
	require.NoError(t, err)
	ack, err := wire.NewDecoder(bytes.NewReader(ackBuf), 0).Decode()
	require.NoError(t, err)

	require.NoError(t, sender.HandleFrame(peer1, ack))
	require.NoError(t, sender.HandleFrame(peer1, ack))
	assert.Empty(t, senderCB.complete)
	assert.Equal(t, 1, sender.Pending())

	require.NoError(t, sender.HandleFrame(peer2, ack))
	require.Len(t, senderCB.complete, 1)

	// unknown package
	unknownBuf, err := wire.Marshal(m.KindDataAck, &m.DataAck{PackageID: 999})
	require.NoError(t, err)
	unknown, err := wire.NewDecoder(bytes.NewReader(unknownBuf), 0).Decode()
	require.NoError(t, err)
	require.NoError(t, sender.HandleFrame(peer2, unknown))
	assert.Len(t, senderCB.complete, 1)
}

func ackFrame(t *testing.T, packageID int32) *wire.Frame {
	t.Helper()

	buf, err := wire.Marshal(m.KindDataAck, &m.DataAck{PackageID: packageID})
	require.NoError(t, err)
	frame, err := wire.NewDecoder(bytes.NewReader(buf), 0).Decode()
	require.NoError(t, err)
	return frame
}

func TestAckFromNodeOutsideTargetsIgnored(t *testing.T) {
	sender, senderCB := newTestChannel(0, 16)

	peer1 := &fakePeer{index: 1}
	peer2 := &fakePeer{index: 2}
	sender.Attach(peer1)
	sender.Attach(peer2)

	packageID, err := sender.TransferTo(1, []byte("only one"))
	require.NoError(t, err)

	require.NoError(t, sender.HandleFrame(peer2, ackFrame(t, packageID)))
	assert.Empty(t, senderCB.complete)
	assert.Equal(t, 1, sender.Pending())

	require.NoError(t, sender.HandleFrame(peer1, ackFrame(t, packageID)))
	require.Len(t, senderCB.complete, 1)
	assert.Equal(t, packageID, senderCB.complete[0].PackageID)
	assert.Equal(t, 0, sender.Pending())
}

func TestDetachKeepsPackageTargets(t *testing.T) {
	sender, senderCB := newTestChannel(0, 16)

	peer1 := &fakePeer{index: 1}
	peer2 := &fakePeer{index: 2}
	sender.Attach(peer1)
	sender.Attach(peer2)

	packageID, err := sender.Transfer([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, sender.HandleFrame(peer1, ackFrame(t, packageID)))

	// node2 leaving does not shrink the set the package waits on
	sender.Detach(peer2)
	assert.Empty(t, senderCB.complete)
	assert.Equal(t, 1, sender.Pending())

	rejoined := &fakePeer{index: 2}
	sender.Attach(rejoined)
	require.NoError(t, sender.HandleFrame(rejoined, ackFrame(t, packageID)))
	require.Len(t, senderCB.complete, 1)
	assert.Equal(t, 0, sender.Pending())
}

func TestReceiveWhileArbiterBusy(t *testing.T) {
	a := arbiter.NewArbiter(&config.Config{LogPrefix: "test"})
	defer a.Shutdown()

	cb := &recordingCallback{}
	receiver := NewChannel(
		&Options{
			SelfIndex:  1,
			ChunkSize:  16,
			MaxChunks:  64,
			Dispatcher: a,
			Callback:   cb,
			LogPrefix:  "test",
		},
	)
	toSender := &fakePeer{index: 0}
	receiver.Attach(toSender)

	// the application is slow in some earlier callback
	releasech := make(chan struct{})
	require.NoError(t, a.Dispatch(func() { <-releasech }))

	const count = 200
	for id := int32(1); id <= count; id++ {
		buf, err := wire.Marshal(
			m.KindDataPackage,
			&m.DataPackage{
				PackageID: id,
				Seq:       0,
				TotalSeq:  1,
				Chunk:     []byte("small"),
			},
		)
		require.NoError(t, err)
		frame, err := wire.NewDecoder(bytes.NewReader(buf), 0).Decode()
		require.NoError(t, err)
		require.NoError(t, receiver.HandleFrame(toSender, frame))
	}

	close(releasech)

	require.Eventually(
		t,
		func() bool {
			toSender.mutex.Lock()
			defer toSender.mutex.Unlock()
			return len(toSender.sent) == count
		},
		5*time.Second,
		10*time.Millisecond,
	)

	cb.mutex.Lock()
	assert.Len(t, cb.received, count)
	cb.mutex.Unlock()

	// every package acknowledged exactly once, in arrival order
	acks := toSender.drain(t)
	require.Len(t, acks, count)
	for i, frame := range acks {
		assert.Equal(t, m.KindDataAck, frame.Kind)
		dataAck := new(m.DataAck)
		require.NoError(t, wire.Unmarshal(frame, dataAck))
		assert.Equal(t, int32(i+1), dataAck.PackageID)
	}
}

func TestTransferToSingleNode(t *testing.T) {
	sender, _ := newTestChannel(0, 16)

	peer1 := &fakePeer{index: 1}
	peer2 := &fakePeer{index: 2}
	sender.Attach(peer1)
	sender.Attach(peer2)

	first, err := sender.TransferTo(2, []byte("only two"))
	require.NoError(t, err)
	assert.Empty(t, peer1.drain(t))
	assert.Len(t, peer2.drain(t), 1)

	_, err = sender.TransferTo(5, []byte("nobody"))
	assert.ErrorIs(t, err, ErrUnknownPeer)

	second, err := sender.Transfer([]byte("everyone"))
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestNoPeers(t *testing.T) {
	sender, _ := newTestChannel(0, 16)

	_, err := sender.Transfer([]byte("x"))
	assert.ErrorIs(t, err, ErrNoPeers)
	assert.Equal(t, 0, sender.Pending())
}

func TestTooManyChunks(t *testing.T) {
	sender, _ := newTestChannel(0, 1)
	sender.Attach(&fakePeer{index: 1})

	_, err := sender.Transfer(make([]byte, 65))
	assert.ErrorIs(t, err, ErrInvalidChunk)
}

func TestInvalidChunkRejected(t *testing.T) {
	receiver, receiverCB := newTestChannel(1, 16)

	for _, dp := range []*m.DataPackage{
		{PackageID: 1, Seq: 2, TotalSeq: 2},
		{PackageID: 2, Seq: 0, TotalSeq: 0},
		{PackageID: 3, Seq: 0, TotalSeq: 65},
	} {
		buf, err := wire.Marshal(m.KindDataPackage, dp)
		require.NoError(t, err)
		frame, err := wire.NewDecoder(bytes.NewReader(buf), 0).Decode()
		require.NoError(t, err)
		assert.ErrorIs(t, receiver.HandleFrame(&fakePeer{index: 0}, frame), ErrInvalidChunk)
	}
	assert.Empty(t, receiverCB.received)
}

func TestDetachDiscardsPartialPackages(t *testing.T) {
	sender, _ := newTestChannel(0, 2)
	receiver, receiverCB := newTestChannel(1, 2)

	toReceiver := &fakePeer{index: 1}
	sender.Attach(toReceiver)

	_, err := sender.Transfer([]byte("abcdef"))
	require.NoError(t, err)
	frames := toReceiver.drain(t)
	require.Len(t, frames, 3)

	oldSender := &fakePeer{index: 0}
	receiver.Attach(oldSender)
	require.NoError(t, receiver.HandleFrame(oldSender, frames[0]))
	require.NoError(t, receiver.HandleFrame(oldSender, frames[1]))

	// a stale connection does not detach the current one
	receiver.Detach(&fakePeer{index: 0})
	assert.Equal(t, []int{0}, receiver.Peers())

	receiver.Detach(oldSender)
	assert.Empty(t, receiver.Peers())

	newSender := &fakePeer{index: 0}
	receiver.Attach(newSender)
	require.NoError(t, receiver.HandleFrame(newSender, frames[2]))
	assert.Empty(t, receiverCB.received)

	require.Len(t, receiverCB.status, 3)
	assert.True(t, receiverCB.status[0].Connected)
	assert.False(t, receiverCB.status[1].Connected)
	assert.True(t, receiverCB.status[2].Connected)
	assert.Equal(t, 0, receiverCB.status[1].NodeIndex)
}

func TestUnexpectedKind(t *testing.T) {
	ch, _ := newTestChannel(0, 16)

	buf, err := wire.Encode(m.KindSyncAck, nil)
	require.NoError(t, err)
	frame, err := wire.NewDecoder(bytes.NewReader(buf), 0).Decode()
	require.NoError(t, err)

	assert.ErrorIs(t, ch.HandleFrame(&fakePeer{}, frame), ErrUnexpectedMessage)
}
