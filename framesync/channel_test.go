package framesync

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Meander-Cloud/go-framelock/barrier"
	m "github.com/Meander-Cloud/go-framelock/message"
	"github.com/Meander-Cloud/go-framelock/net/wire"
	"github.com/Meander-Cloud/go-framelock/topology"
)

type sharedState struct {
	X int `msgpack:"x"`
}

type stateCodec struct {
	state      sharedState
	failDecode bool
}

func (c *stateCodec) Encode() ([]byte, error) {
	return msgpack.Marshal(&c.state)
}

func (c *stateCodec) Decode(blob []byte) error {
	if c.failDecode {
		return errors.New("corrupt state")
	}
	return msgpack.Unmarshal(blob, &c.state)
}

type fakePeer struct {
	index int

	mutex sync.Mutex
	sent  [][]byte
	err   error
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

	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, buf)
	return nil
}

func (p *fakePeer) frames(t *testing.T) []*wire.Frame {
	t.Helper()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	var frames []*wire.Frame
	for _, buf := range p.sent {
		frame, err := wire.NewDecoder(bytes.NewReader(buf), wire.DefaultMaxPayloadLen).Decode()
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

type ackRecorder struct {
	mutex sync.Mutex
	acks  []uint64
}

func (r *ackRecorder) Acknowledge(_ int, frameNumber uint64) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.acks = append(r.acks, frameNumber)
	return true
}

func syncDataFrame(t *testing.T, frameNumber uint64, blob []byte) *wire.Frame {
	t.Helper()

	buf, err := wire.Marshal(m.KindSyncData, &m.SyncData{FrameNumber: frameNumber, Blob: blob})
	require.NoError(t, err)
	frame, err := wire.NewDecoder(bytes.NewReader(buf), wire.DefaultMaxPayloadLen).Decode()
	require.NoError(t, err)
	return frame
}

func newClientChannel(codec Codec, ack Acknowledger) *Channel {
	return NewChannel(
		&Options{
			Role:        topology.RoleClient,
			MasterIndex: 0,
			Codec:       codec,
			Barrier:     ack,
			LogPrefix:   "test-client",
		},
	)
}

func TestClientAppliesOnlyNextFrame(t *testing.T) {
	codec := &stateCodec{}
	acks := &ackRecorder{}
	ch := newClientChannel(codec, acks)
	master := &fakePeer{index: 0}

	blob, err := msgpack.Marshal(&sharedState{X: 1})
	require.NoError(t, err)

	require.NoError(t, ch.HandleSyncData(master, syncDataFrame(t, 1, blob)))
	assert.ErrorIs(t, ch.HandleSyncData(master, syncDataFrame(t, 1, blob)), ErrFrameOutOfOrder)
	assert.ErrorIs(t, ch.HandleSyncData(master, syncDataFrame(t, 3, blob)), ErrFrameOutOfOrder)
	require.NoError(t, ch.HandleSyncData(master, syncDataFrame(t, 2, blob)))

	assert.Equal(t, uint64(2), ch.LastApplied())
	assert.Equal(t, []uint64{1, 2}, acks.acks)

	stats := ch.Stats()
	assert.Equal(t, uint64(2), stats.Applied)
	assert.Equal(t, uint64(2), stats.Dropped)

	// receipt alone never answers the master
	assert.Empty(t, master.frames(t))
	assert.Equal(t, uint64(0), stats.Acked)
}

func TestSendAckFromRenderSide(t *testing.T) {
	ch := newClientChannel(&stateCodec{}, &ackRecorder{})
	master := &fakePeer{index: 0}

	require.NoError(t, ch.SendAck(master, 1))
	require.NoError(t, ch.SendAck(master, 2))

	frames := master.frames(t)
	require.Len(t, frames, 2)
	for i, frame := range frames {
		assert.Equal(t, m.KindSyncAck, frame.Kind)
		syncAck := new(m.SyncAck)
		require.NoError(t, wire.Unmarshal(frame, syncAck))
		assert.Equal(t, uint64(i+1), syncAck.FrameNumber)
	}
	assert.Equal(t, uint64(2), ch.Stats().Acked)

	broken := &fakePeer{index: 0, err: errors.New("closed")}
	assert.Error(t, ch.SendAck(broken, 3))
	assert.Equal(t, uint64(2), ch.Stats().Acked)
}

func TestDecodeRejectedKeepsPreviousState(t *testing.T) {
	codec := &stateCodec{state: sharedState{X: 7}, failDecode: true}
	acks := &ackRecorder{}
	ch := newClientChannel(codec, acks)
	master := &fakePeer{index: 0}

	blob, err := msgpack.Marshal(&sharedState{X: 99})
	require.NoError(t, err)

	err = ch.HandleSyncData(master, syncDataFrame(t, 1, blob))
	assert.ErrorIs(t, err, ErrDecodeRejected)
	assert.Equal(t, 7, codec.state.X)
	assert.Equal(t, uint64(1), ch.Stats().Rejected)

	// the frame boundary still counts so later frames are not dropped
	assert.Equal(t, uint64(1), ch.LastApplied())
	assert.Equal(t, []uint64{1}, acks.acks)

	codec.failDecode = false
	require.NoError(t, ch.HandleSyncData(master, syncDataFrame(t, 2, blob)))
	assert.Equal(t, 99, codec.state.X)
}

func TestResetRebasesClient(t *testing.T) {
	ch := newClientChannel(&stateCodec{}, &ackRecorder{})
	master := &fakePeer{index: 0}

	ch.Reset(41)
	blob, err := msgpack.Marshal(&sharedState{X: 1})
	require.NoError(t, err)

	assert.ErrorIs(t, ch.HandleSyncData(master, syncDataFrame(t, 1, blob)), ErrFrameOutOfOrder)
	require.NoError(t, ch.HandleSyncData(master, syncDataFrame(t, 42, blob)))
}

func TestRoleChecks(t *testing.T) {
	client := newClientChannel(&stateCodec{}, &ackRecorder{})
	_, err := client.Publish(1, nil)
	assert.ErrorIs(t, err, ErrWrongRole)
	assert.ErrorIs(t, client.HandleSyncAck(&fakePeer{}, syncDataFrame(t, 1, nil)), ErrWrongRole)

	master := NewChannel(&Options{Role: topology.RoleMaster, Codec: &stateCodec{}, Barrier: &ackRecorder{}, LogPrefix: "test-master"})
	assert.ErrorIs(t, master.HandleSyncData(&fakePeer{}, syncDataFrame(t, 1, nil)), ErrWrongRole)
	assert.ErrorIs(t, master.SendAck(&fakePeer{}, 1), ErrWrongRole)
}

func TestPublishSendFailureDoesNotFail(t *testing.T) {
	codec := &stateCodec{state: sharedState{X: 3}}
	master := NewChannel(&Options{Role: topology.RoleMaster, Codec: codec, Barrier: &ackRecorder{}, LogPrefix: "test-master"})

	broken := &fakePeer{index: 1, err: errors.New("closed")}
	healthy := &fakePeer{index: 2}

	snapshot, err := master.Publish(1, []Peer{broken, healthy})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snapshot.FrameNumber)
	assert.Equal(t, uint64(1), master.LastPublished())
	assert.Len(t, healthy.frames(t), 1)
}

// master publishes {x:5} at frame 10 to two clients, both decode it, both
// render loops pass their barrier and ack, and the master barrier releases
func TestRoundTripTwoClients(t *testing.T) {
	masterCodec := &stateCodec{state: sharedState{X: 5}}
	masterBarrier := barrier.NewBarrier(&barrier.Options{LogPrefix: "test-master"})
	master := NewChannel(
		&Options{
			Role:        topology.RoleMaster,
			MasterIndex: 0,
			Codec:       masterCodec,
			Barrier:     masterBarrier,
			LogPrefix:   "test-master",
		},
	)

	type client struct {
		codec   *stateCodec
		barrier *barrier.Barrier
		channel *Channel
		toPeer  *fakePeer // client's view of the master link
		fromMe  *fakePeer // master's view of the client link
	}

	var clients []*client
	for index := 1; index <= 2; index++ {
		c := &client{
			codec:   &stateCodec{},
			barrier: barrier.NewBarrier(&barrier.Options{LogPrefix: "test-client"}),
			toPeer:  &fakePeer{index: 0},
			fromMe:  &fakePeer{index: index},
		}
		c.channel = newClientChannel(c.codec, c.barrier)
		c.channel.Reset(9)
		require.NoError(t, c.barrier.Arm(10, []int{0}, barrier.ModeFirm, time.Second))
		clients = append(clients, c)
	}

	require.NoError(t, masterBarrier.Arm(10, []int{1, 2}, barrier.ModeFirm, time.Second))
	_, err := master.Publish(10, []Peer{clients[0].fromMe, clients[1].fromMe})
	require.NoError(t, err)

	for _, c := range clients {
		frames := c.fromMe.frames(t)
		require.Len(t, frames, 1)
		require.NoError(t, c.channel.HandleSyncData(c.toPeer, frames[0]))
		assert.Equal(t, 5, c.codec.state.X)

		r, err := c.barrier.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, barrier.OutcomeReleased, r.Outcome)
		require.NoError(t, c.channel.SendAck(c.toPeer, r.FrameNumber))

		acks := c.toPeer.frames(t)
		require.Len(t, acks, 1)
		require.NoError(t, master.HandleSyncAck(c.fromMe, acks[0]))
	}

	r, err := masterBarrier.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, barrier.OutcomeReleased, r.Outcome)
	assert.Equal(t, uint64(10), r.FrameNumber)

	stats := master.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(2), stats.Acked)
	assert.LessOrEqual(t, stats.MinLoopTime, stats.MaxLoopTime)
	assert.Greater(t, stats.MaxLoopTime, time.Duration(0))
}
