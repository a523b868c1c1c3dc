package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "github.com/Meander-Cloud/go-framelock/message"
)

func TestEncodeLayout(t *testing.T) {
	buf, err := Encode(m.KindSyncAck, []byte{0xAA, 0xBB})
	require.NoError(t, err)

	assert.Equal(t, []byte{byte(m.KindSyncAck), 0x00, 0x00, 0x00, 0x02, 0xAA, 0xBB}, buf)
}

func TestEncodeAppendsChecksumForDataPackage(t *testing.T) {
	payload := []byte("chunk")
	buf, err := Encode(m.KindDataPackage, payload)
	require.NoError(t, err)

	require.Len(t, buf, HeaderLen+len(payload)+ChecksumLen)
	assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(buf[1:HeaderLen]))
}

func TestEncodeRejectsInvalidKind(t *testing.T) {
	_, err := Encode(m.KindInvalid, nil)
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestDecodeSequence(t *testing.T) {
	stream := new(bytes.Buffer)
	for _, kind := range []m.Kind{m.KindHeartbeat, m.KindDataPackage, m.KindSyncData} {
		buf, err := Encode(kind, []byte(kind.String()))
		require.NoError(t, err)
		stream.Write(buf)
	}

	d := NewDecoder(stream, 0)
	for _, kind := range []m.Kind{m.KindHeartbeat, m.KindDataPackage, m.KindSyncData} {
		frame, err := d.Decode()
		require.NoError(t, err)
		assert.Equal(t, kind, frame.Kind)
		assert.Equal(t, kind.String(), string(frame.Payload))
	}

	_, err := d.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(m.KindDataPackage, []byte("payload"))
	require.NoError(t, err)

	corrupt := bytes.Clone(valid)
	corrupt[HeaderLen] ^= 0xFF

	oversized := []byte{byte(m.KindSyncData), 0x00, 0x01, 0x00, 0x00}

	tests := []struct {
		name  string
		input []byte
	}{
		{"unknown kind", []byte{0x7F, 0x00, 0x00, 0x00, 0x00}},
		{"length above limit", oversized},
		{"checksum mismatch", corrupt},
		{"truncated header", []byte{byte(m.KindSyncAck), 0x00}},
		{"truncated payload", []byte{byte(m.KindSyncAck), 0x00, 0x00, 0x00, 0x04, 0x01}},
		{"missing checksum", valid[:len(valid)-ChecksumLen]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(bytes.NewReader(tt.input), 1024)
			_, err := d.Decode()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame), "err=%v", err)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	buf, err := Marshal(
		m.KindSyncData,
		&m.SyncData{
			FrameNumber: 10,
			Blob:        []byte(`{"x":5}`),
		},
	)
	require.NoError(t, err)

	frame, err := NewDecoder(bytes.NewReader(buf), 0).Decode()
	require.NoError(t, err)
	require.Equal(t, m.KindSyncData, frame.Kind)

	syncData := new(m.SyncData)
	require.NoError(t, Unmarshal(frame, syncData))
	assert.Equal(t, uint64(10), syncData.FrameNumber)
	assert.Equal(t, `{"x":5}`, string(syncData.Blob))
}

func TestMarshalNilIsEmptyPayload(t *testing.T) {
	buf, err := Marshal(m.KindHeartbeat, nil)
	require.NoError(t, err)
	assert.Len(t, buf, HeaderLen)
}

func TestUnmarshalGarbage(t *testing.T) {
	err := Unmarshal(&Frame{Kind: m.KindSyncAck, Payload: []byte{0xC1}}, new(m.SyncAck))
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}
