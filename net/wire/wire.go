// Package wire frames messages exchanged between cluster nodes.
//
// Each frame is laid out as
//
//	0       - message kind
//	1,2,3,4 - payload length of type uint32, big endian byte order
//	5..     - payload
//	        - CRC-32 (IEEE) of the payload, big endian, for kinds carrying user data
//
// The checksum guards against corruption only, it is not an authentication code.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	m "github.com/Meander-Cloud/go-framelock/message"
)

const (
	HeaderLen   int = 5
	ChecksumLen int = 4

	// used when a decoder is built with a zero limit
	DefaultMaxPayloadLen uint32 = 4 * 1024 * 1024 // 4 MB
)

var ErrMalformedFrame = errors.New("malformed frame")

type Frame struct {
	Kind    m.Kind
	Payload []byte
}

// Encode returns the complete wire representation of one frame.
func Encode(kind m.Kind, payload []byte) ([]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: invalid kind=%d", ErrMalformedFrame, kind)
	}
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: payloadLen=%d exceeds uint32", ErrMalformedFrame, len(payload))
	}

	frameLen := HeaderLen + len(payload)
	if kind.HasChecksum() {
		frameLen += ChecksumLen
	}

	buf := make([]byte, frameLen)
	buf[0] = byte(kind)
	binary.BigEndian.PutUint32(buf[1:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)

	if kind.HasChecksum() {
		binary.BigEndian.PutUint32(buf[HeaderLen+len(payload):], crc32.ChecksumIEEE(payload))
	}

	return buf, nil
}

// Marshal encodes messageStruct with msgpack and frames it as kind.
// A nil messageStruct produces an empty payload.
func Marshal(kind m.Kind, messageStruct any) ([]byte, error) {
	if messageStruct == nil {
		return Encode(kind, nil)
	}

	buffer := new(bytes.Buffer)
	err := msgpack.NewEncoder(buffer).Encode(messageStruct)
	if err != nil {
		return nil, fmt.Errorf("msgpack failed to encode %s, err=%w", kind, err)
	}

	return Encode(kind, buffer.Bytes())
}

// Unmarshal decodes the msgpack payload of frame into messageStruct.
func Unmarshal(frame *Frame, messageStruct any) error {
	err := msgpack.Unmarshal(frame.Payload, messageStruct)
	if err != nil {
		return fmt.Errorf("%w: msgpack failed to decode %s payload, err=%s", ErrMalformedFrame, frame.Kind, err.Error())
	}
	return nil
}

type Decoder struct {
	r             io.Reader
	maxPayloadLen uint32
	header        [HeaderLen]byte
	checksum      [ChecksumLen]byte
}

func NewDecoder(r io.Reader, maxPayloadLen uint32) *Decoder {
	if maxPayloadLen == 0 {
		maxPayloadLen = DefaultMaxPayloadLen
	}

	return &Decoder{
		r:             r,
		maxPayloadLen: maxPayloadLen,
	}
}

// Decode blocks until one full frame has been read.
// A clean close before the first header byte is reported as io.EOF.
func (d *Decoder) Decode() (*Frame, error) {
	_, err := io.ReadFull(d.r, d.header[:])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header, err=%s", ErrMalformedFrame, err.Error())
		}
		return nil, err
	}

	kind := m.Kind(d.header[0])
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind in header bytes %X", ErrMalformedFrame, d.header[:])
	}

	payloadLen := binary.BigEndian.Uint32(d.header[1:HeaderLen])
	if payloadLen > d.maxPayloadLen {
		return nil, fmt.Errorf("%w: payloadLen=%d in header bytes %X is too large, max=%d", ErrMalformedFrame, payloadLen, d.header[:], d.maxPayloadLen)
	}

	payload := make([]byte, payloadLen)
	_, err = io.ReadFull(d.r, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %d payload bytes, err=%s", ErrMalformedFrame, payloadLen, err.Error())
	}

	if kind.HasChecksum() {
		_, err = io.ReadFull(d.r, d.checksum[:])
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read checksum, err=%s", ErrMalformedFrame, err.Error())
		}

		expected := binary.BigEndian.Uint32(d.checksum[:])
		actual := crc32.ChecksumIEEE(payload)
		if expected != actual {
			return nil, fmt.Errorf("%w: %s checksum mismatch, expected=%08X, actual=%08X", ErrMalformedFrame, kind, expected, actual)
		}
	}

	return &Frame{
		Kind:    kind,
		Payload: payload,
	}, nil
}
