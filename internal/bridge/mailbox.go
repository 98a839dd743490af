package bridge

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

// Message types for the mailbox protocol.
const (
	MsgTypeNone   uint32 = 0
	MsgTypeRange  uint32 = 1
	MsgTypeResult uint32 = 2
	MsgTypeError  uint32 = 3
)

// Header offsets (first 16 bytes are header).
const (
	OffsetSeq       = 0  // uint32: request sequence, echoed by the fetcher
	OffsetLength    = 4  // uint32: payload length
	OffsetMsgType   = 8  // uint32: message type
	OffsetReserved  = 12 // uint32: reserved
	OffsetPayload   = 16 // payload starts here
	HeaderSize      = OffsetPayload
	DefaultBufferSz = 4 << 20
)

// Slot states.
const (
	StateIdle int32 = iota
	StateRequest
	StateResponse
)

// rangeHeaderSize is offset(int64) + length(int64) + key length(uint32).
const rangeHeaderSize = 20

var errPayloadTooLarge = errors.New("payload exceeds mailbox capacity")

// Mailbox is a single-slot request/response buffer shared by one requester
// and one fetcher. The state word is only ever accessed atomically; the
// buffer is written by whichever side the state hands ownership to.
type Mailbox struct {
	state atomic.Int32
	buf   []byte
}

// NewMailbox allocates a mailbox with room for payloadSize bytes.
func NewMailbox(payloadSize int) *Mailbox {
	if payloadSize < rangeHeaderSize+1 {
		payloadSize = DefaultBufferSz
	}
	return &Mailbox{buf: make([]byte, HeaderSize+payloadSize)}
}

// Capacity returns the payload capacity in bytes.
func (m *Mailbox) Capacity() int { return len(m.buf) - HeaderSize }

// State returns the current slot state.
func (m *Mailbox) State() int32 { return m.state.Load() }

// WriteHeader writes the message header.
func (m *Mailbox) WriteHeader(seq, payloadLen, msgType uint32) {
	binary.LittleEndian.PutUint32(m.buf[OffsetSeq:], seq)
	binary.LittleEndian.PutUint32(m.buf[OffsetLength:], payloadLen)
	binary.LittleEndian.PutUint32(m.buf[OffsetMsgType:], msgType)
	binary.LittleEndian.PutUint32(m.buf[OffsetReserved:], 0)
}

// ReadHeader returns the sequence, payload length and message type.
func (m *Mailbox) ReadHeader() (seq, payloadLen, msgType uint32) {
	return binary.LittleEndian.Uint32(m.buf[OffsetSeq:]),
		binary.LittleEndian.Uint32(m.buf[OffsetLength:]),
		binary.LittleEndian.Uint32(m.buf[OffsetMsgType:])
}

// WriteMessage writes a complete message and hands the slot over by storing
// the given state.
func (m *Mailbox) WriteMessage(seq, msgType uint32, payload []byte, state int32) error {
	if len(payload) > m.Capacity() {
		return errPayloadTooLarge
	}
	m.WriteHeader(seq, uint32(len(payload)), msgType)
	copy(m.buf[OffsetPayload:], payload)
	m.state.Store(state)
	return nil
}

// Payload returns a copy of the current payload.
func (m *Mailbox) Payload() []byte {
	_, n, _ := m.ReadHeader()
	if int(n) > m.Capacity() {
		n = uint32(m.Capacity())
	}
	out := make([]byte, n)
	copy(out, m.buf[OffsetPayload:OffsetPayload+int(n)])
	return out
}

// Release returns the slot to idle.
func (m *Mailbox) Release() { m.state.Store(StateIdle) }

// encodeRange builds a range request payload.
func encodeRange(key string, offset, length int64) []byte {
	p := make([]byte, rangeHeaderSize+len(key))
	binary.LittleEndian.PutUint64(p[0:], uint64(offset))
	binary.LittleEndian.PutUint64(p[8:], uint64(length))
	binary.LittleEndian.PutUint32(p[16:], uint32(len(key)))
	copy(p[rangeHeaderSize:], key)
	return p
}

// decodeRange parses a range request payload.
func decodeRange(p []byte) (key string, offset, length int64, err error) {
	if len(p) < rangeHeaderSize {
		return "", 0, 0, errors.New("short range request")
	}
	offset = int64(binary.LittleEndian.Uint64(p[0:]))
	length = int64(binary.LittleEndian.Uint64(p[8:]))
	n := int(binary.LittleEndian.Uint32(p[16:]))
	if rangeHeaderSize+n > len(p) {
		return "", 0, 0, errors.New("truncated key in range request")
	}
	return string(p[rangeHeaderSize : rangeHeaderSize+n]), offset, length, nil
}
