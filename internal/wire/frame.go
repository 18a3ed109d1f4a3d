// Package wire implements the framed control protocol multiplexed over a
// single authorized client connection: a fixed 9-byte header followed by an
// opcode-specific payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Opcode identifies the kind of a Frame.
type Opcode uint8

const (
	TCPOpen   Opcode = 0x01
	TCPData   Opcode = 0x02
	TCPClose  Opcode = 0x03
	TCPStatus Opcode = 0x04
	UDPData   Opcode = 0x05
	UDPCtrl   Opcode = 0x06
	System    Opcode = 0x07
)

func (o Opcode) String() string {
	switch o {
	case TCPOpen:
		return "TCP_OPEN"
	case TCPData:
		return "TCP_DATA"
	case TCPClose:
		return "TCP_CLOSE"
	case TCPStatus:
		return "TCP_STATUS"
	case UDPData:
		return "UDP_DATA"
	case UDPCtrl:
		return "UDP_CTRL"
	case System:
		return "SYSTEM"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
	}
}

func (o Opcode) valid() bool {
	switch o {
	case TCPOpen, TCPData, TCPClose, TCPStatus, UDPData, UDPCtrl, System:
		return true
	default:
		return false
	}
}

// HeaderSize is the number of bytes preceding a Frame's payload.
const HeaderSize = 9

// DefaultMaxPayloadSize is 8 KiB, sufficient for EchoLink traffic; Codec
// instances may override it via NewCodec.
const DefaultMaxPayloadSize = 8192

// Frame is one message of the client-facing control protocol.
//
// DstIP is only meaningful for TCP_OPEN, UDP_DATA, UDP_CTRL and TCP_DATA
// sent to the client, where it carries the EchoLink peer address the
// payload should be routed to or was received from.
type Frame struct {
	Opcode  Opcode
	DstIP   net.IP
	Payload []byte
}

// ErrOversizeFrame is returned by Decode when a header declares a payload
// larger than the codec's configured ceiling.
var ErrOversizeFrame = errors.New("wire: frame payload exceeds maximum size")

// ErrUnknownOpcode is returned by Decode when a header names an opcode this
// protocol version doesn't define.
var ErrUnknownOpcode = errors.New("wire: unknown opcode")

// Codec encodes and decodes Frames against a configured maximum payload
// size. The zero value is not usable; construct with NewCodec.
type Codec struct {
	maxPayloadSize int
}

// NewCodec returns a Codec that rejects any frame whose declared payload
// exceeds maxPayloadSize. A non-positive size falls back to
// DefaultMaxPayloadSize.
func NewCodec(maxPayloadSize int) *Codec {
	if maxPayloadSize <= 0 {
		maxPayloadSize = DefaultMaxPayloadSize
	}
	return &Codec{maxPayloadSize: maxPayloadSize}
}

// Encode writes f to w in wire format: opcode (1 byte), destination address
// (4 bytes, network/big-endian order), payload size (4 bytes, little-endian),
// then the payload itself.
func (c *Codec) Encode(w io.Writer, f Frame) error {
	if !f.Opcode.valid() {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, uint8(f.Opcode))
	}
	if len(f.Payload) > c.maxPayloadSize {
		return fmt.Errorf("%w: %d > %d", ErrOversizeFrame, len(f.Payload), c.maxPayloadSize)
	}

	header := make([]byte, HeaderSize)
	header[0] = byte(f.Opcode)

	dst := f.DstIP.To4()
	if dst == nil {
		dst = make([]byte, 4)
	}
	copy(header[1:5], dst)

	binary.LittleEndian.PutUint32(header[5:9], uint32(len(f.Payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: writing header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("wire: writing payload: %w", err)
		}
	}
	return nil
}

// Decode reads exactly one Frame from r, blocking until the header and full
// payload have arrived or the underlying reader errors.
func (c *Codec) Decode(r io.Reader) (Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}

	opcode := Opcode(header[0])
	if !opcode.valid() {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, header[0])
	}

	dstIP := net.IPv4(header[1], header[2], header[3], header[4])
	size := binary.LittleEndian.Uint32(header[5:9])

	if int(size) > c.maxPayloadSize {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrOversizeFrame, size, c.maxPayloadSize)
	}

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: reading payload: %w", err)
		}
	}

	return Frame{Opcode: opcode, DstIP: dstIP, Payload: payload}, nil
}

// EncodeTCPStatus builds the 4-byte big-endian status payload used to answer
// a TCP_OPEN request: zero for success, otherwise an errno-shaped code.
func EncodeTCPStatus(code uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, code)
	return b
}

// System message codes carried as the single-byte payload of the two fixed
// SYSTEM frames the Client Worker sends on a failed handshake. Encoding a SYSTEM
// Frame with DstIP unset and one of these as Payload reproduces the wire
// bytes "07 00 00 00 00 01 00 00 00 0N" exactly.
const (
	SystemBadPassword   byte = 0x01
	SystemNotAuthorized byte = 0x02
)
