package protocol

import (
	"encoding"
	"fmt"

	"github.com/blukai/vurcon/internal/byteorder"
	"github.com/blukai/vurcon/internal/debug"
)

const (
	HeaderSize = 12 // sequence (4) + size (4) + word count (4) = 12

	// MaxPacketSize is the largest frame (header included) we produce or
	// accept by default. venice unleashed caps rcon packets at 16k.
	MaxPacketSize = 16 << 10

	DefaultPort = 47200
)

const (
	OriginShift  = 31
	RequestShift = 30

	SequenceIDMask    uint32 = ^uint32(3 << RequestShift) // 0x3FFFFFFF
	SequenceFlagsMask uint32 = ^SequenceIDMask            // 0xC0000000
)

type Origin uint8

const (
	OriginServer Origin = iota
	OriginClient
)

func (o Origin) String() string {
	if o == OriginClient {
		return "client"
	}
	return "server"
}

type Direction uint8

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

func (d Direction) String() string {
	if d == DirectionResponse {
		return "response"
	}
	return "request"
}

// Sequence is the packed first word of every header:
//
//	bit  31     origin (0 = server, 1 = client)
//	bit  30     direction (0 = request, 1 = response)
//	bits 29..0  sequence id
//
// the packed integer stays private so that call sites can't flip bits they
// don't own.
type Sequence struct {
	raw uint32
}

func NewSequence(id uint32, origin Origin, direction Direction) Sequence {
	s := Sequence{}
	s.SetID(id)
	s.SetOrigin(origin)
	s.SetDirection(direction)
	return s
}

func (s Sequence) ID() uint32 {
	return s.raw & SequenceIDMask
}

// SetID replaces the low 30 bits. ids above SequenceIDMask wrap to 0.
func (s *Sequence) SetID(id uint32) {
	if id > SequenceIDMask {
		id = 0
	}
	s.raw = (s.raw & SequenceFlagsMask) | id
}

func (s Sequence) Origin() Origin {
	if s.raw&(1<<OriginShift) == 0 {
		return OriginServer
	}
	return OriginClient
}

func (s *Sequence) SetOrigin(origin Origin) {
	s.raw &^= 1 << OriginShift
	if origin == OriginClient {
		s.raw |= 1 << OriginShift
	}
}

func (s Sequence) Direction() Direction {
	if s.raw&(1<<RequestShift) == 0 {
		return DirectionRequest
	}
	return DirectionResponse
}

func (s *Sequence) SetDirection(direction Direction) {
	s.raw &^= 1 << RequestShift
	if direction == DirectionResponse {
		s.raw |= 1 << RequestShift
	}
}

func (s Sequence) IsRequest() bool  { return s.Direction() == DirectionRequest }
func (s Sequence) IsResponse() bool { return s.Direction() == DirectionResponse }

// Response returns the sequence a peer answers s with: same id, same origin,
// direction flipped to response.
func (s Sequence) Response() Sequence {
	s.SetDirection(DirectionResponse)
	return s
}

func (s Sequence) String() string {
	return fmt.Sprintf("%s/%s/%d", s.Origin(), s.Direction(), s.ID())
}

type Header struct {
	Sequence Sequence
	// Size is the length of the whole packet (header included) in bytes.
	Size      uint32
	WordCount uint32
}

var (
	_ encoding.BinaryMarshaler   = (*Header)(nil)
	_ encoding.BinaryUnmarshaler = (*Header)(nil)
)

func (h *Header) MarshalBinary() ([]byte, error) {
	data := make([]byte, HeaderSize)
	h.put(data)
	return data, nil
}

func (h *Header) put(data []byte) {
	debug.Assert(len(data) >= HeaderSize)

	byteorder.PutHtolel(data[0:4], h.Sequence.raw)
	byteorder.PutHtolel(data[4:8], h.Size)
	byteorder.PutHtolel(data[8:12], h.WordCount)
}

// UnmarshalBinary decodes the first HeaderSize bytes of data. it never waits
// for more input; buffering is the caller's job.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: got %d bytes; want >= %d", ErrMalformedHeader, len(data), HeaderSize)
	}

	h.Sequence.raw = byteorder.Letohl(data[0:4])
	h.Size = byteorder.Letohl(data[4:8])
	h.WordCount = byteorder.Letohl(data[8:12])

	return nil
}
