package protocol

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/blukai/vurcon/internal/debug"
)

// Packet is a single rcon frame. Words[0] is the command (or the status for
// responses), the rest are positional arguments; order matters.
type Packet struct {
	Header Header
	Words  []string
}

var (
	_ encoding.BinaryMarshaler   = (*Packet)(nil)
	_ encoding.BinaryUnmarshaler = (*Packet)(nil)
)

func NewPacket(seq Sequence, words ...string) *Packet {
	return &Packet{
		Header: Header{Sequence: seq},
		Words:  words,
	}
}

// MarshalBinary validates all of the words before anything is encoded, then
// fills in Header.Size and Header.WordCount and returns the frame.
func (p *Packet) MarshalBinary() ([]byte, error) {
	size := HeaderSize
	for i, word := range p.Words {
		if err := ValidateWord(word); err != nil {
			return nil, fmt.Errorf("could not validate word %d: %w", i, err)
		}
		size += WordSize(word)
	}
	if size > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPacketTooLarge, size, MaxPacketSize)
	}

	p.Header.Size = uint32(size)
	p.Header.WordCount = uint32(len(p.Words))

	data := make([]byte, HeaderSize, size)
	p.Header.put(data)
	for _, word := range p.Words {
		data = appendWord(data, word)
	}
	debug.Assertf(len(data) == size, "encoded %d bytes; computed %d", len(data), size)

	return data, nil
}

// UnmarshalBinary expects data to hold exactly one frame.
func (p *Packet) UnmarshalBinary(data []byte) error {
	header := Header{}
	if err := header.UnmarshalBinary(data); err != nil {
		return err
	}
	if header.Size < HeaderSize {
		return fmt.Errorf("%w: size %d is smaller than header", ErrMalformedHeader, header.Size)
	}

	var words []string
	if header.WordCount > 0 {
		// word count comes from the peer, don't trust it for allocation.
		words = make([]string, 0, min(int(header.WordCount), (len(data)-HeaderSize)/wordOverhead))
	}

	off := HeaderSize
	for i := uint32(0); i < header.WordCount; i++ {
		word, n, err := DecodeWord(data[off:])
		if errors.Is(err, ErrShortWord) {
			return fmt.Errorf("%w: decoded %d of %d words", ErrWordCountMismatch, i, header.WordCount)
		}
		if err != nil {
			return fmt.Errorf("could not decode word %d: %w", i, err)
		}
		words = append(words, word)
		off += n
	}

	if off != int(header.Size) || off != len(data) {
		return fmt.Errorf(
			"%w: consumed %d bytes; header says %d, frame has %d",
			ErrSizeMismatch, off, header.Size, len(data),
		)
	}

	p.Header = header
	p.Words = words

	return nil
}

// Command returns the first word or an empty string for empty packets.
func (p *Packet) Command() string {
	if len(p.Words) == 0 {
		return ""
	}
	return p.Words[0]
}
