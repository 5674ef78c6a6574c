package protocol

import (
	"fmt"
)

// Framer cuts a byte stream into packets. socket reads go in through Write,
// complete packets come out of Next. framing state survives across writes, so
// a frame may arrive in any number of pieces.
//
// Framer is not safe for concurrent use; the connection's read loop owns it.
type Framer struct {
	buf []byte
	off int

	maxFrameSize int

	header     Header
	haveHeader bool

	err error
}

// NewFramer returns a Framer that refuses frames larger than maxFrameSize.
// a value <= 0 means MaxPacketSize.
func NewFramer(maxFrameSize int) *Framer {
	if maxFrameSize <= 0 {
		maxFrameSize = MaxPacketSize
	}
	return &Framer{maxFrameSize: maxFrameSize}
}

func (f *Framer) Write(p []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.compact()
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes that have not been consumed yet.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.off
}

// Next returns the next complete packet, or nil, nil when more bytes are
// needed. once Next has returned an error the stream is considered
// misaligned and every following call returns the same error.
func (f *Framer) Next() (*Packet, error) {
	if f.err != nil {
		return nil, f.err
	}

	pending := f.buf[f.off:]

	if !f.haveHeader {
		if len(pending) < HeaderSize {
			return nil, nil
		}
		if err := f.header.UnmarshalBinary(pending[:HeaderSize]); err != nil {
			return nil, f.fail(err)
		}
		// check the declared size before waiting for the body, otherwise a
		// corrupt peer could make us buffer up to 4g.
		if f.header.Size < HeaderSize || int64(f.header.Size) > int64(f.maxFrameSize) {
			return nil, f.fail(fmt.Errorf(
				"%w: frame size %d outside of [%d, %d]",
				ErrMalformedHeader, f.header.Size, HeaderSize, f.maxFrameSize,
			))
		}
		f.haveHeader = true
	}

	size := int(f.header.Size)
	if len(pending) < size {
		return nil, nil
	}

	packet := &Packet{}
	if err := packet.UnmarshalBinary(pending[:size]); err != nil {
		return nil, f.fail(err)
	}

	f.off += size
	f.haveHeader = false

	return packet, nil
}

func (f *Framer) fail(err error) error {
	f.err = err
	return err
}

// compact moves unread bytes to the front so that the buffer does not grow
// past one frame plus one read.
func (f *Framer) compact() {
	if f.off == 0 {
		return
	}
	n := copy(f.buf, f.buf[f.off:])
	f.buf = f.buf[:n]
	f.off = 0
}
