package protocol_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blukai/vurcon/internal/protocol"
	"github.com/matryer/is"
)

func mustMarshal(t *testing.T, packet *protocol.Packet) []byte {
	t.Helper()

	data, err := packet.MarshalBinary()
	if err != nil {
		t.Fatalf("could not marshal packet: %v", err)
	}
	return data
}

func TestFramerWholeFrames(t *testing.T) {
	is := is.New(t)

	first := protocol.NewPacket(protocol.NewSequence(1, protocol.OriginClient, protocol.DirectionResponse), "OK")
	second := protocol.NewPacket(protocol.NewSequence(2, protocol.OriginServer, protocol.DirectionRequest), "server.onRoundOver", "1")

	stream := append(mustMarshal(t, first), mustMarshal(t, second)...)

	framer := protocol.NewFramer(0)
	_, err := framer.Write(stream)
	is.NoErr(err)

	got, err := framer.Next()
	is.NoErr(err)
	is.Equal(*got, *first)

	got, err = framer.Next()
	is.NoErr(err)
	is.Equal(*got, *second)

	got, err = framer.Next()
	is.NoErr(err)
	is.True(got == nil)
	is.Equal(framer.Buffered(), 0)
}

func TestFramerByteAtATime(t *testing.T) {
	is := is.New(t)

	original := protocol.NewPacket(
		protocol.NewSequence(7, protocol.OriginClient, protocol.DirectionResponse),
		"OK", "Venice Unleashed", "32",
	)
	data := mustMarshal(t, original)

	framer := protocol.NewFramer(0)
	for i, b := range data {
		_, err := framer.Write([]byte{b})
		is.NoErr(err)

		got, err := framer.Next()
		is.NoErr(err)
		if i < len(data)-1 {
			is.True(got == nil)
			continue
		}
		is.Equal(*got, *original)
	}
	is.Equal(framer.Buffered(), 0)
}

func TestFramerSplitAcrossFrames(t *testing.T) {
	is := is.New(t)

	packets := []*protocol.Packet{
		protocol.NewPacket(protocol.NewSequence(1, protocol.OriginClient, protocol.DirectionResponse), "OK"),
		protocol.NewPacket(protocol.NewSequence(2, protocol.OriginClient, protocol.DirectionResponse), "OK", "a", "b"),
		protocol.NewPacket(protocol.NewSequence(3, protocol.OriginClient, protocol.DirectionResponse), "InvalidArguments"),
	}
	var stream []byte
	for _, packet := range packets {
		stream = append(stream, mustMarshal(t, packet)...)
	}

	framer := protocol.NewFramer(0)
	var got []*protocol.Packet
	// chunks that never line up with frame boundaries
	for len(stream) > 0 {
		n := min(7, len(stream))
		_, err := framer.Write(stream[:n])
		is.NoErr(err)
		stream = stream[n:]

		for {
			packet, err := framer.Next()
			is.NoErr(err)
			if packet == nil {
				break
			}
			got = append(got, packet)
		}
	}

	is.Equal(len(got), len(packets))
	for i := range packets {
		is.Equal(*got[i], *packets[i])
	}
}

func TestFramerRejectsOversizedFrame(t *testing.T) {
	is := is.New(t)

	header := make([]byte, protocol.HeaderSize)
	binary.LittleEndian.PutUint32(header[4:8], 1<<20)

	framer := protocol.NewFramer(protocol.MaxPacketSize)
	_, err := framer.Write(header)
	is.NoErr(err)

	// rejected right after the header, without waiting for the body
	_, err = framer.Next()
	is.True(errors.Is(err, protocol.ErrMalformedHeader))

	// the stream stays broken
	_, err = framer.Next()
	is.True(errors.Is(err, protocol.ErrMalformedHeader))
	_, err = framer.Write([]byte{0})
	is.True(errors.Is(err, protocol.ErrMalformedHeader))
}

func TestFramerRejectsUndersizedFrame(t *testing.T) {
	is := is.New(t)

	header := make([]byte, protocol.HeaderSize)
	binary.LittleEndian.PutUint32(header[4:8], 3)

	framer := protocol.NewFramer(0)
	_, err := framer.Write(header)
	is.NoErr(err)

	_, err = framer.Next()
	is.True(errors.Is(err, protocol.ErrMalformedHeader))
}

func TestFramerCorruptBody(t *testing.T) {
	is := is.New(t)

	data := mustMarshal(t, protocol.NewPacket(protocol.Sequence{}, "abc"))
	data[len(data)-1] = 'x' // clobber the terminator

	framer := protocol.NewFramer(0)
	_, err := framer.Write(data)
	is.NoErr(err)

	_, err = framer.Next()
	is.True(errors.Is(err, protocol.ErrMalformedWord))
}
