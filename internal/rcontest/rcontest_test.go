package rcontest_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/blukai/vurcon/internal/protocol"
	"github.com/blukai/vurcon/internal/rcontest"
	"github.com/matryer/is"
)

func roundTrip(t *testing.T, conn net.Conn, request *protocol.Packet) *protocol.Packet {
	t.Helper()
	is := is.New(t)

	data, err := request.MarshalBinary()
	is.NoErr(err)

	err = conn.SetWriteDeadline(time.Now().Add(time.Second))
	is.NoErr(err)
	_, err = conn.Write(data)
	is.NoErr(err)

	err = conn.SetReadDeadline(time.Now().Add(time.Second))
	is.NoErr(err)

	framer := protocol.NewFramer(0)
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		is.NoErr(err)
		_, err = framer.Write(buf[:n])
		is.NoErr(err)

		response, err := framer.Next()
		is.NoErr(err)
		if response != nil {
			return response
		}
	}
}

func TestEcho(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := rcontest.NewServer()
	is.NoErr(err)
	go server.Run(ctx)

	conn, err := net.Dial("tcp", server.Addr())
	is.NoErr(err)
	defer conn.Close()

	seq := protocol.NewSequence(42, protocol.OriginClient, protocol.DirectionRequest)
	response := roundTrip(t, conn, protocol.NewPacket(seq, "version", "VU"))

	is.Equal(response.Header.Sequence, seq.Response())
	is.Equal(response.Words, []string{"OK", "VU"})
}

func TestPasswordRequired(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := rcontest.NewServer(rcontest.WithPassword("hunter2"))
	is.NoErr(err)
	go server.Run(ctx)

	conn, err := net.Dial("tcp", server.Addr())
	is.NoErr(err)
	defer conn.Close()

	allocator := protocol.NewSequenceAllocator(0)

	response := roundTrip(t, conn, protocol.NewPacket(allocator.Next(), "serverInfo"))
	is.Equal(response.Words, []string{"LogInRequired"})

	response = roundTrip(t, conn, protocol.NewPacket(allocator.Next(), "login.plainText", "nope"))
	is.Equal(response.Words, []string{"InvalidPassword"})

	response = roundTrip(t, conn, protocol.NewPacket(allocator.Next(), "login.plainText", "hunter2"))
	is.Equal(response.Words, []string{"OK"})

	response = roundTrip(t, conn, protocol.NewPacket(allocator.Next(), "serverInfo"))
	is.Equal(response.Words, []string{"OK"})
}

func TestRunStopsOnCancel(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())

	server, err := rcontest.NewServer()
	is.NoErr(err)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(ctx) }()

	conn, err := net.Dial("tcp", server.Addr())
	is.NoErr(err)
	defer conn.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	is.NoErr(server.WaitForConns(waitCtx, 1))

	cancel()
	select {
	case err := <-errCh:
		is.NoErr(err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	is.Equal(server.Conns(), 0)
}
