package rconclient

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matryer/is"
)

func (c *Conn) pendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Conn) writtenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, req := range c.pending {
		if !req.writtenAt.IsZero() {
			n++
		}
	}
	return n
}

// writeNotifyConn reports every Write before passing it on.
type writeNotifyConn struct {
	net.Conn
	writes chan struct{}
}

func (c *writeNotifyConn) Write(p []byte) (int, error) {
	select {
	case c.writes <- struct{}{}:
	default:
	}
	return c.Conn.Write(p)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSendBlocksWhileQueueIsFull(t *testing.T) {
	is := is.New(t)

	// nobody reads serverConn until the end, so the first request sticks in
	// Write and the second one sits in the queue
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	writes := make(chan struct{}, 1)
	c := NewConn(&writeNotifyConn{Conn: clientConn, writes: writes}, "pipe", Config{
		QueueSize:      1,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 20 * time.Millisecond,
		SweepInterval:  5 * time.Millisecond,
	})
	defer c.Close()

	errCh := make(chan error, 2)
	send := func() {
		_, err := c.Send(context.Background(), 0, "serverInfo")
		errCh <- err
	}

	go send()
	select {
	case <-writes:
	case <-time.After(2 * time.Second):
		t.Fatal("the first request never reached Write")
	}
	go send()
	waitFor(t, "the second request to be queued", func() bool {
		return len(c.sendCh) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Send(ctx, 0, "serverInfo")
	is.True(errors.Is(err, context.DeadlineExceeded))
	is.True(time.Since(start) >= 100*time.Millisecond) // it waited instead of failing
	is.Equal(c.State(), StateOpen)
	is.Equal(c.pendingLen(), 2) // the abandoned request is gone

	// many sweeps and RequestTimeouts later nothing has been failed, because
	// nothing has been written yet
	select {
	case err := <-errCh:
		t.Fatalf("unwritten request resolved early: %v", err)
	default:
	}
	is.Equal(c.writtenCount(), 0)

	// once the peer reads, the clock starts and both requests time out
	go io.Copy(io.Discard, serverConn)
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			is.True(errors.Is(err, ErrRequestTimeout))
		case <-time.After(2 * time.Second):
			t.Fatal("written request never timed out")
		}
	}
	is.Equal(c.State(), StateOpen)
}

func TestRegisterSequenceReuse(t *testing.T) {
	is := is.New(t)

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	c := NewConn(clientConn, "pipe", Config{})
	defer c.Close()

	older := &pendingRequest{id: 7, timeout: time.Second, resultCh: make(chan result, 1)}
	newer := &pendingRequest{id: 7, timeout: time.Second, resultCh: make(chan result, 1)}

	is.NoErr(c.register(older))
	is.NoErr(c.register(newer))

	select {
	case res := <-older.resultCh:
		is.True(errors.Is(res.err, ErrRequestTimeout))
		is.True(res.packet == nil)
	default:
		t.Fatal("older request was not resolved")
	}

	// the slot belongs to the newer request; forgetting the older one is a no-op
	c.forget(older)
	req, ok := c.take(7)
	is.True(ok)
	is.True(req == newer)
	is.Equal(len(newer.resultCh), 0)
}

func TestRegisterAfterClose(t *testing.T) {
	is := is.New(t)

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	c := NewConn(clientConn, "pipe", Config{})
	is.NoErr(c.Close())

	err := c.register(&pendingRequest{id: 1, resultCh: make(chan result, 1)})
	is.True(errors.Is(err, ErrClosed))
}
