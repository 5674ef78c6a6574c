package rconpool_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/blukai/vurcon/internal/rconclient"
	"github.com/blukai/vurcon/internal/rconpool"
	"github.com/blukai/vurcon/internal/rcontest"
	"github.com/matryer/is"
)

func startServer(t *testing.T, opts ...rcontest.Option) *rcontest.Server {
	t.Helper()

	server, err := rcontest.NewServer(opts...)
	if err != nil {
		t.Fatalf("could not construct test server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return server
}

func TestTwoServers(t *testing.T) {
	is := is.New(t)

	first := startServer(t, rcontest.WithPassword("one"))
	second := startServer(t, rcontest.WithPassword("two"))

	pool := rconpool.New(rconclient.Config{})
	defer pool.Close()

	ctx := context.Background()

	words, err := pool.Exec(ctx, first.Target(), "admin.say", "hi")
	is.NoErr(err)
	is.Equal(words, []string{"hi"})

	words, err = pool.Exec(ctx, second.Target(), "admin.say", "there")
	is.NoErr(err)
	is.Equal(words, []string{"there"})

	is.Equal(pool.Len(), 2)

	results, err := pool.Broadcast(ctx, []rconclient.Target{first.Target(), second.Target()}, "serverInfo", "x")
	is.NoErr(err)
	is.Equal(results[first.Target().Addr()], []string{"x"})
	is.Equal(results[second.Target().Addr()], []string{"x"})

	// both commands went over the connections dialed by Exec
	is.Equal(first.Conns(), 1)
	is.Equal(second.Conns(), 1)
}

func TestGetDialsOnce(t *testing.T) {
	is := is.New(t)

	server := startServer(t)
	pool := rconpool.New(rconclient.Config{})
	defer pool.Close()

	const n = 8
	clients := make([]*rconclient.Client, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = pool.Get(context.Background(), server.Target())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		is.NoErr(errs[i])
		is.True(clients[i] == clients[0])
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	is.NoErr(server.WaitForConns(waitCtx, 1))
	is.Equal(server.Conns(), 1)
}

func TestGetRedialsClosedClient(t *testing.T) {
	is := is.New(t)

	server := startServer(t)
	pool := rconpool.New(rconclient.Config{})
	defer pool.Close()

	ctx := context.Background()

	client, err := pool.Get(ctx, server.Target())
	is.NoErr(err)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	is.NoErr(server.WaitForConns(waitCtx, 1))

	server.DropAll()
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not notice the dropped connection")
	}

	again, err := pool.Get(ctx, server.Target())
	is.NoErr(err)
	is.True(again != client)

	_, err = again.Exec(ctx, "serverInfo")
	is.NoErr(err)
}

func TestBroadcastPartialFailure(t *testing.T) {
	is := is.New(t)

	alive := startServer(t)

	// a port nobody listens on
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	is.NoErr(err)
	deadAddr := listener.Addr().(*net.TCPAddr)
	is.NoErr(listener.Close())
	dead := rconclient.Target{Host: "127.0.0.1", Port: uint16(deadAddr.Port)}

	pool := rconpool.New(rconclient.Config{DialTimeout: time.Second})
	defer pool.Close()

	results, err := pool.Broadcast(context.Background(), []rconclient.Target{alive.Target(), dead}, "version")
	is.True(err != nil)

	var connectErr *rconclient.ConnectError
	is.True(errors.As(err, &connectErr))
	is.Equal(connectErr.Addr, dead.Addr())

	is.Equal(len(results), 1)
	_, ok := results[alive.Target().Addr()]
	is.True(ok)

	// failed dials are not cached
	is.Equal(pool.Len(), 1)
}

func TestRemoveAndClose(t *testing.T) {
	is := is.New(t)

	first := startServer(t)
	second := startServer(t)

	pool := rconpool.New(rconclient.Config{})
	ctx := context.Background()

	firstClient, err := pool.Get(ctx, first.Target())
	is.NoErr(err)
	secondClient, err := pool.Get(ctx, second.Target())
	is.NoErr(err)

	is.NoErr(pool.Remove(first.Target()))
	is.Equal(pool.Len(), 1)
	is.Equal(firstClient.State(), rconclient.StateClosed)

	// removing something unknown is fine
	is.NoErr(pool.Remove(first.Target()))

	is.NoErr(pool.Close())
	is.Equal(pool.Len(), 0)
	is.Equal(secondClient.State(), rconclient.StateClosed)
}

func TestGetDialOutlivesCanceledCaller(t *testing.T) {
	is := is.New(t)

	server := startServer(t, rcontest.WithPassword("hunter2"))
	pool := rconpool.New(rconclient.Config{})
	defer pool.Close()

	// the login stalls until Release, so the dial is still running when the
	// first caller gives up
	server.Hold()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Get(ctx, server.Target())
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for server.Held() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("login never reached the server")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	is.True(errors.Is(<-errCh, context.Canceled))

	is.NoErr(server.Release())

	client, err := pool.Get(context.Background(), server.Target())
	is.NoErr(err)
	is.Equal(client.State(), rconclient.StateOpen)

	// the canceled caller's dial was reused
	is.Equal(server.Conns(), 1)
	is.Equal(pool.Len(), 1)
}
