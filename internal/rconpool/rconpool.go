// Package rconpool keeps one rcon client per server.
package rconpool

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/blukai/vurcon/internal/rconclient"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

type targetKey uint64

func makeTargetKey(target rconclient.Target) targetKey {
	return targetKey(xxhash.Sum64String(target.Addr()))
}

type entry struct {
	// ready is closed once client or err is set
	ready  chan struct{}
	client *rconclient.Client
	err    error
}

func (e *entry) usable() bool {
	select {
	case <-e.ready:
	default:
		// still dialing
		return true
	}
	if e.err != nil {
		return false
	}
	state := e.client.State()
	return state == rconclient.StateOpen
}

type Pool struct {
	cfg    rconclient.Config
	logger *log.Logger

	mu      sync.Mutex
	entries map[targetKey]*entry
}

func New(cfg rconclient.Config) *Pool {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	logger := cfg.Logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
		cfg.Logger = logger
	}

	return &Pool{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[targetKey]*entry),
	}
}

// Get returns the client for target, dialing and logging in if there is no
// open one. concurrent callers for the same target share a single dial. the
// dial is not tied to any caller's ctx, so a caller that gives up does not
// fail the others; it is bounded by the dial and request timeouts instead.
func (p *Pool) Get(ctx context.Context, target rconclient.Target) (*rconclient.Client, error) {
	key := makeTargetKey(target)

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok && !e.usable() {
		delete(p.entries, key)
		if e.client != nil {
			// already dead; closing just waits for its goroutines
			go e.client.Close()
		}
		ok = false
	}
	if !ok {
		e = &entry{ready: make(chan struct{})}
		p.entries[key] = e
		go p.dial(context.WithoutCancel(ctx), key, e, target)
	}
	p.mu.Unlock()

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.client, nil
}

func (p *Pool) dial(ctx context.Context, key targetKey, e *entry, target rconclient.Target) {
	p.logger.Debug().
		Str("addr", target.Addr()).
		Msg("dialing")

	e.client, e.err = rconclient.DialTarget(ctx, target, p.cfg)

	// failed dials are forgotten before anyone can see them
	if e.err != nil {
		p.mu.Lock()
		if p.entries[key] == e {
			delete(p.entries, key)
		}
		p.mu.Unlock()
	}
	close(e.ready)
}

// Exec runs one command on target.
func (p *Pool) Exec(ctx context.Context, target rconclient.Target, words ...string) ([]string, error) {
	client, err := p.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	return client.Exec(ctx, words...)
}

// Broadcast runs the same command on every target concurrently. the results
// are keyed by Target.Addr; failed targets are missing from the map and their
// errors are combined.
func (p *Pool) Broadcast(ctx context.Context, targets []rconclient.Target, words ...string) (map[string][]string, error) {
	var (
		mu      sync.Mutex
		results = make(map[string][]string, len(targets))
		errs    error
		wg      sync.WaitGroup
	)

	for _, target := range targets {
		wg.Add(1)
		go func(target rconclient.Target) {
			defer wg.Done()

			result, err := p.Exec(ctx, target, words...)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Error().
					Str("addr", target.Addr()).
					Msgf("could not exec: %v", err)

				errs = multierror.Append(errs, fmt.Errorf("%s: %w", target.Addr(), err))
				return
			}
			results[target.Addr()] = result
		}(target)
	}
	wg.Wait()

	return results, errs
}

// Remove closes and forgets the client for target.
func (p *Pool) Remove(target rconclient.Target) error {
	key := makeTargetKey(target)

	p.mu.Lock()
	e, ok := p.entries[key]
	delete(p.entries, key)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	<-e.ready
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close closes every client in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[targetKey]*entry)
	p.mu.Unlock()

	var errs error
	for _, e := range entries {
		<-e.ready
		if e.client == nil {
			continue
		}
		if err := e.client.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
