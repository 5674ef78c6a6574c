package rconclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blukai/vurcon/internal/debug"
	"github.com/blukai/vurcon/internal/protocol"
	"github.com/phuslu/log"
)

const readBufferSize = 4 << 10

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type result struct {
	packet *protocol.Packet
	err    error
}

type pendingRequest struct {
	id      uint32
	timeout time.Duration
	// writtenAt is zero until the write loop has put the packet on the wire;
	// the timeout sweep ignores requests that are still queued.
	writtenAt time.Time

	// resultCh has room for exactly one result. whoever removes the request
	// from the pending map is the one who sends it.
	resultCh chan result
}

func (r *pendingRequest) resolve(res result) {
	r.resultCh <- res
}

type sendChPayload struct {
	data  []byte
	seq   protocol.Sequence
	words []string
	// req is nil for packets that don't expect a response (event acks).
	req *pendingRequest
}

// Conn pumps a single rcon connection: one goroutine reads and correlates
// responses, one writes the outgoing queue, one sweeps timed out requests.
// Conn never reconnects; once closed it stays closed.
type Conn struct {
	netConn net.Conn
	addr    string

	cfg     Config
	logger  *log.Logger
	metrics *connMetrics

	seq   *protocol.SequenceAllocator
	state atomic.Int32

	sendCh chan sendChPayload
	events chan *protocol.Packet

	mu       sync.Mutex
	pending  map[uint32]*pendingRequest
	closed   bool
	closeErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewConn takes ownership of netConn and starts pumping it. addr is only used
// for logs and metrics.
func NewConn(netConn net.Conn, addr string, cfg Config) *Conn {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		netConn: netConn,
		addr:    addr,

		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics.forAddr(addr),

		seq: protocol.NewSequenceAllocator(cfg.StartingSequence),

		sendCh: make(chan sendChPayload, cfg.QueueSize),
		events: make(chan *protocol.Packet, cfg.EventBuffer),

		pending: make(map[uint32]*pendingRequest),

		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.runRecv()
	}()
	go func() {
		defer c.wg.Done()
		c.runSend()
	}()
	go func() {
		defer c.wg.Done()
		c.runSweep()
	}()
	go func() {
		c.wg.Wait()
		c.state.Store(int32(StateClosed))
		close(c.done)
	}()

	// teardown may already have happened if the socket was dead on arrival.
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))

	return c
}

func (c *Conn) Addr() string { return c.addr }

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Events returns server-originated packets. the channel is closed when the
// connection goes away.
func (c *Conn) Events() <-chan *protocol.Packet {
	return c.events
}

// Done is closed once the connection is fully closed and all of its
// goroutines have exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection was closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close closes the socket and waits for the pump to stop. every request that
// was in flight has been resolved by the time Close returns.
func (c *Conn) Close() error {
	err := c.teardown(ErrClosed)
	<-c.done
	return err
}

// Send sends words as a request and waits for the matching response. a zero
// timeout means Config.RequestTimeout. invalid words are reported before
// anything is queued. canceling ctx gives up on the response and forgets the
// request.
func (c *Conn) Send(ctx context.Context, timeout time.Duration, words ...string) (*protocol.Packet, error) {
	if state := c.State(); state != StateOpen {
		return nil, fmt.Errorf("%w (state: %s)", ErrClosed, state)
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	seq := c.seq.Next()
	packet := protocol.NewPacket(seq, words...)
	data, err := packet.MarshalBinary()
	if err != nil {
		c.metrics.request(resultInvalid, 0)
		return nil, fmt.Errorf("could not marshal request: %w", err)
	}

	req := &pendingRequest{
		id:       seq.ID(),
		timeout:  timeout,
		resultCh: make(chan result, 1),
	}
	if err := c.register(req); err != nil {
		return nil, err
	}

	c.metrics.inFlightAdd(1)
	defer c.metrics.inFlightAdd(-1)
	start := time.Now()

	payload := sendChPayload{data: data, seq: seq, words: words, req: req}
	select {
	case c.sendCh <- payload:
	case <-ctx.Done():
		c.forget(req)
		c.metrics.request(resultCanceled, 0)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		// teardown owns req now and is about to resolve it.
	}

	select {
	case res := <-req.resultCh:
		c.metrics.request(resultOf(res.err), time.Since(start))
		return res.packet, res.err
	case <-ctx.Done():
		c.forget(req)
		c.metrics.request(resultCanceled, 0)
		return nil, ctx.Err()
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrRequestTimeout):
		return resultTimeout
	default:
		return resultLost
	}
}

func (c *Conn) register(req *pendingRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: %w", ErrClosed, c.closeErr)
	}

	// the id space wrapped while an ancient request was still waiting. the
	// new request takes the slot, the old one is failed so that it does not
	// hang around forever.
	if prev, ok := c.pending[req.id]; ok {
		prev.resolve(result{err: fmt.Errorf("%w: sequence %d was reused", ErrRequestTimeout, req.id)})
	}
	c.pending[req.id] = req

	return nil
}

// forget drops req from the pending map if it is still there. a response that
// arrives later is discarded as unmatched.
func (c *Conn) forget(req *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.pending[req.id]; ok && cur == req {
		delete(c.pending, req.id)
	}
}

// take removes and returns the pending request with the given id.
func (c *Conn) take(id uint32) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return req, ok
}

func (c *Conn) markWritten(req *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.pending[req.id]; ok && cur == req {
		req.writtenAt = time.Now()
	}
}

func (c *Conn) runRecv() {
	// the reader is the only one who sends to events, so it is the one who
	// closes it.
	defer close(c.events)

	framer := protocol.NewFramer(c.cfg.MaxFrameSize)
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.metrics.recv(n)

			_, _ = framer.Write(buf[:n])
			for {
				packet, ferr := framer.Next()
				if ferr != nil {
					c.logger.Error().
						Str("addr", c.addr).
						Msgf("could not decode packet: %v", ferr)
					c.teardown(fmt.Errorf("could not decode packet: %w", ferr))
					return
				}
				if packet == nil {
					break
				}
				c.dispatch(packet)
			}
		}
		if err != nil {
			if c.ctx.Err() != nil {
				// we closed the socket ourselves
				return
			}
			if errors.Is(err, io.EOF) {
				c.logger.Info().
					Str("addr", c.addr).
					Msg("server closed the connection")
				c.teardown(io.EOF)
				return
			}
			c.logger.Error().
				Str("addr", c.addr).
				Msgf("could not read: %v", err)
			c.teardown(fmt.Errorf("could not read: %w", err))
			return
		}
	}
}

func (c *Conn) dispatch(packet *protocol.Packet) {
	seq := packet.Header.Sequence

	c.logger.Debug().
		Str("addr", c.addr).
		Str("seq", seq.String()).
		Strs("words", packet.Words).
		Msg("recv")

	if seq.IsResponse() {
		if seq.Origin() != protocol.OriginClient {
			c.logger.Debug().
				Str("addr", c.addr).
				Str("seq", seq.String()).
				Msg("discarding response to a server request")
			c.metrics.unmatchedResponse()
			return
		}

		req, ok := c.take(seq.ID())
		if !ok {
			c.logger.Debug().
				Str("addr", c.addr).
				Str("seq", seq.String()).
				Msg("discarding unmatched response")
			c.metrics.unmatchedResponse()
			return
		}
		req.resolve(result{packet: packet})
		return
	}

	if seq.Origin() != protocol.OriginServer {
		c.logger.Error().
			Str("addr", c.addr).
			Str("seq", seq.String()).
			Msg("discarding request that claims to be client-originated")
		return
	}

	select {
	case c.events <- packet:
		c.metrics.event("delivered")
	default:
		c.logger.Warn().
			Str("addr", c.addr).
			Str("event", packet.Command()).
			Msg("events channel is full, dropping event")
		c.metrics.event("dropped")
	}

	if !c.cfg.DisableEventAck {
		c.ack(seq)
	}
}

// ack answers a server event with OK. the server doesn't care about the
// timing, it just wants an answer with the same sequence id.
func (c *Conn) ack(seq protocol.Sequence) {
	ack := protocol.NewPacket(seq.Response(), "OK")
	data, err := ack.MarshalBinary()
	debug.Assert(err == nil)

	select {
	case c.sendCh <- sendChPayload{data: data, seq: ack.Header.Sequence, words: ack.Words}:
	case <-c.ctx.Done():
	}
}

func (c *Conn) runSend() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.sendCh:
			c.logger.Debug().
				Str("addr", c.addr).
				Str("seq", payload.seq.String()).
				Strs("words", c.loggableWords(payload.words)).
				Msg("send")

			if err := c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.teardown(fmt.Errorf("could not set write deadline: %w", err))
				return
			}

			// one Write per frame, so frames never interleave.
			n, err := c.netConn.Write(payload.data)
			c.metrics.sent(n)
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Error().
						Str("addr", c.addr).
						Msgf("could not write: %v", err)
				}
				c.teardown(fmt.Errorf("could not write: %w", err))
				return
			}

			if payload.req != nil {
				c.markWritten(payload.req)
			}
		}
	}
}

func (c *Conn) runSweep() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Conn) sweep(now time.Time) {
	var expired []*pendingRequest

	c.mu.Lock()
	for id, req := range c.pending {
		if req.writtenAt.IsZero() || now.Sub(req.writtenAt) <= req.timeout {
			continue
		}
		delete(c.pending, id)
		expired = append(expired, req)
	}
	c.mu.Unlock()

	for _, req := range expired {
		c.logger.Debug().
			Str("addr", c.addr).
			Uint32("id", req.id).
			Dur("timeout", req.timeout).
			Msg("request timed out")
		req.resolve(result{err: fmt.Errorf("%w: no response to %d within %s", ErrRequestTimeout, req.id, req.timeout)})
	}
}

// teardown fails every pending request with ErrConnectionLost, stops the
// goroutines and closes the socket. only the first call does anything.
func (c *Conn) teardown(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = cause
	c.state.Store(int32(StateClosing))
	pending := c.pending
	c.pending = make(map[uint32]*pendingRequest)
	c.mu.Unlock()

	c.cancel()
	err := c.netConn.Close()

	lost := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	for _, req := range pending {
		req.resolve(result{err: lost})
	}

	c.logger.Info().
		Str("addr", c.addr).
		Int("pending", len(pending)).
		Msgf("connection closed: %v", cause)

	return err
}

// loggableWords hides login secrets unless Config.LogSecrets is set.
func (c *Conn) loggableWords(words []string) []string {
	if c.cfg.LogSecrets || len(words) < 2 || !strings.HasPrefix(words[0], "login.") {
		return words
	}
	scrubbed := make([]string, len(words))
	scrubbed[0] = words[0]
	for i := 1; i < len(words); i++ {
		scrubbed[i] = "xxxxx"
	}
	return scrubbed
}
