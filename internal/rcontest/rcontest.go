// Package rcontest provides a scripted rcon server for tests.
package rcontest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/blukai/vurcon/internal/debug"
	"github.com/blukai/vurcon/internal/protocol"
	"github.com/blukai/vurcon/internal/rconclient"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

// Handler answers a request. returning nil means no response is sent at all,
// which is how tests provoke timeouts.
type Handler func(words []string) []string

// Echo answers OK followed by the request's arguments.
func Echo(words []string) []string {
	if len(words) == 0 {
		return []string{"UnknownCommand"}
	}
	return append([]string{"OK"}, words[1:]...)
}

type connKey uint64

func makeConnKey(addr net.Addr) connKey {
	return connKey(xxhash.Sum64String(addr.String()))
}

type conn struct {
	netConn net.Conn

	writeMu sync.Mutex

	// login state, only touched by the conn's own goroutine
	authed bool
	salt   string
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.netConn.Write(data)
	return err
}

type heldResponse struct {
	conn *conn
	data []byte
}

type Option func(*Server)

func WithHandler(handler Handler) Option {
	return func(s *Server) { s.handler = handler }
}

// WithPassword makes the server require login.hashed or login.plainText
// before anything else.
func WithPassword(password string) Option {
	return func(s *Server) { s.password = password }
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

type Server struct {
	listener net.Listener

	logger   *log.Logger
	handler  Handler
	password string

	seq *protocol.SequenceAllocator

	mu    sync.Mutex
	conns map[connKey]*conn
	held  []heldResponse
	hold  bool

	acks chan *protocol.Packet

	wg sync.WaitGroup
}

// NewServer listens on a random local tcp port. call Run to start serving.
func NewServer(opts ...Option) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	s := &Server{
		listener: listener,
		handler:  Echo,

		seq: protocol.NewSequenceAllocator(0),

		conns: make(map[connKey]*conn),
		acks:  make(chan *protocol.Packet, 64),
	}
	for _, opt := range opts {
		opt(s)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if s.logger == nil {
		tmp := log.DefaultLogger
		s.logger = &tmp
		s.logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Target returns the server as a target, with the server's password.
func (s *Server) Target() rconclient.Target {
	addr := s.listener.Addr().(*net.TCPAddr)
	return rconclient.Target{
		Host:     addr.IP.String(),
		Port:     uint16(addr.Port),
		Password: s.password,
	}
}

// Acks returns the responses clients sent to server events.
func (s *Server) Acks() <-chan *protocol.Packet {
	return s.acks
}

func (s *Server) Run(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runAccept(ctx)
	}()

	<-ctx.Done()
	err := s.listener.Close()
	s.DropAll()
	s.wg.Wait()
	return err
}

func (s *Server) runAccept(ctx context.Context) {
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error().
					Msgf("could not accept: %v", err)
			}
			return
		}

		c := &conn{netConn: netConn}
		key := makeConnKey(netConn.RemoteAddr())

		s.mu.Lock()
		s.conns[key] = c
		s.mu.Unlock()

		s.logger.Debug().
			Str("addr", netConn.RemoteAddr().String()).
			Msg("accepted")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runConn(key, c)
		}()
	}
}

func (s *Server) runConn(key connKey, c *conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, key)
		s.mu.Unlock()
		c.netConn.Close()
	}()

	framer := protocol.NewFramer(0)
	buf := make([]byte, 4<<10)

	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			_, _ = framer.Write(buf[:n])
			for {
				packet, err := framer.Next()
				if err != nil {
					s.logger.Error().
						Msgf("could not decode packet: %v", err)
					return
				}
				if packet == nil {
					break
				}
				s.handlePacket(c, packet)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handlePacket(c *conn, packet *protocol.Packet) {
	seq := packet.Header.Sequence

	s.logger.Debug().
		Str("seq", seq.String()).
		Strs("words", packet.Words).
		Msg("recv")

	if seq.IsResponse() {
		select {
		case s.acks <- packet:
		default:
		}
		return
	}

	words := s.answer(c, packet.Words)
	if words == nil {
		return
	}

	response := protocol.NewPacket(seq.Response(), words...)
	data, err := response.MarshalBinary()
	debug.Assert(err == nil, "handler produced an invalid response")

	s.mu.Lock()
	if s.hold {
		s.held = append(s.held, heldResponse{conn: c, data: data})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := c.write(data); err != nil {
		s.logger.Error().
			Msgf("could not write response: %v", err)
	}
}

func (s *Server) answer(c *conn, words []string) []string {
	if s.password == "" {
		return s.handler(words)
	}

	command := ""
	if len(words) > 0 {
		command = words[0]
	}

	switch {
	case command == "login.plainText":
		if len(words) != 2 {
			return []string{"InvalidArguments"}
		}
		if words[1] != s.password {
			return []string{"InvalidPassword"}
		}
		c.authed = true
		return []string{"OK"}

	case command == "login.hashed" && len(words) == 1:
		salt := make([]byte, 16)
		_, err := rand.Read(salt)
		debug.Assert(err == nil)
		c.salt = strings.ToUpper(hex.EncodeToString(salt))
		return []string{"OK", c.salt}

	case command == "login.hashed":
		if len(words) != 2 {
			return []string{"InvalidArguments"}
		}
		if c.salt == "" {
			return []string{"PasswordNotSet"}
		}
		want, err := rconclient.HashPassword(c.salt, s.password)
		debug.Assert(err == nil)
		if words[1] != want {
			return []string{"InvalidPasswordHash"}
		}
		c.authed = true
		return []string{"OK"}

	case !c.authed:
		return []string{"LogInRequired"}
	}

	return s.handler(words)
}

// Hold makes the server keep its responses until Release.
func (s *Server) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = true
}

// Release writes every held response, newest first, and stops holding.
func (s *Server) Release() error {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.hold = false
	s.mu.Unlock()

	var errs error
	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].conn.write(held[i].data); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// Held reports how many responses are waiting for Release.
func (s *Server) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Conns reports how many clients are connected.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// WaitForConns blocks until at least n clients are connected.
func (s *Server) WaitForConns(ctx context.Context, n int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for s.Conns() < n {
		select {
		case <-ctx.Done():
			return fmt.Errorf("could not wait for %d conns (have %d): %w", n, s.Conns(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Broadcast sends a server-originated event to every connected client.
func (s *Server) Broadcast(words ...string) error {
	event := protocol.NewPacket(s.seq.Next(), words...)
	event.Header.Sequence.SetOrigin(protocol.OriginServer)
	data, err := event.MarshalBinary()
	if err != nil {
		return fmt.Errorf("could not marshal event: %w", err)
	}

	return s.WriteRaw(data)
}

// WriteRaw writes data as is to every connected client.
func (s *Server) WriteRaw(data []byte) error {
	var errs error
	for _, c := range s.snapshot() {
		if err := c.write(data); err != nil {
			s.logger.Error().
				Msgf("could not write to %s: %v", c.netConn.RemoteAddr(), err)

			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// DropAll closes every client connection, which clients see as EOF.
func (s *Server) DropAll() {
	for _, c := range s.snapshot() {
		c.netConn.Close()
	}
}
