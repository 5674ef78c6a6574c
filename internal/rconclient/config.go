package rconclient

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/blukai/vurcon/internal/protocol"
	"github.com/phuslu/log"
)

const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultRequestTimeout = 15 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultSweepInterval  = time.Second
	DefaultQueueSize      = 64
	DefaultEventBuffer    = 64
)

type Config struct {
	DialTimeout time.Duration
	// RequestTimeout is used when a command is sent without its own timeout.
	// it starts counting once the packet has been written to the socket.
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	// SweepInterval is how often in-flight requests are checked for
	// timeouts.
	SweepInterval time.Duration

	// QueueSize bounds the outgoing queue; senders block while it's full.
	QueueSize int
	// EventBuffer bounds the events channel. events that arrive while it is
	// full are dropped.
	EventBuffer int
	// MaxFrameSize bounds inbound frames; 0 means protocol.MaxPacketSize.
	MaxFrameSize int

	StartingSequence uint32

	// DisableEventAck stops the client from answering server events with OK.
	DisableEventAck bool
	// PlainTextLogin makes DialTarget use login.plainText instead of
	// login.hashed.
	PlainTextLogin bool
	// LogSecrets disables scrubbing of login words in debug logs.
	LogSecrets bool

	Logger  *log.Logger
	Metrics *Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.MaxPacketSize
	}
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if cfg.Logger == nil {
		tmp := log.DefaultLogger
		cfg.Logger = &tmp
		cfg.Logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	return cfg
}

// Target is what server management hands us: where the rcon port is and,
// optionally, its password.
type Target struct {
	Host     string
	Port     uint16
	Password string
}

// ParseTarget parses host or host:port. the port defaults to
// protocol.DefaultPort.
func ParseTarget(s string) (Target, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		if addrErr, ok := err.(*net.AddrError); ok && addrErr.Err == "missing port in address" {
			return Target{Host: s, Port: protocol.DefaultPort}, nil
		}
		return Target{}, fmt.Errorf("could not parse target %q: %w", s, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Target{}, fmt.Errorf("could not parse port of target %q: %w", s, err)
	}

	return Target{Host: host, Port: uint16(port)}, nil
}

func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = protocol.DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(int(port)))
}
