package rconclient

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/blukai/vurcon/internal/protocol"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/blukai/vurcon/internal/rconclient"

// Client is what the rest of the program talks to. it owns one Conn at a time
// and can replace it with Reconnect.
type Client struct {
	cfg    Config
	logger *log.Logger
	tracer trace.Tracer

	addr     string
	password string

	mu     sync.RWMutex
	conn   *Conn
	closed bool
}

// Dial connects to addr and starts pumping the connection. no login is
// performed.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer(tracerName),
		addr:   addr,
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	return c, nil
}

// DialTarget dials target and, if it has a password, logs in.
func DialTarget(ctx context.Context, target Target, cfg Config) (*Client, error) {
	c, err := Dial(ctx, target.Addr(), cfg)
	if err != nil {
		return nil, err
	}
	c.password = target.Password

	if err := c.login(ctx); err != nil {
		var errs error
		errs = multierror.Append(errs, err)
		if cerr := c.Close(); cerr != nil {
			errs = multierror.Append(errs, cerr)
		}
		return nil, errs
	}

	return c, nil
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, &ConnectError{Addr: c.addr, Err: err}
	}

	c.logger.Info().
		Str("addr", c.addr).
		Msg("connected")

	return NewConn(netConn, c.addr, c.cfg), nil
}

func (c *Client) login(ctx context.Context) error {
	if c.password == "" {
		return nil
	}
	if c.cfg.PlainTextLogin {
		return c.LoginPlainText(ctx, c.password)
	}
	return c.LoginHashed(ctx, c.password)
}

func (c *Client) current() *Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) State() State { return c.current().State() }

// Done is closed when the current connection is closed. after Reconnect call
// Done again.
func (c *Client) Done() <-chan struct{} { return c.current().Done() }

// Err returns why the current connection was closed.
func (c *Client) Err() error { return c.current().Err() }

// Events returns unsolicited server packets of the current connection. the
// channel is closed when that connection goes away and is never reopened;
// after Reconnect call Events again.
func (c *Client) Events() <-chan *protocol.Packet { return c.current().Events() }

// SendCommand sends words and returns the server's response packet. a zero
// timeout means Config.RequestTimeout.
func (c *Client) SendCommand(ctx context.Context, timeout time.Duration, words ...string) (*protocol.Packet, error) {
	command := ""
	if len(words) > 0 {
		command = words[0]
	}

	ctx, span := c.tracer.Start(ctx, "rcon "+command,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rcon.command", command),
			attribute.Int("rcon.words", len(words)),
			attribute.String("net.peer.name", c.addr),
		),
	)
	defer span.End()

	packet, err := c.current().Send(ctx, timeout, words...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("rcon.status", packet.Command()))
	return packet, nil
}

// Exec sends words with the default timeout. an OK status yields the rest of
// the response words, any other status is a *CommandError.
func (c *Client) Exec(ctx context.Context, words ...string) ([]string, error) {
	packet, err := c.SendCommand(ctx, 0, words...)
	if err != nil {
		return nil, err
	}
	return checkStatus(words, packet)
}

func checkStatus(words []string, packet *protocol.Packet) ([]string, error) {
	command := strings.Join(words, " ")
	if len(words) > 0 && strings.HasPrefix(words[0], "login.") {
		command = words[0]
	}

	status := packet.Command()
	if status != "OK" {
		return nil, &CommandError{Command: command, Status: status}
	}
	return packet.Words[1:], nil
}

// Reconnect closes the current connection, dials a new one and logs in again
// if a password is known. requests in flight on the old connection fail with
// ErrConnectionLost. a closed client stays closed.
func (c *Client) Reconnect(ctx context.Context) error {
	var errs error

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := c.conn.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close old connection: %w", err))
	}
	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Unlock()
		return multierror.Append(errs, err)
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.login(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not log in: %w", err))
	}

	return errs
}

// Close closes the current connection and waits until every outstanding
// request has been resolved. Reconnect fails with ErrClosed afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	return conn.Close()
}
