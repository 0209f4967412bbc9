//
//
// Package transport is the line-delimited TCP request/response primitive
// used to talk to the transmitter.
package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/scpi"
)

// Options bounds every network operation of a Conn.
type Options struct {
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
}

// Conn is one TCP session with the device. Sends are serialized so poll,
// heartbeat and command traffic never interleave on the socket.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	opts    Options
	logger  zerolog.Logger
	sem     chan struct{}
	closed  atomic.Bool
	once    sync.Once
	written atomic.Int64
}

// Dial opens a session to addr within opts.ConnectTimeout.
func Dial(ctx context.Context, addr string, opts Options, logger zerolog.Logger) (*Conn, error) {
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify("dial", err)
	}
	return NewConn(c, opts, logger), nil
}

// NewConn wraps an established connection.
func NewConn(c net.Conn, opts Options, logger zerolog.Logger) *Conn {
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 5 * time.Second
	}
	return &Conn{
		conn:   c,
		reader: bufio.NewReader(c),
		opts:   opts,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

// Send writes command followed by the line terminator. Queries (commands
// ending in '?') block for exactly one reply line, which is returned
// without its terminator. Other commands return once written.
//
// Any I/O failure, including a timeout, closes the connection: a late reply
// would otherwise be read as the answer to the next query.
func (c *Conn) Send(ctx context.Context, command string) (string, error) {
	if c.closed.Load() {
		return "", &Error{Op: "send", Code: ErrClosed, Err: net.ErrClosed}
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return "", classify("lock", ctx.Err())
	}
	defer func() { <-c.sem }()

	deadline := time.Now().Add(c.opts.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	line := strings.TrimRight(command, "\r\n") + scpi.Terminator
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return "", c.fail("write", err)
	}
	n, err := io.WriteString(c.conn, line)
	c.written.Add(int64(n))
	if err != nil {
		return "", c.fail("write", err)
	}

	if !scpi.IsQuery(command) {
		return "", nil
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return "", c.fail("read", err)
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		return "", c.fail("read", err)
	}

	return strings.TrimRight(reply, "\r\n"), nil
}

func (c *Conn) fail(op string, err error) error {
	terr := classify(op, err)
	c.logger.Debug().Err(terr).Str("op", op).Msg("Closing connection after I/O failure")
	_ = c.Close()
	return terr
}

// BytesWritten reports the total bytes written on this session.
func (c *Conn) BytesWritten() int64 {
	return c.written.Load()
}

// RemoteAddr returns the device address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Close closes the socket, unblocking any pending read. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}
