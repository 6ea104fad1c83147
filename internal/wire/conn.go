package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrConnectionLost is returned when the peer closes the stream before a line arrives.
	ErrConnectionLost = errors.New("connection lost")
	// ErrMalformed is returned for lines that are not valid protocol JSON.
	ErrMalformed = errors.New("malformed message")
)

// DialOptions bounds connection setup and each blocking read.
type DialOptions struct {
	DialTimeout time.Duration
	// ReadTimeout of zero blocks until the peer sends a line.
	ReadTimeout time.Duration
}

// Conn is a strict request/reply JSON line stream.
type Conn struct {
	conn        net.Conn
	reader      *bufio.Reader
	readTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Conn, error) {
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(conn, opts.ReadTimeout), nil
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn, readTimeout time.Duration) *Conn {
	return &Conn{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		readTimeout: readTimeout,
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes v as one newline-terminated JSON line.
func (c *Conn) Send(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	line = append(line, '\n')
	if _, err := c.conn.Write(line); err != nil {
		if peerGone(err) {
			return fmt.Errorf("%w: write message: %v", ErrConnectionLost, err)
		}
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadLine returns the next line without its terminator.
//
// A final unterminated line is returned as-is; an empty read at end of stream is ErrConnectionLost.
func (c *Conn) ReadLine() ([]byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
			return line, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, ErrConnectionLost
		}
		if peerGone(err) {
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// Receive reads and decodes one Response line.
func (c *Conn) Receive() (Response, error) {
	line, err := c.ReadLine()
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: decode response: %v", ErrMalformed, err)
	}
	return resp, nil
}

// ReceiveCommand reads and decodes one Command line.
func (c *Conn) ReceiveCommand() (Command, error) {
	line, err := c.ReadLine()
	if err != nil {
		return Command{}, err
	}

	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: decode command: %v", ErrMalformed, err)
	}
	return cmd, nil
}

// Call sends cmd and waits for its reply.
func (c *Conn) Call(cmd Command) (Response, error) {
	if err := c.Send(cmd); err != nil {
		return Response{}, fmt.Errorf("%s: %w", cmd.Command, err)
	}
	resp, err := c.Receive()
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", cmd.Command, err)
	}
	return resp, nil
}

// Close releases the socket. Later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// peerGone reports whether err means the stream is unusable because either side closed it.
func peerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}
