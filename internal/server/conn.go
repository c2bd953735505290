package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// lineReader reads newline-delimited lines from a stream connection using
// bounded read deadlines. Bytes of a partial line survive a deadline expiry.
type lineReader struct {
	conn    net.Conn
	buf     []byte
	pending []byte
	max     int
}

func newLineReader(conn net.Conn, maxLine int) *lineReader {
	return &lineReader{
		conn: conn,
		buf:  make([]byte, 1024),
		max:  maxLine,
	}
}

// readIdentity returns the first line of the first chunk the client sends.
// A delimiter is optional: a chunk without a newline is taken whole. It polls
// until deadline, giving up early when ctx is cancelled.
func (lr *lineReader) readIdentity(ctx context.Context, poll time.Duration, deadline time.Time) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := time.Now().Add(poll)
		if next.After(deadline) {
			next = deadline
		}
		if err := lr.conn.SetReadDeadline(next); err != nil {
			return nil, err
		}

		n, err := lr.conn.Read(lr.buf)
		if n > 0 {
			chunk := append([]byte(nil), lr.buf[:n]...)
			if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
				lr.pending = append(lr.pending, chunk[i+1:]...)
				chunk = chunk[:i]
			}
			if len(chunk) > lr.max {
				return nil, ErrLineTooLong
			}
			return chunk, nil
		}
		if err != nil {
			if isTimeout(err) && time.Now().Before(deadline) {
				continue
			}
			return nil, err
		}
	}
}

// readLine returns the next line without its terminator. A timeout error
// means no complete line arrived before deadline.
func (lr *lineReader) readLine(deadline time.Time) ([]byte, error) {
	for {
		if i := bytes.IndexByte(lr.pending, '\n'); i >= 0 {
			line := append([]byte(nil), lr.pending[:i]...)
			lr.pending = lr.pending[i+1:]
			if len(line) > lr.max {
				return nil, ErrLineTooLong
			}
			return bytes.TrimSuffix(line, []byte{'\r'}), nil
		}
		if len(lr.pending) > lr.max {
			return nil, ErrLineTooLong
		}

		if err := lr.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := lr.conn.Read(lr.buf)
		lr.pending = append(lr.pending, lr.buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) && len(lr.pending) > 0 && bytes.IndexByte(lr.pending, '\n') < 0 {
				line := lr.pending
				lr.pending = nil
				return line, nil
			}
			if bytes.IndexByte(lr.pending, '\n') >= 0 {
				continue
			}
			return nil, err
		}
	}
}

// tcpConn adapts a stream connection to the session's line transport.
type tcpConn struct {
	conn net.Conn
}

func (c *tcpConn) WriteLine(line string, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	// net.Conn.Write writes the whole buffer or returns an error.
	_, err := c.conn.Write([]byte(line + "\n"))
	return err
}

func (c *tcpConn) Ping(time.Time) error {
	return nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
