package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxLineBytes bounds a single frame. Oversize lines are discarded without
// tearing the connection down.
const MaxLineBytes = 64 * 1024

// ErrOversizeFrame reports a frame that exceeded MaxLineBytes. The offending
// bytes have been consumed; the caller may keep reading.
var ErrOversizeFrame = errors.New("frame exceeds max line bytes")

// ErrMalformedFrame reports a frame that was not valid JSON. The frame has
// been consumed; the caller may keep reading.
var ErrMalformedFrame = errors.New("malformed frame")

// LineConn frames newline-delimited JSON envelopes over a net.Conn, applying
// an inactivity deadline before every read.
type LineConn struct {
	conn        net.Conn
	br          *bufio.Reader
	idleTimeout time.Duration
}

// NewLineConn wraps conn with the framed-JSON codec. idleTimeout <= 0 disables
// the inactivity deadline.
func NewLineConn(conn net.Conn, idleTimeout time.Duration) *LineConn {
	return &LineConn{
		conn:        conn,
		br:          bufio.NewReaderSize(conn, 8*1024),
		idleTimeout: idleTimeout,
	}
}

// RemoteAddr reports the peer address.
func (c *LineConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the underlying connection.
func (c *LineConn) Close() error { return c.conn.Close() }

// Read returns the next envelope. It returns ErrOversizeFrame for a frame
// longer than MaxLineBytes (after draining it), io.EOF at end of stream, and
// a net timeout error once the inactivity deadline elapses.
func (c *LineConn) Read() (Message, error) {
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return Message{}, fmt.Errorf("setting read deadline: %w", err)
		}
	}

	line, err := c.readLine()
	if err != nil {
		return Message{}, err
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return msg, nil
}

func (c *LineConn) readLine() ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := c.br.ReadSlice('\n')
		if err == nil {
			if buf.Len() == 0 {
				return chunk[:len(chunk)-1], nil
			}
			buf.Write(chunk)
			line := buf.Bytes()
			return line[:len(line)-1], nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			buf.Write(chunk)
			if buf.Len() > MaxLineBytes {
				if derr := c.drainLine(); derr != nil {
					return nil, derr
				}
				return nil, ErrOversizeFrame
			}
			continue
		}
		if errors.Is(err, io.EOF) && buf.Len() == 0 && len(chunk) == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame: %w", err)
	}
}

// drainLine consumes the remainder of an oversize line up to the next newline.
func (c *LineConn) drainLine() error {
	for {
		_, err := c.br.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return fmt.Errorf("draining oversize frame: %w", err)
	}
}

// Write marshals msg and sends it as one newline-terminated frame.
func (c *LineConn) Write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// IsTimeout reports whether err is a network deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
