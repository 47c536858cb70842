package proto

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"
)

// LineConn frames newline-terminated UTF-8 text lines over a net.Conn.
// The control channel carries nothing else: the service name, the
// advertised address, per-request callback addresses and acks are all
// single lines. Writes are flushed before returning so a peer never
// observes a partial line.
type LineConn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

// NewLineConn wraps c. The LineConn owns c from here on; closing the
// LineConn closes c.
func NewLineConn(c net.Conn) *LineConn {
	return &LineConn{
		conn: c,
		br:   bufio.NewReader(c),
		bw:   bufio.NewWriter(c),
	}
}

// ReadLine blocks until one full line arrives and returns it without the
// trailing newline (a preceding carriage return is dropped too). A line is
// only a line once its newline has arrived: EOF with partial data is an
// error. timeout zero blocks indefinitely.
func (l *LineConn) ReadLine(timeout time.Duration) (string, error) {
	if timeout > 0 {
		if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", err
		}
		defer l.conn.SetReadDeadline(time.Time{})
	}
	line, err := l.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// WriteLine writes line followed by a newline and flushes. timeout zero
// blocks indefinitely.
func (l *LineConn) WriteLine(line string, timeout time.Duration) error {
	if timeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer l.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := l.bw.WriteString(line); err != nil {
		return err
	}
	if err := l.bw.WriteByte('\n'); err != nil {
		return err
	}
	return l.bw.Flush()
}

// LocalAddr returns the underlying connection's local address.
func (l *LineConn) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// RemoteAddr returns the underlying connection's remote address.
func (l *LineConn) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

// Close closes the underlying connection. Safe to call more than once.
func (l *LineConn) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.conn.Close() })
	return l.closeErr
}
