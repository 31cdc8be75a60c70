package pgwire

import (
	"net"
	"time"
)

// deadlineConn applies a fixed read/write deadline before every I/O call
// (SetReadDeadline before Read, SetWriteDeadline before Write). Wrapping the
// conn once at dial time keeps every later Read/Write in the codec layer
// unaware that a timeout is even configured.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func withSocketTimeout(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &deadlineConn{Conn: conn, timeout: timeout}
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
