package virtual

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/hubmesh/limits"
)

// circuitSender is the part of the service link a circuit writes to.
type circuitSender interface {
	SendMessageVirtual(index int32, data []byte) error
	SendMessageVirtualAck(index int32, n int32) error
	SendCloseVirtual(index int32) error
}

// circuitConn implements net.Conn over a hub-relayed circuit. Data frames
// are bounded by a byte credit the reader returns as it drains.
type circuitConn struct {
	link   circuitSender
	owner  *circuitTable
	index  int32
	local  Addr
	remote Addr

	writeMu sync.Mutex

	mu            sync.Mutex
	peer          int32 // hub-side index, -1 until the circuit is open
	requestID     string
	buf           bytes.Buffer
	credit        int64
	closed        bool
	remoteClosed  bool
	readDeadline  time.Time
	writeDeadline time.Time
	wake          chan struct{}
}

var _ net.Conn = (*circuitConn)(nil)

func newCircuitConn(link circuitSender, owner *circuitTable, local Addr, credit int64) *circuitConn {
	return &circuitConn{
		link:   link,
		owner:  owner,
		local:  local,
		peer:   -1,
		credit: credit,
		wake:   make(chan struct{}),
	}
}

func (c *circuitConn) notifyLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// wait blocks until woken or deadline passes; it reports false on expiry.
func wait(wake <-chan struct{}, deadline time.Time) bool {
	if deadline.IsZero() {
		<-wake
		return true
	}
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-wake:
		return true
	case <-t.C:
		return false
	}
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

// open records the hub-side index once the circuit is established.
func (c *circuitConn) open(peer int32) {
	c.mu.Lock()
	c.peer = peer
	c.notifyLocked()
	c.mu.Unlock()
}

// deliver appends data received from the peer. Data for a circuit that is
// not open yet cannot belong to it and is dropped.
func (c *circuitConn) deliver(data []byte) {
	c.mu.Lock()
	if !c.closed && c.peer >= 0 {
		c.buf.Write(data)
		c.notifyLocked()
	}
	c.mu.Unlock()
}

// addCredit returns n bytes of send credit.
func (c *circuitConn) addCredit(n int32) {
	c.mu.Lock()
	if c.peer >= 0 && n > 0 {
		c.credit += int64(n)
		c.notifyLocked()
	}
	c.mu.Unlock()
}

// peerClosed marks the stream ended by the peer. Buffered data stays
// readable.
func (c *circuitConn) peerClosed() {
	c.mu.Lock()
	c.remoteClosed = true
	c.notifyLocked()
	c.mu.Unlock()
}

// Read implements net.Conn. It returns io.EOF once the peer closed and the
// buffer is drained.
func (c *circuitConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return 0, &NetError{Op: "read", Addr: c.remote.String(), Err: ErrClosed}
		}
		if c.buf.Len() > 0 {
			n, _ := c.buf.Read(p)
			peer := c.peer
			c.mu.Unlock()
			if peer >= 0 {
				_ = c.link.SendMessageVirtualAck(peer, int32(n))
			}
			return n, nil
		}
		if c.remoteClosed {
			c.mu.Unlock()
			return 0, io.EOF
		}
		if expired(c.readDeadline) {
			c.mu.Unlock()
			return 0, &NetError{Op: "read", Addr: c.remote.String(), Err: ErrTimeout}
		}
		wake, deadline := c.wake, c.readDeadline
		c.mu.Unlock()
		wait(wake, deadline)
		c.mu.Lock()
	}
}

// Write implements net.Conn. It blocks while the credit is used up and
// returns the bytes sent so far when the write deadline expires.
func (c *circuitConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(p) {
		c.mu.Lock()
		if c.closed || c.remoteClosed {
			c.mu.Unlock()
			return written, &NetError{Op: "write", Addr: c.remote.String(), Err: ErrClosed}
		}
		if c.credit <= 0 || c.peer < 0 {
			if expired(c.writeDeadline) {
				c.mu.Unlock()
				return written, &NetError{Op: "write", Addr: c.remote.String(), Err: ErrTimeout}
			}
			wake, deadline := c.wake, c.writeDeadline
			c.mu.Unlock()
			wait(wake, deadline)
			continue
		}
		chunk := int64(len(p) - written)
		if chunk > c.credit {
			chunk = c.credit
		}
		if chunk > limits.MaxVirtualFragment {
			chunk = limits.MaxVirtualFragment
		}
		c.credit -= chunk
		peer := c.peer
		c.mu.Unlock()

		if err := c.link.SendMessageVirtual(peer, p[written:written+int(chunk)]); err != nil {
			return written, &NetError{Op: "write", Addr: c.remote.String(), Err: err}
		}
		written += int(chunk)
	}
	return written, nil
}

// Close implements net.Conn. The peer sees end of stream.
func (c *circuitConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	notify := !c.remoteClosed && c.peer >= 0
	peer := c.peer
	c.notifyLocked()
	c.mu.Unlock()

	if c.owner != nil {
		c.owner.release(c)
	}
	if notify {
		return c.link.SendCloseVirtual(peer)
	}
	return nil
}

// LocalAddr implements net.Conn.
func (c *circuitConn) LocalAddr() net.Addr { return c.local }

// RemoteAddr implements net.Conn.
func (c *circuitConn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// SetDeadline implements net.Conn.
func (c *circuitConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline, c.writeDeadline = t, t
	c.notifyLocked()
	c.mu.Unlock()
	return nil
}

// SetReadDeadline implements net.Conn.
func (c *circuitConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.notifyLocked()
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *circuitConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.notifyLocked()
	c.mu.Unlock()
	return nil
}

// streamConn is a direct TCP stream that reports virtual addresses.
type streamConn struct {
	net.Conn
	local  Addr
	remote Addr
}

func (c *streamConn) LocalAddr() net.Addr  { return c.local }
func (c *streamConn) RemoteAddr() net.Addr { return c.remote }
