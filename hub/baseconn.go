package hub

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/pending"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/sirupsen/logrus"
)

// errDisconnect ends a read loop after an orderly DISCONNECT.
var errDisconnect = errors.New("peer disconnected")

// ErrProtocol marks a frame the hub cannot interpret; the link is closed.
var ErrProtocol = errors.New("protocol violation")

// LinkKind tells hub links from client links.
type LinkKind string

const (
	KindHub    LinkKind = "hub"
	KindClient LinkKind = "client"
)

// frameHandler is the capability set of a link: it interprets frames and
// cleans up after the socket is gone.
type frameHandler interface {
	handleFrame(op wire.Opcode, r *wire.Reader) error
	onDisconnect()
}

// countingConn counts the bytes crossing a socket.
type countingConn struct {
	net.Conn
	in  atomic.Int64
	out atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.in.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.out.Add(int64(n))
	return n, err
}

// handshake holds a fresh socket while its first frames are exchanged.
type handshake struct {
	conn *countingConn
	r    *wire.Reader
	w    *wire.Writer
}

func newHandshake(conn net.Conn) *handshake {
	cc := &countingConn{Conn: conn}
	return &handshake{conn: cc, r: wire.NewReader(cc), w: wire.NewWriter(cc)}
}

// baseConn is one physical link. Exactly one goroutine reads it; writers
// serialize whole frames on wmu.
type baseConn struct {
	conn    *countingConn
	r       *wire.Reader
	wmu     sync.Mutex
	w       *wire.Writer
	peer    address.Set
	kind    LinkKind
	handler frameHandler
	log     *logrus.Entry

	// replies correlates INFO frames answering requests this side sent.
	replies *pending.Table[[]string]

	framesIn  atomic.Int64
	framesOut atomic.Int64
	since     time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newBaseConn(hs *handshake, peer address.Set, kind LinkKind, log *logrus.Entry) *baseConn {
	return &baseConn{
		conn:    hs.conn,
		r:       hs.r,
		w:       hs.w,
		peer:    peer,
		kind:    kind,
		log:     log.WithFields(logrus.Fields{"peer": peer.String(), "kind": string(kind)}),
		replies: pending.New[[]string](),
		since:   time.Now(),
		closed:  make(chan struct{}),
	}
}

// send writes one frame built by fn.
func (c *baseConn) send(op wire.Opcode, fn func(w *wire.Writer)) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.sendLocked(op, fn)
}

// sendLocked is send for callers already holding wmu.
func (c *baseConn) sendLocked(op wire.Opcode, fn func(w *wire.Writer)) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.w.Opcode(op)
	if fn != nil {
		fn(c.w)
	}
	if err := c.w.Flush(); err != nil {
		// The writer error is sticky; the link is unusable from here on.
		c.close()
		return fmt.Errorf("send %s to %s: %w", op, c.peer, err)
	}
	c.framesOut.Add(1)
	return nil
}

func (c *baseConn) sendInfo(id string, values ...string) error {
	return c.send(wire.OpInfo, func(w *wire.Writer) {
		wire.Info{ID: id, Values: values}.Write(w)
	})
}

func (c *baseConn) sendAck(ack wire.CreateVirtualAck) error {
	return c.send(wire.OpCreateVirtualAck, ack.Write)
}

func (c *baseConn) sendWithdraw(id string) error {
	return c.send(wire.OpWithdrawVirtual, func(w *wire.Writer) { w.String(id) })
}

// run is the read loop. It returns when the socket fails, the peer
// disconnects or a frame violates the protocol; the link is then closed and
// the handler's cleanup runs exactly once.
func (c *baseConn) run() {
	defer c.handler.onDisconnect()
	defer c.close()

	for {
		op, err := c.r.Opcode()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.WithFields(logrus.Fields{
					"function": "run",
					"error":    err.Error(),
				}).Debug("Link read failed")
			}
			return
		}
		c.framesIn.Add(1)

		if err := c.handler.handleFrame(op, c.r); err != nil {
			if errors.Is(err, errDisconnect) {
				c.log.WithField("function", "run").Info("Peer closed link")
				return
			}
			c.log.WithFields(logrus.Fields{
				"function": "run",
				"opcode":   op.String(),
				"error":    err.Error(),
			}).Warn("Closing link after bad frame")
			return
		}
	}
}

// close shuts the socket, which unblocks the reader, and fails pending
// requests on this link.
func (c *baseConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		c.replies.Close(net.ErrClosed)
	})
}

// disconnect sends DISCONNECT before closing.
func (c *baseConn) disconnect() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.send(wire.OpDisconnect, nil)
	c.close()
}

func (c *baseConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// LinkStatistics are the counters of one link.
type LinkStatistics struct {
	Peer      string
	Kind      LinkKind
	FramesIn  int64
	FramesOut int64
	BytesIn   int64
	BytesOut  int64
	Since     time.Time
}

func (c *baseConn) statistics() LinkStatistics {
	return LinkStatistics{
		Peer:      c.peer.String(),
		Kind:      c.kind,
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
		BytesIn:   c.conn.in.Load(),
		BytesOut:  c.conn.out.Load(),
		Since:     c.since,
	}
}

// unexpected reports a frame that is not valid on this kind of link.
func unexpected(op wire.Opcode, kind LinkKind) error {
	return fmt.Errorf("%w: %s on %s link", ErrProtocol, op, kind)
}
