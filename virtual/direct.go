package virtual

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/sirupsen/logrus"
)

// Replies of the stream handshake.
const (
	replyAccept       byte = 1
	replyPortNotFound byte = 2
	replyRejected     byte = 4
	confirmByte       byte = 1
)

// direct is the "direct" module: a TCP connection to one of the target's
// endpoints followed by the stream handshake.
type direct struct {
	f *Factory
}

func (d *direct) Name() string { return "direct" }

func (d *direct) Connect(ctx context.Context, target Addr, timeout time.Duration) (net.Conn, error) {
	var lastErr error = ErrNotSuitable
	for _, ep := range target.Machine.Endpoints() {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := d.f.sockets.Dial(dctx, ep)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrNotSuitable, err)
			continue
		}
		return d.f.HandleConnect(ctx, conn, target, timeout)
	}
	return nil, lastErr
}

// HandleConnect runs the connecting side of the stream handshake on an
// established socket. It returns once the target accepted or refused.
func (f *Factory) HandleConnect(ctx context.Context, conn net.Conn, target Addr, timeout time.Duration) (net.Conn, error) {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	r, w := wire.NewReader(conn), wire.NewWriter(conn)
	w.Int32(int32(target.Port))
	w.String(f.id.String())
	w.Int32(wire.Millis(timeout))
	if err := w.Flush(); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	reply := r.Byte()
	if err := r.Err(); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, err
	}
	switch reply {
	case replyAccept:
	case replyPortNotFound:
		conn.Close()
		return nil, &DeniedError{Reason: ReasonNotFound}
	case replyRejected:
		conn.Close()
		return nil, &DeniedError{Reason: ReasonRejected}
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply %d", reply)
	}

	w.Byte(confirmByte)
	if err := w.Flush(); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &bufferedConn{streamConn: streamConn{Conn: conn, local: f.localAddr(0), remote: target}, r: r}, nil
}

// HandleAccept runs the accepting side of the stream handshake: it reads
// the requested port and queues the connection at its listener, or refuses
// it. Accept on the listener completes the handshake. The request stays
// queued for as long as the connecting side said it would wait.
func (f *Factory) HandleAccept(conn net.Conn) {
	log := f.log.WithFields(logrus.Fields{
		"function": "HandleAccept",
		"remote":   conn.RemoteAddr().String(),
	})
	_ = conn.SetDeadline(time.Now().Add(f.timeout))
	r, w := wire.NewReader(conn), wire.NewWriter(conn)
	port, source, waitMS := int(r.Int32()), r.String(), r.Int32()
	if err := r.Err(); err != nil {
		log.WithField("error", err.Error()).Debug("Bad stream handshake")
		conn.Close()
		return
	}

	refuse := func(b byte) {
		w.Byte(b)
		_ = w.Flush()
		conn.Close()
	}
	s := f.listener(port)
	if s == nil {
		refuse(replyPortNotFound)
		return
	}
	wait := time.Duration(waitMS) * time.Millisecond
	if wait <= 0 {
		wait = f.timeout
	}
	in := &streamIncoming{
		f:        f,
		conn:     conn,
		r:        r,
		w:        w,
		port:     port,
		deadline: time.Now().Add(wait),
		watched:  make(chan struct{}),
	}
	if m, err := address.Parse(source); err == nil {
		in.remote = Addr{Machine: m}
	}
	_ = conn.SetDeadline(in.deadline)
	go in.watch()
	switch s.IncomingConnection(in) {
	case QueueFull:
		refuse(replyRejected)
	case NotFound:
		refuse(replyPortNotFound)
	}
}

// streamIncoming is a direct or spliced connection waiting in a backlog.
type streamIncoming struct {
	f        *Factory
	conn     net.Conn
	r        *wire.Reader
	w        *wire.Writer
	port     int
	remote   Addr
	deadline time.Time

	gone     atomic.Bool
	stopping atomic.Bool
	watched  chan struct{}
}

// watch notices the connecting side hanging up while the request is
// queued. That side sends nothing until it is accepted, so any outcome of
// the read other than the stop signal means it is gone.
func (in *streamIncoming) watch() {
	defer close(in.watched)
	var b [1]byte
	_, err := in.conn.Read(b[:])
	if ne, ok := err.(net.Error); ok && ne.Timeout() && in.stopping.Load() {
		return
	}
	in.gone.Store(true)
}

// stopWatch ends the watcher and waits for it.
func (in *streamIncoming) stopWatch() {
	in.stopping.Store(true)
	_ = in.conn.SetReadDeadline(time.Unix(1, 0))
	<-in.watched
}

func (in *streamIncoming) expired(now time.Time) bool {
	return in.gone.Load() || now.After(in.deadline)
}

func (in *streamIncoming) reject(string) {
	in.w.Byte(replyRejected)
	_ = in.w.Flush()
	in.conn.Close()
}

// accept tells the peer it was accepted and waits for its confirmation,
// which proves the peer did not give up in the meantime.
func (in *streamIncoming) accept(ctx context.Context) (net.Conn, error) {
	in.stopWatch()
	if in.gone.Load() {
		in.conn.Close()
		return nil, fmt.Errorf("peer %s hung up", in.conn.RemoteAddr())
	}
	_ = in.conn.SetDeadline(time.Now().Add(in.f.timeout))
	stop := context.AfterFunc(ctx, func() { _ = in.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	in.w.Byte(replyAccept)
	if err := in.w.Flush(); err != nil {
		in.conn.Close()
		return nil, err
	}
	if b := in.r.Byte(); in.r.Err() != nil || b != confirmByte {
		in.conn.Close()
		return nil, fmt.Errorf("peer %s did not confirm", in.conn.RemoteAddr())
	}
	_ = in.conn.SetDeadline(time.Time{})
	return &bufferedConn{streamConn: streamConn{Conn: in.conn, local: in.f.localAddr(in.port), remote: in.remote}, r: in.r}, nil
}

// bufferedConn reads through the handshake reader so bytes it buffered
// are not lost.
type bufferedConn struct {
	streamConn
	r *wire.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
