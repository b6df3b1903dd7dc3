package virtual

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// incoming is a connection request waiting in a backlog.
type incoming interface {
	// expired reports whether the connecting side has given up.
	expired(now time.Time) bool
	// accept completes the handshake; an error means the peer is gone.
	accept(ctx context.Context) (net.Conn, error)
	// reject refuses the request.
	reject(reason string)
}

// Results of ServerSocket.IncomingConnection.
const (
	Queued    = 0
	QueueFull = 1
	NotFound  = -1
)

// ServerSocket implements net.Listener for one virtual port.
type ServerSocket struct {
	factory *Factory
	addr    Addr
	backlog int
	log     *logrus.Entry

	mu     sync.Mutex
	queue  []incoming
	closed bool
	wake   chan struct{}
}

var _ net.Listener = (*ServerSocket)(nil)

func newServerSocket(f *Factory, addr Addr, backlog int) *ServerSocket {
	return &ServerSocket{
		factory: f,
		addr:    addr,
		backlog: backlog,
		log:     f.log.WithField("port", addr.Port),
		wake:    make(chan struct{}),
	}
}

func (s *ServerSocket) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// IncomingConnection queues a connection request. It returns Queued,
// QueueFull when the backlog holds only live requests, or NotFound when
// the socket is closed. It never blocks.
func (s *ServerSocket) IncomingConnection(in incoming) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NotFound
	}

	var evicted []incoming
	if len(s.queue) >= s.backlog {
		now := time.Now()
		live := s.queue[:0]
		for _, q := range s.queue {
			if q.expired(now) {
				evicted = append(evicted, q)
				continue
			}
			live = append(live, q)
		}
		s.queue = live
	}
	result := QueueFull
	if len(s.queue) < s.backlog {
		s.queue = append(s.queue, in)
		s.notifyLocked()
		result = Queued
	}
	s.mu.Unlock()

	for _, q := range evicted {
		q.reject(ReasonRejected)
	}
	if len(evicted) > 0 {
		s.log.WithFields(logrus.Fields{
			"function": "IncomingConnection",
			"evicted":  len(evicted),
		}).Debug("Evicted abandoned connection requests")
	}
	return result
}

// Pending returns the number of queued requests.
func (s *ServerSocket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Accept implements net.Listener.
func (s *ServerSocket) Accept() (net.Conn, error) {
	return s.AcceptContext(context.Background())
}

// AcceptContext waits for the next connection whose peer is still there.
// Requests whose peer vanished are dropped and the wait continues.
func (s *ServerSocket) AcceptContext(ctx context.Context) (net.Conn, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, &NetError{Op: "accept", Addr: s.addr.String(), Err: ErrClosed}
		}
		if len(s.queue) == 0 {
			wake := s.wake
			s.mu.Unlock()
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return nil, &NetError{Op: "accept", Addr: s.addr.String(), Err: ctx.Err()}
			}
		}
		in := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if in.expired(time.Now()) {
			in.reject(ReasonRejected)
			continue
		}
		conn, err := in.accept(ctx)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "AcceptContext",
				"error":    err.Error(),
			}).Debug("Dropping connection request")
			continue
		}
		return conn, nil
	}
}

// Close implements net.Listener. Waiting acceptors return and queued
// requests are rejected.
func (s *ServerSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.notifyLocked()
	s.mu.Unlock()

	for _, q := range queued {
		q.reject(ReasonRejected)
	}
	s.factory.unbind(s)
	return nil
}

// Addr implements net.Listener.
func (s *ServerSocket) Addr() net.Addr {
	return s.addr
}

// Port returns the bound port.
func (s *ServerSocket) Port() int {
	return s.addr.Port
}
