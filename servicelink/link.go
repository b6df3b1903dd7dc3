// Package servicelink is the client side of the hub control channel.
//
// A Link registers a client with one hub and then carries everything the
// client exchanges with the mesh: membership queries, service properties,
// module messages and virtual circuit frames. Requests are correlated with
// their INFO replies by id; every wait is bounded.
package servicelink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/interfaces"
	"github.com/opd-ai/hubmesh/pending"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRefused is returned when the hub refuses the registration, usually
	// because the client id is already registered.
	ErrRefused = errors.New("service link refused")

	// ErrDenied is returned when the hub answers a property change DENIED.
	ErrDenied = errors.New("request denied by hub")

	// ErrClosed is returned for requests on a closed link.
	ErrClosed = errors.New("service link closed")

	// ErrNoHub is returned when no hub endpoint could be reached.
	ErrNoHub = errors.New("no hub reachable")
)

// DefaultTimeout bounds the handshake and every request.
const DefaultTimeout = 10 * time.Second

// MessageHandler receives module messages addressed to this client.
type MessageHandler func(msg wire.ClientMessage)

// VirtualHandler receives the circuit frames of a link. Handlers run on the
// link's read goroutine and must not block.
type VirtualHandler interface {
	HandleCreateVirtual(cv wire.CreateVirtual)
	HandleCreateVirtualAck(ack wire.CreateVirtualAck)
	HandleCloseVirtual(index int32)
	HandleMessageVirtual(index int32, data []byte)
	HandleMessageVirtualAck(index int32, n int32)
	// HandleWithdrawVirtual reports that the requester of circuit id gave
	// up before it was answered.
	HandleWithdrawVirtual(id string)
	LinkClosed()
}

// Config describes how to reach a hub.
type Config struct {
	// Endpoints are tried in order until one hub accepts.
	Endpoints []string
	// Client is the id registered with the hub.
	Client  address.Set
	Sockets interfaces.SocketFactory
	// Timeout bounds the handshake and requests; zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *logrus.Entry
}

// Link is a registered service link.
type Link struct {
	conn    net.Conn
	r       *wire.Reader
	wmu     sync.Mutex
	w       *wire.Writer
	hub     address.Set
	client  address.Set
	timeout time.Duration
	log     *logrus.Entry

	replies *pending.Table[[]string]

	mu      sync.RWMutex
	modules map[string]MessageHandler
	virtual VirtualHandler

	closeOnce sync.Once
	done      chan struct{}
}

// Connect registers cfg.Client with the first hub in cfg.Endpoints that
// accepts it.
func Connect(ctx context.Context, cfg Config) (*Link, error) {
	if cfg.Sockets == nil {
		return nil, errors.New("servicelink: no socket factory")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("component", "servicelink")
	}

	lastErr := ErrNoHub
	for _, ep := range cfg.Endpoints {
		l, err := connect(ctx, cfg, ep, log)
		if err == nil {
			return l, nil
		}
		log.WithFields(logrus.Fields{
			"function": "Connect",
			"endpoint": ep,
			"error":    err.Error(),
		}).Debug("Hub did not accept service link")
		lastErr = err
		if errors.Is(err, ErrRefused) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func connect(ctx context.Context, cfg Config, endpoint string, log *logrus.Entry) (*Link, error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	conn, err := cfg.Sockets.Dial(dctx, endpoint)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))

	r, w := wire.NewReader(conn), wire.NewWriter(conn)
	w.Opcode(wire.OpServiceLinkConnect)
	w.String(cfg.Client.String())
	if err := w.Flush(); err != nil {
		conn.Close()
		return nil, err
	}

	op, err := r.Opcode()
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch op {
	case wire.OpServiceLinkAccepted:
	case wire.OpServiceLinkRefused:
		conn.Close()
		return nil, fmt.Errorf("%w: %s at %s", ErrRefused, cfg.Client, endpoint)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected %s from hub %s", op, endpoint)
	}
	hub, err := address.Parse(r.String())
	if err != nil || r.Err() != nil {
		conn.Close()
		return nil, fmt.Errorf("bad hub address from %s: %w", endpoint, errors.Join(err, r.Err()))
	}
	_ = conn.SetDeadline(time.Time{})

	l := &Link{
		conn:    conn,
		r:       r,
		w:       w,
		hub:     hub,
		client:  cfg.Client,
		timeout: cfg.Timeout,
		log:     log.WithFields(logrus.Fields{"hub": hub.String(), "client": cfg.Client.String()}),
		replies: pending.New[[]string](),
		modules: make(map[string]MessageHandler),
		done:    make(chan struct{}),
	}
	go l.readLoop()

	l.log.WithField("function", "Connect").Info("Service link established")
	return l, nil
}

// Hub returns the address of the hub this link is registered with.
func (l *Link) Hub() address.Set { return l.hub }

// Client returns the registered client id.
func (l *Link) Client() address.Set { return l.client }

// Timeout returns the request timeout of the link.
func (l *Link) Timeout() time.Duration { return l.timeout }

// Done is closed when the link is gone.
func (l *Link) Done() <-chan struct{} { return l.done }

// RegisterModule routes module messages named name to handler.
func (l *Link) RegisterModule(name string, handler MessageHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules[name] = handler
}

// SetVirtualHandler installs the receiver of circuit frames.
func (l *Link) SetVirtualHandler(h VirtualHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.virtual = h
}

func (l *Link) virtualHandler() VirtualHandler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.virtual
}

// Close sends DISCONNECT and closes the socket.
func (l *Link) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = l.send(wire.OpDisconnect, nil)
	l.shutdown()
	return nil
}

func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
		l.replies.Close(ErrClosed)
	})
}

func (l *Link) send(op wire.Opcode, fn func(w *wire.Writer)) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.w.Opcode(op)
	if fn != nil {
		fn(l.w)
	}
	if err := l.w.Flush(); err != nil {
		l.shutdown()
		return fmt.Errorf("send %s: %w", op, err)
	}
	return nil
}

func (l *Link) readLoop() {
	defer func() {
		l.shutdown()
		if vh := l.virtualHandler(); vh != nil {
			vh.LinkClosed()
		}
	}()

	for {
		op, err := l.r.Opcode()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.log.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Warn("Service link lost")
			}
			return
		}
		if err := l.dispatch(op); err != nil {
			if !errors.Is(err, ErrClosed) {
				l.log.WithFields(logrus.Fields{
					"function": "readLoop",
					"opcode":   op.String(),
					"error":    err.Error(),
				}).Warn("Closing service link")
			}
			return
		}
	}
}

func (l *Link) dispatch(op wire.Opcode) error {
	r := l.r
	switch op {
	case wire.OpMessage:
		msg := wire.ReadClientMessage(r)
		if err := r.Err(); err != nil {
			return err
		}
		l.mu.RLock()
		handler := l.modules[msg.Module]
		l.mu.RUnlock()
		if handler == nil {
			l.log.WithFields(logrus.Fields{
				"function": "dispatch",
				"module":   msg.Module,
				"source":   msg.Source,
			}).Warn("Dropping message for unknown module")
			return nil
		}
		handler(msg)

	case wire.OpInfo:
		info := wire.ReadInfo(r)
		if err := r.Err(); err != nil {
			return err
		}
		if !l.replies.Store(info.ID, info.Values) {
			l.log.WithFields(logrus.Fields{
				"function": "dispatch",
				"id":       info.ID,
			}).Debug("Reply for unknown request")
		}

	case wire.OpCreateVirtual:
		cv := wire.ReadCreateVirtual(r)
		if err := r.Err(); err != nil {
			return err
		}
		if vh := l.virtualHandler(); vh != nil {
			vh.HandleCreateVirtual(cv)
			return nil
		}
		_ = l.SendCreateVirtualAck(wire.CreateVirtualAck{ID: cv.ID, RequestIndex: cv.Index, Reason: "not found"})

	case wire.OpCreateVirtualAck:
		ack := wire.ReadCreateVirtualAck(r)
		if err := r.Err(); err != nil {
			return err
		}
		if vh := l.virtualHandler(); vh != nil {
			vh.HandleCreateVirtualAck(ack)
		} else if ack.OK {
			_ = l.SendInfo(ack.ConfirmID, wire.ReplyDenied)
		}

	case wire.OpCloseVirtual:
		index := r.Int32()
		if err := r.Err(); err != nil {
			return err
		}
		if vh := l.virtualHandler(); vh != nil {
			vh.HandleCloseVirtual(index)
		}

	case wire.OpMessageVirtual:
		index := r.Int32()
		data := r.Blob()
		if err := r.Err(); err != nil {
			return err
		}
		if vh := l.virtualHandler(); vh != nil {
			vh.HandleMessageVirtual(index, data)
		}

	case wire.OpMessageVirtualAck:
		index, n := r.Int32(), r.Int32()
		if err := r.Err(); err != nil {
			return err
		}
		if vh := l.virtualHandler(); vh != nil {
			vh.HandleMessageVirtualAck(index, n)
		}

	case wire.OpWithdrawVirtual:
		id := r.String()
		if err := r.Err(); err != nil {
			return err
		}
		if vh := l.virtualHandler(); vh != nil {
			vh.HandleWithdrawVirtual(id)
		}

	case wire.OpPing:

	case wire.OpDisconnect:
		l.log.WithField("function", "dispatch").Info("Hub closed service link")
		return ErrClosed

	default:
		return fmt.Errorf("unexpected %s on service link", op)
	}
	return nil
}
