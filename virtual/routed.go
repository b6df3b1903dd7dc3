package virtual

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/limits"
	"github.com/opd-ai/hubmesh/pending"
	"github.com/opd-ai/hubmesh/servicelink"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/sirupsen/logrus"
)

// circuitTable maps local circuit indices to connections. Indices come
// from a counter and are not reused until it wraps, so late frames for a
// closed circuit never reach a newer one.
type circuitTable struct {
	mu    sync.Mutex
	conns map[int32]*circuitConn
	next  int32
}

func (t *circuitTable) add(c *circuitConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		t.conns = make(map[int32]*circuitConn)
	}
	for {
		c.index = t.next
		if t.next == math.MaxInt32 {
			t.next = 0
		} else {
			t.next++
		}
		if _, used := t.conns[c.index]; !used {
			break
		}
	}
	t.conns[c.index] = c
}

func (t *circuitTable) get(index int32) *circuitConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[index]
}

func (t *circuitTable) release(c *circuitConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[c.index] == c {
		delete(t.conns, c.index)
	}
}

func (t *circuitTable) all() []*circuitConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*circuitConn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *circuitTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// routed is the "hubrouted" module and the receiver of the service link's
// circuit frames.
type routed struct {
	f        *Factory
	link     *servicelink.Link
	circuits circuitTable
	acks     *pending.Table[wire.CreateVirtualAck]
	log      *logrus.Entry

	mu      sync.Mutex
	waiting map[string]*routedIncoming // queued requests by id
}

var _ servicelink.VirtualHandler = (*routed)(nil)

func newRouted(f *Factory, link *servicelink.Link) *routed {
	r := &routed{
		f:       f,
		link:    link,
		acks:    pending.New[wire.CreateVirtualAck](),
		log:     f.log.WithField("module", "hubrouted"),
		waiting: make(map[string]*routedIncoming),
	}
	link.SetVirtualHandler(r)
	return r
}

func (r *routed) Name() string { return "hubrouted" }

// Connect asks the hubs for a circuit to target and waits for the answer.
func (r *routed) Connect(ctx context.Context, target Addr, timeout time.Duration) (net.Conn, error) {
	c := newCircuitConn(r.link, &r.circuits, r.f.localAddr(0), r.f.credit)
	c.remote = target
	c.requestID = pending.NewID()
	r.circuits.add(c)
	if err := r.acks.Register(c.requestID); err != nil {
		r.circuits.release(c)
		return nil, err
	}

	cv := wire.CreateVirtual{
		ID:        c.requestID,
		Index:     c.index,
		TimeoutMS: wire.Millis(timeout),
		Source:    r.f.id.String(),
		Target:    target.Machine.String(),
		Port:      int32(target.Port),
	}
	if !target.Hub.IsZero() {
		cv.TargetHub = target.Hub.String()
	}
	if err := r.link.SendCreateVirtual(cv); err != nil {
		r.acks.Cancel(c.requestID)
		r.circuits.release(c)
		return nil, err
	}

	ack, err := r.acks.Wait(ctx, c.requestID, timeout)
	if err != nil {
		r.circuits.release(c)
		_ = r.link.SendWithdrawVirtual(c.requestID)
		if errors.Is(err, pending.ErrTimeout) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	if !ack.OK {
		r.circuits.release(c)
		return nil, &DeniedError{Reason: ack.Reason}
	}
	return c, nil
}

// HandleCreateVirtualAck implements servicelink.VirtualHandler. An OK is
// confirmed only while the connecting side still waits for it.
func (r *routed) HandleCreateVirtualAck(ack wire.CreateVirtualAck) {
	if !ack.OK {
		r.acks.Store(ack.ID, ack)
		return
	}
	c := r.circuits.get(ack.RequestIndex)
	if c == nil || c.requestID != ack.ID {
		_ = r.link.SendInfo(ack.ConfirmID, wire.ReplyDenied)
		return
	}
	c.open(ack.Index)
	if !r.acks.Store(ack.ID, ack) {
		r.circuits.release(c)
		_ = r.link.SendInfo(ack.ConfirmID, wire.ReplyDenied)
		return
	}
	_ = r.link.SendInfo(ack.ConfirmID, wire.ReplyOK)
}

// HandleCreateVirtual implements servicelink.VirtualHandler.
func (r *routed) HandleCreateVirtual(cv wire.CreateVirtual) {
	deny := func(reason string) {
		_ = r.link.SendCreateVirtualAck(wire.CreateVirtualAck{ID: cv.ID, RequestIndex: cv.Index, Reason: reason})
	}
	s := r.f.listener(int(cv.Port))
	if s == nil {
		deny(ReasonNotFound)
		return
	}

	timeout := time.Duration(cv.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = r.f.timeout
	}
	in := &routedIncoming{r: r, cv: cv, port: int(cv.Port), deadline: time.Now().Add(timeout)}
	r.track(in)
	switch s.IncomingConnection(in) {
	case QueueFull:
		r.untrack(in)
		deny(ReasonQueueFull)
	case NotFound:
		r.untrack(in)
		deny(ReasonNotFound)
	}
}

func (r *routed) track(in *routedIncoming) {
	r.mu.Lock()
	r.waiting[in.cv.ID] = in
	r.mu.Unlock()
}

func (r *routed) untrack(in *routedIncoming) {
	r.mu.Lock()
	if r.waiting[in.cv.ID] == in {
		delete(r.waiting, in.cv.ID)
	}
	r.mu.Unlock()
}

// HandleWithdrawVirtual implements servicelink.VirtualHandler. The queued
// request is marked so the backlog drops it.
func (r *routed) HandleWithdrawVirtual(id string) {
	r.mu.Lock()
	in := r.waiting[id]
	delete(r.waiting, id)
	r.mu.Unlock()
	if in == nil {
		return
	}
	in.withdrawn.Store(true)
	r.log.WithFields(logrus.Fields{
		"function": "HandleWithdrawVirtual",
		"id":       id,
		"port":     in.port,
	}).Debug("Connection request withdrawn")
}

// HandleCloseVirtual implements servicelink.VirtualHandler.
func (r *routed) HandleCloseVirtual(index int32) {
	if c := r.circuits.get(index); c != nil {
		c.peerClosed()
		r.circuits.release(c)
	}
}

// HandleMessageVirtual implements servicelink.VirtualHandler.
func (r *routed) HandleMessageVirtual(index int32, data []byte) {
	c := r.circuits.get(index)
	if c == nil {
		r.log.WithFields(logrus.Fields{
			"function": "HandleMessageVirtual",
			"index":    index,
		}).Debug("Data for unknown circuit")
		return
	}
	if err := limits.ValidateVirtualFragment(data); err != nil {
		r.log.WithFields(logrus.Fields{
			"function": "HandleMessageVirtual",
			"index":    index,
			"error":    err.Error(),
		}).Warn("Closing circuit after malformed fragment")
		c.Close()
		return
	}
	c.deliver(data)
}

// HandleMessageVirtualAck implements servicelink.VirtualHandler.
func (r *routed) HandleMessageVirtualAck(index int32, n int32) {
	if c := r.circuits.get(index); c != nil {
		c.addCredit(n)
	}
}

// LinkClosed implements servicelink.VirtualHandler.
func (r *routed) LinkClosed() {
	r.acks.Close(servicelink.ErrClosed)
	for _, c := range r.circuits.all() {
		c.peerClosed()
		r.circuits.release(c)
	}
}

// routedIncoming is a CREATE_VIRTUAL waiting in a backlog.
type routedIncoming struct {
	r         *routed
	cv        wire.CreateVirtual
	port      int
	deadline  time.Time
	withdrawn atomic.Bool
}

func (in *routedIncoming) expired(now time.Time) bool {
	return in.withdrawn.Load() || now.After(in.deadline)
}

func (in *routedIncoming) reject(reason string) {
	in.r.untrack(in)
	if in.withdrawn.Load() {
		return
	}
	_ = in.r.link.SendCreateVirtualAck(wire.CreateVirtualAck{ID: in.cv.ID, RequestIndex: in.cv.Index, Reason: reason})
}

// accept acknowledges the request and waits for the connecting side to
// confirm it is still there.
func (in *routedIncoming) accept(ctx context.Context) (net.Conn, error) {
	r := in.r
	r.untrack(in)
	c := newCircuitConn(r.link, &r.circuits, r.f.localAddr(in.port), r.f.credit)
	var remote Addr
	if src, err := address.Parse(in.cv.Source); err == nil {
		remote.Machine = src
	}
	c.remote = remote
	c.requestID = in.cv.ID
	r.circuits.add(c)
	c.open(in.cv.Index)

	confirm := pending.NewID()
	if err := r.link.ExpectReply(confirm); err != nil {
		r.circuits.release(c)
		return nil, err
	}
	err := r.link.SendCreateVirtualAck(wire.CreateVirtualAck{
		ID:           in.cv.ID,
		RequestIndex: in.cv.Index,
		OK:           true,
		Index:        c.index,
		ConfirmID:    confirm,
	})
	if err != nil {
		r.link.CancelReply(confirm)
		r.circuits.release(c)
		return nil, err
	}

	values, err := r.link.WaitReply(ctx, confirm)
	if err != nil || len(values) == 0 || values[0] != wire.ReplyOK {
		r.circuits.release(c)
		if err == nil {
			err = fmt.Errorf("connection request %s withdrawn", in.cv.ID)
		}
		return nil, err
	}
	return c, nil
}
