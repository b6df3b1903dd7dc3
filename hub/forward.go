package hub

import (
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/pending"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/sirupsen/logrus"
)

// Circuit denial reasons sent in CREATE_VIRTUAL_ACK.
const (
	ReasonNoRoute   = "no route"
	ReasonMalformed = "malformed request"
	ReasonTimeout   = "Timeout"
	ReasonClosed    = "connection closed"
)

// hubRoute picks the direct link towards the hub hosting client, preferring
// an explicit target hub.
func (h *Hub) hubRoute(client address.Set, targetHub string) *hubLink {
	if targetHub != "" {
		hub, err := address.Parse(targetHub)
		if err != nil {
			return nil
		}
		return h.hubLinkFor(hub)
	}
	for _, hub := range h.store.HubsForClient(client) {
		if hub == h.address {
			continue
		}
		if l := h.hubLinkFor(hub); l != nil {
			return l
		}
	}
	return nil
}

// routeMessage delivers a module message to a local client or forwards it
// one hop towards the target's hub. Messages that arrived from a hub are
// only delivered locally.
func (h *Hub) routeMessage(msg wire.ClientMessage, fromHub bool) {
	log := h.log.WithFields(logrus.Fields{
		"function": "routeMessage",
		"source":   msg.Source,
		"target":   msg.Target,
		"module":   msg.Module,
	})

	target, err := address.Parse(msg.Target)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Dropping message with bad target")
		return
	}
	if cl := h.clientLinkFor(target); cl != nil {
		if err := cl.send(wire.OpMessage, msg.Write); err != nil {
			log.WithField("error", err.Error()).Debug("Local delivery failed")
		}
		return
	}
	if fromHub || msg.HopsLeft <= 0 {
		log.Warn("Dropping message: no route")
		return
	}
	link := h.hubRoute(target, msg.TargetHub)
	if link == nil {
		log.Warn("Dropping message: no route")
		return
	}
	msg.HopsLeft--
	if err := link.send(wire.OpClientMessage, msg.Write); err != nil {
		log.WithField("error", err.Error()).Debug("Forwarding failed")
	}
}

// createVirtual handles a CREATE_VIRTUAL arriving on from. A request from a
// client may be forwarded to the target's hub; a request from a hub must
// end at a local client.
func (h *Hub) createVirtual(from *baseConn, cv wire.CreateVirtual, fromHub bool) {
	log := h.log.WithFields(logrus.Fields{
		"function": "createVirtual",
		"id":       cv.ID,
		"target":   cv.Target,
		"port":     cv.Port,
	})
	deny := func(reason string) {
		log.WithField("reason", reason).Debug("Circuit denied")
		_ = from.sendAck(wire.CreateVirtualAck{ID: cv.ID, RequestIndex: cv.Index, Reason: reason})
	}

	target, err := address.Parse(cv.Target)
	if err != nil {
		deny(ReasonMalformed)
		return
	}
	var next *baseConn
	if cl := h.clientLinkFor(target); cl != nil {
		next = cl.baseConn
	} else if !fromHub {
		if cv.TargetHub != "" {
			if _, err := address.Parse(cv.TargetHub); err != nil {
				deny(ReasonMalformed)
				return
			}
		}
		if hl := h.hubRoute(target, cv.TargetHub); hl != nil {
			next = hl.baseConn
		}
	}
	if next == nil || next == from {
		deny(ReasonNoRoute)
		return
	}

	timeout := time.Duration(cv.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = h.circuitTimeout
	}

	up := h.circuits.alloc(from, cv.ID, true)
	down := h.circuits.alloc(next, cv.ID, false)
	h.circuits.mu.Lock()
	up.remote = cv.Index
	up.peer, down.peer = down, up
	down.timer = time.AfterFunc(timeout, func() { h.expireCircuit(down) })
	h.circuits.mu.Unlock()

	fwd := cv
	fwd.Index = down.index
	if !fromHub {
		fwd.Source = from.peer.String()
	}
	if err := next.send(wire.OpCreateVirtual, fwd.Write); err != nil {
		if h.circuits.releasePair(up) {
			deny(ReasonClosed)
		}
		return
	}
	log.WithFields(logrus.Fields{
		"up":   up.index,
		"down": down.index,
		"via":  next.peer.String(),
	}).Debug("Circuit request forwarded")
}

// expireCircuit denies a request that was not acknowledged in time and
// withdraws it downstream.
func (h *Hub) expireCircuit(down *half) {
	h.circuits.mu.Lock()
	if !h.circuits.currentLocked(down) || down.acked {
		h.circuits.mu.Unlock()
		return
	}
	up := down.peer
	h.circuits.releaseLocked(down)
	h.circuits.releaseLocked(up)
	h.circuits.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"function": "expireCircuit",
		"id":       up.requestID,
	}).Debug("Circuit request timed out")
	_ = up.link.sendAck(wire.CreateVirtualAck{ID: up.requestID, RequestIndex: up.remote, Reason: ReasonTimeout})
	_ = down.link.sendWithdraw(down.requestID)
}

// withdrawVirtual handles WITHDRAW_VIRTUAL arriving on from: the requester
// gave up, so the circuit is dropped here and the withdrawal passed on.
func (h *Hub) withdrawVirtual(from *baseConn, id string) {
	down := h.circuits.withdraw(from, id)
	if down == nil {
		return
	}
	h.log.WithFields(logrus.Fields{
		"function": "withdrawVirtual",
		"id":       id,
		"via":      down.link.peer.String(),
	}).Debug("Circuit request withdrawn")
	_ = down.link.sendWithdraw(id)
}

// virtualAck handles a CREATE_VIRTUAL_ACK arriving on from. An OK is passed
// upstream with a fresh confirmation id; the downstream side learns the
// upstream answer once it arrives.
func (h *Hub) virtualAck(from *baseConn, ack wire.CreateVirtualAck) {
	h.circuits.mu.Lock()
	down := h.circuits.getLocked(ack.RequestIndex)
	valid := down != nil && down.link == from && !down.upstream &&
		down.requestID == ack.ID && !down.acked
	var up *half
	if valid {
		up = down.peer
		if ack.OK {
			down.remote = ack.Index
			down.acked = true
			if down.timer != nil {
				down.timer.Stop()
			}
		} else {
			h.circuits.releaseLocked(down)
			h.circuits.releaseLocked(up)
		}
	}
	h.circuits.mu.Unlock()

	if !valid {
		if ack.OK {
			_ = from.sendInfo(ack.ConfirmID, wire.ReplyDenied)
		}
		return
	}
	if !ack.OK {
		_ = up.link.sendAck(wire.CreateVirtualAck{ID: up.requestID, RequestIndex: up.remote, Reason: ack.Reason})
		return
	}

	confirm := pending.NewID()
	if err := up.link.replies.Register(confirm); err != nil {
		h.circuits.releasePair(down)
		_ = from.sendInfo(ack.ConfirmID, wire.ReplyDenied)
		return
	}
	err := up.link.sendAck(wire.CreateVirtualAck{
		ID:           up.requestID,
		RequestIndex: up.remote,
		OK:           true,
		Index:        up.index,
		ConfirmID:    confirm,
	})
	if err != nil {
		up.link.replies.Cancel(confirm)
		h.circuits.releasePair(down)
		_ = from.sendInfo(ack.ConfirmID, wire.ReplyDenied)
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		values, err := up.link.replies.Wait(h.ctx, confirm, h.circuitTimeout)
		if err == nil && len(values) > 0 && values[0] == wire.ReplyOK {
			_ = from.sendInfo(ack.ConfirmID, wire.ReplyOK)
			return
		}
		h.circuits.releasePair(down)
		_ = from.sendInfo(ack.ConfirmID, wire.ReplyDenied)
	}()
}

// forwardData passes MESSAGE_VIRTUAL and MESSAGE_VIRTUAL_ACK frames to the
// other half of their circuit.
func (h *Hub) forwardData(from *baseConn, op wire.Opcode, index int32, fn func(w *wire.Writer)) {
	link, remote, ok := h.circuits.route(index, from)
	if !ok {
		h.log.WithFields(logrus.Fields{
			"function": "forwardData",
			"opcode":   op.String(),
			"index":    index,
		}).Debug("Dropping frame for unknown circuit")
		return
	}
	_ = link.send(op, func(w *wire.Writer) {
		w.Int32(remote)
		fn(w)
	})
}

// closeVirtual handles CLOSE_VIRTUAL arriving on from.
func (h *Hub) closeVirtual(from *baseConn, index int32) {
	hf := h.circuits.lookup(index, from)
	if hf == nil {
		return
	}
	h.circuits.mu.Lock()
	peer := hf.peer
	remote := peer.remote
	h.circuits.mu.Unlock()
	if !h.circuits.releasePair(hf) {
		return
	}
	if remote >= 0 {
		_ = peer.link.send(wire.OpCloseVirtual, func(w *wire.Writer) { w.Int32(remote) })
	}
}

// teardownCircuits releases the circuits crossing a lost link and tells the
// far sides.
func (h *Hub) teardownCircuits(link *baseConn) {
	for _, o := range h.circuits.forLink(link) {
		switch {
		case o.upstream && !o.acked:
			_ = o.link.sendAck(wire.CreateVirtualAck{ID: o.requestID, RequestIndex: o.remote, Reason: ReasonClosed})
		case !o.upstream && !o.acked:
			_ = o.link.sendWithdraw(o.requestID)
		case o.remote >= 0:
			remote := o.remote
			_ = o.link.send(wire.OpCloseVirtual, func(w *wire.Writer) { w.Int32(remote) })
		}
	}
}

// CircuitCount returns the number of circuit halves held by the hub.
func (h *Hub) CircuitCount() int {
	return h.circuits.len()
}
