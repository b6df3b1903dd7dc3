package hub

import (
	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/gossip"
	"github.com/opd-ai/hubmesh/membership"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/sirupsen/logrus"
)

// hubLink is a link to another hub.
type hubLink struct {
	*baseConn
	hub       *Hub
	name      string
	initiator bool
}

var _ gossip.Peer = (*hubLink)(nil)

func newHubLink(h *Hub, hs *handshake, remote address.Set, name string, initiator bool) *hubLink {
	l := &hubLink{
		baseConn:  newBaseConn(hs, remote, KindHub, h.log),
		hub:       h,
		name:      name,
		initiator: initiator,
	}
	l.handler = l
	return l
}

// Address implements gossip.Peer.
func (l *hubLink) Address() address.Set {
	return l.peer
}

// SendGossip implements gossip.Peer.
func (l *hubLink) SendGossip(entries []membership.Description) error {
	return l.send(wire.OpGossip, func(w *wire.Writer) {
		gossip.WriteEntries(w, entries)
	})
}

func (l *hubLink) handleFrame(op wire.Opcode, r *wire.Reader) error {
	switch op {
	case wire.OpGossip:
		entries := gossip.ReadEntries(r)
		if err := r.Err(); err != nil {
			return err
		}
		l.hub.gossip.Receive(l.peer, entries)
		return nil

	case wire.OpClientMessage:
		msg := wire.ReadClientMessage(r)
		if err := r.Err(); err != nil {
			return err
		}
		l.hub.routeMessage(msg, true)
		return nil

	case wire.OpPing:
		return nil
	}
	return l.hub.handleShared(l.baseConn, op, r, true)
}

func (l *hubLink) onDisconnect() {
	h := l.hub
	h.mu.Lock()
	current := h.hubs[l.peer] == l
	if current {
		delete(h.hubs, l.peer)
	}
	h.mu.Unlock()

	h.teardownCircuits(l.baseConn)
	if !current {
		return
	}
	h.store.RemoveConnection(l.peer)
	h.gossip.PeerDown(l.peer)
	l.log.WithFields(logrus.Fields{
		"function": "onDisconnect",
		"name":     l.name,
	}).Info("Hub link lost")
}

// handleShared interprets the frames valid on both link kinds.
func (h *Hub) handleShared(c *baseConn, op wire.Opcode, r *wire.Reader, fromHub bool) error {
	switch op {
	case wire.OpCreateVirtual:
		cv := wire.ReadCreateVirtual(r)
		if err := r.Err(); err != nil {
			return err
		}
		h.createVirtual(c, cv, fromHub)

	case wire.OpCreateVirtualAck:
		ack := wire.ReadCreateVirtualAck(r)
		if err := r.Err(); err != nil {
			return err
		}
		h.virtualAck(c, ack)

	case wire.OpCloseVirtual:
		index := r.Int32()
		if err := r.Err(); err != nil {
			return err
		}
		h.closeVirtual(c, index)

	case wire.OpWithdrawVirtual:
		id := r.String()
		if err := r.Err(); err != nil {
			return err
		}
		h.withdrawVirtual(c, id)

	case wire.OpMessageVirtual:
		index := r.Int32()
		data := r.Blob()
		if err := r.Err(); err != nil {
			return err
		}
		h.forwardData(c, op, index, func(w *wire.Writer) { w.Blob(data) })

	case wire.OpMessageVirtualAck:
		index := r.Int32()
		n := r.Int32()
		if err := r.Err(); err != nil {
			return err
		}
		h.forwardData(c, op, index, func(w *wire.Writer) { w.Int32(n) })

	case wire.OpInfo:
		info := wire.ReadInfo(r)
		if err := r.Err(); err != nil {
			return err
		}
		c.replies.Store(info.ID, info.Values)

	case wire.OpDisconnect:
		return errDisconnect

	default:
		return unexpected(op, c.kind)
	}
	return nil
}
