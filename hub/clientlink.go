package hub

import (
	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/membership"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/sirupsen/logrus"
)

// clientLink is the service link of a registered client.
type clientLink struct {
	*baseConn
	hub *Hub
}

func newClientLink(h *Hub, hs *handshake, client address.Set) *clientLink {
	l := &clientLink{
		baseConn: newBaseConn(hs, client, KindClient, h.log),
		hub:      h,
	}
	l.handler = l
	return l
}

func (l *clientLink) handleFrame(op wire.Opcode, r *wire.Reader) error {
	h := l.hub
	switch op {
	case wire.OpMessage:
		msg := wire.ReadClientMessage(r)
		if err := r.Err(); err != nil {
			return err
		}
		msg.Source = l.peer.String()
		msg.SourceHub = h.address.String()
		msg.HopsLeft = int32(h.hops)
		h.routeMessage(msg, false)
		return nil

	case wire.OpHubs:
		id := r.String()
		if err := r.Err(); err != nil {
			return err
		}
		return l.reply(id, setStrings(h.store.HubAddresses())...)

	case wire.OpHubDetails:
		id := r.String()
		if err := r.Err(); err != nil {
			return err
		}
		return l.reply(id, h.store.Details()...)

	case wire.OpClientsForHub:
		id, hub, tag := r.String(), r.String(), r.String()
		if err := r.Err(); err != nil {
			return err
		}
		addr, err := address.Parse(hub)
		if err != nil {
			return l.reply(id)
		}
		return l.reply(id, infoStrings(h.store.ClientsForHub(addr, tag))...)

	case wire.OpAllClients:
		id, tag := r.String(), r.String()
		if err := r.Err(); err != nil {
			return err
		}
		return l.reply(id, infoStrings(h.store.ClientsByTag(tag))...)

	case wire.OpDirection:
		id, client := r.String(), r.String()
		if err := r.Err(); err != nil {
			return err
		}
		addr, err := address.Parse(client)
		if err != nil {
			return l.reply(id)
		}
		return l.reply(id, setStrings(h.store.Directions(addr))...)

	case wire.OpRegisterProperty, wire.OpUpdateProperty:
		id, tag, info := r.String(), r.String(), r.String()
		if err := r.Err(); err != nil {
			return err
		}
		var ok bool
		if op == wire.OpRegisterProperty {
			ok = h.store.AddService(l.peer, tag, info)
		} else {
			ok = h.store.UpdateService(l.peer, tag, info)
		}
		return l.reply(id, verdict(ok))

	case wire.OpRemoveProperty:
		id, tag := r.String(), r.String()
		if err := r.Err(); err != nil {
			return err
		}
		return l.reply(id, verdict(h.store.RemoveService(l.peer, tag)))

	case wire.OpPing:
		return nil
	}
	return h.handleShared(l.baseConn, op, r, false)
}

func (l *clientLink) onDisconnect() {
	h := l.hub
	h.mu.Lock()
	current := h.clients[l.peer] == l
	if current {
		delete(h.clients, l.peer)
	}
	h.mu.Unlock()

	h.teardownCircuits(l.baseConn)
	if !current {
		return
	}
	h.store.RemoveClient(l.peer)
	l.log.WithFields(logrus.Fields{
		"function": "onDisconnect",
		"clients":  len(h.Clients()),
	}).Info("Client left")
}

func verdict(ok bool) string {
	if ok {
		return wire.ReplyOK
	}
	return wire.ReplyDenied
}

func setStrings(sets []address.Set) []string {
	out := make([]string, len(sets))
	for i, s := range sets {
		out[i] = s.String()
	}
	return out
}

func infoStrings(infos []membership.ClientInfo) []string {
	out := make([]string, len(infos))
	for i, c := range infos {
		out[i] = c.String()
	}
	return out
}

// reply answers a query. A failed write closes the link, which ends the
// read loop on its own.
func (l *clientLink) reply(id string, values ...string) error {
	_ = l.sendInfo(id, values...)
	return nil
}
