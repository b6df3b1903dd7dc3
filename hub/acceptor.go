package hub

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/sirupsen/logrus"
)

func (h *Hub) acceptLoop() {
	defer h.wg.Done()

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			h.log.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		h.wg.Add(1)
		go h.classify(conn)
	}
}

// classify reads the first frame of a new connection and hands the
// connection to the matching handler.
func (h *Hub) classify(conn net.Conn) {
	defer h.wg.Done()

	log := h.log.WithFields(logrus.Fields{
		"function": "classify",
		"remote":   conn.RemoteAddr().String(),
	})
	_ = conn.SetDeadline(time.Now().Add(h.timeout))
	hs := newHandshake(conn)

	op, err := hs.r.Opcode()
	if err != nil {
		log.WithField("error", err.Error()).Debug("No handshake received")
		conn.Close()
		return
	}

	switch op {
	case wire.OpConnect:
		remote, name := hs.r.String(), hs.r.String()
		addr, err := address.Parse(remote)
		if hs.r.Err() != nil || err != nil {
			log.WithField("address", remote).Warn("Bad hub join request")
			conn.Close()
			return
		}
		h.acceptHub(hs, addr, name)

	case wire.OpServiceLinkConnect:
		client := hs.r.String()
		addr, err := address.Parse(client)
		if hs.r.Err() != nil || err != nil {
			log.WithField("client", client).Warn("Bad client registration")
			conn.Close()
			return
		}
		h.acceptClient(hs, addr)

	case wire.OpGetSpliceInfo:
		host, port := observed(conn)
		hs.w.String(host)
		hs.w.Int32(int32(port))
		_ = hs.w.Flush()
		conn.Close()

	case wire.OpBounceIP:
		host, _ := observed(conn)
		hs.w.String(host)
		_ = hs.w.Flush()
		conn.Close()

	case wire.OpPing:
		_ = hs.r.String()
		hs.w.Opcode(wire.OpPing)
		hs.w.String(h.address.String())
		_ = hs.w.Flush()
		conn.Close()

	default:
		log.WithField("opcode", op.String()).Warn("Unknown handshake")
		conn.Close()
	}
}

// observed returns the peer endpoint as seen by this hub.
func observed(conn net.Conn) (string, int) {
	host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// acceptHub registers a joining hub. The first link registered for an
// address wins; later joins are refused. The reply is written before the
// table lock is released so no gossip can overtake it.
func (h *Hub) acceptHub(hs *handshake, remote address.Set, name string) {
	refuse := func(reason string) {
		h.log.WithFields(logrus.Fields{
			"function": "acceptHub",
			"remote":   remote.String(),
			"reason":   reason,
		}).Debug("Hub join refused")
		hs.w.Opcode(wire.OpConnectionRefused)
		hs.w.String(h.address.String())
		_ = hs.w.Flush()
		hs.conn.Close()
	}
	if remote == h.address {
		refuse("self")
		return
	}

	l := newHubLink(h, hs, remote, name, false)
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		refuse("stopping")
		return
	}
	if _, exists := h.hubs[remote]; exists {
		h.mu.Unlock()
		refuse("duplicate")
		return
	}
	h.hubs[remote] = l
	l.wmu.Lock()
	h.mu.Unlock()

	h.hubUp(l)
	_ = l.sendLocked(wire.OpConnectionAccepted, func(w *wire.Writer) {
		w.String(h.address.String())
		w.String(h.name)
	})
	l.wmu.Unlock()
	h.startLink(l.baseConn)
}

// acceptClient registers a client under the same first-writer-wins rule.
func (h *Hub) acceptClient(hs *handshake, client address.Set) {
	l := newClientLink(h, hs, client)
	h.mu.Lock()
	_, exists := h.clients[client]
	if exists || h.ctx.Err() != nil {
		h.mu.Unlock()
		hs.w.Opcode(wire.OpServiceLinkRefused)
		_ = hs.w.Flush()
		hs.conn.Close()
		return
	}
	h.clients[client] = l
	l.wmu.Lock()
	h.mu.Unlock()

	h.store.AddClient(client)
	_ = l.sendLocked(wire.OpServiceLinkAccepted, func(w *wire.Writer) {
		w.String(h.address.String())
	})
	l.wmu.Unlock()

	l.log.WithField("function", "acceptClient").Info("Client registered")
	h.startLink(l.baseConn)
}

// hubUp records a new hub link in the store and the gossip engine.
func (h *Hub) hubUp(l *hubLink) {
	h.store.Add(l.peer)
	h.store.AddConnection(l.peer)
	h.gossip.PeerUp(l.peer)
	h.store.SetCanReachMe(l.peer, true)
	l.log.WithFields(logrus.Fields{
		"function":  "hubUp",
		"name":      l.name,
		"initiator": l.initiator,
	}).Info("Hub link established")
}

// startLink clears the handshake deadline and starts the read loop.
func (h *Hub) startLink(c *baseConn) {
	_ = c.conn.SetDeadline(time.Time{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.run()
	}()
}
