package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/membership"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/sirupsen/logrus"
)

// connector dials known hubs that have no link and the configured seeds.
type connector struct {
	hub *Hub

	mu      sync.Mutex
	seeds   []string
	aliases map[string]address.Set // seed endpoint -> hub answering there
	dialing map[string]bool
}

func newConnector(h *Hub, seeds []string) *connector {
	c := &connector{
		hub:     h,
		aliases: make(map[string]address.Set),
		dialing: make(map[string]bool),
	}
	c.addSeeds(seeds)
	return c
}

func (c *connector) addSeeds(seeds []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range seeds {
		s = strings.TrimSpace(s)
		if s == "" || containsString(c.seeds, s) {
			continue
		}
		c.seeds = append(c.seeds, s)
	}
}

type dialTarget struct {
	key       string
	endpoints []string
}

// targets lists what to dial this round.
func (c *connector) targets() []dialTarget {
	h := c.hub
	var out []dialTarget
	for _, d := range h.store.Select(func(d *membership.Description) bool {
		return d.Address != h.address && !d.Reachable
	}) {
		if h.hubLinkFor(d.Address) != nil {
			continue
		}
		out = append(out, dialTarget{key: d.Address.String(), endpoints: d.Address.Endpoints()})
	}

	linked := make(map[string]bool)
	for _, a := range h.ConnectedHubs() {
		linked[a.String()] = true
		for _, ep := range a.Endpoints() {
			linked[ep] = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.seeds {
		if linked[s] {
			continue
		}
		if alias, ok := c.aliases[s]; ok && (alias == h.address || linked[alias.String()]) {
			continue
		}
		out = append(out, dialTarget{key: s, endpoints: []string{s}})
	}
	return out
}

// reconnect starts a dial for every target not already being dialed. It
// does not wait for the dials.
func (c *connector) reconnect(ctx context.Context) {
	h := c.hub
	if h.ctx.Err() != nil {
		return
	}
	for _, t := range c.targets() {
		c.mu.Lock()
		if c.dialing[t.key] {
			c.mu.Unlock()
			continue
		}
		c.dialing[t.key] = true
		c.mu.Unlock()

		h.wg.Add(1)
		go func(t dialTarget) {
			defer h.wg.Done()
			defer func() {
				c.mu.Lock()
				delete(c.dialing, t.key)
				c.mu.Unlock()
			}()
			c.dial(ctx, t)
		}(t)
	}
}

func (c *connector) dial(ctx context.Context, t dialTarget) {
	h := c.hub
	log := h.log.WithFields(logrus.Fields{
		"function": "dial",
		"target":   t.key,
	})

	for _, ep := range t.endpoints {
		dctx, cancel := context.WithTimeout(ctx, h.timeout)
		conn, err := h.sockets.Dial(dctx, ep)
		cancel()
		if err != nil {
			log.WithFields(logrus.Fields{
				"endpoint": ep,
				"error":    err.Error(),
			}).Debug("Hub dial failed")
			continue
		}

		remote, err := c.join(newHandshake(conn))
		if !remote.IsZero() && len(t.endpoints) == 1 && t.key == ep {
			c.mu.Lock()
			c.aliases[ep] = remote
			c.mu.Unlock()
		}
		if err != nil {
			log.WithField("error", err.Error()).Debug("Hub join failed")
		}
		return
	}
}

// join runs the CONNECT handshake on a fresh connection and registers the
// resulting link. It returns the address of the hub that answered.
func (c *connector) join(hs *handshake) (address.Set, error) {
	h := c.hub
	_ = hs.conn.SetDeadline(time.Now().Add(h.timeout))

	hs.w.Opcode(wire.OpConnect)
	hs.w.String(h.address.String())
	hs.w.String(h.name)
	if err := hs.w.Flush(); err != nil {
		hs.conn.Close()
		return address.Set{}, err
	}

	op, err := hs.r.Opcode()
	if err != nil {
		hs.conn.Close()
		return address.Set{}, err
	}
	switch op {
	case wire.OpConnectionRefused:
		remote, _ := address.Parse(hs.r.String())
		hs.conn.Close()
		return remote, fmt.Errorf("join refused by %s", remote)
	case wire.OpConnectionAccepted:
	default:
		hs.conn.Close()
		return address.Set{}, unexpected(op, KindHub)
	}

	text, name := hs.r.String(), hs.r.String()
	remote, err := address.Parse(text)
	if hs.r.Err() != nil || err != nil {
		hs.conn.Close()
		return address.Set{}, fmt.Errorf("%w: bad accept reply %q", ErrProtocol, text)
	}

	l := newHubLink(h, hs, remote, name, true)
	var replaced *hubLink
	h.mu.Lock()
	existing := h.hubs[remote]
	switch {
	case h.ctx.Err() != nil:
		h.mu.Unlock()
		l.disconnect()
		return remote, context.Canceled
	case existing != nil && (existing.initiator || remote.String() < h.address.String()):
		// Both hubs dialed each other; the link dialed by the smaller
		// address survives on both sides.
		h.mu.Unlock()
		l.disconnect()
		return remote, nil
	case existing != nil:
		replaced = existing
	}
	h.hubs[remote] = l
	h.mu.Unlock()

	if replaced != nil {
		replaced.disconnect()
	}
	h.hubUp(l)
	h.startLink(l.baseConn)
	return remote, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
