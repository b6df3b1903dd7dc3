package hub

import (
	"sort"
	"time"

	"github.com/opd-ai/hubmesh/gossip"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/sirupsen/logrus"
)

// Statistics returns the counters of every live link, hubs first.
func (h *Hub) Statistics() []LinkStatistics {
	h.mu.RLock()
	out := make([]LinkStatistics, 0, len(h.hubs)+len(h.clients))
	for _, l := range h.hubs {
		out = append(out, l.statistics())
	}
	for _, l := range h.clients {
		out = append(out, l.statistics())
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == KindHub
		}
		return out[i].Peer < out[j].Peer
	})
	return out
}

// Uptime returns how long the hub has been running.
func (h *Hub) Uptime() time.Duration {
	if h.started.IsZero() {
		return 0
	}
	return time.Since(h.started)
}

func (h *Hub) printStatistics(interval time.Duration) {
	defer h.wg.Done()
	if interval <= 0 {
		interval = gossip.DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			stats := h.Statistics()
			var in, out int64
			for _, s := range stats {
				in += s.BytesIn
				out += s.BytesOut
				h.log.WithFields(logrus.Fields{
					"function":   "printStatistics",
					"peer":       s.Peer,
					"kind":       string(s.Kind),
					"frames_in":  s.FramesIn,
					"frames_out": s.FramesOut,
					"bytes_in":   s.BytesIn,
					"bytes_out":  s.BytesOut,
				}).Info("Link statistics")
			}
			h.log.WithFields(logrus.Fields{
				"function":  "printStatistics",
				"links":     len(stats),
				"hubs":      h.store.Len(),
				"circuits":  h.CircuitCount(),
				"bytes_in":  in,
				"bytes_out": out,
				"uptime":    h.Uptime().Round(time.Second).String(),
			}).Info("Hub statistics")
		}
	}
}

// keepalive pings client links, which carry no gossip, so dead sockets are
// noticed.
func (h *Hub) keepalive(interval time.Duration) {
	defer h.wg.Done()
	if interval <= 0 {
		interval = gossip.DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			links := make([]*clientLink, 0, len(h.clients))
			for _, l := range h.clients {
				links = append(links, l)
			}
			h.mu.RUnlock()
			for _, l := range links {
				_ = l.send(wire.OpPing, nil)
			}
		}
	}
}
