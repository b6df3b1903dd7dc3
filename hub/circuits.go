package hub

import (
	"math"
	"sync"
	"time"
)

// half is one side of a circuit as seen by this hub. A circuit crossing the
// hub is two paired halves: the upstream half faces the link the request
// came from, the downstream half faces the link it was forwarded to.
type half struct {
	index     int32
	link      *baseConn
	remote    int32 // index on the far side of link, -1 until known
	peer      *half
	requestID string
	upstream  bool
	acked     bool
	timer     *time.Timer
}

// orphan is what remains of a half whose peer was torn down.
type orphan struct {
	link      *baseConn
	remote    int32
	requestID string
	upstream  bool
	acked     bool // the downstream half of the circuit was acknowledged
}

// circuitTable is the hub's arena of circuit halves. Indices come from a
// counter and are not handed out again until it wraps, so frames still in
// flight for a released half find nothing instead of its successor.
type circuitTable struct {
	mu     sync.Mutex
	halves map[int32]*half
	next   int32
}

func newCircuitTable() *circuitTable {
	return &circuitTable{halves: make(map[int32]*half)}
}

func (t *circuitTable) alloc(link *baseConn, requestID string, upstream bool) *half {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := &half{link: link, remote: -1, requestID: requestID, upstream: upstream}
	for {
		h.index = t.next
		if t.next == math.MaxInt32 {
			t.next = 0
		} else {
			t.next++
		}
		if _, used := t.halves[h.index]; !used {
			break
		}
	}
	t.halves[h.index] = h
	return h
}

func (t *circuitTable) getLocked(index int32) *half {
	return t.halves[index]
}

func (t *circuitTable) currentLocked(h *half) bool {
	return h != nil && t.halves[h.index] == h
}

func (t *circuitTable) releaseLocked(h *half) {
	if !t.currentLocked(h) {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	delete(t.halves, h.index)
}

// releasePair drops h and its peer and reports whether h was still current.
func (t *circuitTable) releasePair(h *half) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.currentLocked(h) {
		return false
	}
	t.releaseLocked(h)
	t.releaseLocked(h.peer)
	return true
}

// lookup returns the current half at index if it belongs to link.
func (t *circuitTable) lookup(index int32, link *baseConn) *half {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.getLocked(index)
	if h == nil || h.link != link {
		return nil
	}
	return h
}

// withdraw releases the unacknowledged circuit that request id opened from
// link and returns its downstream half.
func (t *circuitTable) withdraw(link *baseConn, id string) *half {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.halves {
		if h.link != link || !h.upstream || h.requestID != id {
			continue
		}
		down := h.peer
		if down == nil || down.acked {
			return nil
		}
		t.releaseLocked(h)
		t.releaseLocked(down)
		return down
	}
	return nil
}

// route returns where a frame arriving on half index of link must go:
// the peer's link and the index that link knows the circuit by.
func (t *circuitTable) route(index int32, link *baseConn) (*baseConn, int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.getLocked(index)
	if h == nil || h.link != link || h.peer == nil || h.peer.remote < 0 {
		return nil, 0, false
	}
	return h.peer.link, h.peer.remote, true
}

// forLink removes every half on link together with its peer and returns
// what the far sides need to be told.
func (t *circuitTable) forLink(link *baseConn) []orphan {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []orphan
	for _, h := range t.halves {
		if h.link != link {
			continue
		}
		t.releaseLocked(h)
		p := h.peer
		if !t.currentLocked(p) {
			continue
		}
		t.releaseLocked(p)
		acked := p.acked
		if p.upstream {
			acked = h.acked
		}
		out = append(out, orphan{
			link:      p.link,
			remote:    p.remote,
			requestID: p.requestID,
			upstream:  p.upstream,
			acked:     acked,
		})
	}
	return out
}

// len returns the number of live halves.
func (t *circuitTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.halves)
}
