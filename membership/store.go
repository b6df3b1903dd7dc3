// Package membership holds a hub's view of the mesh: every known hub, the
// clients each one hosts, their registered service properties and the
// hub-to-hub links.
//
// The Store is pure data. The gossip engine feeds it remote snapshots via
// Merge and reads deltas via Since; the connection fabric mutates the local
// entry as links and clients come and go.
package membership

import (
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/sirupsen/logrus"
)

// VersionCounter issues the states of the local hub's description. Every
// local mutation takes the next value.
type VersionCounter struct {
	v int64
}

// Next advances the counter and returns the new value.
func (c *VersionCounter) Next() int64 {
	c.v++
	return c.v
}

// Current returns the last issued value.
func (c *VersionCounter) Current() int64 {
	return c.v
}

// Store is the membership table of one hub. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	local   address.Set
	version VersionCounter
	seq     int64
	entries map[address.Set]*entry
	log     *logrus.Entry
}

// NewStore creates a store whose local entry is addr with the given name.
func NewStore(local address.Set, name string, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.WithField("component", "membership")
	}
	s := &Store{
		local:   local,
		entries: make(map[address.Set]*entry),
		log:     log,
	}
	e := newEntry(local)
	e.name = name
	e.reachable = true
	e.canReachMe = true
	e.state = s.version.Next()
	s.seq++
	e.changed = s.seq
	s.entries[local] = e
	return s
}

// Local returns the local hub address.
func (s *Store) Local() address.Set {
	return s.local
}

// LocalDescription returns a snapshot of the local entry.
func (s *Store) LocalDescription() Description {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[s.local].snapshot()
}

// Version returns the current value of the local version counter.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version.Current()
}

// Sequence returns the change sequence; pass it to Since later to obtain
// the entries changed after this point.
func (s *Store) Sequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// touch marks e changed. Callers hold s.mu.
func (s *Store) touch(e *entry) {
	s.seq++
	e.changed = s.seq
}

// bumpLocal assigns the local entry a new state. Callers hold s.mu.
func (s *Store) bumpLocal() {
	e := s.entries[s.local]
	e.state = s.version.Next()
	s.touch(e)
}

// Add returns the entry for addr, creating it with state 0 if absent.
func (s *Store) Add(addr address.Set) (Description, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[addr]; ok {
		return e.snapshot(), false
	}
	e := newEntry(addr)
	s.entries[addr] = e
	s.touch(e)
	s.log.WithFields(logrus.Fields{
		"function": "Add",
		"hub":      addr.String(),
	}).Debug("Added hub to membership")
	return e.snapshot(), true
}

// Get returns the entry for addr.
func (s *Store) Get(addr address.Set) (Description, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[addr]
	if !ok {
		return Description{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of known hubs, including the local one.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Select returns the matching entries, local hub first, the rest ordered
// by address. A nil pred matches everything.
func (s *Store) Select(pred func(*Description) bool) []Description {
	s.mu.RLock()
	all := make([]Description, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		li, lj := all[i].Address == s.local, all[j].Address == s.local
		if li != lj {
			return li
		}
		return all[i].Address.String() < all[j].Address.String()
	})

	if pred == nil {
		return all
	}
	out := all[:0]
	for i := range all {
		if pred(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out
}

// Merge applies remote descriptions. An entry is replaced only when the
// remote state is strictly newer, so states never decrease and the order
// of merges does not matter. The local entry and the local-only flags are
// never taken from remote data. Hubs that appear only in a ConnectedTo list
// are added with state 0. Merge returns the addresses that were unknown
// before the call.
func (s *Store) Merge(remote []Description) []address.Set {
	s.mu.Lock()
	defer s.mu.Unlock()

	var learned []address.Set
	learn := func(addr address.Set) *entry {
		e, ok := s.entries[addr]
		if !ok {
			e = newEntry(addr)
			s.entries[addr] = e
			s.touch(e)
			learned = append(learned, addr)
		}
		return e
	}

	for _, d := range remote {
		if d.Address.IsZero() || d.Address == s.local {
			continue
		}
		e := learn(d.Address)
		if d.State > e.state {
			s.log.WithFields(logrus.Fields{
				"function":  "Merge",
				"hub":       d.Address.String(),
				"old_state": e.state,
				"new_state": d.State,
			}).Debug("Merged newer hub description")
			e.replace(d)
			s.touch(e)
		}
		for _, h := range d.ConnectedTo {
			if !h.IsZero() && h != s.local {
				learn(h)
			}
		}
	}
	return learned
}

// Since returns the entries changed after seq and the sequence to use for
// the next call. Since(0) is a full snapshot.
func (s *Store) Since(seq int64) ([]Description, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Description
	for _, e := range s.entries {
		if e.changed > seq {
			out = append(out, e.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out, s.seq
}

// AddClient records a client hosted by the local hub.
func (s *Store) AddClient(c address.Set) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[s.local]
	if _, ok := e.clients[c]; ok {
		return false
	}
	e.clients[c] = struct{}{}
	s.bumpLocal()
	return true
}

// RemoveClient drops a local client and its service properties.
func (s *Store) RemoveClient(c address.Set) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[s.local]
	if _, ok := e.clients[c]; !ok {
		return false
	}
	delete(e.clients, c)
	for k := range e.services {
		if k.Client == c {
			delete(e.services, k)
		}
	}
	s.bumpLocal()
	return true
}

// AddService registers a property for a local client. It fails if the
// client already has the tag.
func (s *Store) AddService(c address.Set, tag, info string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[s.local]
	k := ServiceKey{Client: c, Tag: tag}
	if _, ok := e.services[k]; ok {
		return false
	}
	e.services[k] = info
	s.bumpLocal()
	return true
}

// UpdateService replaces an existing property.
func (s *Store) UpdateService(c address.Set, tag, info string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[s.local]
	k := ServiceKey{Client: c, Tag: tag}
	if _, ok := e.services[k]; !ok {
		return false
	}
	e.services[k] = info
	s.bumpLocal()
	return true
}

// RemoveService deletes an existing property.
func (s *Store) RemoveService(c address.Set, tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[s.local]
	k := ServiceKey{Client: c, Tag: tag}
	if _, ok := e.services[k]; !ok {
		return false
	}
	delete(e.services, k)
	s.bumpLocal()
	return true
}

// AddConnection records a direct link from the local hub to hub.
func (s *Store) AddConnection(hub address.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[s.local]
	if _, ok := e.connectedTo[hub]; ok {
		return
	}
	e.connectedTo[hub] = struct{}{}
	s.bumpLocal()
}

// RemoveConnection forgets the direct link to hub.
func (s *Store) RemoveConnection(hub address.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[s.local]
	if _, ok := e.connectedTo[hub]; !ok {
		return
	}
	delete(e.connectedTo, hub)
	s.bumpLocal()
}

// SetReachable records whether the local hub can reach addr. It is a local
// observation and does not change the entry's state.
func (s *Store) SetReachable(addr address.Set, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[addr]; ok && addr != s.local {
		e.reachable = v
		if v {
			e.lastContact = time.Now()
		}
	}
}

// SetCanReachMe records whether addr has reached the local hub.
func (s *Store) SetCanReachMe(addr address.Set, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[addr]; ok && addr != s.local {
		e.canReachMe = v
		if v {
			e.lastContact = time.Now()
		}
	}
}

// Touch records contact with addr.
func (s *Store) Touch(addr address.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[addr]; ok {
		e.lastContact = time.Now()
	}
}
