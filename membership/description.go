package membership

import (
	"sort"
	"time"

	"github.com/opd-ai/hubmesh/address"
)

// ServiceKey identifies one registered service property.
type ServiceKey struct {
	Client address.Set
	Tag    string
}

// Description is a snapshot of one hub's membership entry.
//
// Reachable and CanReachMe are local observations and are never taken from
// gossip.
type Description struct {
	Address     address.Set
	Name        string
	State       int64
	Reachable   bool
	CanReachMe  bool
	Clients     []address.Set
	Services    map[ServiceKey]string
	ConnectedTo []address.Set
	LastContact time.Time
}

// HasClient reports whether c is hosted by the hub.
func (d Description) HasClient(c address.Set) bool {
	for _, x := range d.Clients {
		if x == c {
			return true
		}
	}
	return false
}

// IsConnectedTo reports whether the hub has a direct link to hub.
func (d Description) IsConnectedTo(hub address.Set) bool {
	for _, x := range d.ConnectedTo {
		if x == hub {
			return true
		}
	}
	return false
}

// entry is the mutable form held by the Store.
type entry struct {
	address     address.Set
	name        string
	state       int64
	reachable   bool
	canReachMe  bool
	clients     map[address.Set]struct{}
	services    map[ServiceKey]string
	connectedTo map[address.Set]struct{}
	lastContact time.Time

	// changed is the store change sequence at the last modification.
	changed int64
}

func newEntry(addr address.Set) *entry {
	return &entry{
		address:     addr,
		clients:     make(map[address.Set]struct{}),
		services:    make(map[ServiceKey]string),
		connectedTo: make(map[address.Set]struct{}),
	}
}

func (e *entry) snapshot() Description {
	d := Description{
		Address:     e.address,
		Name:        e.name,
		State:       e.state,
		Reachable:   e.reachable,
		CanReachMe:  e.canReachMe,
		Clients:     sortedSets(e.clients),
		Services:    make(map[ServiceKey]string, len(e.services)),
		ConnectedTo: sortedSets(e.connectedTo),
		LastContact: e.lastContact,
	}
	for k, v := range e.services {
		d.Services[k] = v
	}
	return d
}

// replace copies the gossiped fields of d into e.
func (e *entry) replace(d Description) {
	e.name = d.Name
	e.state = d.State
	e.clients = make(map[address.Set]struct{}, len(d.Clients))
	for _, c := range d.Clients {
		e.clients[c] = struct{}{}
	}
	e.services = make(map[ServiceKey]string, len(d.Services))
	for k, v := range d.Services {
		e.services[k] = v
	}
	e.connectedTo = make(map[address.Set]struct{}, len(d.ConnectedTo))
	for _, h := range d.ConnectedTo {
		e.connectedTo[h] = struct{}{}
	}
}

func sortedSets(m map[address.Set]struct{}) []address.Set {
	out := make([]address.Set, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
