package gossip

import (
	"sort"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/limits"
	"github.com/opd-ai/hubmesh/membership"
	"github.com/opd-ai/hubmesh/wire"
)

// WriteEntries encodes a GOSSIP body:
//
//	count int32
//	entry* = address, name, state int64, clients []string,
//	         services count + (client, tag, info)*, connectedTo []string
func WriteEntries(w *wire.Writer, entries []membership.Description) {
	w.Int(len(entries))
	for i := range entries {
		d := &entries[i]
		w.String(d.Address.String())
		w.String(d.Name)
		w.Int64(d.State)
		w.Strings(setStrings(d.Clients))

		keys := make([]membership.ServiceKey, 0, len(d.Services))
		for k := range d.Services {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].Client != keys[j].Client {
				return keys[i].Client.String() < keys[j].Client.String()
			}
			return keys[i].Tag < keys[j].Tag
		})
		w.Int(len(keys))
		for _, k := range keys {
			w.String(k.Client.String())
			w.String(k.Tag)
			w.String(d.Services[k])
		}

		w.Strings(setStrings(d.ConnectedTo))
	}
}

// ReadEntries decodes a GOSSIP body. Entries with unparseable addresses
// fail the whole frame.
func ReadEntries(r *wire.Reader) []membership.Description {
	n := r.Int()
	if r.Err() != nil {
		return nil
	}
	if err := limits.ValidateCount(n, limits.MaxListLength); err != nil {
		r.Fail("%v", err)
		return nil
	}

	out := make([]membership.Description, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		d := membership.Description{
			Address: parse(r, r.String()),
			Name:    r.String(),
			State:   r.Int64(),
		}
		for _, c := range r.Strings() {
			d.Clients = append(d.Clients, parse(r, c))
		}

		ns := r.Int()
		if err := limits.ValidateCount(ns, limits.MaxListLength); r.Err() == nil && err != nil {
			r.Fail("%v", err)
		}
		d.Services = make(map[membership.ServiceKey]string)
		for j := 0; j < ns && r.Err() == nil; j++ {
			k := membership.ServiceKey{Client: parse(r, r.String()), Tag: r.String()}
			d.Services[k] = r.String()
		}

		for _, h := range r.Strings() {
			d.ConnectedTo = append(d.ConnectedTo, parse(r, h))
		}
		out = append(out, d)
	}
	if r.Err() != nil {
		return nil
	}
	return out
}

func parse(r *wire.Reader, s string) address.Set {
	if r.Err() != nil {
		return address.Set{}
	}
	a, err := address.Parse(s)
	if err != nil {
		r.Fail("bad address %q: %v", s, err)
	}
	return a
}

func setStrings(sets []address.Set) []string {
	out := make([]string, len(sets))
	for i, s := range sets {
		out[i] = s.String()
	}
	return out
}
