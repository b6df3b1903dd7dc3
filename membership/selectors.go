package membership

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opd-ai/hubmesh/address"
)

// ErrBadHubInfo indicates a string that is not a HubInfo detail line.
var ErrBadHubInfo = errors.New("malformed hub info")

// ClientInfo is one answer to a client query. Info is the service property
// for the queried tag, empty when no tag was given.
type ClientInfo struct {
	Client address.Set
	Hub    address.Set
	Info   string
}

// String renders "client" or "client info".
func (c ClientInfo) String() string {
	if c.Info == "" {
		return c.Client.String()
	}
	return c.Client.String() + " " + c.Info
}

// ParseClientInfo reverses ClientInfo.String. Hub is left empty.
func ParseClientInfo(s string) (ClientInfo, error) {
	client, info, _ := strings.Cut(s, " ")
	addr, err := address.Parse(client)
	if err != nil {
		return ClientInfo{}, err
	}
	return ClientInfo{Client: addr, Info: info}, nil
}

// HubAddresses returns every known hub, local first.
func (s *Store) HubAddresses() []address.Set {
	all := s.Select(nil)
	out := make([]address.Set, len(all))
	for i := range all {
		out[i] = all[i].Address
	}
	return out
}

// ReachableHubs returns the hubs the local hub currently has links to.
func (s *Store) ReachableHubs() []address.Set {
	var out []address.Set
	for _, d := range s.Select(func(d *Description) bool { return d.Address != s.local && d.Reachable }) {
		out = append(out, d.Address)
	}
	return out
}

// ClientsForHub lists the clients of hub. With a non-empty tag only the
// clients that registered it are returned, with their property.
func (s *Store) ClientsForHub(hub address.Set, tag string) []ClientInfo {
	d, ok := s.Get(hub)
	if !ok {
		return nil
	}
	return clientsOf(&d, tag)
}

// ClientsByTag lists clients across all hubs, filtered as in ClientsForHub.
func (s *Store) ClientsByTag(tag string) []ClientInfo {
	var out []ClientInfo
	for _, d := range s.Select(nil) {
		out = append(out, clientsOf(&d, tag)...)
	}
	return out
}

func clientsOf(d *Description, tag string) []ClientInfo {
	var out []ClientInfo
	if tag == "" {
		for _, c := range d.Clients {
			out = append(out, ClientInfo{Client: c, Hub: d.Address})
		}
		return out
	}
	for k, info := range d.Services {
		if k.Tag == tag {
			out = append(out, ClientInfo{Client: k.Client, Hub: d.Address, Info: info})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client.String() < out[j].Client.String() })
	return out
}

// HubsForClient returns every hub claiming to host c, local first.
func (s *Store) HubsForClient(c address.Set) []address.Set {
	var out []address.Set
	for _, d := range s.Select(func(d *Description) bool { return d.HasClient(c) }) {
		out = append(out, d.Address)
	}
	return out
}

// Directions returns the hubs through which c can be reached from here:
// the local hub if it hosts c, then directly linked hubs hosting c.
func (s *Store) Directions(c address.Set) []address.Set {
	var out []address.Set
	for _, d := range s.Select(func(d *Description) bool { return d.HasClient(c) }) {
		if d.Address == s.local || d.Reachable {
			out = append(out, d.Address)
		}
	}
	return out
}

// HubInfo is the parsed form of a hub detail line.
type HubInfo struct {
	Address     address.Set
	Name        string
	State       int64
	Clients     int
	ConnectedTo []address.Set
}

// String renders the detail line:
//
//	HubInfo(addr, "name", state, clients, n, connected1, ..., connectedN)
func (h HubInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "HubInfo(%s, %s, %d, %d, %d", h.Address, strconv.Quote(h.Name), h.State, h.Clients, len(h.ConnectedTo))
	for _, c := range h.ConnectedTo {
		b.WriteString(", ")
		b.WriteString(c.String())
	}
	b.WriteString(")")
	return b.String()
}

// Details returns a detail line for every known hub, local first.
func (s *Store) Details() []string {
	all := s.Select(nil)
	out := make([]string, len(all))
	for i, d := range all {
		out[i] = HubInfo{
			Address:     d.Address,
			Name:        d.Name,
			State:       d.State,
			Clients:     len(d.Clients),
			ConnectedTo: d.ConnectedTo,
		}.String()
	}
	return out
}

// ParseHubInfo parses a line produced by HubInfo.String.
func ParseHubInfo(line string) (HubInfo, error) {
	body, ok := strings.CutPrefix(line, "HubInfo(")
	if !ok {
		return HubInfo{}, ErrBadHubInfo
	}
	body, ok = strings.CutSuffix(body, ")")
	if !ok {
		return HubInfo{}, ErrBadHubInfo
	}

	addrText, rest, ok := strings.Cut(body, ", ")
	if !ok {
		return HubInfo{}, ErrBadHubInfo
	}
	addr, err := address.Parse(addrText)
	if err != nil {
		return HubInfo{}, fmt.Errorf("%w: %v", ErrBadHubInfo, err)
	}

	quoted, err := strconv.QuotedPrefix(rest)
	if err != nil {
		return HubInfo{}, fmt.Errorf("%w: name: %v", ErrBadHubInfo, err)
	}
	name, _ := strconv.Unquote(quoted)

	fields := strings.Split(strings.TrimPrefix(rest[len(quoted):], ", "), ", ")
	if len(fields) < 3 {
		return HubInfo{}, ErrBadHubInfo
	}
	state, err1 := strconv.ParseInt(fields[0], 10, 64)
	clients, err2 := strconv.Atoi(fields[1])
	n, err3 := strconv.Atoi(fields[2])
	if err := errors.Join(err1, err2, err3); err != nil {
		return HubInfo{}, fmt.Errorf("%w: %v", ErrBadHubInfo, err)
	}
	if len(fields)-3 != n {
		return HubInfo{}, fmt.Errorf("%w: expected %d connections, got %d", ErrBadHubInfo, n, len(fields)-3)
	}

	info := HubInfo{Address: addr, Name: name, State: state, Clients: clients}
	for _, f := range fields[3:] {
		c, err := address.Parse(f)
		if err != nil {
			return HubInfo{}, fmt.Errorf("%w: %v", ErrBadHubInfo, err)
		}
		info.ConnectedTo = append(info.ConnectedTo, c)
	}
	return info, nil
}
