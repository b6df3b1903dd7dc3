package gossip

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/membership"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hub1    = address.MustParse("10.0.0.1:17878#h1")
	hub2    = address.MustParse("10.0.0.2:17878#h2")
	hub3    = address.MustParse("10.0.0.3:17878#h3")
	clientC = address.MustParse("192.168.1.7:4000#c")
)

// wirePeer delivers gossip to another engine through the frame codec.
type wirePeer struct {
	from   address.Set
	to     address.Set
	remote *Engine
	fail   bool
	sent   int
}

func (p *wirePeer) Address() address.Set { return p.to }

func (p *wirePeer) SendGossip(entries []membership.Description) error {
	if p.fail {
		return errors.New("link down")
	}
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	WriteEntries(w, entries)
	if err := w.Flush(); err != nil {
		return err
	}
	r := wire.NewReader(&buf)
	got := ReadEntries(r)
	if err := r.Err(); err != nil {
		return err
	}
	p.sent++
	p.remote.Receive(p.from, got)
	return nil
}

type fakeFabric struct {
	mu         sync.Mutex
	peers      []Peer
	reconnects int
}

func (f *fakeFabric) Peers() []Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Peer(nil), f.peers...)
}

func (f *fakeFabric) Reconnect(context.Context) {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

type node struct {
	store  *membership.Store
	fabric *fakeFabric
	engine *Engine
}

func newNode(addr address.Set, name string) *node {
	n := &node{store: membership.NewStore(addr, name, nil), fabric: &fakeFabric{}}
	n.engine = New(n.store, n.fabric, Config{Interval: 10 * time.Millisecond})
	return n
}

func link(a, b *node) {
	a.fabric.peers = append(a.fabric.peers, &wirePeer{from: a.store.Local(), to: b.store.Local(), remote: b.engine})
	b.fabric.peers = append(b.fabric.peers, &wirePeer{from: b.store.Local(), to: a.store.Local(), remote: a.engine})
	a.engine.PeerUp(b.store.Local())
	b.engine.PeerUp(a.store.Local())
}

func TestChainConverges(t *testing.T) {
	n1, n2, n3 := newNode(hub1, "alpha"), newNode(hub2, "beta"), newNode(hub3, "gamma")
	n1.store.Add(hub2)
	n2.store.Add(hub1)
	n2.store.Add(hub3)
	n3.store.Add(hub2)
	link(n1, n2)
	link(n2, n3)

	n1.store.AddClient(clientC)
	n1.store.AddService(clientC, "web", "http://c")

	for i := 0; i < 3; i++ {
		n1.engine.Round()
		n2.engine.Round()
		n3.engine.Round()
	}

	d, ok := n3.store.Get(hub1)
	require.True(t, ok)
	assert.Equal(t, n1.store.Version(), d.State)
	assert.True(t, d.HasClient(clientC))
	assert.Equal(t, "http://c", d.Services[membership.ServiceKey{Client: clientC, Tag: "web"}])
	assert.Equal(t, "alpha", d.Name)

	d, _ = n1.store.Get(hub3)
	assert.Equal(t, "gamma", d.Name)
	assert.Positive(t, n1.fabric.reconnects)
}

func TestStaleSnapshotIgnored(t *testing.T) {
	n2 := newNode(hub2, "beta")

	n2.engine.Receive(hub1, []membership.Description{{Address: hub1, State: 5, Clients: []address.Set{clientC}}})
	n2.engine.Receive(hub1, []membership.Description{{Address: hub1, State: 4}})

	d, ok := n2.store.Get(hub1)
	require.True(t, ok)
	assert.Equal(t, int64(5), d.State)
	assert.True(t, d.HasClient(clientC))
	assert.True(t, d.CanReachMe)
}

func TestDeltasAfterFirstRound(t *testing.T) {
	n1, n2 := newNode(hub1, "alpha"), newNode(hub2, "beta")
	link(n1, n2)
	peer := n1.fabric.peers[0].(*wirePeer)

	n1.engine.Round()
	assert.Equal(t, 1, peer.sent)

	n1.engine.Round()
	assert.Equal(t, 1, peer.sent, "nothing changed, nothing sent")

	n1.store.AddClient(clientC)
	n1.engine.Round()
	assert.Equal(t, 2, peer.sent)

	n1.engine.PeerUp(hub2)
	n1.engine.Round()
	assert.Equal(t, 3, peer.sent, "a fresh link gets a full snapshot")
}

func TestFailedSendIsRetried(t *testing.T) {
	n1, n2 := newNode(hub1, "alpha"), newNode(hub2, "beta")
	link(n1, n2)
	peer := n1.fabric.peers[0].(*wirePeer)
	peer.fail = true

	n1.engine.Round()
	_, ok := n2.store.Get(hub1)
	assert.False(t, ok)

	peer.fail = false
	n1.engine.Round()
	_, ok = n2.store.Get(hub1)
	assert.True(t, ok)
}

func TestPeerDownClearsReachability(t *testing.T) {
	n1 := newNode(hub1, "alpha")
	n1.store.Add(hub2)
	n1.engine.PeerUp(hub2)

	d, _ := n1.store.Get(hub2)
	assert.True(t, d.Reachable)

	n1.engine.PeerDown(hub2)
	d, _ = n1.store.Get(hub2)
	assert.False(t, d.Reachable)
}

func TestOnLearnedCallback(t *testing.T) {
	var learned []address.Set
	store := membership.NewStore(hub1, "alpha", nil)
	e := New(store, &fakeFabric{}, Config{OnLearned: func(a []address.Set) { learned = append(learned, a...) }})

	e.Receive(hub2, []membership.Description{{Address: hub2, State: 1, ConnectedTo: []address.Set{hub3}}})
	assert.ElementsMatch(t, []address.Set{hub2, hub3}, learned)
}

func TestStartStop(t *testing.T) {
	n1 := newNode(hub1, "alpha")
	require.NoError(t, n1.engine.Start())
	require.NoError(t, n1.engine.Start())

	assert.Eventually(t, func() bool { return n1.engine.Rounds() >= 2 }, time.Second, 5*time.Millisecond)
	n1.engine.Stop()
	n1.engine.Stop()

	after := n1.engine.Rounds()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, n1.engine.Rounds())
}

func TestReadEntriesRejectsBadAddress(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	w.Int(1)
	w.String("not an address")
	w.String("x")
	w.Int64(1)
	w.Strings(nil)
	w.Int(0)
	w.Strings(nil)
	require.NoError(t, w.Flush())

	r := wire.NewReader(&buf)
	assert.Nil(t, ReadEntries(r))
	assert.ErrorIs(t, r.Err(), wire.ErrMalformed)
}
