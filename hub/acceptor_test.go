package hub

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/gossip"
	"github.com/opd-ai/hubmesh/membership"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readGossip(r *wire.Reader) []membership.Description {
	return gossip.ReadEntries(r)
}

func TestDuplicateHubJoinRefused(t *testing.T) {
	h := newTestHub(t)
	other := address.MustParse("127.0.0.1:1#other")

	first := dialRaw(t, h)
	first.send(wire.OpConnect, func(w *wire.Writer) {
		w.String(other.String())
		w.String("other")
	})
	require.Equal(t, wire.OpConnectionAccepted, first.next())
	assert.Equal(t, h.Address().String(), first.r.String())
	assert.Equal(t, h.Name(), first.r.String())

	second := dialRaw(t, h)
	second.send(wire.OpConnect, func(w *wire.Writer) {
		w.String(other.String())
		w.String("other")
	})
	require.Equal(t, wire.OpConnectionRefused, second.next())
	assert.Equal(t, h.Address().String(), second.r.String())

	assert.Equal(t, []address.Set{other}, h.ConnectedHubs())
	d, ok := h.Store().Get(other)
	require.True(t, ok)
	assert.True(t, d.Reachable)

	first.conn.Close()
	require.Eventually(t, func() bool {
		d, _ := h.Store().Get(other)
		return len(h.ConnectedHubs()) == 0 && !d.Reachable
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSelfJoinRefused(t *testing.T) {
	h := newTestHub(t)
	p := dialRaw(t, h)
	p.send(wire.OpConnect, func(w *wire.Writer) {
		w.String(h.Address().String())
		w.String("me")
	})
	require.Equal(t, wire.OpConnectionRefused, p.next())
	assert.Empty(t, h.ConnectedHubs())
}

func TestDuplicateClientRefused(t *testing.T) {
	h := newTestHub(t)
	client := address.MustParse("127.0.0.1:2000#c1")
	registerClient(t, h, client)

	p := dialRaw(t, h)
	p.send(wire.OpServiceLinkConnect, func(w *wire.Writer) { w.String(client.String()) })
	assert.Equal(t, wire.OpServiceLinkRefused, p.next())
	assert.Equal(t, []address.Set{client}, h.Clients())
}

func TestOneShotRequests(t *testing.T) {
	h := newTestHub(t)

	p := dialRaw(t, h)
	p.send(wire.OpGetSpliceInfo, nil)
	host, port := p.r.String(), p.r.Int32()
	require.NoError(t, p.r.Err())
	localHost, localPort, err := net.SplitHostPort(p.conn.LocalAddr().String())
	require.NoError(t, err)
	assert.Equal(t, localHost, host)
	assert.Equal(t, localPort, strconv.Itoa(int(port)))

	p = dialRaw(t, h)
	p.send(wire.OpBounceIP, nil)
	assert.Equal(t, "127.0.0.1", p.r.String())

	p = dialRaw(t, h)
	p.send(wire.OpPing, func(w *wire.Writer) { w.String("prober") })
	require.Equal(t, wire.OpPing, p.next())
	assert.Equal(t, h.Address().String(), p.r.String())

	_, err = p.r.Opcode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestUnknownHandshakeClosed(t *testing.T) {
	h := newTestHub(t)
	p := dialRaw(t, h)
	p.send(wire.OpInfo, nil)

	_ = p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := p.r.Opcode()
	assert.ErrorIs(t, err, io.EOF)
}
