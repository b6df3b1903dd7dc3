package hub

import (
	"net"
	"testing"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/config"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, seeds ...string) *Hub {
	t.Helper()
	props := config.FromMap(map[string]string{
		config.KeyGossipInterval:    "50ms",
		config.KeyHubConnectTimeout: "2s",
	})
	h, err := New(Options{
		Properties:    props,
		ListenAddress: "127.0.0.1:0",
		Seeds:         seeds,
	})
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h
}

// rawPeer speaks the wire protocol to a hub by hand.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer
}

func dialRaw(t *testing.T, h *Hub) *rawPeer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.ListenAddr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{t: t, conn: conn, r: wire.NewReader(conn), w: wire.NewWriter(conn)}
}

func (p *rawPeer) send(op wire.Opcode, fn func(w *wire.Writer)) {
	p.t.Helper()
	p.w.Opcode(op)
	if fn != nil {
		fn(p.w)
	}
	require.NoError(p.t, p.w.Flush())
}

// next returns the next opcode, skipping keepalive pings and gossip.
func (p *rawPeer) next() wire.Opcode {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		op, err := p.r.Opcode()
		require.NoError(p.t, err)
		switch op {
		case wire.OpPing:
		case wire.OpGossip:
			_ = readGossip(p.r)
		default:
			return op
		}
	}
}

func (p *rawPeer) expect(op wire.Opcode) {
	p.t.Helper()
	require.Equal(p.t, op, p.next())
}

func (p *rawPeer) info() wire.Info {
	p.t.Helper()
	p.expect(wire.OpInfo)
	info := wire.ReadInfo(p.r)
	require.NoError(p.t, p.r.Err())
	return info
}

func (p *rawPeer) ack() wire.CreateVirtualAck {
	p.t.Helper()
	p.expect(wire.OpCreateVirtualAck)
	ack := wire.ReadCreateVirtualAck(p.r)
	require.NoError(p.t, p.r.Err())
	return ack
}

func (p *rawPeer) query(op wire.Opcode, id string, args ...string) []string {
	p.t.Helper()
	p.send(op, func(w *wire.Writer) {
		w.String(id)
		for _, a := range args {
			w.String(a)
		}
	})
	info := p.info()
	require.Equal(p.t, id, info.ID)
	return info.Values
}

// registerClient opens a service link for client.
func registerClient(t *testing.T, h *Hub, client address.Set) *rawPeer {
	t.Helper()
	p := dialRaw(t, h)
	p.send(wire.OpServiceLinkConnect, func(w *wire.Writer) { w.String(client.String()) })
	p.expect(wire.OpServiceLinkAccepted)
	require.Equal(t, h.Address().String(), p.r.String())
	return p
}

const (
	testWait = 5 * time.Second
	testTick = 10 * time.Millisecond
)
