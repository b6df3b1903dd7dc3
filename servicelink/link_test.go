package servicelink

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/config"
	"github.com/opd-ai/hubmesh/hub"
	"github.com/opd-ai/hubmesh/interfaces"
	"github.com/opd-ai/hubmesh/real"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *hub.Hub {
	t.Helper()
	h, err := hub.New(hub.Options{
		Properties:    config.FromMap(map[string]string{config.KeyGossipInterval: "50ms"}),
		ListenAddress: "127.0.0.1:0",
	})
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h
}

func sockets(t *testing.T) *real.TCPSocketFactory {
	t.Helper()
	f, err := real.NewTCPSocketFactory(interfaces.SocketConfig{DialTimeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	return f
}

func connectClient(t *testing.T, h *hub.Hub, client string) *Link {
	t.Helper()
	l, err := Connect(context.Background(), Config{
		Endpoints: []string{h.ListenAddr().String()},
		Client:    address.MustParse(client),
		Sockets:   sockets(t),
		Timeout:   2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestConnectAndQuery(t *testing.T) {
	h := startHub(t)
	l := connectClient(t, h, "127.0.0.1:3000#one")
	ctx := context.Background()

	assert.Equal(t, h.Address(), l.Hub())

	hubs, err := l.Hubs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []address.Set{h.Address()}, hubs)

	details, err := l.HubDetails(ctx)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, h.Address(), details[0].Address)
	assert.Equal(t, 1, details[0].Clients)

	require.NoError(t, l.RegisterProperty(ctx, "echo", "v1"))
	err = l.RegisterProperty(ctx, "echo", "v2")
	assert.ErrorIs(t, err, ErrDenied)
	require.NoError(t, l.UpdateProperty(ctx, "echo", "v2"))

	clients, err := l.ClientsForHub(ctx, h.Address(), "echo")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, l.Client(), clients[0].Client)
	assert.Equal(t, "v2", clients[0].Info)
	assert.Equal(t, h.Address(), clients[0].Hub)

	all, err := l.AllClients(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	dirs, err := l.Direction(ctx, l.Client())
	require.NoError(t, err)
	assert.Equal(t, []address.Set{h.Address()}, dirs)

	require.NoError(t, l.RemoveProperty(ctx, "echo"))
	assert.ErrorIs(t, l.RemoveProperty(ctx, "echo"), ErrDenied)
}

func TestDuplicateRegistrationRefused(t *testing.T) {
	h := startHub(t)
	connectClient(t, h, "127.0.0.1:3001#dup")

	_, err := Connect(context.Background(), Config{
		Endpoints: []string{h.ListenAddr().String()},
		Client:    address.MustParse("127.0.0.1:3001#dup"),
		Sockets:   sockets(t),
	})
	assert.ErrorIs(t, err, ErrRefused)
}

func TestConnectTriesEndpointsInOrder(t *testing.T) {
	h := startHub(t)
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	dead.Close()

	l, err := Connect(context.Background(), Config{
		Endpoints: []string{deadAddr, h.ListenAddr().String()},
		Client:    address.MustParse("127.0.0.1:3002#order"),
		Sockets:   sockets(t),
	})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, h.Address(), l.Hub())
}

func TestModuleMessages(t *testing.T) {
	h := startHub(t)
	a := connectClient(t, h, "127.0.0.1:3003#a")
	b := connectClient(t, h, "127.0.0.1:3004#b")

	got := make(chan wire.ClientMessage, 1)
	b.RegisterModule("chat", func(msg wire.ClientMessage) { got <- msg })

	require.NoError(t, a.Send(wire.ClientMessage{
		Target: b.Client().String(),
		Module: "chat",
		Code:   3,
		Blobs:  [][]byte{[]byte("hi")},
	}))

	select {
	case msg := <-got:
		assert.Equal(t, a.Client().String(), msg.Source)
		assert.Equal(t, int32(3), msg.Code)
		assert.Equal(t, [][]byte{[]byte("hi")}, msg.Blobs)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRequestsFailAfterClose(t *testing.T) {
	h := startHub(t)
	l := connectClient(t, h, "127.0.0.1:3005#closed")
	require.NoError(t, l.Close())

	<-l.Done()
	_, err := l.Hubs(context.Background())
	assert.Error(t, err)
	require.Eventually(t, func() bool { return len(h.Clients()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestOneShotRequests(t *testing.T) {
	h := startHub(t)
	f := sockets(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := f.Dial(ctx, h.ListenAddr().String())
	require.NoError(t, err)
	local := conn.LocalAddr().(*net.TCPAddr)
	host, port, err := SpliceInfo(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, local.Port, port)

	conn, err = f.Dial(ctx, h.ListenAddr().String())
	require.NoError(t, err)
	ip, err := BounceIP(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)

	conn, err = f.Dial(ctx, h.ListenAddr().String())
	require.NoError(t, err)
	addr, err := Ping(ctx, conn, "tester")
	require.NoError(t, err)
	assert.Equal(t, h.Address(), addr)
}
