package real

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/opd-ai/hubmesh/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFactory(t *testing.T, cfg interfaces.SocketConfig) *TCPSocketFactory {
	t.Helper()
	f, err := NewTCPSocketFactory(cfg, nil)
	require.NoError(t, err)
	return f
}

func TestDialAndListenLoopback(t *testing.T) {
	f := newFactory(t, interfaces.SocketConfig{DialTimeout: time.Second})

	l, err := f.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(c, c)
	}()

	conn, err := f.Dial(context.Background(), l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestDialRefused(t *testing.T) {
	f := newFactory(t, interfaces.SocketConfig{DialTimeout: time.Second})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = f.Dial(context.Background(), addr)
	assert.Error(t, err)
}

func TestDialFromSharesLocalPort(t *testing.T) {
	f := newFactory(t, interfaces.SocketConfig{DialTimeout: time.Second, ReuseAddress: true})

	l1, err := f.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l1.Close()
	l2, err := f.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l2.Close()

	c1, err := f.DialFrom(context.Background(), 0, l1.Addr().String())
	require.NoError(t, err)
	defer c1.Close()

	_, portText, _ := net.SplitHostPort(c1.LocalAddr().String())
	port, _ := strconv.Atoi(portText)

	c2, err := f.DialFrom(context.Background(), port, l2.Addr().String())
	require.NoError(t, err)
	defer c2.Close()

	assert.Equal(t, c1.LocalAddr().(*net.TCPAddr).Port, c2.LocalAddr().(*net.TCPAddr).Port)
}

func TestSOCKS5ProxyConfigured(t *testing.T) {
	f := newFactory(t, interfaces.SocketConfig{ProxyAddress: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	assert.NotNil(t, f.proxy)

	_, err := f.Dial(context.Background(), "10.255.255.1:80")
	assert.Error(t, err, "unreachable proxy must fail the dial")
	assert.Equal(t, DefaultDialTimeout, newFactory(t, interfaces.SocketConfig{}).Config().DialTimeout)
}
