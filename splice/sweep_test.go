package splice

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/hubmesh/interfaces"
	simnet "github.com/opd-ai/hubmesh/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNetwork() *simnet.SimulatedNetwork {
	return simnet.NewSimulatedNetwork(interfaces.SocketConfig{UseSimulation: true, DialTimeout: time.Second})
}

func TestTargetRange(t *testing.T) {
	tests := []struct {
		name string
		nat  bool
		rng  int
		want []string
	}{
		{"natted", true, 5, []string{"10.0.0.9:6000", "10.0.0.9:6001", "10.0.0.9:6002", "10.0.0.9:6003", "10.0.0.9:6004"}},
		{"not natted", false, 5, []string{"10.0.0.9:6000"}},
		{"zero range", true, 0, []string{"10.0.0.9:6000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TargetRange("10.0.0.9", 6000, tt.nat, tt.rng))
		})
	}
}

func TestSweepTriesRangeThenFails(t *testing.T) {
	n := newNetwork()
	targets := TargetRange("10.0.0.9", 6000, true, DefaultPortRange)

	_, err := Sweep(context.Background(), n, 5000, targets, DefaultMaxAttempts, nil)
	require.ErrorIs(t, err, ErrNotEstablished)
	assert.EqualError(t, err, "connection not established")

	log := n.DialLog()
	require.Len(t, log, DefaultPortRange*DefaultMaxAttempts)
	for i, rec := range log {
		assert.Equal(t, 5000, rec.LocalPort)
		assert.Equal(t, targets[i%DefaultPortRange], rec.Endpoint)
		assert.False(t, rec.Success)
	}
}

func TestSweepStopsAtFirstSuccess(t *testing.T) {
	n := newNetwork()
	l, err := n.Listen("10.0.0.9:6002")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		if c, err := l.Accept(); err == nil {
			c.Close()
		}
	}()

	conn, err := Sweep(context.Background(), n, 5000, TargetRange("10.0.0.9", 6000, true, 5), 3, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "10.0.0.9:6002", conn.RemoteAddr().String())
	assert.Equal(t, "sim:5000", conn.LocalAddr().String())
	assert.Equal(t, []string{"10.0.0.9:6000", "10.0.0.9:6001", "10.0.0.9:6002"}, n.DialedEndpoints())
}

func TestSweepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := newNetwork()
	_, err := Sweep(ctx, n, 5000, []string{"10.0.0.9:6000"}, 3, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, n.DialLog())
}

func TestMessageCodec(t *testing.T) {
	q := request{ID: "r1", Port: 7, Host: "198.51.100.4", HostPort: 40100, TimeoutMS: 2500, NAT: true}
	got, err := decodeRequest([][]byte{q.encode()})
	require.NoError(t, err)
	assert.Equal(t, q, got)

	ok := ack{ID: "r1", Result: ResultOK, Host: "203.0.113.8", Port: 50200}
	a, err := decodeAck([][]byte{ok.encode()})
	require.NoError(t, err)
	assert.Equal(t, ok, a)

	nf, err := decodeAck([][]byte{ack{ID: "r2", Result: ResultNotFound}.encode()})
	require.NoError(t, err)
	assert.Equal(t, ack{ID: "r2", Result: ResultNotFound}, nf)

	_, err = decodeRequest(nil)
	assert.Error(t, err)
	_, err = decodeAck([][]byte{{0, 5, 'a'}})
	assert.Error(t, err)
}
