package virtual

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/hubmesh/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIncoming struct {
	name     string
	gone     atomic.Bool
	failing  bool
	rejected chan string
}

func newFake(name string) *fakeIncoming {
	return &fakeIncoming{name: name, rejected: make(chan string, 1)}
}

func (f *fakeIncoming) expired(time.Time) bool { return f.gone.Load() }

func (f *fakeIncoming) accept(context.Context) (net.Conn, error) {
	if f.failing {
		return nil, errors.New("peer vanished")
	}
	a, b := net.Pipe()
	b.Close()
	return &streamConn{Conn: a, remote: Addr{Port: len(f.name)}}, nil
}

func (f *fakeIncoming) reject(reason string) { f.rejected <- reason }

func newLocalFactory(t *testing.T, settings map[string]string) *Factory {
	t.Helper()
	f, err := New(Options{
		Properties:    config.FromMap(settings),
		ListenAddress: "127.0.0.1:0",
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestBacklogRefusesWhenFull(t *testing.T) {
	f := newLocalFactory(t, map[string]string{config.KeyVirtualBacklog: "2"})
	s, err := f.Listen(5)
	require.NoError(t, err)

	first, second, third := newFake("a"), newFake("b"), newFake("c")
	assert.Equal(t, Queued, s.IncomingConnection(first))
	assert.Equal(t, Queued, s.IncomingConnection(second))
	assert.Equal(t, QueueFull, s.IncomingConnection(third))
	assert.Equal(t, 2, s.Pending())

	// An expired entry makes room and is rejected.
	first.gone.Store(true)
	fourth := newFake("d")
	assert.Equal(t, Queued, s.IncomingConnection(fourth))
	assert.Equal(t, ReasonRejected, <-first.rejected)
	assert.Equal(t, 2, s.Pending())

	require.NoError(t, s.Close())
	assert.Equal(t, ReasonRejected, <-second.rejected)
	assert.Equal(t, ReasonRejected, <-fourth.rejected)
	assert.Equal(t, NotFound, s.IncomingConnection(newFake("e")))
	assert.False(t, f.HasListener(5))
}

func TestAcceptSkipsVanishedPeers(t *testing.T) {
	f := newLocalFactory(t, nil)
	s, err := f.Listen(0)
	require.NoError(t, err)

	vanished := newFake("gone")
	vanished.failing = true
	expiredReq := newFake("late")
	expiredReq.gone.Store(true)
	good := newFake("good")

	s.IncomingConnection(vanished)
	s.IncomingConnection(expiredReq)
	s.IncomingConnection(good)

	conn, err := s.Accept()
	require.NoError(t, err)
	assert.Equal(t, len("good"), conn.RemoteAddr().(Addr).Port)
	assert.Equal(t, ReasonRejected, <-expiredReq.rejected)
	assert.Equal(t, 0, s.Pending())
}

func TestAcceptWaitsAndCloseWakes(t *testing.T) {
	f := newLocalFactory(t, nil)
	s, err := f.Listen(9)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Accept()
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestAcceptContextCancel(t *testing.T) {
	f := newLocalFactory(t, nil)
	s, err := f.Listen(0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.AcceptContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListenPorts(t *testing.T) {
	f := newLocalFactory(t, nil)
	a, err := f.Listen(0)
	require.NoError(t, err)
	b, err := f.Listen(0)
	require.NoError(t, err)
	assert.NotEqual(t, a.Port(), b.Port())

	_, err = f.Listen(a.Port())
	assert.ErrorIs(t, err, ErrPortInUse)

	require.NoError(t, a.Close())
	again, err := f.Listen(a.Port())
	require.NoError(t, err)
	assert.Equal(t, a.Port(), again.Port())
	assert.Equal(t, f.ID(), again.Addr().(Addr).Machine)
}
