package testing

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/hubmesh/interfaces"
)

func newTestNetwork() *SimulatedNetwork {
	return NewSimulatedNetwork(interfaces.SocketConfig{
		UseSimulation: true,
		DialTimeout:   time.Second,
	})
}

func TestDialConnectsToListener(t *testing.T) {
	n := newTestNetwork()
	l, err := n.Listen("10.0.0.2:7000")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(c, buf); err == nil {
			_, _ = c.Write(buf)
		}
	}()

	conn, err := n.DialFrom(context.Background(), 5000, "10.0.0.2:7000")
	if err != nil {
		t.Fatalf("DialFrom: %v", err)
	}
	defer conn.Close()

	if conn.RemoteAddr().String() != "10.0.0.2:7000" {
		t.Errorf("remote addr = %s", conn.RemoteAddr())
	}
	if conn.LocalAddr().String() != "sim:5000" {
		t.Errorf("local addr = %s", conn.LocalAddr())
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "hello" {
		t.Errorf("echo = %q, %v", buf, err)
	}
}

func TestDialLogRecordsAttempts(t *testing.T) {
	n := newTestNetwork()
	l, _ := n.Listen("10.0.0.2:7001")
	defer l.Close()
	go func() { _, _ = l.Accept() }()

	_, err := n.DialFrom(context.Background(), 5000, "10.0.0.2:7000")
	if !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("expected refusal, got %v", err)
	}
	if _, err := n.DialFrom(context.Background(), 5000, "10.0.0.2:7001"); err != nil {
		t.Errorf("expected success, got %v", err)
	}

	log := n.DialLog()
	if len(log) != 2 {
		t.Fatalf("expected 2 records, got %d", len(log))
	}
	if log[0].Success || !log[1].Success {
		t.Errorf("unexpected success flags: %+v", log)
	}
	if log[0].LocalPort != 5000 {
		t.Errorf("local port = %d", log[0].LocalPort)
	}

	n.ClearDialLog()
	if len(n.DialedEndpoints()) != 0 {
		t.Error("dial log should be empty after clear")
	}
}

func TestListenEphemeralAndDuplicate(t *testing.T) {
	n := newTestNetwork()
	l1, err := n.Listen("10.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if l1.Addr().String() != "10.0.0.1:40000" {
		t.Errorf("ephemeral addr = %s", l1.Addr())
	}
	if _, err := n.Listen("10.0.0.1:40000"); err == nil {
		t.Error("duplicate listen should fail")
	}

	l1.Close()
	if _, err := l1.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept after close = %v", err)
	}
	if _, err := n.Listen("10.0.0.1:40000"); err != nil {
		t.Errorf("listen after close: %v", err)
	}
}
