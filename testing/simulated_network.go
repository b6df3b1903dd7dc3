package testing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/hubmesh/interfaces"
	"github.com/sirupsen/logrus"
)

// ErrConnectionRefused is returned for dials to endpoints nobody listens on.
var ErrConnectionRefused = errors.New("connection refused")

// firstEphemeralPort is the first port handed out for port 0 requests.
const firstEphemeralPort = 40000

// DialRecord represents a dial attempt for testing verification
type DialRecord struct {
	LocalPort int
	Endpoint  string
	Success   bool
	Timestamp time.Time
}

// SimulatedNetwork implements interfaces.SocketFactory in memory.
type SimulatedNetwork struct {
	mu        sync.Mutex
	config    interfaces.SocketConfig
	listeners map[string]*simListener
	dialLog   []DialRecord
	nextPort  int
	log       *logrus.Entry
}

// NewSimulatedNetwork creates an empty simulated network.
func NewSimulatedNetwork(config interfaces.SocketConfig) *SimulatedNetwork {
	log := logrus.WithField("component", "simnet")
	log.WithFields(logrus.Fields{
		"function": "NewSimulatedNetwork",
		"timeout":  config.DialTimeout,
	}).Info("Creating simulated network for testing")

	return &SimulatedNetwork{
		config:    config,
		listeners: make(map[string]*simListener),
		nextPort:  firstEphemeralPort,
		log:       log,
	}
}

// IsSimulation implements interfaces.SocketFactory.
func (n *SimulatedNetwork) IsSimulation() bool {
	return true
}

// Listen implements interfaces.SocketFactory. Port 0 is replaced with the
// next free simulated port.
func (n *SimulatedNetwork) Listen(endpoint string) (net.Listener, error) {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if port == "0" {
		port = strconv.Itoa(n.allocPort())
		endpoint = net.JoinHostPort(host, port)
	}
	if _, busy := n.listeners[endpoint]; busy {
		return nil, fmt.Errorf("listen %s: address already in use", endpoint)
	}
	l := &simListener{
		network: n,
		addr:    simAddr(endpoint),
		conns:   make(chan net.Conn, 16),
		done:    make(chan struct{}),
	}
	n.listeners[endpoint] = l
	return l, nil
}

// allocPort returns an unused port. Callers hold n.mu.
func (n *SimulatedNetwork) allocPort() int {
	p := n.nextPort
	n.nextPort++
	return p
}

// Dial implements interfaces.SocketFactory.
func (n *SimulatedNetwork) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	return n.DialFrom(ctx, 0, endpoint)
}

// DialFrom implements interfaces.SocketFactory.
func (n *SimulatedNetwork) DialFrom(ctx context.Context, localPort int, endpoint string) (net.Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[endpoint]
	if localPort == 0 {
		localPort = n.allocPort()
	}
	n.dialLog = append(n.dialLog, DialRecord{
		LocalPort: localPort,
		Endpoint:  endpoint,
		Success:   ok,
		Timestamp: time.Now(),
	})
	n.mu.Unlock()

	if !ok {
		n.log.WithFields(logrus.Fields{
			"function":   "DialFrom",
			"endpoint":   endpoint,
			"local_port": localPort,
		}).Debug("Simulated dial refused")
		return nil, &net.OpError{Op: "dial", Net: "sim", Addr: simAddr(endpoint), Err: ErrConnectionRefused}
	}

	local := simAddr(net.JoinHostPort("sim", strconv.Itoa(localPort)))
	client, server := net.Pipe()
	cc := &simConn{Conn: client, local: local, remote: l.addr}
	sc := &simConn{Conn: server, local: l.addr, remote: local}

	select {
	case l.conns <- sc:
		return cc, nil
	case <-l.done:
		client.Close()
		server.Close()
		return nil, &net.OpError{Op: "dial", Net: "sim", Addr: l.addr, Err: ErrConnectionRefused}
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

// DialLog returns a copy of all dial attempts in order.
func (n *SimulatedNetwork) DialLog() []DialRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]DialRecord(nil), n.dialLog...)
}

// ClearDialLog forgets recorded dial attempts.
func (n *SimulatedNetwork) ClearDialLog() {
	n.mu.Lock()
	n.dialLog = nil
	n.mu.Unlock()
}

// DialedEndpoints returns the endpoints of all attempts in order.
func (n *SimulatedNetwork) DialedEndpoints() []string {
	log := n.DialLog()
	out := make([]string, len(log))
	for i, r := range log {
		out[i] = r.Endpoint
	}
	return out
}

func (n *SimulatedNetwork) remove(l *simListener) {
	n.mu.Lock()
	if n.listeners[string(l.addr)] == l {
		delete(n.listeners, string(l.addr))
	}
	n.mu.Unlock()
}

type simAddr string

func (a simAddr) Network() string { return "sim" }
func (a simAddr) String() string  { return string(a) }

type simConn struct {
	net.Conn
	local  net.Addr
	remote net.Addr
}

func (c *simConn) LocalAddr() net.Addr  { return c.local }
func (c *simConn) RemoteAddr() net.Addr { return c.remote }

type simListener struct {
	network *SimulatedNetwork
	addr    simAddr
	conns   chan net.Conn
	done    chan struct{}
	once    sync.Once
}

func (l *simListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *simListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.remove(l)
	})
	return nil
}

func (l *simListener) Addr() net.Addr { return l.addr }
