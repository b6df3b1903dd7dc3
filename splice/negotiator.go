// Package splice sets up direct connections between two clients that
// cannot reach each other's listeners, typically because both sit behind
// NATs. The two sides learn their external endpoints from a hub, exchange
// them through the mesh and then connect to each other at the same time
// from the ports the hub saw.
package splice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/config"
	"github.com/opd-ai/hubmesh/interfaces"
	"github.com/opd-ai/hubmesh/pending"
	"github.com/opd-ai/hubmesh/servicelink"
	"github.com/opd-ai/hubmesh/virtual"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/sirupsen/logrus"
)

// ModuleName is the name of the module in hubmesh.virtual.modules and in
// module messages.
const ModuleName = "splice"

var (
	// ErrNoLink is returned when the factory is not registered with a hub.
	ErrNoLink = errors.New("splice needs a hub connection")
	// ErrNoExternalHub is returned when no hub could report an external
	// endpoint.
	ErrNoExternalHub = errors.New("no external hub")
)

// Config tunes the negotiator.
type Config struct {
	PortRange int
	Attempts  int
	Timeout   time.Duration
	// ListenHost is the host the accepting side listens on while it waits
	// for the connecting side; empty means all interfaces.
	ListenHost string
}

// ConfigFromProperties reads the hubmesh.splice.* settings.
func ConfigFromProperties(props *config.Properties) Config {
	return Config{
		PortRange: props.Int(config.KeySplicePortRange),
		Attempts:  props.Int(config.KeySpliceAttempts),
		Timeout:   props.Duration(config.KeySpliceTimeout),
	}
}

// Negotiator is the "splice" virtual module.
type Negotiator struct {
	f       *virtual.Factory
	link    *servicelink.Link
	sockets interfaces.SocketFactory
	cfg     Config
	log     *logrus.Entry
	replies *pending.Table[ack]
	nat     bool

	mu          sync.Mutex
	externalHub address.Set
	toTest      []address.Set
	failed      map[string]struct{}
	wg          sync.WaitGroup
}

var _ virtual.Module = (*Negotiator)(nil)

// New creates a negotiator for f without installing it.
func New(f *virtual.Factory, cfg Config) (*Negotiator, error) {
	link := f.Link()
	if link == nil {
		return nil, ErrNoLink
	}
	if cfg.PortRange < 1 {
		cfg.PortRange = DefaultPortRange
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = f.Timeout()
	}
	n := &Negotiator{
		f:       f,
		link:    link,
		sockets: f.Sockets(),
		cfg:     cfg,
		log:     f.Logger().WithField("module", ModuleName),
		replies: pending.New[ack](),
		nat:     !f.ID().HasGlobalAddress(),
		failed:  make(map[string]struct{}),
	}
	link.RegisterModule(ModuleName, n.handleMessage)
	return n, nil
}

// Install creates a negotiator configured from the factory's properties and
// adds it to the factory's modules.
func Install(f *virtual.Factory) (*Negotiator, error) {
	n, err := New(f, ConfigFromProperties(f.Properties()))
	if err != nil {
		return nil, err
	}
	f.AddModule(n)
	return n, nil
}

// Name implements virtual.Module.
func (n *Negotiator) Name() string { return ModuleName }

// Wait blocks until the accepting-side workers have finished.
func (n *Negotiator) Wait() { n.wg.Wait() }

// Connect implements virtual.Module.
func (n *Negotiator) Connect(ctx context.Context, target virtual.Addr, timeout time.Duration) (net.Conn, error) {
	if target.Machine.Equal(n.f.ID()) {
		return nil, fmt.Errorf("%w: splice to self", virtual.ErrNotSuitable)
	}
	if timeout <= 0 {
		timeout = n.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	log := n.log.WithFields(logrus.Fields{
		"function": "Connect",
		"target":   target.String(),
	})

	host, port, localPort, err := n.externalEndpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", virtual.ErrNotSuitable, err)
	}
	log.WithFields(logrus.Fields{
		"external":   net.JoinHostPort(host, strconv.Itoa(port)),
		"local_port": localPort,
	}).Debug("External endpoint found")

	q := request{
		ID:        pending.NewID(),
		Port:      int32(target.Port),
		Host:      host,
		HostPort:  int32(port),
		TimeoutMS: wire.Millis(remaining(ctx, timeout)),
		NAT:       n.nat,
	}
	if err := n.replies.Register(q.ID); err != nil {
		return nil, err
	}
	msg := wire.ClientMessage{
		Target: target.Machine.String(),
		Module: ModuleName,
		Code:   codePleaseConnect,
		Blobs:  [][]byte{q.encode()},
	}
	if !target.Hub.IsZero() {
		msg.TargetHub = target.Hub.String()
	}
	if err := n.link.Send(msg); err != nil {
		n.replies.Cancel(q.ID)
		return nil, err
	}

	a, err := n.replies.Wait(ctx, q.ID, remaining(ctx, timeout))
	if err != nil {
		log.WithField("error", err.Error()).Info("Target did not answer splice request")
		return nil, fmt.Errorf("%w: no splice reply: %v", virtual.ErrNotSuitable, err)
	}
	switch a.Result {
	case ResultOK:
	case ResultNotFound:
		return nil, &virtual.DeniedError{Reason: virtual.ReasonNotFound}
	default:
		return nil, fmt.Errorf("%w: target could not take part in splicing (%d)", virtual.ErrNotSuitable, a.Result)
	}

	targets := TargetRange(a.Host, int(a.Port), a.NAT, n.cfg.PortRange)
	conn, err := Sweep(ctx, n.sockets, localPort, targets, n.cfg.Attempts, n.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", virtual.ErrNotSuitable, err)
	}
	return n.f.HandleConnect(ctx, conn, target, remaining(ctx, timeout))
}

func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left > 0 {
			return left
		}
		return time.Millisecond
	}
	return fallback
}

// externalEndpoint returns the endpoint the outside world sees for a
// socket bound to the returned local port.
func (n *Negotiator) externalEndpoint(ctx context.Context) (string, int, int, error) {
	id := n.f.ID()
	if id.NumberOfAddresses() == 1 && id.HasGlobalAddress() {
		host := id.Hosts()[0]
		port, err := n.freePort(host)
		if err != nil {
			return "", 0, 0, err
		}
		return host, port, port, nil
	}

	local := 0
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, 0, err
		}
		hub, trial := n.currentHub(ctx)
		if hub.IsZero() {
			return "", 0, 0, ErrNoExternalHub
		}
		host, port, lp, err := n.askHub(ctx, hub, local)
		if lp != 0 {
			local = lp
		}
		if err == nil {
			if trial {
				n.mu.Lock()
				n.externalHub = hub
				n.mu.Unlock()
			}
			return host, port, local, nil
		}
		n.log.WithFields(logrus.Fields{
			"function": "externalEndpoint",
			"hub":      hub.String(),
			"error":    err.Error(),
		}).Info("Hub gave no splice info, trying others")

		n.mu.Lock()
		if trial {
			n.failed[hub.String()] = struct{}{}
		} else if n.externalHub.Equal(hub) {
			n.externalHub = address.Set{}
		}
		n.mu.Unlock()
	}
}

// currentHub returns the remembered external hub, or the next candidate to
// test with trial set.
func (n *Negotiator) currentHub(ctx context.Context) (address.Set, bool) {
	n.mu.Lock()
	if !n.externalHub.IsZero() {
		defer n.mu.Unlock()
		return n.externalHub, false
	}
	empty := len(n.toTest) == 0
	n.mu.Unlock()

	if empty {
		hubs, err := n.link.Hubs(ctx)
		if err != nil {
			n.log.WithFields(logrus.Fields{
				"function": "currentHub",
				"error":    err.Error(),
			}).Info("Failed to retrieve hub list")
		}
		n.mu.Lock()
		for _, h := range hubs {
			if _, bad := n.failed[h.String()]; !bad {
				n.toTest = append(n.toTest, h)
			}
		}
		n.mu.Unlock()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.toTest) == 0 {
		return address.Set{}, false
	}
	h := n.toTest[0]
	n.toTest = n.toTest[1:]
	return h, true
}

// askHub runs GET_SPLICE_INFO against hub from local (0 for any port) and
// returns the observed endpoint and the local port used.
func (n *Negotiator) askHub(ctx context.Context, hub address.Set, local int) (string, int, int, error) {
	var lastErr error = ErrNoExternalHub
	for _, ep := range hub.Endpoints() {
		conn, err := n.sockets.DialFrom(ctx, local, ep)
		if err != nil {
			lastErr = err
			continue
		}
		lp := localPort(conn)
		host, port, err := servicelink.SpliceInfo(ctx, conn)
		if err != nil {
			return "", 0, lp, err
		}
		if !address.IsGlobal(host) && hub.HasGlobalAddress() {
			// A public hub that sees a private address is not outside our NAT.
			return "", 0, lp, fmt.Errorf("hub %s observed private address %s", hub, host)
		}
		return host, port, lp, nil
	}
	return "", 0, local, lastErr
}

func (n *Negotiator) freePort(host string) (int, error) {
	l, err := n.sockets.Listen(net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	_, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

func localPort(conn net.Conn) int {
	_, port, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// handleMessage runs on the service link's read goroutine.
func (n *Negotiator) handleMessage(msg wire.ClientMessage) {
	log := n.log.WithFields(logrus.Fields{
		"function": "handleMessage",
		"source":   msg.Source,
		"code":     msg.Code,
	})
	switch msg.Code {
	case codePleaseConnect:
		q, err := decodeRequest(msg.Blobs)
		if err != nil {
			log.WithField("error", err.Error()).Warn("Malformed splice request")
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serve(msg, q)
		}()
	case codeConnectAck:
		a, err := decodeAck(msg.Blobs)
		if err != nil {
			log.WithField("error", err.Error()).Warn("Malformed splice ack")
			return
		}
		if !n.replies.Store(a.ID, a) {
			log.WithField("id", a.ID).Warn("Splice ack dropped, nobody is waiting")
		}
	default:
		log.Warn("Ignoring splice message")
	}
}

// serve is the accepting side: it answers the request and then connects
// back to the requester while listening for the requester's attempts.
func (n *Negotiator) serve(msg wire.ClientMessage, q request) {
	log := n.log.WithFields(logrus.Fields{
		"function": "serve",
		"source":   msg.Source,
		"port":     q.Port,
	})
	reply := func(a ack) {
		a.ID = q.ID
		err := n.link.Send(wire.ClientMessage{
			Target:    msg.Source,
			TargetHub: msg.SourceHub,
			Module:    ModuleName,
			Code:      codeConnectAck,
			Blobs:     [][]byte{a.encode()},
		})
		if err != nil {
			log.WithField("error", err.Error()).Info("Failed to send splice ack")
		}
	}

	if !n.f.HasListener(int(q.Port)) {
		log.Info("Splice request for unbound port")
		reply(ack{Result: ResultNotFound})
		return
	}

	timeout := time.Duration(q.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = n.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	host, port, local, err := n.externalEndpoint(ctx)
	if err != nil {
		log.WithField("error", err.Error()).Info("No external endpoint for splice")
		reply(ack{Result: ResultNoExternalHub})
		return
	}

	var once sync.Once
	won := make(chan struct{})
	deliver := func(conn net.Conn) {
		first := false
		once.Do(func() {
			first = true
			close(won)
		})
		if !first {
			conn.Close()
			return
		}
		n.f.HandleAccept(conn)
	}

	l, err := n.sockets.Listen(net.JoinHostPort(n.cfg.ListenHost, strconv.Itoa(local)))
	if err != nil {
		log.WithField("error", err.Error()).Debug("Cannot listen on splice port, dialing only")
	} else {
		defer l.Close()
		go func() {
			for {
				conn, err := l.Accept()
				if err != nil {
					return
				}
				deliver(conn)
			}
		}()
	}

	reply(ack{Result: ResultOK, Host: host, Port: int32(port), NAT: n.nat})

	sweepCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-won:
			stop()
		case <-sweepCtx.Done():
		}
	}()
	targets := TargetRange(q.Host, int(q.HostPort), q.NAT, n.cfg.PortRange)
	if conn, err := Sweep(sweepCtx, n.sockets, local, targets, n.cfg.Attempts, n.log); err == nil {
		deliver(conn)
		return
	}

	select {
	case <-won:
	case <-ctx.Done():
		log.Info("Incoming splice setup failed")
	}
}
