package virtual

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
	"github.com/opd-ai/hubmesh/factory"
	"github.com/opd-ai/hubmesh/interfaces"
	"github.com/opd-ai/hubmesh/servicelink"
	"github.com/sirupsen/logrus"
)

// Module is one way of reaching a remote virtual port.
type Module interface {
	Name() string
	// Connect returns a stream to target or an error. ErrNotSuitable means
	// the next module should be tried.
	Connect(ctx context.Context, target Addr, timeout time.Duration) (net.Conn, error)
}

// Options configures a Factory.
type Options struct {
	// Properties supplies the hubmesh.virtual.* settings; nil means defaults.
	Properties *config.Properties
	// Sockets creates raw sockets; nil means the factory chosen by the
	// hubmesh.socket.* properties.
	Sockets interfaces.SocketFactory
	// Hubs are hub endpoints to register with. Without hubs only the
	// direct module is available.
	Hubs []string
	// ListenAddress is where direct connections are accepted; the default
	// is all interfaces on hubmesh.virtual.direct.port.
	ListenAddress string
	Logger        *logrus.Entry
}

// Factory binds virtual ports and connects to remote ones.
type Factory struct {
	props   *config.Properties
	sockets interfaces.SocketFactory
	log     *logrus.Entry
	raw     net.Listener
	id      address.Set
	link    *servicelink.Link
	routed  *routed

	timeout time.Duration
	backlog int
	credit  int64

	modMu   sync.RWMutex
	order   []string
	modules []Module

	mu        sync.Mutex
	listeners map[int]*ServerSocket
	nextPort  int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a factory: it listens for direct connections, registers with
// the first reachable hub and sets up the configured modules.
func New(opts Options) (*Factory, error) {
	props := opts.Properties
	if props == nil {
		props = config.New()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "virtual")
	}
	sockets := opts.Sockets
	if sockets == nil {
		s, err := factory.NewProvider(props, log).CreateSocketFactory()
		if err != nil {
			return nil, err
		}
		sockets = s
	}

	listenAddr := opts.ListenAddress
	if listenAddr == "" {
		listenAddr = net.JoinHostPort("", strconv.Itoa(props.Int(config.KeyVirtualPort)))
	}
	raw, err := sockets.Listen(listenAddr)
	if err != nil {
		return nil, &NetError{Op: "listen", Addr: listenAddr, Err: err}
	}
	endpoints, err := address.Expand(raw.Addr())
	if err != nil {
		raw.Close()
		return nil, err
	}
	id, err := address.New(endpoints, address.NewToken())
	if err != nil {
		raw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Factory{
		props:     props,
		sockets:   sockets,
		log:       log.WithField("client", id.String()),
		raw:       raw,
		id:        id,
		timeout:   props.Duration(config.KeyVirtualTimeout),
		backlog:   props.Int(config.KeyVirtualBacklog),
		credit:    props.Size(config.KeyVirtualCredit),
		order:     props.StringList(config.KeyVirtualModules),
		listeners: make(map[int]*ServerSocket),
		nextPort:  1,
		ctx:       ctx,
		cancel:    cancel,
	}
	if f.backlog <= 0 {
		f.backlog = 1
	}
	if f.credit <= 0 {
		f.credit = 1
	}

	if len(opts.Hubs) > 0 {
		link, err := servicelink.Connect(ctx, servicelink.Config{
			Endpoints: opts.Hubs,
			Client:    id,
			Sockets:   sockets,
			Timeout:   props.Duration(config.KeyHubConnectTimeout),
			Logger:    f.log.WithField("component", "servicelink"),
		})
		if err != nil {
			cancel()
			raw.Close()
			return nil, fmt.Errorf("register with hub: %w", err)
		}
		f.link = link
		f.routed = newRouted(f, link)
	}

	f.AddModule(&direct{f: f})
	if f.routed != nil {
		f.AddModule(f.routed)
	}

	f.wg.Add(1)
	go f.acceptRaw()

	f.log.WithFields(logrus.Fields{
		"function": "New",
		"listen":   raw.Addr().String(),
		"modules":  f.ModuleNames(),
	}).Info("Virtual socket factory ready")
	return f, nil
}

// AddModule installs a module. Modules named in hubmesh.virtual.modules
// take their configured position; modules not named there are ignored.
func (f *Factory) AddModule(m Module) {
	f.modMu.Lock()
	defer f.modMu.Unlock()

	rank := func(name string) int {
		for i, n := range f.order {
			if n == name {
				return i
			}
		}
		return -1
	}
	r := rank(m.Name())
	if r < 0 {
		f.log.WithFields(logrus.Fields{
			"function": "AddModule",
			"module":   m.Name(),
		}).Debug("Module not configured")
		return
	}
	i := 0
	for i < len(f.modules) && rank(f.modules[i].Name()) < r {
		i++
	}
	f.modules = append(f.modules, nil)
	copy(f.modules[i+1:], f.modules[i:])
	f.modules[i] = m
}

// ModuleNames returns the installed modules in the order they are tried.
func (f *Factory) ModuleNames() []string {
	f.modMu.RLock()
	defer f.modMu.RUnlock()
	names := make([]string, len(f.modules))
	for i, m := range f.modules {
		names[i] = m.Name()
	}
	return names
}

// ID returns this process's client id.
func (f *Factory) ID() address.Set { return f.id }

// Link returns the service link, or nil when no hub was configured.
func (f *Factory) Link() *servicelink.Link { return f.link }

// Sockets returns the raw socket factory.
func (f *Factory) Sockets() interfaces.SocketFactory { return f.sockets }

// Timeout returns the default connect timeout.
func (f *Factory) Timeout() time.Duration { return f.timeout }

// Logger returns the factory's log entry.
func (f *Factory) Logger() *logrus.Entry { return f.log }

// Properties returns the factory configuration.
func (f *Factory) Properties() *config.Properties { return f.props }

func (f *Factory) localAddr(port int) Addr {
	a := Addr{Machine: f.id, Port: port}
	if f.link != nil {
		a.Hub = f.link.Hub()
	}
	return a
}

// Listen binds a virtual port; port 0 picks a free one.
func (f *Factory) Listen(port int) (*ServerSocket, error) {
	if port < 0 {
		return nil, &NetError{Op: "listen", Err: fmt.Errorf("negative port %d", port)}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctx.Err() != nil {
		return nil, &NetError{Op: "listen", Err: ErrClosed}
	}
	if port == 0 {
		for f.listeners[f.nextPort] != nil {
			f.nextPort++
		}
		port = f.nextPort
		f.nextPort++
	} else if f.listeners[port] != nil {
		return nil, &NetError{Op: "listen", Addr: f.localAddr(port).String(), Err: ErrPortInUse}
	}
	s := newServerSocket(f, f.localAddr(port), f.backlog)
	f.listeners[port] = s
	return s, nil
}

// HasListener reports whether port is bound.
func (f *Factory) HasListener(port int) bool {
	return f.listener(port) != nil
}

func (f *Factory) listener(port int) *ServerSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[port]
}

func (f *Factory) unbind(s *ServerSocket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners[s.addr.Port] == s {
		delete(f.listeners, s.addr.Port)
	}
}

// Dial connects to target with the default timeout.
func (f *Factory) Dial(target Addr) (net.Conn, error) {
	return f.DialContext(context.Background(), target, f.timeout)
}

// DialContext tries the modules in order until one yields a stream. A
// denial by the target ends the attempt; modules that cannot reach the
// target pass it on.
func (f *Factory) DialContext(ctx context.Context, target Addr, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = f.timeout
	}
	if f.ctx.Err() != nil {
		return nil, &NetError{Op: "dial", Addr: target.String(), Err: ErrClosed}
	}
	f.modMu.RLock()
	modules := append([]Module(nil), f.modules...)
	f.modMu.RUnlock()

	var lastErr error = ErrNoModule
	for _, m := range modules {
		conn, err := m.Connect(ctx, target, timeout)
		if err == nil {
			f.log.WithFields(logrus.Fields{
				"function": "DialContext",
				"target":   target.String(),
				"module":   m.Name(),
			}).Debug("Connected")
			return conn, nil
		}
		f.log.WithFields(logrus.Fields{
			"function": "DialContext",
			"target":   target.String(),
			"module":   m.Name(),
			"error":    err.Error(),
		}).Debug("Module failed")

		var denied *DeniedError
		if errors.As(err, &denied) || ctx.Err() != nil {
			return nil, &NetError{Op: "dial", Addr: target.String(), Err: err}
		}
		lastErr = err
	}
	return nil, &NetError{Op: "dial", Addr: target.String(), Err: lastErr}
}

// CircuitCount returns the number of hub-relayed circuits held locally.
func (f *Factory) CircuitCount() int {
	if f.routed == nil {
		return 0
	}
	return f.routed.circuits.len()
}

func (f *Factory) acceptRaw() {
	defer f.wg.Done()
	for {
		conn, err := f.raw.Accept()
		if err != nil {
			if f.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			f.log.WithFields(logrus.Fields{
				"function": "acceptRaw",
				"error":    err.Error(),
			}).Warn("Accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.HandleAccept(conn)
		}()
	}
}

// Close unbinds every port, leaves the hub and stops accepting.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		_ = f.raw.Close()

		f.mu.Lock()
		listeners := make([]*ServerSocket, 0, len(f.listeners))
		for _, s := range f.listeners {
			listeners = append(listeners, s)
		}
		f.mu.Unlock()
		for _, s := range listeners {
			_ = s.Close()
		}
		if f.link != nil {
			_ = f.link.Close()
		}
		f.wg.Wait()
	})
	return nil
}
