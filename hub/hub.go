// Package hub implements the connection fabric of a hub: it accepts hub and
// client links, answers membership queries, gossips with other hubs and
// forwards module messages and virtual circuit frames.
//
// A hub listens on one TCP port. The first frame on a new connection
// decides its fate:
//
//	CONNECT              another hub joins the mesh
//	SERVICELINK_CONNECT  a client registers
//	GET_SPLICE_INFO      one-shot: reply with the observed host and port
//	BOUNCE_IP            one-shot: reply with the observed host
//	PING                 one-shot: reply with the hub address
//
// Hub and client links each run one read goroutine. Forwarding is one hop:
// a frame for a client at another hub travels over the direct link to that
// hub or fails with "no route".
package hub

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/config"
	"github.com/opd-ai/hubmesh/factory"
	"github.com/opd-ai/hubmesh/gossip"
	"github.com/opd-ai/hubmesh/interfaces"
	"github.com/opd-ai/hubmesh/membership"
	"github.com/sirupsen/logrus"
)

// Options configures a Hub.
type Options struct {
	// Properties supplies the hubmesh.hub.* settings; nil means defaults.
	Properties *config.Properties
	// Sockets creates the hub's sockets; nil means the factory chosen by
	// the hubmesh.socket.* properties.
	Sockets interfaces.SocketFactory
	// ListenAddress overrides the host:port to listen on. The default is
	// all interfaces on hubmesh.hub.port.
	ListenAddress string
	// Seeds are extra hub endpoints to join, added to hubmesh.hub.addresses.
	Seeds  []string
	Logger *logrus.Entry
}

// Hub is one relay node of the mesh.
type Hub struct {
	props   *config.Properties
	sockets interfaces.SocketFactory
	log     *logrus.Entry

	listener net.Listener
	address  address.Set
	name     string
	clusters []string
	hops     int
	timeout  time.Duration

	circuitTimeout time.Duration

	store     *membership.Store
	gossip    *gossip.Engine
	connector *connector
	circuits  *circuitTable

	mu      sync.RWMutex
	hubs    map[address.Set]*hubLink
	clients map[address.Set]*clientLink

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   time.Time
}

// New creates a hub and binds its listener. Call Start to begin accepting
// connections and gossiping.
func New(opts Options) (*Hub, error) {
	props := opts.Properties
	if props == nil {
		props = config.New()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "hub")
	}

	sockets := opts.Sockets
	if sockets == nil {
		f, err := factory.NewProvider(props, log).CreateSocketFactory()
		if err != nil {
			return nil, err
		}
		sockets = f
	}

	listenAddr := opts.ListenAddress
	if listenAddr == "" {
		listenAddr = net.JoinHostPort("", strconv.Itoa(props.Int(config.KeyHubPort)))
	}
	l, err := sockets.Listen(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("hub listen on %s: %w", listenAddr, err)
	}

	endpoints, err := address.Expand(l.Addr())
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("hub address: %w", err)
	}
	addr, err := address.New(endpoints, address.NewToken())
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("hub address: %w", err)
	}

	name := props.String(config.KeyHubName)
	if name == "" {
		name, _ = os.Hostname()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		props:    props,
		sockets:  sockets,
		log:      log.WithField("hub", addr.String()),
		listener: l,
		address:  addr,
		name:     name,
		clusters: props.StringList(config.KeyHubClusters),
		hops:     props.Int(config.KeyHubHops),
		timeout:  props.Duration(config.KeyHubConnectTimeout),

		circuitTimeout: props.Duration(config.KeyVirtualTimeout),
		circuits:       newCircuitTable(),
		hubs:           make(map[address.Set]*hubLink),
		clients:        make(map[address.Set]*clientLink),
		ctx:            ctx,
		cancel:         cancel,
	}
	h.store = membership.NewStore(addr, name, h.log.WithField("component", "membership"))
	h.connector = newConnector(h, append(props.StringList(config.KeyHubAddresses), opts.Seeds...))
	h.gossip = gossip.New(h.store, h, gossip.Config{
		Interval:  props.Duration(config.KeyGossipInterval),
		OnLearned: func([]address.Set) { h.connector.reconnect(h.ctx) },
		Logger:    h.log.WithField("component", "gossip"),
	})

	h.log.WithFields(logrus.Fields{
		"function": "New",
		"name":     name,
		"listen":   l.Addr().String(),
		"clusters": h.clusters,
	}).Info("Hub created")
	return h, nil
}

// Start accepts connections and starts gossiping.
func (h *Hub) Start() error {
	h.startOnce.Do(func() {
		h.started = time.Now()
		h.wg.Add(1)
		go h.acceptLoop()
		_ = h.gossip.Start()
		h.connector.reconnect(h.ctx)

		h.wg.Add(1)
		go h.keepalive(h.props.Duration(config.KeyGossipInterval))

		if h.props.Bool(config.KeyHubStatistics) {
			h.wg.Add(1)
			go h.printStatistics(h.props.Duration(config.KeyHubStatisticsInterval))
		}
	})
	return nil
}

// Stop closes the listener and every link and waits for the hub's
// goroutines.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		h.gossip.Stop()
		_ = h.listener.Close()

		h.mu.RLock()
		links := make([]*baseConn, 0, len(h.hubs)+len(h.clients))
		for _, l := range h.hubs {
			links = append(links, l.baseConn)
		}
		for _, l := range h.clients {
			links = append(links, l.baseConn)
		}
		h.mu.RUnlock()

		for _, l := range links {
			l.disconnect()
		}
		h.wg.Wait()
		h.log.WithField("function", "Stop").Info("Hub stopped")
	})
}

// Address returns the hub's address.
func (h *Hub) Address() address.Set {
	return h.address
}

// Name returns the hub's simple name.
func (h *Hub) Name() string {
	return h.name
}

// Clusters returns the cluster tags the hub serves.
func (h *Hub) Clusters() []string {
	return append([]string(nil), h.clusters...)
}

// Store returns the hub's membership store.
func (h *Hub) Store() *membership.Store {
	return h.store
}

// AddSeeds adds hub endpoints to join and tries them immediately.
func (h *Hub) AddSeeds(seeds ...string) {
	h.connector.addSeeds(seeds)
	h.connector.reconnect(h.ctx)
}

// KnownHubs returns the number of hubs in the membership store, this one
// included.
func (h *Hub) KnownHubs() int {
	return h.store.Len()
}

// Peers implements gossip.Fabric.
func (h *Hub) Peers() []gossip.Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]gossip.Peer, 0, len(h.hubs))
	for _, l := range h.hubs {
		out = append(out, l)
	}
	return out
}

// Reconnect implements gossip.Fabric.
func (h *Hub) Reconnect(ctx context.Context) {
	h.connector.reconnect(ctx)
}

// GossipRound runs a gossip round immediately.
func (h *Hub) GossipRound() {
	h.gossip.Round()
}

// ConnectedHubs returns the hubs with a live link.
func (h *Hub) ConnectedHubs() []address.Set {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]address.Set, 0, len(h.hubs))
	for a := range h.hubs {
		out = append(out, a)
	}
	return out
}

// Clients returns the registered clients.
func (h *Hub) Clients() []address.Set {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]address.Set, 0, len(h.clients))
	for a := range h.clients {
		out = append(out, a)
	}
	return out
}

func (h *Hub) hubLinkFor(addr address.Set) *hubLink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hubs[addr]
}

func (h *Hub) clientLinkFor(addr address.Set) *clientLink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[addr]
}

// ListenAddr returns the address the hub's listener is bound to.
func (h *Hub) ListenAddr() net.Addr {
	return h.listener.Addr()
}
