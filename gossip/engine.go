// Package gossip spreads membership state between directly linked hubs.
//
// Every interval the Engine asks the fabric to reconnect lost hubs, then
// sends each live hub link the entries that changed since the last round
// sent to that peer. A new link starts from a full snapshot. Received
// snapshots are merged into the membership store, so the mesh converges
// without a coordinator.
package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/membership"
	"github.com/sirupsen/logrus"
)

// Peer is a live hub link that accepts gossip.
type Peer interface {
	Address() address.Set
	SendGossip(entries []membership.Description) error
}

// Fabric supplies the current hub links and reconnects lost hubs.
type Fabric interface {
	Peers() []Peer
	Reconnect(ctx context.Context)
}

// Config holds engine settings.
type Config struct {
	// Interval between rounds.
	Interval time.Duration
	// OnLearned, if set, is called with hub addresses first seen in a
	// received snapshot.
	OnLearned func([]address.Set)
	Logger    *logrus.Entry
}

// DefaultInterval is the round interval when Config.Interval is zero.
const DefaultInterval = 3 * time.Second

// Engine runs gossip rounds for one hub.
type Engine struct {
	store  *membership.Store
	fabric Fabric
	config Config
	log    *logrus.Entry

	marksMu sync.Mutex
	marks   map[address.Set]int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	rounds    int64
}

// New creates an engine over store and fabric.
func New(store *membership.Store, fabric Fabric, config Config) *Engine {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	log := config.Logger
	if log == nil {
		log = logrus.WithField("component", "gossip")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:  store,
		fabric: fabric,
		config: config,
		log:    log,
		marks:  make(map[address.Set]int64),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the round loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isRunning {
		return nil
	}
	e.isRunning = true
	e.wg.Add(1)
	go e.loop()
	return nil
}

// Stop halts the round loop and waits for it to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.Round()
		}
	}
}

// Round runs one gossip round immediately.
func (e *Engine) Round() {
	e.fabric.Reconnect(e.ctx)

	peers := e.fabric.Peers()
	sent := 0
	for _, p := range peers {
		addr := p.Address()

		e.marksMu.Lock()
		mark := e.marks[addr]
		e.marksMu.Unlock()

		entries, next := e.store.Since(mark)
		if len(entries) == 0 {
			continue
		}
		if err := p.SendGossip(entries); err != nil {
			e.log.WithFields(logrus.Fields{
				"function": "Round",
				"peer":     addr.String(),
				"error":    err.Error(),
			}).Warn("Failed to send gossip")
			continue
		}

		e.marksMu.Lock()
		if _, live := e.marks[addr]; live || mark == 0 {
			e.marks[addr] = next
		}
		e.marksMu.Unlock()
		sent++
	}

	e.mu.Lock()
	e.rounds++
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"function": "Round",
		"peers":    len(peers),
		"sent":     sent,
		"hubs":     e.store.Len(),
	}).Debug("Gossip round complete")
}

// Rounds returns how many rounds have run.
func (e *Engine) Rounds() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rounds
}

// Receive merges a snapshot gossiped by from.
func (e *Engine) Receive(from address.Set, entries []membership.Description) {
	learned := e.store.Merge(entries)
	e.store.SetCanReachMe(from, true)

	if len(learned) > 0 {
		e.log.WithFields(logrus.Fields{
			"function": "Receive",
			"from":     from.String(),
			"learned":  len(learned),
		}).Info("Learned new hubs from gossip")
		if e.config.OnLearned != nil {
			e.config.OnLearned(learned)
		}
	}
}

// PeerUp resets the mark of a new link so its first round is a full
// snapshot.
func (e *Engine) PeerUp(addr address.Set) {
	e.marksMu.Lock()
	delete(e.marks, addr)
	e.marksMu.Unlock()
	e.store.SetReachable(addr, true)
}

// PeerDown forgets the link and clears the local reachability flag.
func (e *Engine) PeerDown(addr address.Set) {
	e.marksMu.Lock()
	delete(e.marks, addr)
	e.marksMu.Unlock()
	e.store.SetReachable(addr, false)
	e.store.SetCanReachMe(addr, false)
}
