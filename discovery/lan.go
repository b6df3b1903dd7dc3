// Package discovery finds hubs to join: a UDP responder that answers
// broadcast probes on the local network, the matching prober, and a seed
// registry kept in etcd.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/sirupsen/logrus"
)

// Probe is the text every discovery request starts with.
const Probe = "Any Hubs?"

// DefaultPort is the UDP port hubs answer probes on.
const DefaultPort = 24545

const maxDatagram = 2048

// ErrNoReply is returned by Find when no hub answered.
var ErrNoReply = errors.New("no hub answered")

// Suffixes turns a hub's cluster list into the set of probes it answers:
// "*" answers everyone, "+" answers probes that name no cluster and any
// other name answers probes for that cluster. An empty list means "*".
func Suffixes(clusters []string) []string {
	if len(clusters) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(clusters))
	for _, c := range clusters {
		switch c {
		case "*":
			return []string{"*"}
		case "+":
			out = append(out, "+")
		default:
			out = append(out, " "+c)
		}
	}
	return out
}

// Request returns the probe text for cluster; "" probes for hubs outside
// any cluster.
func Request(cluster string) string {
	if cluster == "" {
		return Probe
	}
	return Probe + " " + cluster
}

// Matches reports whether a hub answering suffixes should reply to msg.
func Matches(msg string, suffixes []string) bool {
	if !strings.HasPrefix(msg, Probe) {
		return false
	}
	rest := msg[len(Probe):]
	for _, s := range suffixes {
		switch {
		case s == "*":
			return true
		case s == "+" && rest == "":
			return true
		case s != "+" && rest == s:
			return true
		}
	}
	return false
}

// Responder answers discovery probes with a fixed reply, normally the
// hub's address.
type Responder struct {
	conn     net.PacketConn
	reply    string
	suffixes []string
	log      *logrus.Entry
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewResponder listens for probes on listen (host:port, host may be
// empty).
func NewResponder(listen string, clusters []string, reply string, log *logrus.Entry) (*Responder, error) {
	if log == nil {
		log = logrus.WithField("component", "discovery")
	}
	conn, err := net.ListenPacket("udp", listen)
	if err != nil {
		log.WithFields(logrus.Fields{
			"function": "NewResponder",
			"listen":   listen,
			"error":    err.Error(),
		}).Error("Failed to create discovery socket")
		return nil, fmt.Errorf("failed to create discovery socket: %w", err)
	}
	return &Responder{
		conn:     conn,
		reply:    reply,
		suffixes: Suffixes(clusters),
		log:      log,
	}, nil
}

// Addr returns the address probes are read from.
func (r *Responder) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Start begins answering.
func (r *Responder) Start() {
	r.wg.Add(1)
	go r.receiveLoop()
	r.log.WithFields(logrus.Fields{
		"function": "Start",
		"addr":     r.conn.LocalAddr().String(),
		"suffixes": r.suffixes,
	}).Info("Hub will reply to discovery requests")
}

// Stop closes the socket and waits for the receiver.
func (r *Responder) Stop() {
	r.stopOnce.Do(func() {
		r.conn.Close()
		r.wg.Wait()
	})
}

func (r *Responder) receiveLoop() {
	defer r.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.WithFields(logrus.Fields{
				"function": "receiveLoop",
				"error":    err.Error(),
			}).Debug("Discovery read failed")
			continue
		}
		msg := string(buf[:n])
		if !Matches(msg, r.suffixes) {
			continue
		}
		if _, err := r.conn.WriteTo([]byte(r.reply), from); err != nil {
			r.log.WithFields(logrus.Fields{
				"function": "receiveLoop",
				"to":       from.String(),
				"error":    err.Error(),
			}).Debug("Discovery reply failed")
		}
	}
}

// BroadcastTargets returns the IPv4 broadcast address plus the directed
// broadcast address of every up, broadcast-capable interface, all on port.
func BroadcastTargets(port int) []string {
	p := strconv.Itoa(port)
	targets := []string{net.JoinHostPort(net.IPv4bcast.String(), p)}
	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			ip := ipnet.IP.To4()
			bcast := make(net.IP, 4)
			for i := range ip {
				bcast[i] = ip[i] | ^ipnet.Mask[len(ipnet.Mask)-4+i]
			}
			targets = append(targets, net.JoinHostPort(bcast.String(), p))
		}
	}
	return targets
}

// Find sends a probe for cluster to every target and collects the hub
// addresses that answer until timeout.
func Find(ctx context.Context, targets []string, cluster string, timeout time.Duration) ([]address.Set, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to create probe socket: %w", err)
	}
	defer conn.Close()

	msg := []byte(Request(cluster))
	sent := 0
	for _, t := range targets {
		addr, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			continue
		}
		if _, err := conn.WriteTo(msg, addr); err == nil {
			sent++
		}
	}
	if sent == 0 {
		return nil, fmt.Errorf("probe could not be sent to any of %v", targets)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	seen := make(map[string]struct{})
	var out []address.Set
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}
		hub, err := address.Parse(string(buf[:n]))
		if err != nil {
			continue
		}
		if _, dup := seen[hub.String()]; dup {
			continue
		}
		seen[hub.String()] = struct{}{}
		out = append(out, hub)
	}
	if len(out) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoReply
	}
	return out, nil
}
