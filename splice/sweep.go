package splice

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/opd-ai/hubmesh/interfaces"
	"github.com/sirupsen/logrus"
)

// ErrNotEstablished is returned when no candidate endpoint answered.
var ErrNotEstablished = errors.New("connection not established")

// Defaults for port prediction.
const (
	DefaultPortRange   = 5
	DefaultMaxAttempts = 3
	// attemptTimeout bounds a single connect of a sweep.
	attemptTimeout = time.Second
)

// TargetRange returns the endpoints to try for a peer observed at
// host:port. A peer behind a NAT is expected to have its next mappings on
// the following ports, so portRange consecutive ports are returned;
// otherwise only the observed endpoint.
func TargetRange(host string, port int, nat bool, portRange int) []string {
	if !nat || portRange < 1 {
		portRange = 1
	}
	out := make([]string, 0, portRange)
	for i := 0; i < portRange; i++ {
		out = append(out, net.JoinHostPort(host, strconv.Itoa(port+i)))
	}
	return out
}

// Sweep dials the targets in order from localPort, repeating the whole
// list up to attempts times, and returns the first connection made.
func Sweep(ctx context.Context, sockets interfaces.SocketFactory, localPort int, targets []string, attempts int, log *logrus.Entry) (net.Conn, error) {
	if attempts < 1 {
		attempts = 1
	}
	if log == nil {
		log = logrus.WithField("component", "splice")
	}
	for i := 0; i < attempts; i++ {
		for _, target := range targets {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			actx, cancel := context.WithTimeout(ctx, attemptTimeout)
			conn, err := sockets.DialFrom(actx, localPort, target)
			cancel()
			if err == nil {
				log.WithFields(logrus.Fields{
					"function":   "Sweep",
					"local_port": localPort,
					"target":     target,
					"attempt":    i,
				}).Debug("Splice connect succeeded")
				return conn, nil
			}
			log.WithFields(logrus.Fields{
				"function":   "Sweep",
				"local_port": localPort,
				"target":     target,
				"attempt":    i,
				"error":      err.Error(),
			}).Debug("Splice connect failed")
		}
	}
	return nil, ErrNotEstablished
}
