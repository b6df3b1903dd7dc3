package interfaces

import (
	"context"
	"net"
	"time"
)

// SocketFactory creates reliable byte-stream sockets.
type SocketFactory interface {
	// Dial connects to a host:port endpoint. The dial is bounded by ctx and
	// by the factory's configured timeout.
	Dial(ctx context.Context, endpoint string) (net.Conn, error)

	// DialFrom connects from a fixed local port, sharing it with other
	// sockets bound to the same port. A localPort of 0 picks any port.
	DialFrom(ctx context.Context, localPort int, endpoint string) (net.Conn, error)

	// Listen opens a listener on a host:port endpoint; port 0 picks one.
	Listen(endpoint string) (net.Listener, error)

	// IsSimulation returns true if this is a simulation implementation
	IsSimulation() bool
}

// SocketConfig holds configuration for socket factory implementations
type SocketConfig struct {
	// UseSimulation determines whether to use simulation or real network
	UseSimulation bool

	// DialTimeout bounds every outbound connect
	DialTimeout time.Duration

	// ProxyAddress routes Dial through a SOCKS5 proxy when set
	ProxyAddress  string
	ProxyUser     string
	ProxyPassword string

	// ReuseAddress sets SO_REUSEADDR/SO_REUSEPORT on listeners
	ReuseAddress bool
}
