// Package real provides the production TCP socket factory.
//
// TCPSocketFactory implements interfaces.SocketFactory over the operating
// system's TCP stack:
//
//	┌─────────────────────────────────────────┐
//	│            TCPSocketFactory             │
//	│  ┌─────────────┐  ┌─────────────────┐   │
//	│  │   SOCKS5    │  │  Port sharing   │   │
//	│  │  (Dial)     │  │  (DialFrom,     │   │
//	│  │             │  │   Listen)       │   │
//	│  └─────────────┘  └─────────────────┘   │
//	└───────────────┬─────────────────────────┘
//	                │
//	                ▼
//	┌─────────────────────────────────────────┐
//	│               net.Dialer                │
//	└─────────────────────────────────────────┘
//
// Dial goes through golang.org/x/net/proxy when a proxy address is
// configured. DialFrom never does: splicing needs the real local port,
// which is shared with SO_REUSEADDR and SO_REUSEPORT so several sockets can
// connect outward from the port the hub observed.
//
// # Usage
//
//	sockets, err := real.NewTCPSocketFactory(interfaces.SocketConfig{
//	    DialTimeout: 5 * time.Second,
//	}, nil)
//	conn, err := sockets.Dial(ctx, "10.0.0.1:17878")
package real
