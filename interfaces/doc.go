// Package interfaces defines the raw socket contract the hub mesh is built
// on.
//
// Hubs, service links, the direct virtual-socket module and the splice
// negotiator never call net.Dial or net.Listen themselves. They receive a
// SocketFactory, which lets the same code run over real TCP (package real)
// or over an in-memory simulated network (package testing) that records
// every dial for verification.
//
// # Implementations
//
//   - real.TCPSocketFactory: TCP sockets, optional SOCKS5 proxy for
//     outbound dials, SO_REUSEADDR/SO_REUSEPORT for splice dialing.
//   - testing.SimulatedNetwork: net.Pipe based endpoints in one process.
//
// The factory package picks one from configuration:
//
//	provider := factory.NewProvider(props)
//	sockets, err := provider.CreateSocketFactory()
//
// Setting HUBMESH_SOCKET_SIMULATION=true selects the simulation.
package interfaces
