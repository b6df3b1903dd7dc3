// Package testing provides an in-memory simulated network for
// deterministic tests of the hub mesh.
//
// # Overview
//
// SimulatedNetwork implements interfaces.SocketFactory without touching the
// operating system. Listeners are registered under endpoint strings, dials
// are answered with net.Pipe pairs, and every dial attempt is appended to a
// log so tests can assert exactly which endpoints were tried, from which
// local port and in what order.
//
// # Simulation vs Real Implementation
//
//   - Simulation (this package): connections exist only in memory. Used for
//     dialing logic such as the splice port sweep and the hub connector.
//   - Real (real package): TCP sockets. Used in production and in
//     loopback end-to-end tests.
//
// Both conform to interfaces.SocketFactory, so the factory package can
// switch between them.
//
// # Usage
//
//	network := testing.NewSimulatedNetwork(interfaces.SocketConfig{UseSimulation: true})
//	l, _ := network.Listen("10.0.0.2:40002")
//	conn, err := network.DialFrom(ctx, 5000, "10.0.0.2:40002")
//	for _, rec := range network.DialLog() { ... }
//
// net.Pipe is synchronous: a write blocks until the peer reads. Code under
// test that writes on both ends of a pipe from its reader goroutines should
// use real loopback sockets instead.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package testing
