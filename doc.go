// Package hubmesh is a relay mesh that lets processes behind firewalls and
// NATs open ordinary byte streams to each other.
//
// A set of hubs gossip membership among themselves and keep TCP links open
// to the hubs they know. Client processes register with one hub over a
// service link and address each other through virtual ports. A connection
// to a virtual port is made by the first module that succeeds: a direct TCP
// connection, a splice (simultaneous open negotiated through the hubs) or a
// virtual circuit relayed hop by hop through the mesh.
//
// # Running a hub
//
//	props := config.New()
//	props.Set(config.KeyHubAddresses, "hub1.example.org:17878")
//
//	h, err := hub.New(hub.Options{Properties: props})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := h.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
//
// The cmd/hub binary wraps this with TOML configuration, LAN and etcd
// discovery, and a Prometheus endpoint.
//
// # Virtual sockets
//
//	f, err := virtual.New(virtual.Options{Hubs: []string{"hub1.example.org:17878"}})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer f.Close()
//	if _, err := splice.Install(f); err != nil {
//	    log.Fatal(err)
//	}
//
//	ln, _ := f.Listen(7)
//	go func() {
//	    conn, _ := ln.Accept()
//	    io.Copy(conn, conn)
//	}()
//
//	conn, err := f.Dial(virtual.Addr{Machine: peer, Port: 7})
//
// Listeners and connections implement net.Listener and net.Conn, so any
// stream protocol can run on top of them.
//
// # Packages
//
//   - address: endpoint sets identifying hubs and client processes
//   - wire: opcode framing shared by every link
//   - membership: the hub membership store and peer selectors
//   - gossip: periodic exchange of membership between hubs
//   - hub: the hub itself, its links and circuit forwarding
//   - servicelink: the client side of a hub registration
//   - virtual: virtual ports, the connection module chain, circuits
//   - splice: NAT traversal by simultaneous open
//   - discovery: LAN broadcast and etcd based hub discovery
//   - metrics: Prometheus collector for hub statistics
//   - config: layered hubmesh.* properties
//   - real, testing, factory: real and simulated socket factories
package hubmesh
