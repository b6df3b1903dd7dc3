// Package virtual provides virtual sockets: connection-oriented byte
// streams between clients of a hub mesh, addressed by client id and port
// rather than by network endpoint.
//
// The package provides:
//   - Addr: implementation of net.Addr, written machine-port@hub
//   - ServerSocket: implementation of net.Listener with a bounded backlog
//   - Factory: binds ports and connects to remote ports
//
// A connect tries the configured modules in order until one yields a
// stream. The built-in modules are "direct", a plain TCP connection to one
// of the target's endpoints, and "hubrouted", a circuit relayed by the
// hubs. Other modules, such as NAT splicing, are added with AddModule.
//
// Example usage:
//
//	f, err := virtual.New(virtual.Options{Hubs: []string{"hub.example.org:17878"}})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer f.Close()
//
//	l, err := f.Listen(7)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	conn, err := l.Accept()
//
// Circuits relayed by hubs are flow controlled by a byte credit: a writer
// may have at most the credit in flight, and the reader returns credit as
// the application drains data.
package virtual
