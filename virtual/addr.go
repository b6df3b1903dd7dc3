package virtual

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/hubmesh/address"
)

// Network is the network name of virtual addresses.
const Network = "virtual"

// Addr implements net.Addr for virtual sockets. Machine is the client id of
// the process owning the port; Hub, when set, is the hub that client is
// registered with.
type Addr struct {
	Machine address.Set
	Port    int
	Hub     address.Set
}

// Network implements net.Addr.
func (a Addr) Network() string {
	return Network
}

// String implements net.Addr.
func (a Addr) String() string {
	s := a.Machine.String() + "-" + strconv.Itoa(a.Port)
	if !a.Hub.IsZero() {
		s += "@" + a.Hub.String()
	}
	return s
}

// ParseAddr parses the form produced by Addr.String.
func ParseAddr(s string) (Addr, error) {
	machinePort, hub, hasHub := strings.Cut(s, "@")
	i := strings.LastIndex(machinePort, "-")
	if i < 0 {
		return Addr{}, &NetError{Op: "parse", Addr: s, Err: ErrBadAddress}
	}
	port, err := strconv.Atoi(machinePort[i+1:])
	if err != nil || port < 0 {
		return Addr{}, &NetError{Op: "parse", Addr: s, Err: ErrBadAddress}
	}
	machine, err := address.Parse(machinePort[:i])
	if err != nil {
		return Addr{}, &NetError{Op: "parse", Addr: s, Err: fmt.Errorf("%w: %v", ErrBadAddress, err)}
	}
	a := Addr{Machine: machine, Port: port}
	if hasHub {
		if a.Hub, err = address.Parse(hub); err != nil {
			return Addr{}, &NetError{Op: "parse", Addr: s, Err: fmt.Errorf("%w: %v", ErrBadAddress, err)}
		}
	}
	return a, nil
}
