package address

import (
	"net"
	"strconv"
)

// Expand turns a listener address into the endpoints peers can use to reach
// it. An unspecified host (0.0.0.0 or ::) is replaced by every usable
// interface address; otherwise the address is returned as is.
func Expand(listen net.Addr) ([]string, error) {
	host, portStr, err := net.SplitHostPort(listen.String())
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(host)
	if ip == nil || !ip.IsUnspecified() {
		return []string{listen.String()}, nil
	}

	port, _ := strconv.Atoi(portStr)
	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var eps []string
	for _, a := range ifaddrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLinkLocalUnicast() || ipnet.IP.IsMulticast() {
			continue
		}
		if ip.To4() != nil && ipnet.IP.To4() == nil {
			continue
		}
		eps = append(eps, net.JoinHostPort(ipnet.IP.String(), strconv.Itoa(port)))
	}
	if len(eps) == 0 {
		eps = append(eps, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	}
	return eps, nil
}
