// Package address implements socket address sets: the location-independent
// identifiers used for hubs and clients in the mesh.
//
// A Set holds one or more equivalent host:port endpoints and an optional
// process token that distinguishes two processes sharing an endpoint list
// over time. Sets are immutable values and are safe to use as map keys.
//
// Text form:
//
//	10.0.0.5:17878/192.168.1.5:17878#5f0c2d8e-...
package address

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	endpointSeparator = "/"
	tokenSeparator    = "#"
)

var (
	// ErrEmpty indicates an address set without endpoints.
	ErrEmpty = errors.New("address set has no endpoints")

	// ErrInvalidEndpoint indicates an endpoint that is not host:port.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidToken indicates a process token containing reserved characters.
	ErrInvalidToken = errors.New("invalid process token")
)

// Set is an immutable set of equivalent network endpoints plus a process token.
// The zero value is the empty set.
type Set struct {
	canon string
}

// New builds a Set from host:port endpoints and an optional token.
// Endpoints are de-duplicated and sorted so equal sets compare equal.
func New(endpoints []string, token string) (Set, error) {
	if len(endpoints) == 0 {
		return Set{}, ErrEmpty
	}
	if strings.ContainsAny(token, endpointSeparator+tokenSeparator+"@ ") {
		return Set{}, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}

	seen := make(map[string]struct{}, len(endpoints))
	clean := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if err := validateEndpoint(ep); err != nil {
			return Set{}, err
		}
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		clean = append(clean, ep)
	}
	sort.Strings(clean)

	canon := strings.Join(clean, endpointSeparator)
	if token != "" {
		canon += tokenSeparator + token
	}
	return Set{canon: canon}, nil
}

// Parse parses the text form produced by String.
func Parse(s string) (Set, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Set{}, ErrEmpty
	}

	token := ""
	if i := strings.LastIndex(s, tokenSeparator); i >= 0 {
		token = s[i+1:]
		s = s[:i]
	}
	return New(strings.Split(s, endpointSeparator), token)
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Set {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromNetAddr builds a single-endpoint Set from a net.Addr.
func FromNetAddr(addr net.Addr, token string) (Set, error) {
	if addr == nil {
		return Set{}, ErrEmpty
	}
	return New([]string{addr.String()}, token)
}

// NewToken returns a fresh process token.
func NewToken() string {
	return uuid.NewString()
}

func validateEndpoint(ep string) error {
	host, port, err := net.SplitHostPort(ep)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, ep, err)
	}
	if host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidEndpoint, ep)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("%w: %q: bad port", ErrInvalidEndpoint, ep)
	}
	return nil
}

// String returns the canonical text form.
func (s Set) String() string {
	return s.canon
}

// IsZero reports whether s is the empty set.
func (s Set) IsZero() bool {
	return s.canon == ""
}

// Equal reports whether both sets have the same endpoints and token.
func (s Set) Equal(o Set) bool {
	return s.canon == o.canon
}

func (s Set) split() (string, string) {
	if i := strings.LastIndex(s.canon, tokenSeparator); i >= 0 {
		return s.canon[:i], s.canon[i+1:]
	}
	return s.canon, ""
}

// Endpoints returns the host:port endpoints in canonical order.
func (s Set) Endpoints() []string {
	eps, _ := s.split()
	if eps == "" {
		return nil
	}
	return strings.Split(eps, endpointSeparator)
}

// Token returns the process token, or "" if none was set.
func (s Set) Token() string {
	_, token := s.split()
	return token
}

// Hosts returns the distinct hosts of all endpoints.
func (s Set) Hosts() []string {
	seen := make(map[string]struct{})
	var hosts []string
	for _, ep := range s.Endpoints() {
		host, _, _ := net.SplitHostPort(ep)
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	return hosts
}

// NumberOfAddresses returns the number of distinct hosts in the set.
func (s Set) NumberOfAddresses() int {
	return len(s.Hosts())
}

// Port returns the port of the first endpoint, or 0 for the empty set.
func (s Set) Port() int {
	eps := s.Endpoints()
	if len(eps) == 0 {
		return 0
	}
	_, port, _ := net.SplitHostPort(eps[0])
	p, _ := strconv.Atoi(port)
	return p
}

// WithPort returns a set with the same hosts, all bound to port, and no token.
func (s Set) WithPort(port int) (Set, error) {
	hosts := s.Hosts()
	if len(hosts) == 0 {
		return Set{}, ErrEmpty
	}
	eps := make([]string, len(hosts))
	for i, h := range hosts {
		eps[i] = net.JoinHostPort(h, strconv.Itoa(port))
	}
	return New(eps, "")
}

// SameMachine reports whether the two sets share at least one host.
func (s Set) SameMachine(o Set) bool {
	mine := make(map[string]struct{})
	for _, h := range s.Hosts() {
		mine[h] = struct{}{}
	}
	for _, h := range o.Hosts() {
		if _, ok := mine[h]; ok {
			return true
		}
	}
	return false
}

// SameProcess reports whether the two sets identify the same process:
// identical tokens and at least one shared endpoint.
func (s Set) SameProcess(o Set) bool {
	if s.Token() != o.Token() {
		return false
	}
	mine := make(map[string]struct{})
	for _, ep := range s.Endpoints() {
		mine[ep] = struct{}{}
	}
	for _, ep := range o.Endpoints() {
		if _, ok := mine[ep]; ok {
			return true
		}
	}
	return false
}

// HasGlobalAddress reports whether any endpoint is a public unicast IP.
func (s Set) HasGlobalAddress() bool {
	for _, h := range s.Hosts() {
		if IsGlobal(h) {
			return true
		}
	}
	return false
}

// IsGlobal reports whether host is an IP literal that is routable on the
// public internet. Host names are never considered global.
func IsGlobal(host string) bool {
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	return ip.IsGlobalUnicast() && !ip.IsPrivate() && !ip.IsLoopback() &&
		!ip.IsLinkLocalUnicast()
}
