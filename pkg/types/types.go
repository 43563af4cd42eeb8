package types

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint represents a network endpoint with IP and port
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// UDPAddr converts the endpoint to a *net.UDPAddr.
// Host names are resolved.
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	if ip := net.ParseIP(e.IP); ip != nil {
		return &net.UDPAddr{IP: ip, Port: e.Port}, nil
	}
	addr, err := net.ResolveUDPAddr("udp", e.String())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", e, err)
	}
	return addr, nil
}

// IsZero reports whether the endpoint carries no address.
func (e Endpoint) IsZero() bool {
	return e.IP == "" && e.Port == 0
}

// EndpointFromAddr builds an Endpoint from a UDP address.
func EndpointFromAddr(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	return Endpoint{IP: addr.IP.String(), Port: addr.Port}
}

// ParseEndpoint parses "ip port" style arguments as typed at the console.
func ParseEndpoint(ip, port string) (Endpoint, error) {
	if ip == "" {
		return Endpoint{}, fmt.Errorf("address must not be empty")
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return Endpoint{}, fmt.Errorf("port must be a number: %q", port)
	}
	if p <= 0 || p > 65535 {
		return Endpoint{}, fmt.Errorf("port out of range: %d", p)
	}
	return Endpoint{IP: ip, Port: p}, nil
}

// ParseHostPort parses an "IP:PORT" string.
func ParseHostPort(addr string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("address must be in format IP:PORT: %w", err)
	}
	return ParseEndpoint(host, port)
}
