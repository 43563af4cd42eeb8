// Package netutil holds the socket and address helpers shared by the session and the CLI.
package netutil

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/saintparish4/holechat/pkg/types"
)

// ProbeTarget is dialed (never written to) to learn which interface routes outward.
const ProbeTarget = "8.8.8.8:80"

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// ListenUDP binds an IPv4 UDP socket on host:port. Port 0 lets the OS choose.
func ListenUDP(host string, port int) (*net.UDPConn, error) {
	if port < 0 || port > 65535 {
		return nil, types.NewError(types.BindFailure, "listen", fmt.Errorf("port %d out of range", port))
	}

	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, types.NewError(types.BindFailure, "listen", fmt.Errorf("failed to resolve UDP address: %w", err))
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, types.NewError(types.BindFailure, "listen", fmt.Errorf("failed to create UDP socket: %w", err))
	}
	return conn, nil
}

// BoundPort returns the port conn is actually bound to.
func BoundPort(conn net.PacketConn) int {
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// PreferredLocalAddress returns the address of the interface used for outbound traffic.
// A UDP dial sends nothing; when it fails the loopback address is returned.
func PreferredLocalAddress() net.IP {
	conn, err := net.Dial("udp4", ProbeTarget)
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return net.IPv4(127, 0, 0, 1)
	}
	return addr.IP
}

// LocalAddresses returns the non-loopback addresses of all interfaces that are up.
func LocalAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var addresses []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			addresses = append(addresses, ip)
		}
	}

	return addresses, nil
}

// IsPrivateIP reports whether ip lies in a private or link-local range.
func IsPrivateIP(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range privatePrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ResolvePeer turns user input into a peer address. The port must be 1..65535.
func ResolvePeer(host, port string) (*net.UDPAddr, error) {
	endpoint, err := types.ParseEndpoint(host, port)
	if err != nil {
		return nil, err
	}

	addr, err := net.ResolveUDPAddr("udp4", endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %q: %w", endpoint.String(), err)
	}
	if addr.IP == nil {
		return nil, fmt.Errorf("resolved address has no IP: %s", endpoint.String())
	}
	return addr, nil
}
