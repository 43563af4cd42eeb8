package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/saintparish4/holechat/pkg/types"
)

const (
	// DefaultServer is the STUN server used when none is configured
	DefaultServer = "stun.l.google.com:19302"

	// DefaultTimeout bounds a single Binding Request
	DefaultTimeout = 3 * time.Second

	// maxResponseSize is large enough for any Binding Response (MTU size)
	maxResponseSize = 1500
)

// Client represents a STUN client that queries over a socket owned by the caller.
// Using the caller's socket makes the discovered mapping reflect the real local endpoint.
type Client struct {
	ServerAddr string
	Timeout    time.Duration
}

// NewClient creates a new STUN client
func NewClient(serverAddr string) *Client {
	return &Client{
		ServerAddr: serverAddr,
		Timeout:    DefaultTimeout,
	}
}

// Discover sends a Binding Request to stunHost:stunPort over conn and returns
// the external endpoint found in the response. It blocks at most timeout.
func Discover(conn net.PacketConn, stunHost string, stunPort int, timeout time.Duration) (*types.Endpoint, error) {
	client := &Client{
		ServerAddr: net.JoinHostPort(stunHost, strconv.Itoa(stunPort)),
		Timeout:    timeout,
	}
	return client.Discover(context.Background(), conn)
}

// Discover performs STUN discovery to find the public endpoint
func (c *Client) Discover(ctx context.Context, conn net.PacketConn) (*types.Endpoint, error) {
	deadline := time.Now().Add(c.timeout())
	serverAddr, err := resolveServer(ctx, c.ServerAddr, deadline)
	if err != nil {
		return nil, types.NewSTUNError("resolve address", err)
	}

	tx, err := NewTransaction(serverAddr, time.Until(deadline))
	if err != nil {
		return nil, types.NewSTUNError("generate_transaction_id", err)
	}

	response, err := roundTrip(ctx, conn, serverAddr, tx.Request(), tx.Deadline)
	if err != nil {
		return nil, err
	}

	endpoint, err := parseMappedAddress(response)
	if err != nil {
		return nil, types.NewSTUNError("parse_response", err)
	}

	return endpoint, nil
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// roundTrip writes request to server and waits for one datagram from it.
// The wait ends at deadline, when ctx is done, or when conn is closed.
func roundTrip(ctx context.Context, conn net.PacketConn, server *net.UDPAddr, request []byte, deadline time.Time) ([]byte, error) {
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if _, err := conn.WriteTo(request, server); err != nil {
		return nil, types.NewSTUNError("send_request", err)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, types.NewSTUNError("set_deadline", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxResponseSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, types.NewSTUNError("read_response", ctx.Err())
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, types.NewSTUNError("read_response", fmt.Errorf("STUN request to %s timed out", server))
			}
			return nil, types.NewSTUNError("read_response", err)
		}

		// Stray datagrams (an early punch from the peer) are not ours
		if !fromServer(from, server) {
			continue
		}

		return append([]byte(nil), buf[:n]...), nil
	}
}

func fromServer(from net.Addr, server *net.UDPAddr) bool {
	udp, ok := from.(*net.UDPAddr)
	if !ok {
		return true
	}
	return udp.Port == server.Port && udp.IP.Equal(server.IP)
}

// resolveServer looks up the server's host and port, preferring an IPv4
// address since sessions bind udp4 sockets. The lookup shares the request's
// deadline.
func resolveServer(ctx context.Context, addr string, deadline time.Time) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	port, err := strconv.Atoi(portStr)
	if err != nil {
		if port, err = net.DefaultResolver.LookupPort(ctx, "udp", portStr); err != nil {
			return nil, err
		}
	}

	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		if ips, err = net.DefaultResolver.LookupNetIP(ctx, "ip", host); err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no addresses for %s", host)
		}
	}

	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ips[0].Unmap(), uint16(port))), nil
}
