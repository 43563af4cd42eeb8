package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/holechat/pkg/types"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		expected bool
	}{
		{"10.0.0.0/8", "10.0.0.1", true},
		{"172.16.0.0/12 start", "172.16.0.1", true},
		{"172.16.0.0/12 end", "172.31.255.254", true},
		{"192.168.0.0/16", "192.168.1.1", true},
		{"link-local", "169.254.1.1", true},
		{"public", "8.8.8.8", false},
		{"documentation", "203.0.113.1", false},
		{"outside 172 range low", "172.15.255.254", false},
		{"outside 172 range high", "172.32.0.1", false},
		{"IPv6 ULA", "fd00::1", true},
		{"IPv6 link-local", "fe80::1", true},
		{"IPv6 public", "2001:db8::1", false},
		{"nil", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ip net.IP
			if tt.ip != "" {
				ip = net.ParseIP(tt.ip)
				require.NotNil(t, ip)
			}
			assert.Equal(t, tt.expected, IsPrivateIP(ip))
		})
	}
}

func TestListenUDP(t *testing.T) {
	conn, err := ListenUDP("127.0.0.1", 0)
	require.NoError(t, err)
	defer conn.Close()

	assert.NotZero(t, BoundPort(conn))
}

func TestListenUDPPortInUse(t *testing.T) {
	first, err := ListenUDP("127.0.0.1", 0)
	require.NoError(t, err)
	defer first.Close()

	_, err = ListenUDP("127.0.0.1", BoundPort(first))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.BindFailure))
}

func TestListenUDPInvalidPort(t *testing.T) {
	_, err := ListenUDP("", 70000)
	assert.True(t, types.IsKind(err, types.BindFailure))
}

func TestPreferredLocalAddress(t *testing.T) {
	ip := PreferredLocalAddress()
	require.NotNil(t, ip)
	assert.NotNil(t, ip.To4())
}

func TestLocalAddresses(t *testing.T) {
	addrs, err := LocalAddresses()
	require.NoError(t, err)
	for _, ip := range addrs {
		assert.False(t, ip.IsLoopback(), "loopback address %s returned", ip)
	}
}

func TestResolvePeer(t *testing.T) {
	addr, err := ResolvePeer("127.0.0.1", "9002")
	require.NoError(t, err)
	assert.Equal(t, 9002, addr.Port)
	assert.True(t, addr.IP.Equal(net.IPv4(127, 0, 0, 1)))

	_, err = ResolvePeer("127.0.0.1", "0")
	assert.Error(t, err)

	_, err = ResolvePeer("127.0.0.1", "port")
	assert.Error(t, err)
}
