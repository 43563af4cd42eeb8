package stun

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	pion "github.com/pion/stun"
	"go.uber.org/zap"

	"github.com/saintparish4/holechat/pkg/types"
)

// ErrNoDiscoverers is returned by an empty Chain.
var ErrNoDiscoverers = errors.New("no discovery methods configured")

// Discoverer is one way of learning the public endpoint of a socket.
type Discoverer interface {
	Name() string
	Discover(ctx context.Context, conn net.PacketConn) (*types.Endpoint, error)
}

// NativeQuery sends a hand-built Binding Request and parses the response by raw byte scan.
type NativeQuery struct {
	Client *Client
}

// NewNativeQuery creates a NativeQuery against serverAddr.
func NewNativeQuery(serverAddr string, timeout time.Duration) *NativeQuery {
	client := NewClient(serverAddr)
	client.Timeout = timeout
	return &NativeQuery{Client: client}
}

func (q *NativeQuery) Name() string { return "stun" }

func (q *NativeQuery) Discover(ctx context.Context, conn net.PacketConn) (*types.Endpoint, error) {
	return q.Client.Discover(ctx, conn)
}

// StrictQuery performs the same exchange with full message decoding: the
// response must be a Binding Success carrying our transaction ID.
type StrictQuery struct {
	ServerAddr string
	Timeout    time.Duration
}

func (q *StrictQuery) Name() string { return "stun-strict" }

func (q *StrictQuery) Discover(ctx context.Context, conn net.PacketConn) (*types.Endpoint, error) {
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	serverAddr, err := resolveServer(ctx, q.ServerAddr, deadline)
	if err != nil {
		return nil, types.NewSTUNError("resolve address", err)
	}

	request, err := pion.Build(pion.TransactionID, pion.BindingRequest)
	if err != nil {
		return nil, types.NewSTUNError("build request", err)
	}

	raw, err := roundTrip(ctx, conn, serverAddr, request.Raw, deadline)
	if err != nil {
		return nil, err
	}

	response := &pion.Message{Raw: raw}
	if err := response.Decode(); err != nil {
		return nil, types.NewSTUNError("decode response", err)
	}
	if response.TransactionID != request.TransactionID {
		return nil, types.NewSTUNError("parse_response", fmt.Errorf("transaction ID mismatch"))
	}
	if response.Type != pion.BindingSuccess {
		return nil, types.NewSTUNError("parse_response", fmt.Errorf("unexpected message type: %s", response.Type))
	}

	var xorAddr pion.XORMappedAddress
	if err := xorAddr.GetFrom(response); err == nil {
		return &types.Endpoint{IP: xorAddr.IP.String(), Port: xorAddr.Port}, nil
	}

	// Fallback to MAPPED-ADDRESS
	var mapped pion.MappedAddress
	if err := mapped.GetFrom(response); err != nil {
		return nil, types.NewSTUNError("parse_response", fmt.Errorf("no address attribute in response: %w", err))
	}
	return &types.Endpoint{IP: mapped.IP.String(), Port: mapped.Port}, nil
}

// DefaultHelperCommands are the helper invocations tried by ExternalToolQuery, in order.
var DefaultHelperCommands = [][]string{
	{"pystun3"},
	{"python3", "-m", "pystun3"},
	{"python", "-m", "pystun3"},
}

// ExternalToolQuery runs a helper program and reads "External IP:" and
// "External Port:" lines from its output. Only a result carrying both counts.
// The helper performs its own STUN exchange, so conn is not used.
type ExternalToolQuery struct {
	Commands [][]string
	Timeout  time.Duration
	Logger   *zap.Logger
}

func (q *ExternalToolQuery) Name() string { return "external-tool" }

func (q *ExternalToolQuery) Discover(ctx context.Context, _ net.PacketConn) (*types.Endpoint, error) {
	commands := q.Commands
	if len(commands) == 0 {
		commands = DefaultHelperCommands
	}
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := q.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for _, argv := range commands {
		if len(argv) == 0 {
			continue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := exec.CommandContext(cmdCtx, argv[0], argv[1:]...).Output()
		cancel()
		if err != nil {
			logger.Debug("discovery helper failed", zap.Strings("cmd", argv), zap.Error(err))
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		endpoint, natType := parseHelperOutput(output)
		if natType != "" {
			logger.Info("discovery helper reported NAT type", zap.String("nat_type", natType))
		}
		if endpoint.IP != "" && endpoint.Port != 0 {
			return &endpoint, nil
		}
		lastErr = fmt.Errorf("%s: output has no external IP and port", argv[0])
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no helper command configured")
	}
	return nil, types.NewSTUNError("external helper", lastErr)
}

func parseHelperOutput(output []byte) (types.Endpoint, string) {
	var endpoint types.Endpoint
	var natType string

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "NAT Type":
			natType = value
		case "External IP":
			endpoint.IP = value
		case "External Port":
			if port, err := strconv.Atoi(value); err == nil {
				endpoint.Port = port
			}
		}
	}
	return endpoint, natType
}

// LocalFallback reports the session's own address.
type LocalFallback struct {
	Local func() types.Endpoint
}

func (LocalFallback) Name() string { return "local" }

func (f LocalFallback) Discover(_ context.Context, conn net.PacketConn) (*types.Endpoint, error) {
	if f.Local != nil {
		endpoint := f.Local()
		return &endpoint, nil
	}
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, types.NewSTUNError("local fallback", fmt.Errorf("not a UDP socket: %s", conn.LocalAddr()))
	}
	endpoint := types.EndpointFromAddr(addr)
	return &endpoint, nil
}

// Result is a discovered endpoint and the method that produced it.
type Result struct {
	Endpoint types.Endpoint
	Source   string
}

// Chain tries each Discoverer in order and returns the first success.
type Chain struct {
	Discoverers []Discoverer
	Logger      *zap.Logger
}

// Discover runs the chain. Each discoverer bounds itself; ctx bounds the whole chain.
func (c *Chain) Discover(ctx context.Context, conn net.PacketConn) (*Result, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(c.Discoverers) == 0 {
		return nil, types.NewSTUNError("discover", ErrNoDiscoverers)
	}

	var lastErr error
	for _, d := range c.Discoverers {
		if err := ctx.Err(); err != nil {
			return nil, types.NewSTUNError("discover", err)
		}

		endpoint, err := d.Discover(ctx, conn)
		if err != nil {
			logger.Warn("discovery method failed", zap.String("method", d.Name()), zap.Error(err))
			lastErr = err
			continue
		}

		logger.Info("public endpoint discovered",
			zap.String("method", d.Name()),
			zap.Stringer("endpoint", endpoint))
		return &Result{Endpoint: *endpoint, Source: d.Name()}, nil
	}

	return nil, fmt.Errorf("all discovery methods failed: %w", lastErr)
}
