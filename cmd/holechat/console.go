package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saintparish4/holechat/internal/signaling"
	"github.com/saintparish4/holechat/pkg/chat"
	"github.com/saintparish4/holechat/pkg/holepunch"
	"github.com/saintparish4/holechat/pkg/netutil"
	"github.com/saintparish4/holechat/pkg/session"
)

const (
	prompt           = chat.ColorCyan + "You: " + chat.ColorReset
	rendezvousWait   = 2 * time.Minute
	signalingTimeout = 10 * time.Second
)

// syncWriter serializes output from the console and the listener callbacks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

func (s *syncWriter) println(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range lines {
		fmt.Fprintln(s.w, line)
	}
}

// console is the interactive command loop. Commands run one at a time on the
// loop goroutine; received messages and state changes print asynchronously.
type console struct {
	out     *syncWriter
	lines   <-chan string
	session *session.Session
	logger  *zap.Logger

	signaling string
	room      string
}

func newConsole(in io.Reader, out io.Writer, logger *zap.Logger) *console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &console{
		out:    &syncWriter{w: out},
		lines:  readLines(in),
		logger: logger,
	}
}

// readLines feeds input lines to a channel that is closed at EOF.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func (c *console) readLine(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-c.lines:
		return strings.TrimSpace(line), ok
	}
}

// Run reads commands until quit, EOF or cancellation.
func (c *console) Run(ctx context.Context) error {
	go c.watchState(ctx)
	c.printHelp()

	if c.signaling != "" && c.room != "" {
		c.rendezvous(ctx, c.room)
	}

	for {
		c.out.printf("%s", prompt)
		line, ok := c.readLine(ctx)
		if !ok {
			c.out.println("", "Exiting...")
			return nil
		}
		if line == "" {
			continue
		}
		if quit := c.execute(ctx, line); quit {
			return nil
		}
	}
}

func (c *console) execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])

	switch {
	case cmd == "quit" || cmd == "exit":
		c.out.println("Exiting...")
		return true
	case cmd == "connect" && len(fields) > 1:
		if addr, ok := c.parseAddr(fields, "connect"); ok {
			c.connect(ctx, addr, c.askProceed(ctx))
		}
	case cmd == "test" && len(fields) > 1:
		if addr, ok := c.parseAddr(fields, "test"); ok {
			c.test(ctx, addr)
		}
	case line == "myinfo":
		c.printInfo()
	case line == "status":
		c.printStatus()
	case line == "help":
		c.printHelp()
	case line == "disconnect":
		c.session.Disconnect()
	case cmd == "rendezvous" && len(fields) <= 2:
		room := c.room
		if len(fields) == 2 {
			room = fields[1]
		}
		c.rendezvous(ctx, room)
	default:
		c.send(line)
	}
	return false
}

func (c *console) parseAddr(fields []string, cmd string) (*net.UDPAddr, bool) {
	if len(fields) != 3 {
		c.out.println(
			fmt.Sprintf("Usage: %s [ip] [port]", cmd),
			fmt.Sprintf("Example: %s 192.168.1.100 8889", cmd),
		)
		return nil, false
	}
	addr, err := netutil.ResolvePeer(fields[1], fields[2])
	if err != nil {
		c.out.println(chat.Warning(fmt.Sprintf("Error: %v", err)))
		return nil, false
	}
	return addr, true
}

// askProceed asks on the console whether to punch after a failed test.
func (c *console) askProceed(ctx context.Context) holepunch.ProceedPolicy {
	return func(addr *net.UDPAddr, testErr error) bool {
		c.out.println(chat.Warning(fmt.Sprintf("Basic connectivity test failed: %v", testErr)))
		c.out.printf("Continue anyway? (y/n): ")
		answer, ok := c.readLine(ctx)
		return ok && strings.HasPrefix(strings.ToLower(answer), "y")
	}
}

func (c *console) connect(ctx context.Context, addr *net.UDPAddr, policy holepunch.ProceedPolicy) {
	cfg := c.session.Engine().Config()
	c.out.println(
		"",
		fmt.Sprintf("=== HOLE PUNCHING to %s ===", addr),
		"Make sure the other peer is also punching to you!",
	)

	err := c.session.Connect(ctx, addr, policy)
	switch {
	case err == nil:
	case errors.Is(err, holepunch.ErrDeclined):
		c.out.println(chat.Notice("Punching cancelled"))
	case errors.Is(err, holepunch.ErrUnanswered):
		c.out.println(chat.Warning(fmt.Sprintf("No answer after %d punches; the peer may not be punching yet", cfg.PunchAttempts)))
	case errors.Is(err, holepunch.ErrAlreadyConnected):
		c.out.println(chat.Warning("Already connected, use 'disconnect' first"))
	case errors.Is(err, context.Canceled):
	default:
		c.out.println(chat.Warning(fmt.Sprintf("Connect failed: %v", err)))
	}
}

func (c *console) test(ctx context.Context, addr *net.UDPAddr) {
	c.out.println("", fmt.Sprintf("[Test] Testing connectivity to %s...", addr))
	if err := c.session.Test(ctx, addr); err != nil {
		c.logger.Debug("connectivity test failed", zap.Error(err))
		c.out.println(chat.Warning("No response (firewall may be blocking UDP)"))
		return
	}
	c.out.println(chat.Notice(fmt.Sprintf("Got PONG from %s, basic connectivity confirmed", addr)))
}

func (c *console) send(text string) {
	msg, err := c.session.Send(text)
	if errors.Is(err, chat.ErrNotConnected) {
		c.out.println(chat.Warning("Not connected to any peer!"))
		return
	}
	if err != nil {
		c.out.println(chat.Warning(fmt.Sprintf("[Send] Error: %v", err)))
		return
	}
	c.out.println(chat.Format(msg))
}

// rendezvous meets a peer in room on the signaling server and punches to the
// endpoint it announced. Both sides punch at once, so a failed test does not
// stop the punch.
func (c *console) rendezvous(ctx context.Context, room string) {
	if c.signaling == "" || room == "" {
		c.out.println(chat.Warning("Rendezvous needs -signaling and a room (rendezvous [room])"))
		return
	}

	status := c.session.Status()
	endpoint := c.session.LocalEndpoint()
	if status.Public != nil {
		endpoint = *status.Public
	}

	dialCtx, cancel := context.WithTimeout(ctx, signalingTimeout)
	client, err := signaling.Dial(dialCtx, c.signaling, c.logger.Named("signaling"))
	cancel()
	if err != nil {
		c.out.println(chat.Warning(fmt.Sprintf("Rendezvous failed: %v", err)))
		return
	}
	defer client.Close()

	c.out.println(chat.Notice(fmt.Sprintf("Joined room %q as %s, waiting for a peer...", room, endpoint)))

	waitCtx, cancel := context.WithTimeout(ctx, rendezvousWait)
	defer cancel()
	peer, err := client.Rendezvous(waitCtx, room, "", &endpoint)
	if err != nil {
		c.out.println(chat.Warning(fmt.Sprintf("Rendezvous failed: %v", err)))
		return
	}

	addr, err := peer.Endpoint.UDPAddr()
	if err != nil {
		c.out.println(chat.Warning(fmt.Sprintf("Peer announced an unusable endpoint: %v", err)))
		return
	}
	c.out.println(chat.Notice(fmt.Sprintf("Found peer at %s", addr)))
	c.connect(ctx, addr, holepunch.AlwaysProceed)
}

// watchState prints connection changes as they happen.
func (c *console) watchState(ctx context.Context) {
	changes := c.session.Engine().Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			switch {
			case change.To == holepunch.Connected:
				c.out.printf("%s\n%s\n%s\n\n%s",
					chat.ClearLine(),
					chat.ColorGreen+"=== CONNECTION ESTABLISHED! ==="+chat.ColorReset,
					fmt.Sprintf("Direct connection with %s. You can now chat!", change.Peer),
					prompt,
				)
			case change.From == holepunch.Connected:
				c.out.printf("%s%s\n%s", chat.ClearLine(), chat.Notice("Disconnected"), prompt)
			}
		}
	}
}

// showMessage is the session's OnMessage callback.
func (c *console) showMessage(msg chat.Message) {
	c.out.printf("%s%s\n%s", chat.ClearLine(), chat.Format(msg), prompt)
}

func (c *console) printHelp() {
	c.out.println(
		"",
		chat.ColorBold+"=== CHAT INTERFACE ==="+chat.ColorReset,
		"Commands:",
		"  connect [ip] [port]  - Connect to a peer",
		"  test [ip] [port]     - Test connectivity",
		"  rendezvous [room]    - Meet a peer through the signaling server",
		"  disconnect           - Forget the current peer",
		"  myinfo               - Show your IP and port",
		"  status               - Show connection status",
		"  help                 - Show this help",
		"  quit                 - Exit",
		"Anything else is sent to the connected peer.",
		"",
	)
}

func (c *console) printInfo() {
	status := c.session.Status()
	lines := []string{
		"",
		"=== YOUR INFO ===",
		fmt.Sprintf("Local IP: %s", status.LocalAddr),
		fmt.Sprintf("Port: %d", status.LocalPort),
	}
	if status.Public != nil {
		lines = append(lines,
			fmt.Sprintf("Public IP: %s", status.Public.IP),
			fmt.Sprintf("Public Port: %d (via %s)", status.Public.Port, status.PublicSource),
		)
	}

	addrs, err := netutil.LocalAddresses()
	if err != nil {
		c.logger.Debug("listing interfaces failed", zap.Error(err))
	}
	if len(addrs) > 0 {
		lines = append(lines, "", "Network Interfaces:")
		for _, ip := range addrs {
			scope := "public"
			if netutil.IsPrivateIP(ip) {
				scope = "private"
			}
			lines = append(lines, fmt.Sprintf("  %s (%s)", ip, scope))
		}
	}
	c.out.println(append(lines, "")...)
}

func (c *console) printStatus() {
	status := c.session.Status()
	peer := "Not connected"
	if status.Peer != nil {
		peer = status.Peer.String()
	}
	c.out.println(
		"",
		"=== STATUS ===",
		fmt.Sprintf("State: %s", status.State),
		fmt.Sprintf("Connected: %t", status.State == holepunch.Connected),
		fmt.Sprintf("Socket: Open (port %d)", status.LocalPort),
		fmt.Sprintf("Peer: %s", peer),
		fmt.Sprintf("Messages: %d", len(c.session.Channel().Messages())),
		"",
	)
}
