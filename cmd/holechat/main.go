// Command holechat is a two-peer text chat over a UDP path punched through NAT.
//
// Usage:
//
//	holechat [flags] [port]
//
// Both peers start holechat, exchange the public endpoints it prints (or meet
// in a room on a signaling server) and run "connect ip port" at about the same
// time. Settings come from defaults, -config YAML, HOLECHAT_* variables and
// flags, in that order.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/holechat/internal/config"
	"github.com/saintparish4/holechat/internal/logging"
	"github.com/saintparish4/holechat/internal/metrics"
	"github.com/saintparish4/holechat/pkg/chat"
	"github.com/saintparish4/holechat/pkg/session"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%sError: %v%s\n", chat.ColorRed, err, chat.ColorReset)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("holechat", flag.ContinueOnError)
	flags := config.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	// A bare positional argument is the port.
	if fs.NArg() > 0 {
		if err := fs.Set("port", fs.Arg(0)); err != nil {
			return fmt.Errorf("invalid port %q: %w", fs.Arg(0), err)
		}
	}

	cfg, err := flags.Resolve(os.LookupEnv)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
	}

	con := newConsole(os.Stdin, os.Stdout, logger.Named("console"))
	con.signaling = cfg.Signaling
	con.room = cfg.Room

	fmt.Println(chat.ColorBold + "=== HOLECHAT ===" + chat.ColorReset)
	fmt.Printf("Starting on port %d...\n", cfg.Port)

	sessionCfg := cfg.Session()
	sessionCfg.Logger = logger
	sessionCfg.Metrics = m
	sessionCfg.OnMessage = con.showMessage

	s, err := session.Open(sessionCfg)
	if err != nil {
		return err
	}
	defer s.Close()
	con.session = s

	if port := s.LocalPort(); port != cfg.Port {
		fmt.Printf("[Socket] Bound to port %d (requested %d)\n", port, cfg.Port)
	}

	discover(ctx, s, cfg)

	if err := s.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if m != nil {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, m, logger.Named("metrics"))
		})
	}
	g.Go(func() error {
		defer cancel()
		return con.Run(gctx)
	})

	return multierr.Combine(g.Wait(), s.Close())
}

func discover(ctx context.Context, s *session.Session, cfg config.Config) {
	fmt.Printf("\n[STUN] Discovering public endpoint via %s...\n", cfg.STUNServer)

	result, err := s.Discover(ctx)
	if err != nil {
		fmt.Println(chat.Warning(fmt.Sprintf("Discovery failed: %v", err)))
		return
	}
	if result.Source == "local" {
		fmt.Println(chat.Warning("STUN unavailable, using local IP instead"))
	}
	fmt.Printf("  Found: %s (%s)\n", result.Endpoint, result.Source)
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
