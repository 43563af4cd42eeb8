// Command signaling runs the rendezvous server holechat peers use to swap
// public endpoints.
//
// Usage:
//
//	signaling [flags]
//
// Endpoints:
//
//	WebSocket: ws://host:port/ws
//	Health:    GET /health
//	Stats:     GET /api/stats
//	Rooms:     GET /api/rooms, GET /api/rooms/{id}
//	Metrics:   GET /metrics
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/saintparish4/holechat/internal/logging"
	"github.com/saintparish4/holechat/internal/metrics"
	"github.com/saintparish4/holechat/internal/signaling"
)

var version = "dev" // Set via ldflags

func main() {
	def := signaling.DefaultConfig()

	addr := flag.String("addr", def.Addr, "Listen address (e.g., :8080 or 0.0.0.0:8080)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "Log format (console, json)")
	staleTimeout := flag.Duration("stale-timeout", def.StaleTimeout, "Close peers silent for this long")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("holechat-signaling %s\n", version)
		return
	}

	logger, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := def
	cfg.Addr = *addr
	cfg.StaleTimeout = *staleTimeout
	cfg.Logger = logger
	cfg.Metrics = metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner(*addr)

	if err := signaling.NewServer(cfg).ListenAndServe(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func printBanner(addr string) {
	fmt.Println()
	fmt.Println(" holechat signaling server")
	fmt.Println()
	fmt.Printf(" WebSocket:  ws://localhost%s/ws\n", addr)
	fmt.Printf(" Health:     http://localhost%s/health\n", addr)
	fmt.Printf(" Stats:      http://localhost%s/api/stats\n", addr)
	fmt.Printf(" Metrics:    http://localhost%s/metrics\n", addr)
	fmt.Println()
	fmt.Println(" Press Ctrl+C to stop")
	fmt.Println()
}
