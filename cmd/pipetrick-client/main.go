package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kstaniek/pipetrick-go/internal/client"
)

// Overridden at build time via -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("pipetrick-client %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	c := client.New(client.WithTimeout(cfg.timeout))

	// A SIGINT/SIGTERM mid-call demonstrates the self-pipe cancellation path:
	// stop() unblocks SendDelay instead of leaving it parked until timeout.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		c.Stop()
	}()

	delay := cfg.delayMs
	start := time.Now()
	ok := c.SendDelay(&delay, cfg.serverIP, cfg.serverPort)
	elapsed := time.Since(start)
	if !ok {
		l.Error("send_delay_failed", "server", fmt.Sprintf("%s:%d", cfg.serverIP, cfg.serverPort), "elapsed", elapsed)
		os.Exit(1)
	}
	l.Info("send_delay_ok", "requested_ms", cfg.delayMs, "reply_ms", delay, "elapsed", elapsed)
	fmt.Println(delay)
}
