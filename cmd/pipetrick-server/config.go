package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	listenPort      uint16
	maxClients      int
	stopWait        time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listenPort := flag.Uint("port", 8080, "TCP listen port")
	maxClients := flag.Int("max-clients", 30, "Maximum simultaneous TCP clients")
	stopWait := flag.Duration("stop-wait", 2*time.Second, "Bound on how long stop() blocks draining in-flight work")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default pipetrick-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenPort = uint16(*listenPort)
	cfg.maxClients = *maxClients
	cfg.stopWait = *stopWait
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.maxClients <= 0 {
		return fmt.Errorf("max-clients must be > 0 (got %d)", c.maxClients)
	}
	if c.stopWait <= 0 {
		return fmt.Errorf("stop-wait must be > 0")
	}
	return nil
}

// applyEnvOverrides maps PIPETRICK_SERVER_* environment variables onto cfg
// unless the corresponding flag was explicitly set (flags win over env).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["port"]; !ok {
		if v, ok := get("PIPETRICK_SERVER_PORT"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 16); err == nil {
				c.listenPort = uint16(n)
			} else {
				firstErr = firstErrOf(firstErr, fmt.Errorf("invalid PIPETRICK_SERVER_PORT: %w", err))
			}
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("PIPETRICK_SERVER_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxClients = n
			} else if err != nil {
				firstErr = firstErrOf(firstErr, fmt.Errorf("invalid PIPETRICK_SERVER_MAX_CLIENTS: %w", err))
			}
		}
	}
	if _, ok := set["stop-wait"]; !ok {
		if v, ok := get("PIPETRICK_SERVER_STOP_WAIT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.stopWait = d
			} else if err != nil {
				firstErr = firstErrOf(firstErr, fmt.Errorf("invalid PIPETRICK_SERVER_STOP_WAIT: %w", err))
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("PIPETRICK_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("PIPETRICK_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("PIPETRICK_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("PIPETRICK_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil {
				firstErr = firstErrOf(firstErr, fmt.Errorf("invalid PIPETRICK_SERVER_LOG_METRICS_INTERVAL: %w", err))
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("PIPETRICK_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("PIPETRICK_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}

func firstErrOf(first, next error) error {
	if first != nil {
		return first
	}
	return next
}
