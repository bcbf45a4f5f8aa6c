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
	serverIP   string
	serverPort uint16
	delayMs    int64
	timeout    time.Duration
	logFormat  string
	logLevel   string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serverIP := flag.String("server-ip", "127.0.0.1", "Server IPv4 address")
	serverPort := flag.Uint("server-port", 8080, "Server TCP port")
	delayMs := flag.Int64("delay-ms", 1000, "Delay in milliseconds to request")
	timeout := flag.Duration("timeout", 5*time.Second, "Timeout applied to each blocking wait of a call")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.serverIP = *serverIP
	cfg.serverPort = uint16(*serverPort)
	cfg.delayMs = *delayMs
	cfg.timeout = *timeout
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel

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
	if c.delayMs < 0 {
		return fmt.Errorf("delay-ms must be >= 0 (got %d)", c.delayMs)
	}
	if c.timeout <= 0 {
		return errors.New("timeout must be > 0")
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
	return nil
}

func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["server-ip"]; !ok {
		if v, ok := get("PIPETRICK_CLIENT_SERVER_IP"); ok && v != "" {
			c.serverIP = v
		}
	}
	if _, ok := set["server-port"]; !ok {
		if v, ok := get("PIPETRICK_CLIENT_SERVER_PORT"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 16); err == nil {
				c.serverPort = uint16(n)
			} else {
				firstErr = firstErrOf(firstErr, fmt.Errorf("invalid PIPETRICK_CLIENT_SERVER_PORT: %w", err))
			}
		}
	}
	if _, ok := set["delay-ms"]; !ok {
		if v, ok := get("PIPETRICK_CLIENT_DELAY_MS"); ok && v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				c.delayMs = n
			} else {
				firstErr = firstErrOf(firstErr, fmt.Errorf("invalid PIPETRICK_CLIENT_DELAY_MS: %w", err))
			}
		}
	}
	if _, ok := set["timeout"]; !ok {
		if v, ok := get("PIPETRICK_CLIENT_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.timeout = d
			} else if err != nil {
				firstErr = firstErrOf(firstErr, fmt.Errorf("invalid PIPETRICK_CLIENT_TIMEOUT: %w", err))
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("PIPETRICK_CLIENT_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("PIPETRICK_CLIENT_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
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
