// Package config holds the proxy's runtime settings.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

const (
	DefaultListen         = "0.0.0.0:4443"
	DefaultMaxConnections = 1024
	DefaultHighWaterMark  = 256 << 10
	DefaultReadChunk      = 16 << 10
	DefaultDNSTimeout     = 5 * time.Second
	DefaultResolvConf     = "/etc/resolv.conf"
	FallbackDNSServer     = "8.8.8.8:53"
)

type Config struct {
	Listen string
	// DNSServer is "ip:port"; empty means the first nameserver in
	// ResolvConf, then FallbackDNSServer.
	DNSServer  string
	ResolvConf string
	DNSTimeout time.Duration

	MaxConnections int
	HighWaterMark  int
	ReadChunk      int

	LogLevel  string
	LogFormat string

	MetricsAddr string
}

func Default() Config {
	return Config{
		Listen:         DefaultListen,
		ResolvConf:     DefaultResolvConf,
		DNSTimeout:     DefaultDNSTimeout,
		MaxConnections: DefaultMaxConnections,
		HighWaterMark:  DefaultHighWaterMark,
		ReadChunk:      DefaultReadChunk,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.DNSServer != "" {
		if _, err := netip.ParseAddrPort(c.DNSServer); err != nil {
			errs = append(errs, fmt.Errorf("dns server %q: %w", c.DNSServer, err))
		}
	}
	if c.DNSTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dns timeout must be > 0, got %s", c.DNSTimeout))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max connections must be > 0, got %d", c.MaxConnections))
	}
	if c.ReadChunk <= 0 {
		errs = append(errs, fmt.Errorf("read chunk must be > 0, got %d", c.ReadChunk))
	}
	if c.HighWaterMark < c.ReadChunk {
		errs = append(errs, fmt.Errorf("high-water mark (%d) must be >= read chunk (%d)", c.HighWaterMark, c.ReadChunk))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
