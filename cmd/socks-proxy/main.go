package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	// Set GOMEMLIMIT from the cgroup memory limit when one exists.
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"socks-proxy/internal/application"
	"socks-proxy/internal/config"
	"socks-proxy/internal/infrastructure/epoll"
	"socks-proxy/internal/infrastructure/resolver"
	"socks-proxy/internal/metrics"
	"socks-proxy/pkg/logger"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:          "socks-proxy",
		Short:        "Single-threaded SOCKS5 proxy",
		Long:         "A SOCKS5 (RFC 1928) CONNECT proxy driven by one epoll event loop.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnv(cmd); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Listen, "listen", cfg.Listen, "address to accept SOCKS clients on")
	f.StringVar(&cfg.DNSServer, "dns-server", cfg.DNSServer, "upstream DNS server ip:port (default: first nameserver in --resolv-conf)")
	f.StringVar(&cfg.ResolvConf, "resolv-conf", cfg.ResolvConf, "resolv.conf used when --dns-server is empty")
	f.DurationVar(&cfg.DNSTimeout, "dns-timeout", cfg.DNSTimeout, "DNS query timeout")
	f.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "sessions served at once; further clients wait in the backlog")
	f.IntVar(&cfg.HighWaterMark, "high-water", cfg.HighWaterMark, "per-direction buffer size that pauses reads from the producer")
	f.IntVar(&cfg.ReadChunk, "read-chunk", cfg.ReadChunk, "maximum bytes read per readiness event")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address for the Prometheus metrics server (e.g. :9090); disabled if empty")

	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// applyEnv fills every flag that was not given on the command line from
// its SOCKS_PROXY_* environment variable, e.g. --dns-timeout from
// SOCKS_PROXY_DNS_TIMEOUT.
func applyEnv(cmd *cobra.Command) error {
	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || f.Name == "help" {
			return
		}
		key := envKey(f.Name)
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if err := cmd.Flags().Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	})
	return errors.Join(errs...)
}

func envKey(flag string) string {
	return "SOCKS_PROXY_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func serve(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info("Initializing SOCKS5 Proxy...", "version", version)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, metricsLn, err := startMetrics(ctx, cfg.MetricsAddr)
	if err != nil {
		return err
	}

	eventLoop, err := epoll.New(log)
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}
	defer eventLoop.Close()

	server, err := dnsServer(cfg, log)
	if err != nil {
		return err
	}
	res, err := resolver.New(eventLoop, log, m, server, cfg.DNSTimeout)
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}

	proxy, err := application.NewProxyService(eventLoop, log, cfg, res, m)
	if err != nil {
		res.Close()
		return fmt.Errorf("create proxy service: %w", err)
	}

	log.Info("Proxy listening", "addr", cfg.Listen, "dns", server)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		proxy.Stop()
		return nil
	})
	g.Go(func() error {
		defer stop()
		if err := proxy.Start(); err != nil {
			log.Error("Proxy stopped unexpectedly", "error", err)
			return err
		}
		return nil
	})
	if m != nil {
		g.Go(func() error {
			return m.Serve(ctx, metricsLn, log)
		})
	}
	return g.Wait()
}

// startMetrics returns nil metrics when addr is empty; every recorder
// accepts a nil *metrics.Metrics.
func startMetrics(ctx context.Context, addr string) (*metrics.Metrics, net.Listener, error) {
	if addr == "" {
		return nil, nil, nil
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	return metrics.New(), ln, nil
}

// dnsServer picks the upstream resolver: the flag, then resolv.conf, then
// a public fallback.
func dnsServer(cfg config.Config, log *slog.Logger) (netip.AddrPort, error) {
	if cfg.DNSServer != "" {
		return netip.ParseAddrPort(cfg.DNSServer)
	}
	server, err := resolver.ServerFromResolvConf(cfg.ResolvConf)
	if err == nil {
		return server, nil
	}
	log.Warn("No usable nameserver, using fallback", "resolv_conf", cfg.ResolvConf, "error", err, "fallback", config.FallbackDNSServer)
	return netip.ParseAddrPort(config.FallbackDNSServer)
}
