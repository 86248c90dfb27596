// Package resolver resolves host names with non-blocking UDP DNS queries
// whose socket and timeout timer live in the proxy's event loop.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/metrics"
)

const DefaultTimeout = 5 * time.Second

var (
	ErrTimeout   = errors.New("dns query timed out")
	ErrNoAddress = errors.New("no A or AAAA records")
	ErrBadName   = errors.New("invalid domain name")
)

type query struct {
	id       uint16
	name     string
	qtype    uint16
	deadline time.Time
	done     func(netip.Addr, error)
}

// DNSResolver implements domain.Resolver. All methods must be called from
// the event loop goroutine.
type DNSResolver struct {
	log     *slog.Logger
	loop    domain.EventLoop
	metrics *metrics.Metrics
	server  netip.AddrPort
	timeout time.Duration

	fd      int
	timerFD int
	pending map[uint16]*query
	buf     []byte
}

func New(loop domain.EventLoop, log *slog.Logger, m *metrics.Metrics, server netip.AddrPort, timeout time.Duration) (*DNSResolver, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	fd, err := network.BindUDP(server.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp: %w", err)
	}
	tfd, err := network.NewTimer()
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to create timerfd: %w", err)
	}

	r := &DNSResolver{
		log:     log,
		loop:    loop,
		metrics: m,
		server:  server,
		timeout: timeout,
		fd:      fd,
		timerFD: tfd,
		pending: make(map[uint16]*query),
		buf:     make([]byte, dns.MaxMsgSize),
	}

	if err := loop.Register(fd, domain.EventRead); err != nil {
		r.closeFDs()
		return nil, err
	}
	if err := loop.Register(tfd, domain.EventRead); err != nil {
		loop.Unregister(fd)
		r.closeFDs()
		return nil, err
	}
	return r, nil
}

func (r *DNSResolver) Owns(fd int) bool { return fd == r.fd || fd == r.timerFD }

func (r *DNSResolver) HandleEvent(fd int, event domain.EventType) error {
	switch fd {
	case r.fd:
		return r.processResponses()
	case r.timerFD:
		network.DrainTimer(r.timerFD)
		r.expire(time.Now())
	}
	return nil
}

func (r *DNSResolver) Resolve(host string, done func(netip.Addr, error)) func() {
	if ip, err := netip.ParseAddr(host); err == nil {
		done(ip.Unmap(), nil)
		return func() {}
	}
	if _, ok := dns.IsDomainName(host); !ok {
		done(netip.Addr{}, fmt.Errorf("%w: %q", ErrBadName, host))
		return func() {}
	}

	q := &query{
		name:     dns.Fqdn(host),
		qtype:    dns.TypeA,
		deadline: time.Now().Add(r.timeout),
		done:     done,
	}
	if err := r.send(q); err != nil {
		r.metrics.DNSQuery(metrics.DNSError)
		done(netip.Addr{}, err)
		return func() {}
	}
	r.armTimer(time.Now())

	return func() {
		if r.pending[q.id] == q {
			delete(r.pending, q.id)
		}
	}
}

// Close releases the resolver's descriptors. Pending callbacks are dropped.
func (r *DNSResolver) Close() error {
	r.loop.Unregister(r.fd)
	r.loop.Unregister(r.timerFD)
	clear(r.pending)
	return r.closeFDs()
}

func (r *DNSResolver) closeFDs() error {
	return errors.Join(unix.Close(r.fd), unix.Close(r.timerFD))
}

func (r *DNSResolver) send(q *query) error {
	q.id = r.newID()

	m := new(dns.Msg)
	m.SetQuestion(q.name, q.qtype)
	m.Id = q.id
	m.RecursionDesired = true

	packed, err := m.Pack()
	if err != nil {
		return fmt.Errorf("pack dns query: %w", err)
	}
	if err := unix.Sendto(r.fd, packed, 0, network.Sockaddr(r.server)); err != nil {
		return fmt.Errorf("dns send failed: %w", err)
	}

	r.pending[q.id] = q
	r.log.Debug("DNS query sent", "name", q.name, "type", dns.TypeToString[q.qtype], "id", q.id)
	return nil
}

func (r *DNSResolver) newID() uint16 {
	for {
		id := dns.Id()
		if _, used := r.pending[id]; !used {
			return id
		}
	}
}

func (r *DNSResolver) processResponses() error {
	for {
		n, from, err := unix.Recvfrom(r.fd, r.buf, 0)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dns recv: %w", err)
		}
		if network.FromSockaddr(from) != r.server {
			continue
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(r.buf[:n]); err != nil {
			r.log.Warn("Failed to unpack DNS response", "error", err)
			continue
		}
		q := r.pending[msg.Id]
		if q == nil || !matches(q, msg) {
			continue
		}
		delete(r.pending, msg.Id)
		r.answer(q, msg)
	}
}

func (r *DNSResolver) answer(q *query, msg *dns.Msg) {
	if msg.Rcode != dns.RcodeSuccess {
		r.metrics.DNSQuery(metrics.DNSError)
		q.done(netip.Addr{}, fmt.Errorf("resolve %s: %s", q.name, dns.RcodeToString[msg.Rcode]))
		return
	}

	if addr, ok := firstAddr(msg); ok {
		r.metrics.DNSQuery(metrics.DNSSuccess)
		r.log.Debug("DNS Resolved", "name", q.name, "ip", addr)
		q.done(addr, nil)
		return
	}

	if q.qtype == dns.TypeA {
		q.qtype = dns.TypeAAAA
		if err := r.send(q); err == nil {
			return
		}
	}
	r.metrics.DNSQuery(metrics.DNSNoRecords)
	q.done(netip.Addr{}, fmt.Errorf("resolve %s: %w", q.name, ErrNoAddress))
}

func matches(q *query, msg *dns.Msg) bool {
	if !msg.Response || len(msg.Question) == 0 {
		return false
	}
	qq := msg.Question[0]
	return qq.Qtype == q.qtype && dns.CanonicalName(qq.Name) == dns.CanonicalName(q.name)
}

func firstAddr(msg *dns.Msg) (netip.Addr, bool) {
	for _, ans := range msg.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rr.A.To4()); ok {
				return ip, true
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rr.AAAA.To16()); ok {
				return ip.Unmap(), true
			}
		}
	}
	return netip.Addr{}, false
}

func (r *DNSResolver) expire(now time.Time) {
	for id, q := range r.pending {
		if now.Before(q.deadline) {
			continue
		}
		delete(r.pending, id)
		r.metrics.DNSQuery(metrics.DNSTimeout)
		q.done(netip.Addr{}, fmt.Errorf("resolve %s: %w", q.name, ErrTimeout))
	}
	r.armTimer(now)
}

// armTimer points the timerfd at the earliest pending deadline, or
// disarms it when nothing is pending.
func (r *DNSResolver) armTimer(now time.Time) {
	var next time.Time
	for _, q := range r.pending {
		if next.IsZero() || q.deadline.Before(next) {
			next = q.deadline
		}
	}

	var d time.Duration
	if !next.IsZero() {
		d = max(next.Sub(now), time.Millisecond)
	}
	if err := network.ArmTimer(r.timerFD, d); err != nil {
		r.log.Error("Failed to arm DNS timer", "error", err)
	}
}

// ServerFromResolvConf returns the first nameserver listed in path.
func ServerFromResolvConf(path string) (netip.AddrPort, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(cfg.Servers) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no nameservers in %s", path)
	}
	ip, err := netip.ParseAddr(cfg.Servers[0])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("nameserver %q: %w", cfg.Servers[0], err)
	}
	port := uint16(53)
	if p, err := parsePort(cfg.Port); err == nil {
		port = p
	}
	return netip.AddrPortFrom(ip.WithZone("").Unmap(), port), nil
}

func parsePort(s string) (uint16, error) {
	ap, err := netip.ParseAddrPort("0.0.0.0:" + s)
	if err != nil {
		return 0, err
	}
	return ap.Port(), nil
}
