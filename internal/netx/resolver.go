package netx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves hostnames to addresses. Implementations: system, custom
// UDP nameservers, DNS-over-HTTPS.
type Resolver interface {
	// LookupIP resolves host. With ipv4Only, only A records are returned.
	LookupIP(ctx context.Context, host string, ipv4Only bool) ([]net.IP, error)
	// Name identifies the resolver for logging.
	Name() string
}

// Provider is one rotation slot: a set of UDP nameservers plus an optional
// DoH endpoint.
type Provider struct {
	Name        string
	Nameservers []string // ip:port
	DoHURL      string
}

// Providers returns the built-in rotation list.
func Providers() []Provider {
	return []Provider{
		{Name: "cloudflare", Nameservers: []string{"1.1.1.1:53", "1.0.0.1:53"}, DoHURL: "https://cloudflare-dns.com/dns-query"},
		{Name: "google", Nameservers: []string{"8.8.8.8:53", "8.8.4.4:53"}, DoHURL: "https://dns.google/dns-query"},
		{Name: "quad9", Nameservers: []string{"9.9.9.9:53", "149.112.112.112:53"}, DoHURL: "https://dns.quad9.net/dns-query"},
	}
}

// SystemResolver delegates to the OS resolver.
type SystemResolver struct{}

func (SystemResolver) Name() string { return "system" }

func (SystemResolver) LookupIP(ctx context.Context, host string, ipv4Only bool) ([]net.IP, error) {
	network := "ip"
	if ipv4Only {
		network = "ip4"
	}
	addrs, err := net.DefaultResolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// UDPResolver queries explicit nameservers over plain DNS.
type UDPResolver struct {
	name        string
	nameservers []string
	client      *dns.Client
}

func NewUDPResolver(name string, nameservers []string) *UDPResolver {
	return &UDPResolver{
		name:        name,
		nameservers: nameservers,
		client:      &dns.Client{Timeout: 5 * time.Second},
	}
}

func (r *UDPResolver) Name() string { return r.name }

func (r *UDPResolver) LookupIP(ctx context.Context, host string, ipv4Only bool) ([]net.IP, error) {
	types := []uint16{dns.TypeA}
	if !ipv4Only {
		types = append(types, dns.TypeAAAA)
	}

	var ips []net.IP
	var lastErr error
	for _, qtype := range types {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		for _, ns := range r.nameservers {
			resp, _, err := r.client.ExchangeContext(ctx, msg, ns)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("nameserver %s returned %s for %s", ns, dns.RcodeToString[resp.Rcode], host)
				continue
			}
			ips = append(ips, answersToIPs(resp)...)
			break
		}
	}

	if len(ips) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no records for %s", host)
		}
		return nil, lastErr
	}
	return ips, nil
}

func answersToIPs(resp *dns.Msg) []net.IP {
	var ips []net.IP
	for _, ans := range resp.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			ips = append(ips, rr.A)
		case *dns.AAAA:
			ips = append(ips, rr.AAAA)
		}
	}
	return ips
}

// Layer is the DNS resolver layer: it owns the provider rotation, the
// IPv4-preferred host set, and the last-resort system fallback.
type Layer struct {
	mu        sync.Mutex
	logger    *slog.Logger
	state     *State
	mode      string // auto, system, <provider name>, manual
	useDoH    bool
	manual    []string
	system    Resolver
	resolvers []Resolver // one per provider, parallel to Providers()

	ipv4Preferred map[string]struct{}
	cache         map[string][]net.IP
}

// NewLayer builds the resolver layer for the configured mode.
func NewLayer(logger *slog.Logger, state *State, mode string, manualNS []string, useDoH bool) *Layer {
	l := &Layer{
		logger:        logger,
		state:         state,
		mode:          mode,
		useDoH:        useDoH,
		manual:        manualNS,
		system:        SystemResolver{},
		ipv4Preferred: make(map[string]struct{}),
		cache:         make(map[string][]net.IP),
	}
	for _, p := range Providers() {
		if useDoH && p.DoHURL != "" {
			l.resolvers = append(l.resolvers, NewDoHResolver(p.Name+"-doh", p.DoHURL))
		} else {
			l.resolvers = append(l.resolvers, NewUDPResolver(p.Name, p.Nameservers))
		}
	}
	return l
}

// ProviderCount reports how many rotation slots exist for the current mode.
// Non-auto modes pin one provider, so selectors must not request rotation.
func (l *Layer) ProviderCount() int {
	if l.mode == "auto" {
		return len(l.resolvers)
	}
	return 1
}

// PreferIPv4 marks a hostname as A-records-only.
func (l *Layer) PreferIPv4(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ipv4Preferred[strings.ToLower(host)] = struct{}{}
}

func (l *Layer) active() Resolver {
	switch l.mode {
	case "system":
		return l.system
	case "manual":
		ns := make([]string, 0, len(l.manual))
		for _, ip := range l.manual {
			if !strings.Contains(ip, ":") {
				ip += ":53"
			}
			ns = append(ns, ip)
		}
		return NewUDPResolver("manual", ns)
	case "auto":
		idx := l.state.DNSIdx() % len(l.resolvers)
		return l.resolvers[idx]
	default:
		for i, p := range Providers() {
			if p.Name == l.mode {
				return l.resolvers[i]
			}
		}
		return l.system
	}
}

// Resolve resolves a hostname honoring mode, bypass rules, failover, and the
// fallback of last resort.
func (l *Layer) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	// Literal IPs and local names bypass any custom resolver.
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if isLocalHost(host) {
		return l.system.LookupIP(ctx, host, false)
	}

	l.mu.Lock()
	_, ipv4Only := l.ipv4Preferred[strings.ToLower(host)]
	l.mu.Unlock()

	res := l.active()
	ips, err := res.LookupIP(ctx, host, ipv4Only)
	if err == nil {
		return ips, nil
	}

	// Failover: rotate providers while in auto mode and slots remain.
	if l.mode == "auto" {
		for attempt := 1; attempt < len(l.resolvers); attempt++ {
			l.state.RotateDNS(len(l.resolvers))
			res = l.active()
			l.logger.Warn("DNS lookup failed, rotated provider", "host", host, "provider", res.Name(), "error", err)
			ips, err = res.LookupIP(ctx, host, ipv4Only)
			if err == nil {
				return ips, nil
			}
		}
	}

	// All providers exhausted: return the system result unconditionally.
	ips, sysErr := l.system.LookupIP(ctx, host, ipv4Only)
	if sysErr == nil {
		return ips, nil
	}

	// Fallback of last resort: hand back the hostname itself so downstream
	// TLS can at least fail cleanly.
	l.logger.Error("all resolvers failed", "host", host, "error", err)
	return nil, fmt.Errorf("resolve %s: %w", host, err)
}

// DialContext resolves through the layer and dials the first address that
// answers. Plug into http.Transport.DialContext.
func (l *Layer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := l.Resolve(ctx, host)
	if err != nil || len(ips) == 0 {
		// Last resort: let the dialer resolve the name itself.
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}

	var dialErr error
	d := net.Dialer{Timeout: 10 * time.Second}
	for _, ip := range ips {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		dialErr = err
	}
	return nil, dialErr
}

// HostRules pre-resolves the given hostnames and renders chromium
// --host-resolver-rules mappings for subsystems that cannot reuse the layer.
func (l *Layer) HostRules(ctx context.Context, hosts []string) []string {
	var rules []string
	for _, h := range hosts {
		ips, err := l.Resolve(ctx, h)
		if err != nil || len(ips) == 0 {
			continue
		}
		rules = append(rules, fmt.Sprintf("MAP %s %s", h, ips[0].String()))
	}
	return rules
}

func isLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate()
	}
	return false
}
