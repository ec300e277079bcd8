package netx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DoHResolver resolves over DNS-over-HTTPS (RFC 8484 POST wire format).
// The endpoint's own hostname is resolved once via the system resolver and
// pinned, which breaks the otherwise circular dependency.
type DoHResolver struct {
	name     string
	endpoint string

	pinOnce sync.Once
	pinErr  error
	client  *http.Client
}

func NewDoHResolver(name, endpoint string) *DoHResolver {
	return &DoHResolver{name: name, endpoint: endpoint}
}

func (r *DoHResolver) Name() string { return r.name }

// pin resolves the endpoint host via the system resolver and builds a client
// whose dialer always connects to that IP.
func (r *DoHResolver) pin(ctx context.Context) error {
	r.pinOnce.Do(func() {
		u, err := url.Parse(r.endpoint)
		if err != nil {
			r.pinErr = err
			return
		}
		host := u.Hostname()

		ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
		if err != nil || len(ips) == 0 {
			r.pinErr = fmt.Errorf("cannot pin DoH endpoint %s: %w", host, err)
			return
		}
		pinned := ips[0].String()

		dialer := &net.Dialer{Timeout: 5 * time.Second}
		r.client = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					_, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					return dialer.DialContext(ctx, network, net.JoinHostPort(pinned, port))
				},
			},
		}
	})
	return r.pinErr
}

func (r *DoHResolver) LookupIP(ctx context.Context, host string, ipv4Only bool) ([]net.IP, error) {
	if err := r.pin(ctx); err != nil {
		return nil, err
	}

	types := []uint16{dns.TypeA}
	if !ipv4Only {
		types = append(types, dns.TypeAAAA)
	}

	var ips []net.IP
	var lastErr error
	for _, qtype := range types {
		resp, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		ips = append(ips, answersToIPs(resp)...)
	}

	if len(ips) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no records for %s", host)
		}
		return nil, lastErr
	}
	return ips, nil
}

func (r *DoHResolver) query(ctx context.Context, host string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	packed, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	httpResp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH endpoint returned %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	out := new(dns.Msg)
	if err := out.Unpack(body); err != nil {
		return nil, err
	}
	if out.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("DoH query for %s returned %s", host, dns.RcodeToString[out.Rcode])
	}
	return out, nil
}
