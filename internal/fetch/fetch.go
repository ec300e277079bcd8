// Package fetch performs plain HTTP with the retry/fallback ladder the
// download cascade relies on: mirror rewrites between retries, a switch into
// the bypass gateway on forbidden responses, and streaming downloads with
// cooperative cancellation.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"bookhound/internal/bypass"
	"bookhound/internal/errkind"
	"bookhound/internal/netx"

	"github.com/dustin/go-humanize"
)

const (
	// MaxRetry bounds the per-URL attempt count.
	MaxRetry = 3
	// DefaultSleep is the base backoff; attempt n sleeps DefaultSleep * n.
	DefaultSleep = 5 * time.Second

	chunkSize = 64 * 1024
)

// Bypasser returns HTML for challenge-guarded URLs. The gateway implements it.
type Bypasser interface {
	Get(ctx context.Context, pageURL string, cancel bypass.Canceller) (string, error)
}

// ProgressFunc receives bytes received and the content length (0 if absent).
type ProgressFunc func(received, total int64)

// StatusFunc receives a human-readable sub-state message.
type StatusFunc func(msg string)

// SleepFunc is the cancel-aware sleep used between retries. Injectable so
// tests run without wall-clock waits.
type SleepFunc func(d time.Duration, cancel bypass.Canceller) error

// Fetcher is the HTTP front door for sources and the cascade.
type Fetcher struct {
	logger  *slog.Logger
	client  *http.Client
	gateway Bypasser
	cookies *bypass.CookieStore
	sleep   SleepFunc
}

// Options configures the fetcher's transport.
type Options struct {
	ProxyHTTP  string
	ProxyHTTPS string
	// Dial resolves through the DNS layer; nil uses the default dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New builds a fetcher. gateway may be nil when bypass is disabled.
func New(logger *slog.Logger, gateway Bypasser, cookies *bypass.CookieStore, opts Options) *Fetcher {
	transport := &http.Transport{
		Proxy:               proxyFunc(opts.ProxyHTTP, opts.ProxyHTTPS),
		MaxIdleConnsPerHost: 4,
	}
	if opts.Dial != nil {
		transport.DialContext = opts.Dial
	}
	return &Fetcher{
		logger:  logger,
		client:  &http.Client{Transport: transport},
		gateway: gateway,
		cookies: cookies,
		sleep:   bypass.SleepWithCancel,
	}
}

// SetSleep replaces the retry backoff sleep (for testing).
func (f *Fetcher) SetSleep(s SleepFunc) { f.sleep = s }

// HTMLGet fetches a text page with the retry ladder. Rules per attempt:
// 404 returns empty immediately, 403 switches into bypass mode for the
// remaining budget, network errors back off and re-apply the selector rewrite
// so mirror/DNS rotations mid-retry take effect.
func (f *Fetcher) HTMLGet(ctx context.Context, rawURL string, useBypasser bool, sel *netx.Selector, cancel bypass.Canceller) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxRetry; attempt++ {
		if cancel != nil && cancel.IsSet() {
			return "", bypass.ErrCancelled
		}

		u := rawURL
		if sel != nil {
			u = sel.Rewrite(rawURL)
		}

		if useBypasser {
			if f.gateway == nil {
				return "", errkind.New(errkind.Blocked, "bypass required but not configured")
			}
			body, err := f.gateway.Get(ctx, u, cancel)
			if err == nil {
				return body, nil
			}
			if errkind.Is(err, errkind.Cancelled) {
				return "", err
			}
			lastErr = err
		} else {
			body, status, err := f.plainGet(ctx, u)
			switch {
			case err == nil && status == http.StatusOK:
				return body, nil
			case err == nil && status == http.StatusNotFound:
				return "", nil
			case err == nil && status == http.StatusForbidden:
				f.logger.Debug("got 403, switching to bypass", "url", u)
				useBypasser = true
				lastErr = errkind.Newf(errkind.Blocked, "%s", FriendlyStatus(status))
				continue // no backoff for the mode switch itself
			case err == nil:
				lastErr = errkind.Newf(errkind.Transient, "%s fetching %s", FriendlyStatus(status), u)
			default:
				lastErr = errkind.Wrap(errkind.Transient, err)
			}
		}

		if attempt == MaxRetry {
			break
		}
		f.logger.Debug("fetch retry", "url", u, "attempt", attempt, "error", lastErr)
		if err := f.sleep(DefaultSleep*time.Duration(attempt), cancel); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (f *Fetcher) plainGet(ctx context.Context, u string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", 0, err
	}
	f.applyStoredIdentity(req, u)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

// DownloadRequest describes one streaming download.
type DownloadRequest struct {
	URL          string
	Dest         string // temp file path
	ExpectedSize int64  // display hint; content-length wins when present
	Referer      string
	Progress     ProgressFunc
	Status       StatusFunc
	Cancel       bypass.Canceller
	Selector     *netx.Selector
}

// Download streams the URL to the destination path in chunks, checking the
// cancel flag between chunks. The partial file is removed on failure or
// cancellation. Returns bytes written.
func (f *Fetcher) Download(ctx context.Context, r DownloadRequest) (int64, error) {
	u := r.URL
	if r.Selector != nil {
		u = r.Selector.Rewrite(u)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, err)
	}
	if r.Referer != "" {
		req.Header.Set("Referer", r.Referer)
	}
	f.applyStoredIdentity(req, u)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errkind.Newf(errkind.Transient, "%s downloading %s", FriendlyStatus(resp.StatusCode), u)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = r.ExpectedSize
	}

	out, err := os.Create(r.Dest)
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, err)
	}

	var written int64
	buf := make([]byte, chunkSize)
	cleanup := func() {
		out.Close()
		os.Remove(r.Dest)
	}

	for {
		if r.Cancel != nil && r.Cancel.IsSet() {
			cleanup()
			return 0, bypass.ErrCancelled
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				cleanup()
				return 0, errkind.Wrap(errkind.Transient, werr)
			}
			written += int64(n)
			if r.Progress != nil {
				r.Progress(written, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			cleanup()
			return 0, errkind.Wrap(errkind.Transient, rerr)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(r.Dest)
		return 0, errkind.Wrap(errkind.Transient, err)
	}
	if r.Status != nil {
		r.Status(fmt.Sprintf("Downloaded %s", humanize.Bytes(uint64(written))))
	}
	return written, nil
}

// applyStoredIdentity attaches stored challenge cookies and the user agent
// the solver earned for the target's base domain.
func (f *Fetcher) applyStoredIdentity(req *http.Request, rawURL string) {
	if f.cookies == nil {
		return
	}
	host := req.URL.Hostname()
	if host == "" {
		if u, err := url.Parse(rawURL); err == nil {
			host = u.Hostname()
		}
	}
	cookies, ua := f.cookies.Get(host)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
}

// AbsoluteURL joins ref against base. Empty input returns empty; absolute
// input returns unchanged.
func AbsoluteURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// FriendlyStatus maps an HTTP status to a user-facing diagnostic.
func FriendlyStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not found (404)"
	case status == http.StatusForbidden:
		return "access blocked (403)"
	case status == http.StatusTooManyRequests:
		return "rate limited (429)"
	case status >= 500:
		return fmt.Sprintf("server error (%d)", status)
	default:
		return fmt.Sprintf("unexpected response (%d)", status)
	}
}

func proxyFunc(httpProxy, httpsProxy string) func(*http.Request) (*url.URL, error) {
	if httpProxy == "" && httpsProxy == "" {
		return http.ProxyFromEnvironment
	}
	var hu, hsu *url.URL
	if httpProxy != "" {
		hu, _ = url.Parse(httpProxy)
	}
	if httpsProxy != "" {
		hsu, _ = url.Parse(httpsProxy)
	}
	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme == "https" && hsu != nil {
			return hsu, nil
		}
		if req.URL.Scheme == "http" && hu != nil {
			return hu, nil
		}
		if hsu != nil {
			return hsu, nil
		}
		return hu, nil
	}
}
