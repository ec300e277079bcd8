package bypass

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"bookhound/internal/errkind"
)

// ReleaseInactive is the idle window after which the active backend is torn
// down. Quadrupled while any client is connected.
const ReleaseInactive = 5 * time.Minute

// ErrCancelled is returned when a solve observes the task's cancel flag.
var ErrCancelled = errkind.New(errkind.Cancelled, "bypass cancelled")

// Canceller is the cooperative cancellation token observed between solver
// attempts and during waits.
type Canceller interface {
	IsSet() bool
}

// Backend solves challenges. Exactly one is active process-wide.
type Backend interface {
	// Warmup prepares the backend. Idempotent.
	Warmup(ctx context.Context) error
	// Get returns the HTML behind url, solving any challenge in the way.
	Get(ctx context.Context, pageURL string, cancel Canceller) (*Solution, error)
	// Shutdown releases all backend resources.
	Shutdown()
}

// Solution is a successful solve: page HTML plus the cookies and user agent
// that earned it.
type Solution struct {
	HTML      string
	Cookies   []*http.Cookie
	UserAgent string
}

// PlainGetFunc performs a cookie-reuse GET without the solver. Injectable for
// tests. Returns the status code and body.
type PlainGetFunc func(ctx context.Context, pageURL string, cookies []*http.Cookie, userAgent string) (int, string, error)

// Config captures the gateway-relevant settings snapshot.
type Config struct {
	Enabled     bool
	InContainer bool
	DonorKey    string
}

// Gateway is the serial fetch facade over the active backend.
type Gateway struct {
	logger  *slog.Logger
	store   *CookieStore
	cfg     Config
	factory func() Backend

	solveMu sync.Mutex // serial lock: one solve at a time, process-wide

	mu       sync.Mutex
	backend  Backend
	lastUsed time.Time

	clients        atomic.Int32
	pendingRestart atomic.Bool

	plainGet PlainGetFunc
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds the gateway. factory creates the configured backend on demand.
func New(logger *slog.Logger, store *CookieStore, cfg Config, factory func() Backend) *Gateway {
	g := &Gateway{
		logger:   logger,
		store:    store,
		cfg:      cfg,
		factory:  factory,
		plainGet: defaultPlainGet,
		stopCh:   make(chan struct{}),
	}
	go g.reaperLoop()
	return g
}

// SetPlainGet replaces the cookie fast-path fetch (for testing).
func (g *Gateway) SetPlainGet(fn PlainGetFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.plainGet = fn
}

// CookieStore exposes the store for the fetcher's cookie reuse.
func (g *Gateway) CookieStore() *CookieStore {
	return g.store
}

// ClientConnected is wired to the broadcaster's first-connect hook.
func (g *Gateway) ClientConnected() {
	if g.clients.Add(1) == 1 {
		// Warm up in the background so the first download does not pay the
		// browser start cost.
		go func() {
			if err := g.Warmup(context.Background()); err != nil {
				g.logger.Debug("gateway warmup skipped", "reason", err)
			}
		}()
	}
}

// ClientDisconnected is wired to the broadcaster's all-disconnect hook.
func (g *Gateway) ClientDisconnected() {
	if g.clients.Add(-1) <= 0 {
		g.ShutdownIfIdle()
	}
}

// ScheduleRestart marks the backend for teardown before its next use. Wired
// to the DNS rotation callback: new resolver rules require a fresh browser.
func (g *Gateway) ScheduleRestart() {
	g.pendingRestart.Store(true)
}

// Warmup idempotently spins up the backend. Permitted only when bypass is
// enabled, the process runs in a container, and no donor key bypasses the
// challenge entirely.
func (g *Gateway) Warmup(ctx context.Context) error {
	if !g.cfg.Enabled {
		return fmt.Errorf("bypass disabled")
	}
	if !g.cfg.InContainer {
		return fmt.Errorf("not running in a container")
	}
	if g.cfg.DonorKey != "" {
		return fmt.Errorf("donor key set, bypass not needed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.backend != nil {
		return nil
	}
	b := g.factory()
	if err := b.Warmup(ctx); err != nil {
		return err
	}
	g.backend = b
	g.lastUsed = time.Now()
	g.logger.Info("bypass backend warmed up")
	return nil
}

// ShutdownIfIdle starts the idle countdown by refreshing nothing: the reaper
// will collect the backend once ReleaseInactive passes without use.
func (g *Gateway) ShutdownIfIdle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.backend != nil {
		g.logger.Debug("last client disconnected, idle countdown running")
	}
}

// Close tears down the backend and stops the reaper.
func (g *Gateway) Close() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.teardown()
}

// Get returns the HTML behind pageURL. Steps: serial lock, cookie fast path,
// backend solve, cookie persist.
func (g *Gateway) Get(ctx context.Context, pageURL string, cancel Canceller) (string, error) {
	g.solveMu.Lock()
	defer g.solveMu.Unlock()

	if cancel != nil && cancel.IsSet() {
		return "", ErrCancelled
	}

	g.touch()

	host := hostOf(pageURL)

	// Fast path: stored challenge cookies often outlive the challenge.
	if g.store.HasChallengeCookie(host) {
		cookies, ua := g.store.Get(host)
		g.mu.Lock()
		plainGet := g.plainGet
		g.mu.Unlock()
		status, body, err := plainGet(ctx, pageURL, cookies, ua)
		if err == nil && status == http.StatusOK {
			return body, nil
		}
		g.logger.Debug("cookie fast path missed", "url", pageURL, "status", status)
	}

	backend, err := g.activeBackend(ctx)
	if err != nil {
		return "", errkind.Wrap(errkind.Transient, err)
	}

	sol, err := backend.Get(ctx, pageURL, cancel)
	if err != nil {
		if errkind.Is(err, errkind.Cancelled) {
			return "", err
		}
		return "", errkind.Wrap(errkind.Transient, err)
	}

	g.store.Put(host, sol.Cookies, sol.UserAgent)
	g.touch()
	return sol.HTML, nil
}

// activeBackend returns the live backend, honoring a pending restart.
func (g *Gateway) activeBackend(ctx context.Context) (Backend, error) {
	if g.pendingRestart.Swap(false) {
		g.teardown()
	}

	g.mu.Lock()
	b := g.backend
	g.mu.Unlock()
	if b != nil {
		return b, nil
	}

	if err := g.Warmup(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.backend == nil {
		return nil, fmt.Errorf("bypass backend unavailable")
	}
	return g.backend, nil
}

func (g *Gateway) touch() {
	g.mu.Lock()
	g.lastUsed = time.Now()
	g.mu.Unlock()
}

func (g *Gateway) teardown() {
	g.mu.Lock()
	b := g.backend
	g.backend = nil
	g.mu.Unlock()
	if b != nil {
		b.Shutdown()
		g.logger.Info("bypass backend released")
	}
}

// reaperLoop tears down the backend after the idle window.
func (g *Gateway) reaperLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
		}

		idleLimit := ReleaseInactive
		if g.clients.Load() > 0 {
			idleLimit *= 4
		}

		g.mu.Lock()
		idle := g.backend != nil && time.Since(g.lastUsed) > idleLimit
		g.mu.Unlock()
		if idle {
			g.logger.Info("bypass backend idle, releasing", "idle_limit", idleLimit)
			g.teardown()
		}
	}
}

// SleepWithCancel sleeps in one-second increments, checking the cancel flag
// between ticks. Latency to observe cancellation is bounded by one tick.
func SleepWithCancel(d time.Duration, cancel Canceller) error {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cancel != nil && cancel.IsSet() {
			return ErrCancelled
		}
		remaining := time.Until(deadline)
		if remaining > time.Second {
			remaining = time.Second
		}
		time.Sleep(remaining)
	}
	if cancel != nil && cancel.IsSet() {
		return ErrCancelled
	}
	return nil
}

func hostOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	return u.Hostname()
}

func defaultPlainGet(ctx context.Context, pageURL string, cookies []*http.Cookie, userAgent string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return 0, "", err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	client := &http.Client{Timeout: 30 * time.Second, Transport: &http.Transport{Proxy: http.ProxyFromEnvironment}}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), err
}

// InContainer reports whether the process appears to run inside a container.
func InContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if v := os.Getenv("CONTAINER"); v != "" {
		return true
	}
	return false
}
