package bypass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	externalMaxAttempts = 4
	externalConnectTime = 10 * time.Second
	externalBaseBackoff = 5 * time.Second
)

// solverRequest is the JSON envelope the external solver expects.
type solverRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int    `json:"maxTimeout"`
}

type solverCookie struct {
	Name    string  `json:"name"`
	Value   string  `json:"value"`
	Domain  string  `json:"domain"`
	Path    string  `json:"path"`
	Expires float64 `json:"expires"`
}

type solverResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL       string         `json:"url"`
		Status    int            `json:"status"`
		Response  string         `json:"response"`
		Cookies   []solverCookie `json:"cookies"`
		UserAgent string         `json:"userAgent"`
	} `json:"solution"`
}

// External is the solver-service backend: it POSTs the JSON envelope to an
// HTTP endpoint and expects the solved page back.
type External struct {
	logger     *slog.Logger
	endpoint   string
	maxTimeout int    // ms, forwarded to the solver
	rotate     func() // requests a mirror/DNS change between attempts
	client     *retryablehttp.Client
	sleep      func(time.Duration, Canceller) error
}

// NewExternal builds the external backend. rotate requests a mirror or DNS
// change between failed attempts; nil when no selector is in play.
func NewExternal(logger *slog.Logger, endpoint string, maxTimeoutMS int, rotate func()) *External {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 0 // attempt-level retry is ours; keep transport retries off

	readTimeout := time.Duration(maxTimeoutMS/1000+15) * time.Second
	if readTimeout > 120*time.Second {
		readTimeout = 120 * time.Second
	}
	client.HTTPClient.Timeout = readTimeout
	if t, ok := client.HTTPClient.Transport.(*http.Transport); ok {
		t.ResponseHeaderTimeout = readTimeout
		t.TLSHandshakeTimeout = externalConnectTime
	}

	return &External{
		logger:     logger,
		endpoint:   endpoint,
		maxTimeout: maxTimeoutMS,
		rotate:     rotate,
		client:     client,
		sleep:      SleepWithCancel,
	}
}

// SetSleep replaces the backoff sleep (for testing).
func (e *External) SetSleep(fn func(time.Duration, Canceller) error) {
	e.sleep = fn
}

// Warmup posts a health probe. The solver answers on its root path.
func (e *External) Warmup(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, e.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("external solver unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Get asks the solver for the page. Failed attempts back off exponentially
// (sleeping in cancel-checked one-second ticks) and request a mirror/DNS
// rotation before the next try.
func (e *External) Get(ctx context.Context, pageURL string, cancel Canceller) (*Solution, error) {
	var lastErr error
	for attempt := 1; attempt <= externalMaxAttempts; attempt++ {
		if cancel != nil && cancel.IsSet() {
			return nil, ErrCancelled
		}

		sol, err := e.solve(ctx, pageURL)
		if err == nil {
			return sol, nil
		}
		lastErr = err
		e.logger.Warn("external solve failed", "url", pageURL, "attempt", attempt, "error", err)

		if attempt == externalMaxAttempts {
			break
		}
		if e.rotate != nil {
			e.rotate()
		}
		backoff := externalBaseBackoff * time.Duration(1<<(attempt-1))
		if err := e.sleep(backoff, cancel); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("external solver gave up: %w", lastErr)
}

func (e *External) solve(ctx context.Context, pageURL string) (*Solution, error) {
	payload, err := json.Marshal(solverRequest{
		Cmd:        "request.get",
		URL:        pageURL,
		MaxTimeout: e.maxTimeout,
	})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}

	var sr solverResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("solver returned invalid JSON: %w", err)
	}
	if sr.Status != "ok" {
		return nil, fmt.Errorf("solver status %q: %s", sr.Status, sr.Message)
	}
	if sr.Solution.Response == "" {
		return nil, fmt.Errorf("solver returned empty page")
	}

	cookies := make([]*http.Cookie, 0, len(sr.Solution.Cookies))
	for _, c := range sr.Solution.Cookies {
		hc := &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		cookies = append(cookies, hc)
	}

	return &Solution{
		HTML:      sr.Solution.Response,
		Cookies:   cookies,
		UserAgent: sr.Solution.UserAgent,
	}, nil
}

// Shutdown releases the transport's idle connections.
func (e *External) Shutdown() {
	e.client.HTTPClient.CloseIdleConnections()
}
