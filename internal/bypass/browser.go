package bypass

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

const (
	pageLoadTimeout  = 60 * time.Second
	sameChallengeMax = 3 // identical challenge seen this many times in a row => rate limited
)

// ChallengeKind classifies the anti-bot wall on a page.
type ChallengeKind string

const (
	ChallengeNone      ChallengeKind = ""
	ChallengeTurnstile ChallengeKind = "turnstile"
	ChallengeManaged   ChallengeKind = "managed"
	ChallengeDDoSGuard ChallengeKind = "ddos-guard"
)

// DetectChallenge inspects title, body, and URL for known challenge markers.
func DetectChallenge(title, body, pageURL string) ChallengeKind {
	lt := strings.ToLower(title)
	switch {
	case strings.Contains(lt, "just a moment"),
		strings.Contains(lt, "attention required"),
		strings.Contains(body, "cf-turnstile"),
		strings.Contains(body, "challenges.cloudflare.com/turnstile"):
		return ChallengeTurnstile
	case strings.Contains(body, "challenge-platform"),
		strings.Contains(pageURL, "__cf_chl"):
		return ChallengeManaged
	case strings.Contains(lt, "ddos-guard"), strings.Contains(body, "ddos-guard"):
		return ChallengeDDoSGuard
	}
	return ChallengeNone
}

// AttackMethod is one interaction strategy tried against a challenge page.
type AttackMethod string

const (
	AttackWait     AttackMethod = "wait"
	AttackClick    AttackMethod = "click"
	AttackKeyboard AttackMethod = "keyboard"
)

// DefaultAttackOrder is the method sequence tried per challenge round.
var DefaultAttackOrder = []AttackMethod{AttackWait, AttackClick, AttackKeyboard}

// Embedded drives a real browser to pass challenges. Host rules pin the
// browser's DNS to addresses the resolver layer already vetted.
type Embedded struct {
	logger      *slog.Logger
	hostRules   []string
	attackOrder []AttackMethod

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	xvfb          *exec.Cmd
}

// NewEmbedded builds the embedded backend. hostRules are chromium
// --host-resolver-rules entries from the resolver layer.
func NewEmbedded(logger *slog.Logger, hostRules []string) *Embedded {
	return &Embedded{
		logger:      logger,
		hostRules:   hostRules,
		attackOrder: DefaultAttackOrder,
	}
}

// Warmup starts the virtual display (containers without one) and the browser
// process. Idempotent.
func (e *Embedded) Warmup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browserCtx != nil {
		return nil
	}

	if os.Getenv("DISPLAY") == "" && InContainer() {
		if err := e.startVirtualDisplay(); err != nil {
			e.logger.Warn("virtual display unavailable, running headless", "error", err)
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", os.Getenv("DISPLAY") == ""),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if len(e.hostRules) > 0 {
		opts = append(opts, chromedp.Flag("host-resolver-rules", strings.Join(e.hostRules, ",")))
	}

	e.allocCtx, e.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	e.browserCtx, e.browserCancel = chromedp.NewContext(e.allocCtx)

	// Force the browser process to actually start.
	if err := chromedp.Run(e.browserCtx); err != nil {
		e.shutdownLocked()
		return fmt.Errorf("browser start failed: %w", err)
	}
	return nil
}

// startVirtualDisplay launches Xvfb on :99 and points DISPLAY at it.
func (e *Embedded) startVirtualDisplay() error {
	cmd := exec.Command("Xvfb", ":99", "-screen", "0", "1920x1080x24", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return err
	}
	e.xvfb = cmd
	os.Setenv("DISPLAY", ":99")
	return nil
}

// Get navigates to pageURL and works through the challenge until the real
// page appears, the cancel flag fires, or the same challenge repeats
// sameChallengeMax times (a rate-limit indicator).
func (e *Embedded) Get(ctx context.Context, pageURL string, cancel Canceller) (*Solution, error) {
	e.mu.Lock()
	browserCtx := e.browserCtx
	e.mu.Unlock()
	if browserCtx == nil {
		return nil, fmt.Errorf("embedded backend not warmed up")
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()
	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, pageLoadTimeout)
	defer timeoutCancel()

	if err := chromedp.Run(tabCtx, chromedp.Navigate(pageURL)); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}

	var lastKind ChallengeKind
	sameKindCount := 0

	for {
		if cancel != nil && cancel.IsSet() {
			return nil, ErrCancelled
		}

		title, body, currentURL, err := e.snapshot(tabCtx)
		if err != nil {
			return nil, err
		}

		kind := DetectChallenge(title, body, currentURL)
		if kind == ChallengeNone {
			return e.capture(tabCtx, body)
		}

		if kind == lastKind {
			sameKindCount++
			if sameKindCount >= sameChallengeMax {
				return nil, fmt.Errorf("challenge %q persisted %d rounds, likely rate limited", kind, sameKindCount)
			}
		} else {
			lastKind = kind
			sameKindCount = 1
		}

		e.logger.Debug("challenge detected", "kind", kind, "url", pageURL)

		for _, method := range e.attackOrder {
			if cancel != nil && cancel.IsSet() {
				return nil, ErrCancelled
			}
			if err := e.attack(tabCtx, method); err != nil {
				e.logger.Debug("attack method failed", "method", method, "error", err)
			}
			// Human-ish pause, then see whether the wall fell.
			humanPause()
			title, body, currentURL, err = e.snapshot(tabCtx)
			if err != nil {
				return nil, err
			}
			if DetectChallenge(title, body, currentURL) == ChallengeNone {
				return e.capture(tabCtx, body)
			}
		}
	}
}

// snapshot reads title, serialized body, and location of the current tab.
func (e *Embedded) snapshot(ctx context.Context) (title, body, currentURL string, err error) {
	err = chromedp.Run(ctx,
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &body, chromedp.ByQuery),
		chromedp.Location(&currentURL),
	)
	return
}

// attack performs one interaction round with slightly randomized timing.
func (e *Embedded) attack(ctx context.Context, method AttackMethod) error {
	switch method {
	case AttackWait:
		return chromedp.Run(ctx, chromedp.Sleep(time.Duration(3000+rand.Intn(2000))*time.Millisecond))
	case AttackClick:
		// Turnstile checkbox sits near the widget's left edge.
		x := float64(180 + rand.Intn(40))
		y := float64(290 + rand.Intn(20))
		return chromedp.Run(ctx,
			chromedp.Sleep(time.Duration(300+rand.Intn(500))*time.Millisecond),
			chromedp.MouseClickXY(x, y),
		)
	case AttackKeyboard:
		return chromedp.Run(ctx,
			chromedp.KeyEvent(kb.Tab),
			chromedp.Sleep(time.Duration(200+rand.Intn(300))*time.Millisecond),
			chromedp.KeyEvent(kb.Enter),
		)
	}
	return fmt.Errorf("unknown attack method %q", method)
}

// capture extracts the solution: page HTML, the tab's cookie jar, and the
// active user agent.
func (e *Embedded) capture(ctx context.Context, body string) (*Solution, error) {
	var ua string
	var cookies []*http.Cookie
	err := chromedp.Run(ctx,
		chromedp.Evaluate("navigator.userAgent", &ua),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cks, err := storage.GetCookies().Do(ctx)
			if err != nil {
				return err
			}
			for _, c := range cks {
				hc := &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}
				if c.Expires > 0 {
					hc.Expires = time.Unix(int64(c.Expires), 0)
				}
				cookies = append(cookies, hc)
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Solution{HTML: body, Cookies: cookies, UserAgent: ua}, nil
}

// Shutdown kills the browser and the virtual display.
func (e *Embedded) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdownLocked()
}

func (e *Embedded) shutdownLocked() {
	if e.browserCancel != nil {
		e.browserCancel()
		e.browserCancel = nil
		e.browserCtx = nil
	}
	if e.allocCancel != nil {
		e.allocCancel()
		e.allocCancel = nil
		e.allocCtx = nil
	}
	if e.xvfb != nil && e.xvfb.Process != nil {
		_ = e.xvfb.Process.Kill()
		e.xvfb = nil
	}
}

func humanPause() {
	time.Sleep(time.Duration(400+rand.Intn(800)) * time.Millisecond)
}
