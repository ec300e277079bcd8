package netx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// MirrorProbeTimeout bounds the reachability GET per mirror.
const MirrorProbeTimeout = 3 * time.Second

// Action reports what NextMirrorOrRotateDNS did.
type Action string

const (
	ActionMirror    Action = "mirror"
	ActionDNS       Action = "dns"
	ActionExhausted Action = "exhausted"
)

// ProbeFunc checks whether a mirror base URL answers. Injectable for tests.
type ProbeFunc func(ctx context.Context, base string) error

// Selector is the per-attempt controller for which mirror/DNS combination to
// use. It shares the process-wide State but tracks its own exhaustion: a
// selector may advance at most mirrors x providers times.
type Selector struct {
	mu        sync.Mutex
	logger    *slog.Logger
	state     *State
	mirrors   []string
	providers int
	probe     ProbeFunc

	base      string
	advances  int
	exhausted bool
}

// NewSelector builds a selector over the configured mirror list. providers is
// the DNS provider count used to bound rotation; pass 1 when DNS rotation is
// unavailable.
func NewSelector(logger *slog.Logger, state *State, mirrors []string, providers int) *Selector {
	if providers < 1 {
		providers = 1
	}
	return &Selector{
		logger:    logger,
		state:     state,
		mirrors:   mirrors,
		providers: providers,
		probe:     defaultProbe,
	}
}

// SetProbe replaces the reachability probe (for testing).
func (s *Selector) SetProbe(p ProbeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe = p
}

// Base returns the current mirror base URL. The first call probes the
// configured mirrors concurrently and picks the first reachable one in list
// order, preferring the process-wide active index when it still answers.
func (s *Selector) Base(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base != "" {
		return s.base
	}
	if len(s.mirrors) == 0 {
		return ""
	}

	results := make([]error, len(s.mirrors))
	g, pctx := errgroup.WithContext(ctx)
	for i, m := range s.mirrors {
		i, m := i, m
		g.Go(func() error {
			results[i] = s.probe(pctx, m)
			return nil
		})
	}
	_ = g.Wait()

	// Keep the process-wide choice when it is still alive.
	active := s.state.MirrorIdx()
	if active < len(s.mirrors) && results[active] == nil {
		s.base = s.mirrors[active]
		return s.base
	}

	for i, err := range results {
		if err == nil {
			s.base = s.mirrors[i]
			s.state.SetMirrorIdx(i)
			return s.base
		}
	}

	// Nothing answered; fall back to the active entry so rewrites stay
	// deterministic and the fetcher's retry ladder can rotate from here.
	s.logger.Warn("no mirror answered probe, using active entry", "mirror", s.mirrors[active%len(s.mirrors)])
	s.base = s.mirrors[active%len(s.mirrors)]
	return s.base
}

// Rewrite replaces a known mirror prefix in url with the current base.
// Idempotent; unknown URLs pass through unchanged.
func (s *Selector) Rewrite(url string) string {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == "" || url == "" {
		return url
	}
	for _, m := range s.mirrors {
		if strings.HasPrefix(url, m) {
			return base + strings.TrimPrefix(url, m)
		}
	}
	return url
}

// NextMirrorOrRotateDNS advances to the next mirror; once every mirror has
// been tried under the current DNS provider it rotates DNS (when allowed) and
// resets the mirror index. After exhaustion further calls return
// ActionExhausted with no side effects.
func (s *Selector) NextMirrorOrRotateDNS(allowDNS bool) (string, Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exhausted || len(s.mirrors) == 0 {
		s.exhausted = true
		return "", ActionExhausted
	}

	s.advances++
	if s.advances >= len(s.mirrors)*s.providers {
		s.exhausted = true
		return "", ActionExhausted
	}

	if s.advances%len(s.mirrors) == 0 {
		// Full mirror lap under this provider.
		if !allowDNS || s.providers <= 1 {
			s.exhausted = true
			return "", ActionExhausted
		}
		s.state.RotateDNS(s.providers)
		idx := 0
		s.state.SetMirrorIdx(idx)
		s.base = s.mirrors[idx]
		s.logger.Info("rotated DNS provider, reset mirror", "mirror", s.base)
		return s.base, ActionDNS
	}

	idx := (s.state.MirrorIdx() + 1) % len(s.mirrors)
	s.state.SetMirrorIdx(idx)
	s.base = s.mirrors[idx]
	s.logger.Info("advanced to next mirror", "mirror", s.base)
	return s.base, ActionMirror
}

func defaultProbe(ctx context.Context, base string) error {
	ctx, cancel := context.WithTimeout(ctx, MirrorProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
