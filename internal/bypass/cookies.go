// Package bypass returns HTML for URLs guarded by interactive anti-bot
// challenges. One backend is active process-wide; solves are serialized.
package bypass

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// Challenge cookie names worth persisting across requests.
var challengeCookieNames = map[string]struct{}{
	"cf_clearance":    {},
	"__cf_bm":         {},
	"cf_chl_2":        {},
	"ddg1":            {},
	"ddg2":            {},
	"__ddg_captcha__": {},
}

// IsChallengeCookie reports whether name identifies a solved-challenge token.
func IsChallengeCookie(name string) bool {
	_, ok := challengeCookieNames[name]
	return ok
}

// CookieStore maps base domains to challenge cookies and the user agent that
// earned them. Expired entries are removed on read.
type CookieStore struct {
	mu      sync.Mutex
	cookies map[string]map[string]*http.Cookie
	agents  map[string]string
	fullJar map[string]struct{}

	now func() time.Time
}

func NewCookieStore() *CookieStore {
	return &CookieStore{
		cookies: make(map[string]map[string]*http.Cookie),
		agents:  make(map[string]string),
		fullJar: make(map[string]struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the clock (for testing expiry).
func (cs *CookieStore) SetClock(now func() time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.now = now
}

// BaseDomain reduces a hostname to its registrable two-label form:
// "mirror.example.org" -> "example.org". IPs and single labels pass through.
func BaseDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// MarkFullJar records that domain should keep its entire cookie jar, not just
// challenge cookies.
func (cs *CookieStore) MarkFullJar(domain string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.fullJar[BaseDomain(domain)] = struct{}{}
}

// IsFullJar reports whether domain keeps its whole jar.
func (cs *CookieStore) IsFullJar(domain string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.fullJar[BaseDomain(domain)]
	return ok
}

// Put stores cookies for the host's base domain. Challenge cookies are always
// kept; other cookies only for full-jar domains.
func (cs *CookieStore) Put(host string, cookies []*http.Cookie, userAgent string) {
	base := BaseDomain(host)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	_, keepAll := cs.fullJar[base]
	jar := cs.cookies[base]
	if jar == nil {
		jar = make(map[string]*http.Cookie)
		cs.cookies[base] = jar
	}
	for _, c := range cookies {
		if !keepAll && !IsChallengeCookie(c.Name) {
			continue
		}
		jar[c.Name] = c
	}
	if userAgent != "" {
		cs.agents[base] = userAgent
	}
}

// Get returns unexpired cookies and the stored user agent for the host's base
// domain. Expired entries are pruned.
func (cs *CookieStore) Get(host string) ([]*http.Cookie, string) {
	base := BaseDomain(host)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	jar := cs.cookies[base]
	if jar == nil {
		return nil, cs.agents[base]
	}

	now := cs.now()
	var out []*http.Cookie
	for name, c := range jar {
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			delete(jar, name)
			continue
		}
		out = append(out, c)
	}
	if len(jar) == 0 {
		delete(cs.cookies, base)
	}
	return out, cs.agents[base]
}

// HasChallengeCookie reports whether an unexpired challenge cookie exists for
// the host's base domain.
func (cs *CookieStore) HasChallengeCookie(host string) bool {
	cookies, _ := cs.Get(host)
	for _, c := range cookies {
		if IsChallengeCookie(c.Name) {
			return true
		}
	}
	return false
}

// Clear drops all state for the host's base domain.
func (cs *CookieStore) Clear(host string) {
	base := BaseDomain(host)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.cookies, base)
	delete(cs.agents, base)
}
