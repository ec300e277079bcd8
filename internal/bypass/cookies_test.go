package bypass

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseDomain(t *testing.T) {
	assert.Equal(t, "example.org", BaseDomain("mirror.example.org"))
	assert.Equal(t, "example.org", BaseDomain("a.b.example.org"))
	assert.Equal(t, "example.org", BaseDomain("Example.ORG."))
	assert.Equal(t, "example.org", BaseDomain("example.org:8443"))
	assert.Equal(t, "localhost", BaseDomain("localhost"))
}

func TestPutKeepsOnlyChallengeCookies(t *testing.T) {
	cs := NewCookieStore()
	cs.Put("www.example.org", []*http.Cookie{
		{Name: "cf_clearance", Value: "tok"},
		{Name: "session", Value: "other"},
	}, "agent/1.0")

	cookies, ua := cs.Get("example.org")
	require.Len(t, cookies, 1)
	assert.Equal(t, "cf_clearance", cookies[0].Name)
	assert.Equal(t, "agent/1.0", ua)
	assert.True(t, cs.HasChallengeCookie("sub.example.org"))
}

func TestFullJarDomainsKeepEverything(t *testing.T) {
	cs := NewCookieStore()
	cs.MarkFullJar("example.org")
	cs.Put("example.org", []*http.Cookie{
		{Name: "cf_clearance", Value: "tok"},
		{Name: "session", Value: "other"},
	}, "")

	cookies, _ := cs.Get("example.org")
	assert.Len(t, cookies, 2)
	assert.True(t, cs.IsFullJar("www.example.org"))
}

func TestExpiredCookiesPrunedOnRead(t *testing.T) {
	cs := NewCookieStore()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cs.SetClock(func() time.Time { return now })

	cs.Put("example.org", []*http.Cookie{
		{Name: "cf_clearance", Value: "tok", Expires: now.Add(time.Hour)},
	}, "")
	assert.True(t, cs.HasChallengeCookie("example.org"))

	now = now.Add(2 * time.Hour)
	cookies, _ := cs.Get("example.org")
	assert.Empty(t, cookies)
	assert.False(t, cs.HasChallengeCookie("example.org"))
}

func TestClear(t *testing.T) {
	cs := NewCookieStore()
	cs.Put("example.org", []*http.Cookie{{Name: "cf_clearance", Value: "tok"}}, "ua")
	cs.Clear("www.example.org")

	cookies, ua := cs.Get("example.org")
	assert.Empty(t, cookies)
	assert.Empty(t, ua)
}

func TestIsChallengeCookie(t *testing.T) {
	assert.True(t, IsChallengeCookie("cf_clearance"))
	assert.True(t, IsChallengeCookie("ddg2"))
	assert.False(t, IsChallengeCookie("sessionid"))
}
