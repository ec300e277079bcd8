package cascade

import (
	"context"
	"fmt"
	"strings"

	"bookhound/internal/fetch"
	"bookhound/internal/netx"
	"bookhound/internal/queue"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

type linkKind int

const (
	// kindJSONAPI: the URL answers JSON with a download_url field.
	kindJSONAPI linkKind = iota
	// kindPartnerPage: an intermediate page holding the real link, possibly
	// behind a countdown.
	kindPartnerPage
	// kindGenericPage: a partner page parsed with the loose GET/first-anchor
	// rules.
	kindGenericPage
	// kindDirect: the URL is the file itself.
	kindDirect
)

// attempt is one candidate URL for a task, with everything tryDownload needs.
type attempt struct {
	url     string
	kind    linkKind
	display string
	bypass  bool
	referer string
}

// WelibBase is the external partner catalog consulted by the welib source.
const WelibBase = "https://welib.org"

// sourceNeedsBypass marks sources whose pages sit behind a challenge.
var sourceNeedsBypass = map[string]bool{
	"welib": true,
}

// resolveURLs lazily enumerates candidate URLs for one source. The catalog
// page backing aa-page is fetched at most once per task; its links are cached
// in state.
func (h *Handler) resolveURLs(ctx context.Context, name string, task *queue.Task, sel *netx.Selector, state *resolveState) ([]attempt, error) {
	switch name {
	case "fastapi":
		return h.fastAPIURLs(ctx, task, sel)
	case "aa-page":
		return h.aaPageURLs(ctx, task, sel, state)
	case "welib":
		return h.welibURLs(ctx, task, sel)
	case "generic-partner":
		return h.genericURLs(task)
	default:
		return nil, fmt.Errorf("cascade has no resolver for source %q", name)
	}
}

// resolveState caches per-task enumeration so the catalog page is fetched at
// most once even when the cascade revisits the source.
type resolveState struct {
	aaFetched bool
	aaLinks   []attempt
}

// fastAPIURLs derives the members-only fast download endpoint. Needs a donor
// key; without one the source yields nothing.
func (h *Handler) fastAPIURLs(ctx context.Context, task *queue.Task, sel *netx.Selector) ([]attempt, error) {
	cfg := h.settings()
	if cfg.DonorKey == "" {
		return nil, fmt.Errorf("fast API requires a donor key")
	}
	base := sel.Base(ctx)
	if base == "" {
		return nil, fmt.Errorf("no mirror available")
	}
	return []attempt{{
		url:     fmt.Sprintf("%s/dyn/api/fast_download.json?md5=%s&key=%s", base, task.TaskID, cfg.DonorKey),
		kind:    kindJSONAPI,
		display: "Fast API",
	}}, nil
}

// aaPageURLs fetches the catalog page for the task's hash once and enumerates
// its partner links, tagged no-wait or waitlist from sibling text. Unknown
// layouts fall through to the generic tag.
func (h *Handler) aaPageURLs(ctx context.Context, task *queue.Task, sel *netx.Selector, state *resolveState) ([]attempt, error) {
	if state.aaFetched {
		return state.aaLinks, nil
	}
	state.aaFetched = true

	base := sel.Base(ctx)
	if base == "" {
		return nil, fmt.Errorf("no mirror available")
	}
	pageURL := base + "/md5/" + task.TaskID

	page, err := h.fetcher.HTMLGet(ctx, pageURL, false, sel, task.Cancel)
	if err != nil {
		return nil, fmt.Errorf("catalog page fetch failed: %w", err)
	}
	if page == "" {
		return nil, fmt.Errorf("catalog page not found for %s", task.TaskID)
	}

	doc, err := htmlquery.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("catalog page did not parse: %w", err)
	}

	server := 0
	for _, a := range htmlquery.Find(doc, `//a[@href]`) {
		href := htmlquery.SelectAttr(a, "href")
		if !strings.Contains(href, "slow_download") && !partnerHost(href) {
			continue
		}
		server++
		tag := linkTag(a)
		state.aaLinks = append(state.aaLinks, attempt{
			url:     fetch.AbsoluteURL(pageURL, href),
			kind:    kindPartnerPage,
			display: fmt.Sprintf("Mirror (server #%d, %s)", server, tag),
			referer: pageURL,
		})
	}

	// No-wait servers first; order within a tag is preserved.
	ordered := make([]attempt, 0, len(state.aaLinks))
	for _, tag := range []string{"no-wait", "waitlist", "generic"} {
		for _, l := range state.aaLinks {
			if strings.Contains(l.display, tag) {
				ordered = append(ordered, l)
			}
		}
	}
	state.aaLinks = ordered
	h.logger.Debug("catalog page enumerated", "task_id", task.TaskID, "links", len(ordered))
	return state.aaLinks, nil
}

// linkTag classifies a partner link from nearby text. Upstream templates
// vary, so anything unrecognized is tagged generic.
func linkTag(a *html.Node) string {
	text := strings.ToLower(siblingText(a))
	switch {
	case strings.Contains(text, "no waitlist"), strings.Contains(text, "no wait"):
		return "no-wait"
	case strings.Contains(text, "waitlist"), strings.Contains(text, "wait"):
		return "waitlist"
	default:
		return "generic"
	}
}

// siblingText joins the text of the anchor's parent subtree, which carries
// the wait annotation in both known template versions.
func siblingText(a *html.Node) string {
	if a.Parent != nil {
		return htmlquery.InnerText(a.Parent)
	}
	return htmlquery.InnerText(a)
}

// partnerHost recognizes absolute links to known partner download hosts.
func partnerHost(href string) bool {
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		return false
	}
	for _, marker := range []string{"libgen", "library.lol", "momot", "slow_download"} {
		if strings.Contains(href, marker) {
			return true
		}
	}
	return false
}

// welibURLs points at the external partner catalog. Its page is challenge
// guarded, so every attempt goes through the gateway.
func (h *Handler) welibURLs(ctx context.Context, task *queue.Task, sel *netx.Selector) ([]attempt, error) {
	pageURL := WelibBase + "/md5/" + task.TaskID

	page, err := h.fetcher.HTMLGet(ctx, pageURL, true, sel, task.Cancel)
	if err != nil {
		return nil, fmt.Errorf("welib page fetch failed: %w", err)
	}
	if page == "" {
		return nil, fmt.Errorf("welib has no entry for %s", task.TaskID)
	}

	doc, err := htmlquery.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("welib page did not parse: %w", err)
	}

	var out []attempt
	server := 0
	for _, a := range htmlquery.Find(doc, `//a[@href]`) {
		href := htmlquery.SelectAttr(a, "href")
		if !strings.Contains(href, "/slow_download/") && !strings.Contains(href, "/md5/") {
			continue
		}
		if strings.Contains(href, task.TaskID) && strings.Contains(href, "slow_download") {
			server++
			out = append(out, attempt{
				url:     fetch.AbsoluteURL(pageURL, href),
				kind:    kindPartnerPage,
				display: fmt.Sprintf("Welib (server #%d)", server),
				bypass:  true,
				referer: pageURL,
			})
		}
	}
	if len(out) == 0 {
		// The entry page itself may carry the countdown/link directly.
		out = append(out, attempt{
			url:     pageURL,
			kind:    kindPartnerPage,
			display: "Welib",
			bypass:  true,
		})
	}
	return out, nil
}

// genericURLs uses the release cache: a generic partner release carries its
// own page URL.
func (h *Handler) genericURLs(task *queue.Task) ([]attempt, error) {
	r, ok := h.cache.Get(task.TaskID)
	if !ok || r.DownloadURL == "" {
		return nil, fmt.Errorf("no cached page for %s", task.TaskID)
	}
	return []attempt{{
		url:     r.DownloadURL,
		kind:    kindGenericPage,
		display: "Partner page",
		referer: r.InfoURL,
	}}, nil
}
