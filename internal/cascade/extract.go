package cascade

import (
	"regexp"
	"strconv"
	"strings"

	"bookhound/internal/errkind"
	"bookhound/internal/fetch"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

var urlRe = regexp.MustCompile(`https?://[^\s"'<>]+`)

// target is the outcome of inspecting a partner page: either a download href
// or a countdown the caller must wait out before re-fetching.
type target struct {
	href      string
	countdown int
}

// extractTarget finds the real download URL in a partner page. Lookup order:
// a "Download now" anchor, a literal URL inside a decorated span, a
// "copy this URL" pattern, a countdown span. The caller resolves relative
// hrefs against the page URL.
func extractTarget(page, pageURL string) (target, error) {
	doc, err := htmlquery.Parse(strings.NewReader(page))
	if err != nil {
		return target{}, errkind.Wrap(errkind.Parse, err)
	}

	if href := downloadNowAnchor(doc); href != "" {
		return target{href: fetch.AbsoluteURL(pageURL, href)}, nil
	}
	if raw := spanURL(doc); raw != "" {
		return target{href: raw}, nil
	}
	if raw := copyURLPattern(doc); raw != "" {
		return target{href: raw}, nil
	}
	if secs, ok := countdownSeconds(doc); ok {
		return target{countdown: secs}, nil
	}

	return target{}, errkind.Newf(errkind.Parse,
		"no download link or countdown on page; anchors: %s",
		strings.Join(anchorTexts(doc, 10), " | "))
}

// extractGenericTarget takes a GET anchor or, failing that, the first
// absolute anchor on the page.
func extractGenericTarget(page, pageURL string) (target, error) {
	doc, err := htmlquery.Parse(strings.NewReader(page))
	if err != nil {
		return target{}, errkind.Wrap(errkind.Parse, err)
	}

	for _, a := range htmlquery.Find(doc, `//a[@href]`) {
		if strings.EqualFold(strings.TrimSpace(htmlquery.InnerText(a)), "get") {
			return target{href: fetch.AbsoluteURL(pageURL, htmlquery.SelectAttr(a, "href"))}, nil
		}
	}
	for _, a := range htmlquery.Find(doc, `//a[@href]`) {
		href := htmlquery.SelectAttr(a, "href")
		if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
			return target{href: href}, nil
		}
	}
	return target{}, errkind.Newf(errkind.Parse,
		"no usable anchor on page; anchors: %s", strings.Join(anchorTexts(doc, 10), " | "))
}

func downloadNowAnchor(doc *html.Node) string {
	for _, a := range htmlquery.Find(doc, `//a[@href]`) {
		text := strings.ToLower(strings.TrimSpace(htmlquery.InnerText(a)))
		if strings.Contains(text, "download now") {
			return htmlquery.SelectAttr(a, "href")
		}
	}
	return ""
}

// spanURL finds a literal URL inside a decorated span.
func spanURL(doc *html.Node) string {
	for _, span := range htmlquery.Find(doc, `//span[@class]`) {
		text := strings.TrimSpace(htmlquery.InnerText(span))
		if u := urlRe.FindString(text); u != "" && u == text {
			return u
		}
	}
	return ""
}

// copyURLPattern handles pages that say "copy this URL" next to the link.
func copyURLPattern(doc *html.Node) string {
	for _, n := range htmlquery.Find(doc, `//*[contains(translate(text(), "COPY", "copy"), "copy")]`) {
		parent := n
		if n.Parent != nil {
			parent = n.Parent
		}
		if u := urlRe.FindString(htmlquery.InnerText(parent)); u != "" {
			return u
		}
	}
	return ""
}

// countdownSeconds reads an integer countdown span. Non-integer text means
// no countdown (the caller skips the wait).
func countdownSeconds(doc *html.Node) (int, bool) {
	for _, span := range htmlquery.Find(doc, `//span[contains(@class, "countdown")]`) {
		secs, err := strconv.Atoi(strings.TrimSpace(htmlquery.InnerText(span)))
		if err == nil && secs > 0 {
			return secs, true
		}
	}
	return 0, false
}

// anchorTexts returns up to max anchor texts for parse-failure diagnostics.
func anchorTexts(doc *html.Node, max int) []string {
	var out []string
	for _, a := range htmlquery.Find(doc, `//a`) {
		text := strings.TrimSpace(htmlquery.InnerText(a))
		if text == "" {
			continue
		}
		out = append(out, text)
		if len(out) >= max {
			break
		}
	}
	return out
}
