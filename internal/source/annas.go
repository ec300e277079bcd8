package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"bookhound/internal/fetch"
	"bookhound/internal/netx"

	"github.com/antchfx/htmlquery"
	"github.com/dustin/go-humanize"
	"golang.org/x/net/html"
)

// CatalogName is the registry name of the mirror-catalog release source.
const CatalogName = "catalog"

var (
	md5PathRe = regexp.MustCompile(`/md5/([0-9a-f]{32})`)
	sizeRe    = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(KB|MB|GB)`)
	langRe    = regexp.MustCompile(`\[([a-z]{2,3})\]`)
)

// Catalog searches the mirror catalog pages. One selector is created per
// search so mirror rotation stays attempt-local.
type Catalog struct {
	logger      *slog.Logger
	fetcher     *fetch.Fetcher
	newSelector func() *netx.Selector
	formats     []string
}

// NewCatalog builds the catalog source. newSelector returns a fresh mirror
// selector; formats is the supported-format allow-list.
func NewCatalog(logger *slog.Logger, fetcher *fetch.Fetcher, newSelector func() *netx.Selector, formats []string) *Catalog {
	return &Catalog{
		logger:      logger,
		fetcher:     fetcher,
		newSelector: newSelector,
		formats:     formats,
	}
}

func (c *Catalog) IsAvailable() bool { return true }

func (c *Catalog) ColumnConfig() ColumnConfig { return DefaultColumns() }

// Search queries the catalog and parses result rows into releases.
func (c *Catalog) Search(ctx context.Context, meta BookMeta, expand bool, languages []string) ([]Release, error) {
	sel := c.newSelector()
	base := sel.Base(ctx)
	if base == "" {
		return nil, fmt.Errorf("no catalog mirror configured")
	}

	page, err := c.fetcher.HTMLGet(ctx, c.searchURL(base, meta, languages), false, sel, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog search failed: %w", err)
	}
	if page == "" {
		return nil, nil
	}

	doc, err := htmlquery.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("catalog page did not parse: %w", err)
	}

	anchors := htmlquery.Find(doc, `//a[contains(@href, "/md5/")]`)
	releases := make([]Release, 0, len(anchors))
	seen := make(map[string]struct{})
	for _, a := range anchors {
		r, ok := c.parseResult(base, a)
		if !ok {
			continue
		}
		if _, dup := seen[r.SourceID]; dup {
			continue
		}
		seen[r.SourceID] = struct{}{}
		releases = append(releases, r)
	}
	c.logger.Debug("catalog search parsed", "query", meta.Query, "results", len(releases))
	return releases, nil
}

func (c *Catalog) searchURL(base string, meta BookMeta, languages []string) string {
	q := url.Values{}
	query := meta.Query
	if query == "" {
		query = strings.Join(append(append([]string{}, meta.Titles...), meta.Authors...), " ")
	}
	if query == "" && len(meta.ISBNs) > 0 {
		query = meta.ISBNs[0]
	}
	q.Set("q", query)
	for _, l := range languages {
		q.Add("lang", l)
	}
	for _, f := range meta.Formats {
		q.Add("ext", strings.TrimPrefix(f, "."))
	}
	for _, ct := range meta.Content {
		q.Add("content", ct)
	}
	if meta.Sort != "" {
		q.Set("sort", meta.Sort)
	}
	return base + "/search?" + q.Encode()
}

// parseResult extracts one release from a search-result anchor. The catalog's
// markup varies between template versions, so fields are scraped from the
// anchor's full text with pattern fallbacks.
func (c *Catalog) parseResult(base string, a *html.Node) (Release, bool) {
	href := htmlquery.SelectAttr(a, "href")
	m := md5PathRe.FindStringSubmatch(href)
	if m == nil {
		return Release{}, false
	}
	hash := m[1]

	title := nodeText(htmlquery.FindOne(a, `.//h3`))
	author := nodeText(htmlquery.FindOne(a, `.//div[contains(@class, "italic")]`))
	full := nodeText(a)
	if title == "" {
		return Release{}, false
	}

	r := Release{
		Source:   CatalogName,
		SourceID: hash,
		Title:    title,
		Author:   author,
		Format:   c.findFormat(full),
		Protocol: ProtocolHTTP,
		InfoURL:  fetch.AbsoluteURL(base, href),
	}
	if lm := langRe.FindStringSubmatch(full); lm != nil {
		r.Language = lm[1]
	}
	if sm := sizeRe.FindStringSubmatch(full); sm != nil {
		r.Size = sm[1] + " " + strings.ToUpper(sm[2])
		if b, err := humanize.ParseBytes(r.Size); err == nil {
			r.SizeBytes = int64(b)
		}
	}
	if img := htmlquery.FindOne(a, `.//img`); img != nil {
		r.Preview = fetch.AbsoluteURL(base, htmlquery.SelectAttr(img, "src"))
	}
	return r, true
}

// findFormat picks the first supported format mentioned in the row text.
func (c *Catalog) findFormat(text string) string {
	lower := strings.ToLower(text)
	for _, f := range c.formats {
		if strings.Contains(lower, "."+f) || strings.Contains(lower, " "+f+",") {
			return f
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.InnerText(n))
}
