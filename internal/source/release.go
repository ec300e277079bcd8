// Package source holds the release/download source registries, the release
// model search sources emit, and the concurrent search fan-out.
package source

import (
	"sync"
)

// Protocol identifies how a release is transferred.
type Protocol string

const (
	ProtocolHTTP    Protocol = "http"
	ProtocolDCC     Protocol = "dcc"
	ProtocolTorrent Protocol = "torrent"
	ProtocolNZB     Protocol = "nzb"
)

// Release is one downloadable search result. Ephemeral: converted into a
// task on queue, or cached briefly for later lookup.
type Release struct {
	Source      string            `json:"source"`
	SourceID    string            `json:"source_id"`
	Title       string            `json:"title"`
	Author      string            `json:"author"`
	Format      string            `json:"format"`
	Language    string            `json:"language"`
	Size        string            `json:"size"`
	SizeBytes   int64             `json:"size_bytes"`
	DownloadURL string            `json:"download_url,omitempty"`
	InfoURL     string            `json:"info_url,omitempty"`
	Preview     string            `json:"preview,omitempty"`
	Protocol    Protocol          `json:"protocol"`
	Indexer     string            `json:"indexer,omitempty"`
	Seeders     int               `json:"seeders,omitempty"`
	Peers       int               `json:"peers,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// BookMeta is the search input.
type BookMeta struct {
	Query    string
	ISBNs    []string
	Authors  []string
	Titles   []string
	Language []string
	Content  []string
	Formats  []string
	Sort     string
}

// ReleaseCache keeps each source's latest results keyed by source ID so
// info/download lookups can find the release the user saw.
type ReleaseCache struct {
	mu       sync.Mutex
	releases map[string]Release
}

func NewReleaseCache() *ReleaseCache {
	return &ReleaseCache{releases: make(map[string]Release)}
}

// Put stores releases, replacing earlier entries with the same ID.
func (c *ReleaseCache) Put(releases []Release) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range releases {
		c.releases[r.SourceID] = r
	}
}

// Get looks a release up by source ID.
func (c *ReleaseCache) Get(id string) (Release, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.releases[id]
	return r, ok
}
