package api

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// CoverCache stores cover images under dataDir/covers keyed by a hash of the
// original URL, so repeated searches do not re-fetch the same artwork.
type CoverCache struct {
	dir    string
	client *http.Client
}

func NewCoverCache(dataDir string) (*CoverCache, error) {
	dir := filepath.Join(dataDir, "covers")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &CoverCache{
		dir:    dir,
		client: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Path returns the local cache path for a cover URL, fetching it on a miss.
func (c *CoverCache) Path(coverURL string) (string, error) {
	sum := sha1.Sum([]byte(coverURL))
	path := filepath.Join(c.dir, hex.EncodeToString(sum[:])+".img")

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	resp, err := c.client.Get(coverURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cover fetch returned %d", resp.StatusCode)
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, 8<<20)); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}
