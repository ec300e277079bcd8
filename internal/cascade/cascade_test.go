package cascade

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookhound/internal/bypass"
	"bookhound/internal/config"
	"bookhound/internal/errkind"
	"bookhound/internal/fetch"
	"bookhound/internal/netx"
	"bookhound/internal/queue"
	"bookhound/internal/source"
)

const testHash = "0123456789abcdef0123456789abcdef"

type recordingSink struct {
	statuses []string
	progress []float64
}

func (s *recordingSink) Status(msg string)    { s.statuses = append(s.statuses, msg) }
func (s *recordingSink) Progress(pct float64) { s.progress = append(s.progress, pct) }

func (s *recordingSink) has(substr string) bool {
	for _, msg := range s.statuses {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func newTestHandler(t *testing.T, mirror string, cfg config.Settings) (*Handler, *source.ReleaseCache) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	cfg.Mirrors = []string{mirror}

	fetcher := fetch.New(logger, nil, nil, fetch.Options{})
	fetcher.SetSleep(func(time.Duration, bypass.Canceller) error { return nil })

	newSelector := func() *netx.Selector {
		sel := netx.NewSelector(logger, netx.NewState(), []string{mirror}, 1)
		sel.SetProbe(func(context.Context, string) error { return nil })
		return sel
	}

	cache := source.NewReleaseCache()
	h := New(logger, fetcher, cache, newSelector, func() config.Settings { return cfg })
	h.SetSleep(func(time.Duration, bypass.Canceller) error { return nil })
	return h, cache
}

func newTask() *queue.Task {
	return &queue.Task{
		TaskID: testHash,
		Title:  "Test Book",
		Format: "epub",
		Size:   "1 MB",
		Cancel: &queue.CancelFlag{},
	}
}

func enabled(names ...string) []config.SourceEntry {
	out := make([]config.SourceEntry, 0, len(names))
	for _, n := range names {
		out = append(out, config.SourceEntry{Name: n, Enabled: true})
	}
	return out
}

// mirrorServer simulates a catalog mirror: a book page with one partner link,
// a partner page, and the file itself.
func mirrorServer(t *testing.T, partnerPage func(w http.ResponseWriter, visit int)) *httptest.Server {
	t.Helper()
	payload := make([]byte, 64*1024)
	var partnerVisits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/md5/"+testHash, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<html><body>
			<ul><li>No waitlist <a href="/slow_download/%s/0/0">Server 1</a></li></ul>
		</body></html>`, testHash)
	})
	mux.HandleFunc("/slow_download/", func(w http.ResponseWriter, _ *http.Request) {
		partnerPage(w, int(partnerVisits.Add(1)))
	})
	mux.HandleFunc("/file", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadThroughCatalogPartner(t *testing.T) {
	srv := mirrorServer(t, func(w http.ResponseWriter, _ int) {
		fmt.Fprint(w, `<html><body><a href="/file">Download now</a></body></html>`)
	})

	h, _ := newTestHandler(t, srv.URL, config.Settings{
		BypassBackend: "none",
		SourceOrder:   enabled("aa-page"),
	})

	sink := &recordingSink{}
	path, err := h.Download(context.Background(), newTask(), sink)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), info.Size())
	assert.True(t, sink.has("Resolving"))
	assert.True(t, sink.has("Fetching"))
	assert.NotEmpty(t, sink.progress)
	assert.Equal(t, 100.0, sink.progress[len(sink.progress)-1])
}

func TestDownloadUnknownLengthReportsBytes(t *testing.T) {
	payload := make([]byte, 64*1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/md5/"+testHash, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<html><body>No waitlist <a href="/slow_download/%s/0/0">S1</a></body></html>`, testHash)
	})
	mux.HandleFunc("/slow_download/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/file">Download now</a></body></html>`)
	})
	mux.HandleFunc("/file", func(w http.ResponseWriter, _ *http.Request) {
		// Chunked transfer: no Content-Length header reaches the client.
		flusher := w.(http.Flusher)
		for off := 0; off < len(payload); off += 16 * 1024 {
			w.Write(payload[off : off+16*1024])
			flusher.Flush()
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h, _ := newTestHandler(t, srv.URL, config.Settings{
		BypassBackend: "none",
		SourceOrder:   enabled("aa-page"),
	})

	task := newTask()
	task.Size = "" // no display hint either, so the denominator is unknown

	sink := &recordingSink{}
	path, err := h.Download(context.Background(), task, sink)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size())

	assert.Empty(t, sink.progress, "no percentage without a denominator")
	assert.True(t, sink.has("Downloaded"), "byte-count heartbeats stand in for progress")
}

func TestDownloadWaitsOutCountdown(t *testing.T) {
	srv := mirrorServer(t, func(w http.ResponseWriter, visit int) {
		if visit == 1 {
			fmt.Fprint(w, `<html><body><span class="countdown">2</span></body></html>`)
			return
		}
		fmt.Fprint(w, `<html><body><a href="/file">Download now</a></body></html>`)
	})

	h, _ := newTestHandler(t, srv.URL, config.Settings{
		BypassBackend: "none",
		SourceOrder:   enabled("aa-page"),
	})

	sink := &recordingSink{}
	_, err := h.Download(context.Background(), newTask(), sink)
	require.NoError(t, err)
	assert.True(t, sink.has("Waiting 2s"))
	assert.True(t, sink.has("Waiting 1s"))
}

func TestDownloadCancelDuringCountdown(t *testing.T) {
	srv := mirrorServer(t, func(w http.ResponseWriter, _ int) {
		fmt.Fprint(w, `<html><body><span class="countdown">600</span></body></html>`)
	})

	h, _ := newTestHandler(t, srv.URL, config.Settings{
		BypassBackend: "none",
		SourceOrder:   enabled("aa-page"),
	})

	task := newTask()
	h.SetSleep(func(_ time.Duration, cancel bypass.Canceller) error {
		task.Cancel.Set()
		if cancel != nil && cancel.IsSet() {
			return bypass.ErrCancelled
		}
		return nil
	})

	_, err := h.Download(context.Background(), task, &recordingSink{})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Cancelled))
}

func TestDownloadRejectsTinyFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/md5/"+testHash, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<html><body>No waitlist <a href="/slow_download/%s/0/0">S1</a></body></html>`, testHash)
	})
	mux.HandleFunc("/slow_download/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/file">Download now</a></body></html>`)
	})
	mux.HandleFunc("/file", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not a real book"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tempDir := t.TempDir()
	h, _ := newTestHandler(t, srv.URL, config.Settings{
		TempDir:       tempDir,
		BypassBackend: "none",
		SourceOrder:   enabled("aa-page"),
	})

	_, err := h.Download(context.Background(), newTask(), &recordingSink{})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.SourceExhausted))
	assert.ErrorContains(t, err, "too small")

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "undersized file must be removed")
}

func TestDownloadSkipsDebugListedSource(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h, _ := newTestHandler(t, srv.URL, config.Settings{
		BypassBackend: "none",
		SourceOrder:   enabled("aa-page"),
		DebugSkip:     []string{"aa-page"},
	})

	_, err := h.Download(context.Background(), newTask(), &recordingSink{})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.SourceExhausted))
	assert.Zero(t, hits.Load())
}

func TestDownloadSkipsBypassSourceWhenDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h, _ := newTestHandler(t, srv.URL, config.Settings{
		BypassBackend: "none",
		SourceOrder:   enabled("welib"),
	})

	_, err := h.Download(context.Background(), newTask(), &recordingSink{})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.SourceExhausted))
}

func TestDownloadStopsAtFailureThreshold(t *testing.T) {
	var partnerHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/md5/"+testHash, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<html><body>
			<div>No waitlist <a href="/slow_download/%[1]s/0/0">S1</a></div>
			<div>No waitlist <a href="/slow_download/%[1]s/1/0">S2</a></div>
			<div>No waitlist <a href="/slow_download/%[1]s/2/0">S3</a></div>
			<div>No waitlist <a href="/slow_download/%[1]s/3/0">S4</a></div>
			<div>No waitlist <a href="/slow_download/%[1]s/4/0">S5</a></div>
		</body></html>`, testHash)
	})
	mux.HandleFunc("/slow_download/", func(w http.ResponseWriter, _ *http.Request) {
		partnerHits.Add(1)
		fmt.Fprint(w, `<html><body><p>under maintenance</p></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h, _ := newTestHandler(t, srv.URL, config.Settings{
		BypassBackend: "none",
		SourceOrder:   enabled("aa-page"),
	})

	_, err := h.Download(context.Background(), newTask(), &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, int32(FailureThreshold), partnerHits.Load(),
		"source abandoned after the failure threshold")
}

func TestDownloadFastAPI(t *testing.T) {
	payload := make([]byte, 64*1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/dyn/api/fast_download.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testHash, r.URL.Query().Get("md5"))
		assert.Equal(t, "donor-key", r.URL.Query().Get("key"))
		fmt.Fprintf(w, `{"download_url": %q}`, "http://"+r.Host+"/file")
	})
	mux.HandleFunc("/file", func(w http.ResponseWriter, _ *http.Request) {
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h, _ := newTestHandler(t, srv.URL, config.Settings{
		BypassBackend: "none",
		DonorKey:      "donor-key",
		SourceOrder:   enabled("fastapi"),
	})

	path, err := h.Download(context.Background(), newTask(), &recordingSink{})
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size())
}

func TestDownloadFastAPIRequiresDonorKey(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	h, _ := newTestHandler(t, srv.URL, config.Settings{
		BypassBackend: "none",
		SourceOrder:   enabled("fastapi"),
	})

	_, err := h.Download(context.Background(), newTask(), &recordingSink{})
	require.Error(t, err)
	assert.Zero(t, hits.Load())
}

func TestDownloadGenericPartnerFromCache(t *testing.T) {
	payload := make([]byte, 64*1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/book/1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/download/key/1">GET</a></body></html>`)
	})
	mux.HandleFunc("/download/key/1", func(w http.ResponseWriter, _ *http.Request) {
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h, cache := newTestHandler(t, srv.URL, config.Settings{
		BypassBackend: "none",
		SourceOrder:   enabled("generic-partner"),
	})
	cache.Put([]source.Release{{
		SourceID:    testHash,
		DownloadURL: srv.URL + "/book/1",
	}})

	path, err := h.Download(context.Background(), newTask(), &recordingSink{})
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
