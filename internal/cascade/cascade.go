// Package cascade is the direct-download handler: it traverses enabled
// sources in priority order until one produces a file, rotating equivalent
// mirrors round-robin and enforcing per-source failure thresholds.
package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"bookhound/internal/bypass"
	"bookhound/internal/config"
	"bookhound/internal/errkind"
	"bookhound/internal/fetch"
	"bookhound/internal/netx"
	"bookhound/internal/queue"
	"bookhound/internal/source"

	"github.com/dustin/go-humanize"
)

const (
	// FailureThreshold disables a source for the rest of the task after this
	// many failed URLs.
	FailureThreshold = 3
	// CountdownCap bounds server-imposed waitlist countdowns.
	CountdownCap = 600
	// MinFileSize rejects responses small enough to be error pages.
	MinFileSize = 10 * 1024
	// maxCountdownRounds bounds page re-fetches when every round yields
	// another countdown.
	maxCountdownRounds = 3
	// heartbeatBytes spaces byte-count status updates when the response
	// carries no length. The stall sweep needs the activity signal.
	heartbeatBytes = 1 << 20
)

// Handler implements source.Downloader for hash-addressed releases.
type Handler struct {
	logger      *slog.Logger
	fetcher     *fetch.Fetcher
	cache       *source.ReleaseCache
	newSelector func() *netx.Selector
	settings    func() config.Settings
	sleep       fetch.SleepFunc

	// rr is the process-wide round-robin counter over equivalent URL lists.
	rr atomic.Uint64
}

// New builds the cascade handler. settings is a live getter so runtime
// changes to source order take effect on the next task.
func New(logger *slog.Logger, fetcher *fetch.Fetcher, cache *source.ReleaseCache, newSelector func() *netx.Selector, settings func() config.Settings) *Handler {
	return &Handler{
		logger:      logger,
		fetcher:     fetcher,
		cache:       cache,
		newSelector: newSelector,
		settings:    settings,
		sleep:       bypass.SleepWithCancel,
	}
}

// SetSleep replaces the countdown sleep (for testing).
func (h *Handler) SetSleep(s fetch.SleepFunc) { h.sleep = s }

// Download walks the enabled sources in priority order. Returns the temp file
// path on success.
func (h *Handler) Download(ctx context.Context, task *queue.Task, sink source.Sink) (string, error) {
	cfg := h.settings()
	sel := h.newSelector()
	sel.Base(ctx)

	bypassEnabled := cfg.BypassBackend != "none"
	skip := make(map[string]struct{}, len(cfg.DebugSkip))
	for _, name := range cfg.DebugSkip {
		skip[name] = struct{}{}
	}

	failures := make(map[string]int)
	state := &resolveState{}
	var lastErr error

	for _, entry := range cfg.SourceOrder {
		if task.Cancel.IsSet() {
			return "", bypass.ErrCancelled
		}
		if !entry.Enabled {
			continue
		}
		if _, skipped := skip[entry.Name]; skipped {
			h.logger.Debug("source skipped by debug list", "source", entry.Name)
			continue
		}
		if sourceNeedsBypass[entry.Name] && !bypassEnabled {
			h.logger.Debug("source needs bypass, bypass disabled", "source", entry.Name)
			continue
		}
		if failures[entry.Name] >= FailureThreshold {
			continue
		}

		urls, err := h.resolveURLs(ctx, entry.Name, task, sel, state)
		if err != nil {
			h.logger.Warn("source URL resolution failed", "source", entry.Name, "task_id", task.TaskID, "error", err)
			lastErr = err
			continue
		}
		if len(urls) > 1 {
			offset := int(h.rr.Add(1)) % len(urls)
			urls = append(urls[offset:], urls[:offset]...)
		}

		for i, u := range urls {
			if task.Cancel.IsSet() {
				return "", bypass.ErrCancelled
			}
			path, err := h.tryDownload(ctx, task, u, i+1, sel, sink)
			if err == nil {
				return path, nil
			}
			if errkind.Is(err, errkind.Cancelled) {
				return "", err
			}
			lastErr = err
			failures[entry.Name]++
			h.logger.Warn("download attempt failed",
				"source", entry.Name, "url", u.url, "failures", failures[entry.Name], "error", err)
			if failures[entry.Name] >= FailureThreshold {
				break
			}
		}
	}

	if lastErr != nil {
		return "", errkind.Wrap(errkind.SourceExhausted, fmt.Errorf("all sources failed: %w", lastErr))
	}
	return "", errkind.New(errkind.SourceExhausted, "all sources failed")
}

// tryDownload follows one candidate URL to a real file.
func (h *Handler) tryDownload(ctx context.Context, task *queue.Task, u attempt, attemptNo int, sel *netx.Selector, sink source.Sink) (string, error) {
	sink.Status(fmt.Sprintf("%s — Resolving (attempt %d)", u.display, attemptNo))

	fileURL, err := h.resolveFileURL(ctx, task, u, sel, sink)
	if err != nil {
		return "", err
	}

	sink.Status(fmt.Sprintf("%s — Fetching...", u.display))

	dest := filepath.Join(h.settings().TempDir, tempName(task))
	var expected int64
	if b, perr := humanize.ParseBytes(task.Size); perr == nil {
		expected = int64(b)
	}

	var lastBeat int64
	written, err := h.fetcher.Download(ctx, fetch.DownloadRequest{
		URL:          fileURL,
		Dest:         dest,
		ExpectedSize: expected,
		Referer:      u.referer,
		Cancel:       task.Cancel,
		Selector:     sel,
		Progress: func(received, total int64) {
			if total > 0 {
				sink.Progress(float64(received) / float64(total) * 100)
				return
			}
			// Unknown length: report bytes received so the download still
			// counts as alive.
			if lastBeat == 0 || received-lastBeat >= heartbeatBytes {
				lastBeat = received
				sink.Status(fmt.Sprintf("%s — Downloaded %s", u.display, humanize.Bytes(uint64(received))))
			}
		},
	})
	if err != nil {
		return "", err
	}

	if written < MinFileSize {
		os.Remove(dest)
		return "", errkind.Newf(errkind.Transient,
			"%s returned %s, too small to be a real file", u.display, humanize.Bytes(uint64(written)))
	}
	return dest, nil
}

// resolveFileURL turns a candidate URL into the URL of the file itself,
// waiting out countdowns along the way.
func (h *Handler) resolveFileURL(ctx context.Context, task *queue.Task, u attempt, sel *netx.Selector, sink source.Sink) (string, error) {
	switch u.kind {
	case kindDirect:
		return u.url, nil

	case kindJSONAPI:
		body, err := h.fetcher.HTMLGet(ctx, u.url, false, sel, task.Cancel)
		if err != nil {
			return "", err
		}
		var payload struct {
			DownloadURL string `json:"download_url"`
			Error       string `json:"error"`
		}
		if err := json.Unmarshal([]byte(body), &payload); err != nil {
			return "", errkind.Wrap(errkind.Parse, err)
		}
		if payload.Error != "" {
			return "", errkind.Newf(errkind.Transient, "%s: %s", u.display, payload.Error)
		}
		if payload.DownloadURL == "" {
			return "", errkind.Newf(errkind.Parse, "%s returned no download_url", u.display)
		}
		return payload.DownloadURL, nil

	case kindGenericPage:
		page, err := h.fetcher.HTMLGet(ctx, u.url, u.bypass, sel, task.Cancel)
		if err != nil {
			return "", err
		}
		tg, err := extractGenericTarget(page, u.url)
		if err != nil {
			return "", err
		}
		return tg.href, nil

	default: // kindPartnerPage
		for round := 0; round < maxCountdownRounds; round++ {
			page, err := h.fetcher.HTMLGet(ctx, u.url, u.bypass, sel, task.Cancel)
			if err != nil {
				return "", err
			}
			if page == "" {
				return "", errkind.Newf(errkind.Parse, "%s returned an empty page", u.display)
			}

			tg, err := extractTarget(page, u.url)
			if err != nil {
				return "", err
			}
			if tg.href != "" {
				return tg.href, nil
			}

			secs := tg.countdown
			if secs > CountdownCap {
				secs = CountdownCap
			}
			for s := secs; s > 0; s-- {
				sink.Status(fmt.Sprintf("%s — Waiting %ds", u.display, s))
				if err := h.sleep(time.Second, task.Cancel); err != nil {
					return "", err
				}
			}
		}
		return "", errkind.Newf(errkind.Parse, "%s kept returning countdowns", u.display)
	}
}

func tempName(task *queue.Task) string {
	ext := task.Format
	if ext == "" {
		ext = "bin"
	}
	return task.TaskID + "." + ext
}
