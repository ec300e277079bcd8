package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookhound/internal/bypass"
	"bookhound/internal/config"
	"bookhound/internal/postprocess"
	"bookhound/internal/queue"
	"bookhound/internal/source"
	"bookhound/internal/storage"
)

type fakeDownloader struct {
	fn func(ctx context.Context, task *queue.Task, sink source.Sink) (string, error)
}

func (d *fakeDownloader) Download(ctx context.Context, task *queue.Task, sink source.Sink) (string, error) {
	return d.fn(ctx, task, sink)
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	statuses int
	forgot   []string
}

func (b *fakeBroadcaster) BroadcastStatus() {
	b.mu.Lock()
	b.statuses++
	b.mu.Unlock()
}

func (b *fakeBroadcaster) BroadcastProgress(string, float64, string) bool { return true }

func (b *fakeBroadcaster) ForgetProgress(taskID string) {
	b.mu.Lock()
	b.forgot = append(b.forgot, taskID)
	b.mu.Unlock()
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []storage.TaskRecord
}

func (r *fakeRecorder) SaveRecord(rec storage.TaskRecord) error {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) records() []storage.TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.TaskRecord(nil), r.recs...)
}

type fixture struct {
	sched    *Scheduler
	queue    *queue.Queue
	registry *source.Registry
	hub      *fakeBroadcaster
	history  *fakeRecorder
	cfg      config.Settings
}

func newFixture(t *testing.T, download func(ctx context.Context, task *queue.Task, sink source.Sink) (string, error)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Defaults()
	cfg.TempDir = t.TempDir()
	cfg.IngestDir = t.TempDir()
	cfg.MaxConcurrent = 2
	cfg.MainLoopSleep = 5 * time.Millisecond
	cfg.StallTimeout = 5 * time.Minute
	settings := func() config.Settings { return cfg }

	q := queue.New(logger)
	registry := source.NewRegistry()
	registry.RegisterDownloader("fake", &fakeDownloader{fn: download})

	hub := &fakeBroadcaster{}
	history := &fakeRecorder{}
	organizer := postprocess.NewOrganizer(logger, settings)

	s := New(logger, q, registry, organizer, hub, history, settings)
	s.SetStagger(func() time.Duration { return 0 })
	t.Cleanup(s.Stop)

	return &fixture{sched: s, queue: q, registry: registry, hub: hub, history: history, cfg: cfg}
}

func addTask(t *testing.T, f *fixture, id string) {
	t.Helper()
	require.NoError(t, f.queue.Add(&queue.Task{
		TaskID: id,
		Source: "fake",
		Title:  "A Study in Scarlet",
		Format: "epub",
		Size:   "1 MB",
	}))
}

func waitStatus(t *testing.T, q *queue.Queue, id string, want queue.Status) *queue.Task {
	t.Helper()
	var got *queue.Task
	require.Eventually(t, func() bool {
		got = q.Get(id)
		return got != nil && got.Status == want
	}, 10*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func TestTaskRunsToComplete(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(_ context.Context, task *queue.Task, sink source.Sink) (string, error) {
		sink.Status("Mirror — Fetching...")
		sink.Progress(42)
		tmp := filepath.Join(f.cfg.TempDir, task.TaskID+".epub")
		require.NoError(t, os.WriteFile(tmp, []byte(strings.Repeat("x", 2048)), 0o644))
		return tmp, nil
	})

	addTask(t, f, "t1")
	f.sched.Start()

	got := waitStatus(t, f.queue, "t1", queue.StatusComplete)
	assert.Equal(t, 100.0, got.Progress)
	assert.NotEmpty(t, got.DownloadPath)
	assert.FileExists(t, got.DownloadPath)
	assert.Equal(t, "A Study in Scarlet.epub", filepath.Base(got.DownloadPath))

	require.Eventually(t, func() bool { return len(f.history.records()) == 1 }, 5*time.Second, 5*time.Millisecond)
	rec := f.history.records()[0]
	assert.Equal(t, "t1", rec.TaskID)
	assert.Equal(t, string(queue.StatusComplete), rec.Status)

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	assert.Contains(t, f.hub.forgot, "t1")
	assert.Positive(t, f.hub.statuses)
}

func TestHandlerErrorSurfacesAsError(t *testing.T) {
	f := newFixture(t, func(context.Context, *queue.Task, source.Sink) (string, error) {
		return "", errors.New("all sources failed")
	})

	addTask(t, f, "t1")
	f.sched.Start()

	got := waitStatus(t, f.queue, "t1", queue.StatusError)
	assert.Equal(t, "all sources failed", got.StatusMessage)
}

func TestHandlerPanicSurfacesAsError(t *testing.T) {
	f := newFixture(t, func(context.Context, *queue.Task, source.Sink) (string, error) {
		panic("boom")
	})

	addTask(t, f, "t1")
	f.sched.Start()

	got := waitStatus(t, f.queue, "t1", queue.StatusError)
	assert.Contains(t, got.StatusMessage, "handler panicked")
}

func TestUnknownHandlerSurfacesAsError(t *testing.T) {
	f := newFixture(t, func(context.Context, *queue.Task, source.Sink) (string, error) {
		return "", nil
	})

	require.NoError(t, f.queue.Add(&queue.Task{TaskID: "t1", Source: "nope", Title: "x"}))
	f.sched.Start()

	got := waitStatus(t, f.queue, "t1", queue.StatusError)
	assert.Contains(t, got.StatusMessage, "unknown download handler")
}

func TestCancelledTaskEndsCancelled(t *testing.T) {
	f := newFixture(t, func(_ context.Context, task *queue.Task, _ source.Sink) (string, error) {
		for !task.Cancel.IsSet() {
			time.Sleep(time.Millisecond)
		}
		return "", bypass.ErrCancelled
	})

	addTask(t, f, "t1")
	f.sched.Start()

	waitStatus(t, f.queue, "t1", queue.StatusResolving)
	require.True(t, f.queue.CancelDownload("t1"))
	waitStatus(t, f.queue, "t1", queue.StatusCancelled)
}

func TestConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})

	f := newFixture(t, func(context.Context, *queue.Task, source.Sink) (string, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return "", errors.New("done")
	})

	for i := 0; i < 4; i++ {
		addTask(t, f, fmt.Sprintf("t%d", i))
	}
	f.sched.Start()

	require.Eventually(t, func() bool { return running.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	// Give the loop a few more ticks to (wrongly) overfill.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())

	close(release)
	for i := 0; i < 4; i++ {
		waitStatus(t, f.queue, fmt.Sprintf("t%d", i), queue.StatusError)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestStalledWorkerIsCancelled(t *testing.T) {
	f := newFixture(t, func(_ context.Context, task *queue.Task, _ source.Sink) (string, error) {
		for !task.Cancel.IsSet() {
			time.Sleep(time.Millisecond)
		}
		return "", bypass.ErrCancelled
	})

	var nowNano atomic.Int64
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	nowNano.Store(base.UnixNano())
	f.sched.SetClock(func() time.Time { return time.Unix(0, nowNano.Load()) })

	addTask(t, f, "t1")
	f.sched.Start()

	waitStatus(t, f.queue, "t1", queue.StatusResolving)

	// No progress callbacks; jump past the stall timeout.
	nowNano.Store(base.Add(f.cfg.StallTimeout + time.Minute).UnixNano())

	got := waitStatus(t, f.queue, "t1", queue.StatusCancelled)
	assert.Contains(t, got.StatusMessage, "stalled")
}
