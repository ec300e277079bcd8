// Package scheduler runs the bounded worker pool: it pulls the
// highest-priority queued task, staggers concurrent starts, detects stalled
// workers, and drives terminal transitions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"bookhound/internal/config"
	"bookhound/internal/errkind"
	"bookhound/internal/postprocess"
	"bookhound/internal/queue"
	"bookhound/internal/source"
	"bookhound/internal/storage"
)

// Broadcaster is the event fan-out the scheduler notifies. The hub
// implements it.
type Broadcaster interface {
	BroadcastStatus()
	BroadcastProgress(taskID string, pct float64, status string) bool
	ForgetProgress(taskID string)
}

// Recorder persists terminal task history. Storage implements it; nil
// disables persistence.
type Recorder interface {
	SaveRecord(rec storage.TaskRecord) error
}

type worker struct {
	task *queue.Task
	done chan struct{}
	// lastActivity is a unix-nano timestamp bumped by every progress or
	// status callback; the stall sweep reads it.
	lastActivity atomic.Int64
}

// Scheduler owns the main loop goroutine and the active worker set.
type Scheduler struct {
	logger    *slog.Logger
	queue     *queue.Queue
	registry  *source.Registry
	organizer *postprocess.Organizer
	hub       Broadcaster
	history   Recorder
	settings  func() config.Settings

	mu     sync.Mutex
	active map[string]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// stagger returns the delay before a concurrent start; injectable so
	// tests skip the 2-5s wait.
	stagger func() time.Duration
	now     func() time.Time
}

func New(logger *slog.Logger, q *queue.Queue, registry *source.Registry, organizer *postprocess.Organizer, hub Broadcaster, history Recorder, settings func() config.Settings) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:    logger,
		queue:     q,
		registry:  registry,
		organizer: organizer,
		hub:       hub,
		history:   history,
		settings:  settings,
		active:    make(map[string]*worker),
		ctx:       ctx,
		cancel:    cancel,
		stagger: func() time.Duration {
			return time.Duration(2000+rand.Intn(3001)) * time.Millisecond
		},
		now: time.Now,
	}
}

// SetStagger replaces the concurrent-start delay (for testing).
func (s *Scheduler) SetStagger(fn func() time.Duration) { s.stagger = fn }

// SetClock replaces the stall-detection clock (for testing).
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start launches the main loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop cancels the loop and waits for it; running workers observe the
// context and their cancel flags.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// ActiveCount reports how many workers are executing.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		s.reap()
		s.cancelStalled()
		s.fill()

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.settings().MainLoopSleep):
		}
	}
}

// reap drops finished workers from the active set.
func (s *Scheduler) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.active {
		select {
		case <-w.done:
			delete(s.active, id)
		default:
		}
	}
}

// cancelStalled cancels tasks whose workers have emitted nothing for the
// stall timeout.
func (s *Scheduler) cancelStalled() {
	timeout := s.settings().StallTimeout
	now := s.now()

	s.mu.Lock()
	var stalled []*worker
	for _, w := range s.active {
		last := time.Unix(0, w.lastActivity.Load())
		if now.Sub(last) > timeout {
			stalled = append(stalled, w)
		}
	}
	s.mu.Unlock()

	for _, w := range stalled {
		id := w.task.TaskID
		s.logger.Warn("download stalled, cancelling", "task_id", id, "timeout", timeout)
		s.queue.UpdateStatusMessage(id, fmt.Sprintf("Download stalled (no activity for %ds)", int(timeout.Seconds())))
		s.queue.CancelDownload(id)
		// Reset the clock so the sweep does not re-cancel every tick while
		// the worker winds down.
		w.lastActivity.Store(s.now().UnixNano())
	}
}

// fill starts workers until the concurrency bound is reached.
func (s *Scheduler) fill() {
	max := s.settings().MaxConcurrent
	for {
		s.mu.Lock()
		running := len(s.active)
		s.mu.Unlock()
		if running >= max {
			return
		}

		t := s.queue.GetNext()
		if t == nil {
			return
		}

		if running > 0 {
			// Stagger concurrent starts to protect shared upstreams.
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.stagger()):
			}
		}

		w := &worker{task: t, done: make(chan struct{})}
		w.lastActivity.Store(s.now().UnixNano())
		s.mu.Lock()
		s.active[t.TaskID] = w
		s.mu.Unlock()

		s.wg.Add(1)
		go s.run(w)
	}
}

// run executes one task to its terminal state. Panics in handlers are logged
// and surfaced as ERROR, never propagated.
func (s *Scheduler) run(w *worker) {
	defer s.wg.Done()
	defer close(w.done)

	t := w.task
	sink := &workerSink{sched: s, worker: w}

	var path string
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("handler panicked", "task_id", t.TaskID, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()

		var handler source.Downloader
		handler, err = s.registry.Downloader(t.Source)
		if err != nil {
			return
		}
		path, err = handler.Download(s.ctx, t, sink)
	}()

	s.finish(t, path, err)
}

// finish applies the terminal transition, persists history, and broadcasts.
func (s *Scheduler) finish(t *queue.Task, path string, err error) {
	id := t.TaskID
	cancelled := t.Cancel.IsSet() || errkind.Is(err, errkind.Cancelled)

	switch {
	case path != "" && !cancelled:
		finalPath, perr := s.organizer.Finalize(t, path)
		if perr != nil {
			s.queue.UpdateStatusMessage(id, perr.Error())
			s.transition(id, queue.StatusError)
			break
		}
		// The handler resolves inside RESOLVING; make sure the span reached
		// DOWNLOADING before the path lands.
		_ = s.queue.UpdateStatus(id, queue.StatusDownloading)
		if uerr := s.queue.UpdateDownloadPath(id, finalPath); uerr != nil {
			s.logger.Error("download path rejected", "task_id", id, "error", uerr)
		}
		s.queue.UpdateProgress(id, 100)
		s.transition(id, queue.StatusComplete)

	case cancelled:
		s.transition(id, queue.StatusCancelled)

	default:
		if err != nil {
			s.queue.UpdateStatusMessage(id, err.Error())
		} else if cur := s.queue.Get(id); cur != nil && cur.StatusMessage == "" {
			s.queue.UpdateStatusMessage(id, "Download failed")
		}
		s.transition(id, queue.StatusError)
	}

	if s.hub != nil {
		s.hub.ForgetProgress(id)
		s.hub.BroadcastStatus()
	}
	s.persist(id)
}

func (s *Scheduler) transition(id string, status queue.Status) {
	if err := s.queue.UpdateStatus(id, status); err != nil {
		s.logger.Error("terminal transition failed", "task_id", id, "status", status, "error", err)
	}
}

func (s *Scheduler) persist(id string) {
	if s.history == nil {
		return
	}
	t := s.queue.Get(id)
	if t == nil || !t.Status.Terminal() {
		return
	}
	rec := storage.TaskRecord{
		TaskID:       t.TaskID,
		Source:       t.Source,
		Title:        t.Title,
		Author:       t.Author,
		Format:       t.Format,
		Size:         t.Size,
		Status:       string(t.Status),
		StatusMsg:    t.StatusMessage,
		DownloadPath: t.DownloadPath,
		AddedAt:      t.AddedTime.Format(time.RFC3339),
		FinishedAt:   s.now().Format(time.RFC3339),
	}
	if err := s.history.SaveRecord(rec); err != nil {
		s.logger.Warn("history record not saved", "task_id", id, "error", err)
	}
}

// workerSink adapts handler callbacks onto the queue and the broadcaster,
// bumping the stall-detection timestamp on every event.
type workerSink struct {
	sched  *Scheduler
	worker *worker
}

func (ws *workerSink) Progress(pct float64) {
	s := ws.sched
	id := ws.worker.task.TaskID
	ws.worker.lastActivity.Store(s.now().UnixNano())

	// First progress event moves the task into its downloading span.
	if cur := s.queue.Get(id); cur != nil && cur.Status == queue.StatusResolving {
		_ = s.queue.UpdateStatus(id, queue.StatusDownloading)
	}
	s.queue.UpdateProgress(id, pct)

	if s.hub != nil {
		clamped := s.queue.Progress(id)
		s.hub.BroadcastProgress(id, clamped, string(queue.StatusDownloading))
	}
}

func (ws *workerSink) Status(msg string) {
	s := ws.sched
	id := ws.worker.task.TaskID
	ws.worker.lastActivity.Store(s.now().UnixNano())

	s.queue.UpdateStatusMessage(id, msg)
	if s.hub != nil {
		s.hub.BroadcastStatus()
	}
}
