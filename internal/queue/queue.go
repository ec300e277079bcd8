package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// StatusTimeout is how long terminal tasks stay visible before a sweep
// removes them.
const StatusTimeout = time.Hour

// Queue owns all tasks. Every operation is atomic under one mutex.
type Queue struct {
	mu     sync.Mutex
	logger *slog.Logger
	tasks  map[string]*Task
	seq    int64

	now func() time.Time
}

func New(logger *slog.Logger) *Queue {
	return &Queue{
		logger: logger,
		tasks:  make(map[string]*Task),
		now:    time.Now,
	}
}

// SetClock replaces the clock (for testing age-based sweeps).
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Add places a new task into QUEUED. Duplicate active task IDs are rejected.
func (q *Queue) Add(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.tasks[t.TaskID]; ok && !existing.Status.Terminal() {
		return fmt.Errorf("task %s already queued (status %s)", t.TaskID, existing.Status)
	}

	q.seq++
	t.seq = q.seq
	t.AddedTime = q.now()
	t.Status = StatusQueued
	if t.Cancel == nil {
		t.Cancel = &CancelFlag{}
	}
	q.tasks[t.TaskID] = t
	q.logger.Info("task queued", "task_id", t.TaskID, "title", t.Title, "priority", t.Priority)
	return nil
}

// GetNext returns the QUEUED task with the lowest (priority, added order) and
// atomically transitions it to RESOLVING. Nil when none is ready.
func (q *Queue) GetNext() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Task
	for _, t := range q.tasks {
		if t.Status != StatusQueued {
			continue
		}
		if best == nil || t.Priority < best.Priority ||
			(t.Priority == best.Priority && t.seq < best.seq) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	best.Status = StatusResolving
	return best.clone()
}

// Get returns a copy of the task, or nil.
func (q *Queue) Get(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		return t.clone()
	}
	return nil
}

// UpdateProgress sets the task's progress, clamped so it never regresses
// within a downloading span.
func (q *Queue) UpdateProgress(id string, pct float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return
	}
	if pct < t.Progress {
		pct = t.Progress
	}
	if pct > 100 {
		pct = 100
	}
	t.Progress = pct
}

// Progress returns the task's current progress value.
func (q *Queue) Progress(id string) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		return t.Progress
	}
	return 0
}

// UpdateStatus validates and applies a status transition. Entering
// DOWNLOADING resets progress for the new span; entering a terminal status
// stamps the finish time.
func (q *Queue) UpdateStatus(id string, s Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if !transitionAllowed(t.Status, s) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", t.Status, s, id)
	}
	if s == StatusDownloading && t.Status != StatusDownloading {
		t.Progress = 0
	}
	if s.Terminal() && !t.Status.Terminal() {
		t.finishedAt = q.now()
	}
	t.Status = s
	return nil
}

// UpdateStatusMessage sets the human-readable sub-state.
func (q *Queue) UpdateStatusMessage(id, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		t.StatusMessage = msg
	}
}

// UpdateDownloadPath records the final file path. Permitted only while the
// task is DOWNLOADING (the worker sets COMPLETE right after).
func (q *Queue) UpdateDownloadPath(id, path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.Status != StatusDownloading {
		return fmt.Errorf("download path for task %s rejected in status %s", id, t.Status)
	}
	t.DownloadPath = path
	return nil
}

// CancelDownload sets the task's cancel flag. A QUEUED task is cancelled
// immediately; otherwise the owning worker observes the flag and transitions.
// Returns false for unknown IDs.
func (q *Queue) CancelDownload(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return false
	}
	t.Cancel.Set()
	if t.Status == StatusQueued {
		t.Status = StatusCancelled
		t.finishedAt = q.now()
		q.logger.Info("queued task cancelled", "task_id", id)
	}
	return true
}

// SetPriority changes a QUEUED task's priority. Takes effect at the next
// GetNext.
func (q *Queue) SetPriority(id string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.Status != StatusQueued {
		return fmt.Errorf("task %s is %s, priority changes apply to queued tasks only", id, t.Status)
	}
	t.Priority = priority
	return nil
}

// Reorder applies a batch of priority changes. Non-queued and unknown IDs are
// skipped. Returns how many tasks were updated.
func (q *Queue) Reorder(priorities map[string]int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	updated := 0
	for id, p := range priorities {
		if t, ok := q.tasks[id]; ok && t.Status == StatusQueued {
			t.Priority = p
			updated++
		}
	}
	return updated
}

// Order returns QUEUED task copies in pick order.
func (q *Queue) Order() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	queued := lo.Filter(lo.Values(q.tasks), func(t *Task, _ int) bool {
		return t.Status == StatusQueued
	})
	ordered := lo.Map(queued, func(t *Task, _ int) *Task { return t.clone() })
	sort.Slice(ordered, func(i, j int) bool { return less(ordered[i], ordered[j]) })
	return ordered
}

// ActiveIDs returns IDs of tasks currently RESOLVING or DOWNLOADING.
func (q *Queue) ActiveIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return lo.FilterMap(lo.Values(q.tasks), func(t *Task, _ int) (string, bool) {
		return t.TaskID, t.Status == StatusResolving || t.Status == StatusDownloading
	})
}

// ClearCompleted removes terminal tasks older than StatusTimeout, or every
// terminal task when all is set. Returns the removed count.
func (q *Queue) ClearCompleted(all bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-StatusTimeout)
	removed := 0
	for id, t := range q.tasks {
		if !t.Status.Terminal() {
			continue
		}
		if all || t.finishedAt.Before(cutoff) {
			delete(q.tasks, id)
			removed++
		}
	}
	return removed
}

// Snapshot returns every task grouped by status, copies only.
func (q *Queue) Snapshot() map[Status]map[string]*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[Status]map[string]*Task, len(Statuses))
	for _, s := range Statuses {
		out[s] = make(map[string]*Task)
	}
	for id, t := range q.tasks {
		out[t.Status][id] = t.clone()
	}
	return out
}

func less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}
