package queue

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue() *Queue {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func task(id string, priority int) *Task {
	return &Task{TaskID: id, Title: "Book " + id, Format: "epub", Priority: priority}
}

func TestAddRejectsActiveDuplicate(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))
	assert.Error(t, q.Add(task("a", 0)))
}

func TestAddAllowsRequeueAfterTerminal(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))
	require.NotNil(t, q.GetNext())
	require.NoError(t, q.UpdateStatus("a", StatusError))

	assert.NoError(t, q.Add(task("a", 0)))
	assert.Equal(t, StatusQueued, q.Get("a").Status)
}

func TestGetNextPicksLowestPriorityThenFIFO(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("low1", 5)))
	require.NoError(t, q.Add(task("hi", 1)))
	require.NoError(t, q.Add(task("low2", 5)))

	assert.Equal(t, "hi", q.GetNext().TaskID)
	assert.Equal(t, "low1", q.GetNext().TaskID)
	assert.Equal(t, "low2", q.GetNext().TaskID)
	assert.Nil(t, q.GetNext())
}

func TestGetNextMovesTaskToResolving(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))

	got := q.GetNext()
	require.NotNil(t, got)
	assert.Equal(t, StatusResolving, got.Status)
	assert.Equal(t, StatusResolving, q.Get("a").Status)
}

func TestUpdateStatusRejectsInvalidTransitions(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))

	assert.Error(t, q.UpdateStatus("a", StatusComplete), "queued cannot jump to complete")
	assert.Error(t, q.UpdateStatus("a", StatusDownloading), "queued must pass through resolving")
	assert.Error(t, q.UpdateStatus("missing", StatusResolving))

	require.NotNil(t, q.GetNext())
	require.NoError(t, q.UpdateStatus("a", StatusDownloading))
	require.NoError(t, q.UpdateStatus("a", StatusDownloading), "same-status transition is a no-op")
	require.NoError(t, q.UpdateStatus("a", StatusComplete))
	assert.Error(t, q.UpdateStatus("a", StatusDownloading), "terminal statuses do not reopen")
	require.NoError(t, q.UpdateStatus("a", StatusAvailable))
	require.NoError(t, q.UpdateStatus("a", StatusDone))
}

func TestProgressNeverRegresses(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))
	require.NotNil(t, q.GetNext())
	require.NoError(t, q.UpdateStatus("a", StatusDownloading))

	q.UpdateProgress("a", 40)
	q.UpdateProgress("a", 20)
	assert.Equal(t, 40.0, q.Progress("a"))

	q.UpdateProgress("a", 250)
	assert.Equal(t, 100.0, q.Progress("a"))
}

func TestEnteringDownloadingResetsProgress(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))
	require.NotNil(t, q.GetNext())
	q.UpdateProgress("a", 30)

	require.NoError(t, q.UpdateStatus("a", StatusDownloading))
	assert.Zero(t, q.Progress("a"), "new downloading span starts at zero")

	// Same-status update keeps the span.
	q.UpdateProgress("a", 80)
	require.NoError(t, q.UpdateStatus("a", StatusDownloading))
	assert.Equal(t, 80.0, q.Progress("a"))
}

func TestUpdateDownloadPathOnlyWhileDownloading(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))
	assert.Error(t, q.UpdateDownloadPath("a", "/books/a.epub"))

	require.NotNil(t, q.GetNext())
	require.NoError(t, q.UpdateStatus("a", StatusDownloading))
	require.NoError(t, q.UpdateDownloadPath("a", "/books/a.epub"))
	assert.Equal(t, "/books/a.epub", q.Get("a").DownloadPath)
}

func TestCancelQueuedIsImmediate(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))

	assert.True(t, q.CancelDownload("a"))
	got := q.Get("a")
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, got.Cancel.IsSet())

	assert.False(t, q.CancelDownload("missing"))
}

func TestCancelActiveOnlySetsFlag(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))
	require.NotNil(t, q.GetNext())

	assert.True(t, q.CancelDownload("a"))
	got := q.Get("a")
	assert.Equal(t, StatusResolving, got.Status, "worker owns the transition")
	assert.True(t, got.Cancel.IsSet())
}

func TestSetPriorityQueuedOnly(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 5)))
	require.NoError(t, q.Add(task("b", 5)))
	require.NoError(t, q.SetPriority("b", 1))
	assert.Equal(t, "b", q.GetNext().TaskID)

	assert.Error(t, q.SetPriority("b", 0), "active task priority is fixed")
	assert.Error(t, q.SetPriority("missing", 0))
}

func TestReorderSkipsNonQueued(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 1)))
	require.NoError(t, q.Add(task("b", 2)))
	require.NoError(t, q.Add(task("c", 3)))
	require.NotNil(t, q.GetNext()) // a is now resolving

	updated := q.Reorder(map[string]int{"a": 9, "b": 9, "c": 1, "missing": 0})
	assert.Equal(t, 2, updated)

	order := q.Order()
	require.Len(t, order, 2)
	assert.Equal(t, "c", order[0].TaskID)
	assert.Equal(t, "b", order[1].TaskID)
}

func TestActiveIDs(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))
	require.NoError(t, q.Add(task("b", 0)))
	require.NotNil(t, q.GetNext())

	assert.ElementsMatch(t, []string{"a"}, q.ActiveIDs())
}

func TestClearCompletedAgeWindow(t *testing.T) {
	q := newTestQueue()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	require.NoError(t, q.Add(task("old", 0)))
	require.NotNil(t, q.GetNext())
	require.NoError(t, q.UpdateStatus("old", StatusError))

	now = now.Add(30 * time.Minute)
	require.NoError(t, q.Add(task("fresh", 0)))
	require.NotNil(t, q.GetNext())
	require.NoError(t, q.UpdateStatus("fresh", StatusError))

	now = now.Add(45 * time.Minute) // old: 75m done, fresh: 45m
	assert.Equal(t, 1, q.ClearCompleted(false))
	assert.Nil(t, q.Get("old"))
	assert.NotNil(t, q.Get("fresh"))

	assert.Equal(t, 1, q.ClearCompleted(true))
	assert.Nil(t, q.Get("fresh"))
}

func TestClearCompletedIgnoresActive(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))
	assert.Zero(t, q.ClearCompleted(true))
	assert.NotNil(t, q.Get("a"))
}

func TestSnapshotGroupsAllStatuses(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(task("a", 0)))
	require.NoError(t, q.Add(task("b", 0)))
	require.NotNil(t, q.GetNext())

	snap := q.Snapshot()
	assert.Len(t, snap, len(Statuses), "every status bucket present even when empty")
	assert.Contains(t, snap[StatusQueued], "b")
	assert.Contains(t, snap[StatusResolving], "a")
	assert.Empty(t, snap[StatusError])
}
