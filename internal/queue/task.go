// Package queue holds the authoritative in-memory task state: statuses,
// priority order, per-task cancellation, progress. All mutations go through
// the Queue's operations under one mutex.
package queue

import (
	"sync/atomic"
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusResolving   Status = "resolving"
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusAvailable   Status = "available"
	StatusError       Status = "error"
	StatusDone        Status = "done"
	StatusCancelled   Status = "cancelled"
)

// Statuses lists every status in display order.
var Statuses = []Status{
	StatusQueued, StatusResolving, StatusDownloading,
	StatusComplete, StatusAvailable, StatusError, StatusDone, StatusCancelled,
}

// Terminal reports whether s ends a task's active life.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusAvailable, StatusError, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// validNext is the status transition table. All transitions except
// QUEUED->CANCELLED originate from the worker that owns the task.
var validNext = map[Status][]Status{
	StatusQueued:      {StatusResolving, StatusCancelled},
	StatusResolving:   {StatusDownloading, StatusError, StatusCancelled},
	StatusDownloading: {StatusComplete, StatusError, StatusCancelled},
	StatusComplete:    {StatusAvailable, StatusDone},
	StatusAvailable:   {StatusDone},
}

func transitionAllowed(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CancelFlag is the cooperative cancellation token a worker checks at every
// suspension point. Once set it stays set.
type CancelFlag struct {
	flag atomic.Bool
}

func (c *CancelFlag) Set()        { c.flag.Store(true) }
func (c *CancelFlag) IsSet() bool { return c.flag.Load() }

// Task is the unit of scheduling.
type Task struct {
	TaskID  string `json:"task_id"`
	Source  string `json:"source"`
	Title   string `json:"title"`
	Author  string `json:"author"`
	Format  string `json:"format"`
	Size    string `json:"size"`
	Preview string `json:"preview"`

	Priority  int       `json:"priority"`
	AddedTime time.Time `json:"added_time"`

	Status        Status  `json:"status"`
	StatusMessage string  `json:"status_message"`
	Progress      float64 `json:"progress"`
	DownloadPath  string  `json:"download_path,omitempty"`

	Cancel *CancelFlag `json:"-"`

	// seq breaks priority ties by insertion order.
	seq int64
	// finishedAt drives the clear-completed age check.
	finishedAt time.Time
}

// clone returns a copy safe to hand outside the queue mutex. The CancelFlag
// pointer is shared intentionally.
func (t *Task) clone() *Task {
	c := *t
	return &c
}
