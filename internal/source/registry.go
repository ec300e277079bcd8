package source

import (
	"context"
	"fmt"
	"sync"

	"bookhound/internal/queue"
)

// Sink receives progress and status events from a running handler. The
// scheduler wires it to the queue and the broadcaster so handlers never
// touch either directly.
type Sink interface {
	Progress(pct float64)
	Status(msg string)
}

// ReleaseSource finds releases for book metadata.
type ReleaseSource interface {
	Search(ctx context.Context, meta BookMeta, expand bool, languages []string) ([]Release, error)
	IsAvailable() bool
	ColumnConfig() ColumnConfig
}

// Downloader turns a queued task into a file on disk. It returns the temp
// path; moving into the ingest directory is the scheduler's job.
type Downloader interface {
	Download(ctx context.Context, task *queue.Task, sink Sink) (string, error)
}

// TaskCanceller is implemented by downloaders that hold per-task resources
// worth releasing on cancel.
type TaskCanceller interface {
	CancelTask(taskID string)
}

// Registry maps names to release sources and download handlers. Populated at
// startup, read-only afterward.
type Registry struct {
	mu          sync.RWMutex
	sources     map[string]ReleaseSource
	downloaders map[string]Downloader
}

func NewRegistry() *Registry {
	return &Registry{
		sources:     make(map[string]ReleaseSource),
		downloaders: make(map[string]Downloader),
	}
}

// Register adds a release source under name. Duplicate names panic: the
// registry is built once at startup and a collision is a programming error.
func (r *Registry) Register(name string, s ReleaseSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; ok {
		panic("source registered twice: " + name)
	}
	r.sources[name] = s
}

// RegisterDownloader adds a download handler under name.
func (r *Registry) RegisterDownloader(name string, d Downloader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.downloaders[name]; ok {
		panic("downloader registered twice: " + name)
	}
	r.downloaders[name] = d
}

// Source returns the release source for name.
func (r *Registry) Source(name string) (ReleaseSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return s, nil
}

// Downloader returns the download handler for name.
func (r *Registry) Downloader(name string) (Downloader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.downloaders[name]
	if !ok {
		return nil, fmt.Errorf("unknown download handler %q", name)
	}
	return d, nil
}

// Sources returns the registered release sources keyed by name.
func (r *Registry) Sources() map[string]ReleaseSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ReleaseSource, len(r.sources))
	for k, v := range r.sources {
		out[k] = v
	}
	return out
}
