package postprocess

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"bookhound/internal/config"
	"bookhound/internal/queue"

	"github.com/shirou/gopsutil/v3/disk"
)

// Organizer moves a handler's temp file into the content-typed ingest
// directory, extracting archives and resolving filename collisions.
type Organizer struct {
	logger   *slog.Logger
	settings func() config.Settings

	// diskUsage is injectable for tests.
	diskUsage func(path string) (*disk.UsageStat, error)
}

func NewOrganizer(logger *slog.Logger, settings func() config.Settings) *Organizer {
	return &Organizer{
		logger:    logger,
		settings:  settings,
		diskUsage: disk.Usage,
	}
}

// Finalize runs the full post-processing pass for one completed download.
// Returns the final path of the (first) ingested file.
func (o *Organizer) Finalize(task *queue.Task, tempPath string) (string, error) {
	cfg := o.settings()

	contentType := contentTypeFor(task.Format)
	ingestDir := cfg.IngestDirFor(contentType)
	if err := os.MkdirAll(ingestDir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create ingest directory: %w", err)
	}

	if err := o.checkFreeSpace(ingestDir, tempPath); err != nil {
		return "", err
	}

	files := []string{tempPath}
	if IsArchive(tempPath) {
		extracted, err := Extract(tempPath, task.TaskID, cfg.TempDir, cfg.SupportedFormats)
		if err != nil {
			CleanupExtraction(task.TaskID, cfg.TempDir)
			os.Remove(tempPath)
			return "", err
		}
		files = extracted
	}

	var finalPath string
	for i, f := range files {
		name := o.finalName(task, f, cfg.UseBookTitle, i)
		dest := availablePath(filepath.Join(ingestDir, name))
		if err := moveFile(f, dest); err != nil {
			return "", fmt.Errorf("cannot move into ingest directory: %w", err)
		}
		o.logger.Info("file ingested", "task_id", task.TaskID, "path", dest)
		if finalPath == "" {
			finalPath = dest
		}
	}
	CleanupExtraction(task.TaskID, cfg.TempDir)
	return finalPath, nil
}

// finalName derives the ingest filename: sanitized title (or the task ID when
// title naming is off) plus the file's own extension.
func (o *Organizer) finalName(task *queue.Task, file string, useTitle bool, index int) string {
	ext := strings.ToLower(filepath.Ext(file))
	if ext == "" && task.Format != "" {
		ext = "." + task.Format
	}

	stem := task.TaskID
	if useTitle && task.Title != "" {
		stem = Sanitize(task.Title)
	}
	if index > 0 {
		stem = fmt.Sprintf("%s (%d)", stem, index)
	}
	return stem + ext
}

// availablePath appends " (n)" before the extension until the name is free.
func availablePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// checkFreeSpace refuses the move when the destination volume cannot hold the
// file with headroom to spare.
func (o *Organizer) checkFreeSpace(ingestDir, file string) error {
	info, err := os.Stat(file)
	if err != nil {
		return err
	}
	usage, err := o.diskUsage(ingestDir)
	if err != nil {
		// Can't measure; let the move itself fail if space runs out.
		o.logger.Debug("disk usage check failed", "dir", ingestDir, "error", err)
		return nil
	}
	needed := uint64(info.Size()) + 10<<20
	if usage.Free < needed {
		return fmt.Errorf("not enough space in %s: %d bytes free, need %d", ingestDir, usage.Free, needed)
	}
	return nil
}

// moveFile renames, falling back to copy+remove across filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// contentTypeFor buckets a format into an ingest content type.
func contentTypeFor(format string) string {
	switch strings.ToLower(format) {
	case "mp3", "m4a", "m4b", "flac", "ogg":
		return "audiobook"
	case "cbz", "cbr":
		return "magazine"
	default:
		return "ebook"
	}
}
