package postprocess

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// archiveExts maps recognized archive suffixes, longest first so .tar.gz wins
// over .gz.
var archiveExts = []string{".tar.gz", ".tar.xz", ".tgz", ".zip", ".tar", ".gz", ".xz"}

// IsArchive reports whether path looks like a supported archive.
func IsArchive(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range archiveExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Extract unpacks the archive into dir/extract_<taskID>, keeping only entries
// whose extension is in formats. The archive file is deleted on success.
// Returns the extracted file paths.
func Extract(path, taskID, dir string, formats []string) ([]string, error) {
	dest := filepath.Join(dir, "extract_"+taskID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}

	allowed := make(map[string]struct{}, len(formats))
	for _, f := range formats {
		allowed[strings.ToLower(strings.TrimPrefix(f, "."))] = struct{}{}
	}

	var files []string
	var err error
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		files, err = extractZip(path, dest, allowed)
	case strings.HasSuffix(lower, ".tar"):
		files, err = extractTarFile(path, dest, allowed, nil)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		files, err = extractTarFile(path, dest, allowed, wrapGzip)
	case strings.HasSuffix(lower, ".tar.xz"):
		files, err = extractTarFile(path, dest, allowed, wrapXz)
	case strings.HasSuffix(lower, ".gz"):
		files, err = extractSingle(path, dest, allowed, wrapGzip)
	case strings.HasSuffix(lower, ".xz"):
		files, err = extractSingle(path, dest, allowed, wrapXz)
	default:
		err = fmt.Errorf("unsupported archive format: %s", filepath.Base(path))
	}

	if err != nil {
		os.RemoveAll(dest)
		return nil, err
	}
	if len(files) == 0 {
		os.RemoveAll(dest)
		return nil, fmt.Errorf("archive contains no supported file formats")
	}

	os.Remove(path)
	return files, nil
}

// CleanupExtraction removes a task's extraction directory.
func CleanupExtraction(taskID, dir string) {
	os.RemoveAll(filepath.Join(dir, "extract_"+taskID))
}

func wantFile(name string, allowed map[string]struct{}) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	_, ok := allowed[ext]
	return ok
}

func extractZip(path, dest string, allowed map[string]struct{}) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("archive is corrupted or not a zip file: %w", err)
	}
	defer r.Close()

	var files []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !wantFile(f.Name, allowed) {
			continue
		}
		// Bit 0 of the general purpose flags marks an encrypted entry.
		if f.Flags&0x1 != 0 {
			return nil, fmt.Errorf("archive is password protected")
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("archive entry %s unreadable: %w", f.Name, err)
		}
		out, err := writeEntry(dest, filepath.Base(f.Name), rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, out)
	}
	return files, nil
}

type wrapFunc func(io.Reader) (io.Reader, error)

func wrapGzip(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }
func wrapXz(r io.Reader) (io.Reader, error)   { return xz.NewReader(r) }

func extractTarFile(path, dest string, allowed map[string]struct{}, wrap wrapFunc) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var reader io.Reader = f
	if wrap != nil {
		reader, err = wrap(f)
		if err != nil {
			return nil, fmt.Errorf("archive is corrupted: %w", err)
		}
	}

	tr := tar.NewReader(reader)
	var files []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("archive is corrupted: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !wantFile(hdr.Name, allowed) {
			continue
		}
		out, err := writeEntry(dest, filepath.Base(hdr.Name), tr)
		if err != nil {
			return nil, err
		}
		files = append(files, out)
	}
	return files, nil
}

// extractSingle handles bare .gz / .xz files wrapping one document.
func extractSingle(path, dest string, allowed map[string]struct{}, wrap wrapFunc) ([]string, error) {
	inner := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".gz"), ".xz")
	if !wantFile(inner, allowed) {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader, err := wrap(f)
	if err != nil {
		return nil, fmt.Errorf("archive is corrupted: %w", err)
	}
	out, err := writeEntry(dest, inner, reader)
	if err != nil {
		return nil, err
	}
	return []string{out}, nil
}

func writeEntry(dest, name string, r io.Reader) (string, error) {
	out := filepath.Join(dest, Sanitize(name))
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(out)
		return "", fmt.Errorf("extraction failed for %s: %w", name, err)
	}
	return out, f.Close()
}
