// Package source fetches raw result files from local paths or S3.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrTooLarge is returned when a file exceeds the configured maximum size.
var ErrTooLarge = errors.New("file too large")

// ErrEmpty is returned for zero-length files.
var ErrEmpty = errors.New("empty file")

// ErrOutsideRoot is returned when a local path resolves outside Local.Root.
var ErrOutsideRoot = errors.New("path outside data directory")

// DefaultMaxBytes bounds a single raw file (100MB).
const DefaultMaxBytes int64 = 100 << 20

// File is one fetched raw file held in memory.
type File struct {
	URI  string
	Name string // base name, used in logs and errors
	Data []byte
	ETag string // S3 only
}

// Fetcher reads raw files and lists the files under a location.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (File, error)
	List(ctx context.Context, uri string) ([]string, error)
}

// IsS3 reports whether uri names an S3 object or prefix.
func IsS3(uri string) bool {
	return strings.HasPrefix(uri, "s3://")
}

// Router sends s3:// URIs to an S3 fetcher and everything else to the local
// filesystem.
type Router struct {
	Local *Local
	S3    *S3 // nil disables s3:// URIs
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, uri string) (File, error) {
	if IsS3(uri) {
		if r.S3 == nil {
			return File{}, fmt.Errorf("fetch %s: s3 source not configured", uri)
		}
		return r.S3.Fetch(ctx, uri)
	}
	return r.Local.Fetch(ctx, uri)
}

// List implements Fetcher.
func (r *Router) List(ctx context.Context, uri string) ([]string, error) {
	if IsS3(uri) {
		if r.S3 == nil {
			return nil, fmt.Errorf("list %s: s3 source not configured", uri)
		}
		return r.S3.List(ctx, uri)
	}
	return r.Local.List(ctx, uri)
}

// Local reads files from the local filesystem.
type Local struct {
	MaxBytes int64

	// Root, when set, confines Fetch and List to files under it. Relative
	// paths resolve against Root and symlinks are followed before the check.
	Root string
}

// Fetch reads a whole file, refusing files over MaxBytes.
func (l *Local) Fetch(_ context.Context, path string) (File, error) {
	path, err := l.resolve(path)
	if err != nil {
		return File{}, fmt.Errorf("fetch: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("fetch: %w", err)
	}
	defer f.Close()

	data, err := readLimited(f, l.maxBytes())
	if err != nil {
		return File{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	return File{URI: path, Name: filepath.Base(path), Data: data}, nil
}

// List returns path itself for a file, or the regular non-hidden files
// directly inside a directory, sorted.
func (l *Local) List(_ context.Context, path string) ([]string, error) {
	path, err := l.resolve(path)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(path, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// resolve maps path into Root. Without a Root the path is used as given.
func (l *Local) resolve(path string) (string, error) {
	if l == nil || l.Root == "" {
		return path, nil
	}
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return "", err
	}
	realRoot := root
	if r, err := filepath.EvalSymlinks(root); err == nil {
		realRoot = r
	}

	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	// A missing file keeps its cleaned path; opening it fails afterwards.
	if r, err := filepath.EvalSymlinks(p); err == nil {
		p = r
	}
	if !within(root, p) && !within(realRoot, p) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return p, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func (l *Local) maxBytes() int64 {
	if l == nil || l.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return l.MaxBytes
}

// readLimited reads r fully, failing with ErrTooLarge past max bytes.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, max)
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	return data, nil
}
