// SPDX-License-Identifier: MIT

// Package logging adapts the teacher's ffmpeg-log rotation writer
// (originally internal/stream's RotatingWriter, written for per-device
// ffmpeg stderr capture) into the process log writer for recwatch's three
// long-running commands (record, encode-daemon run, poller run), so
// paths.logs_dir (spec.md §6) has a real consumer: each process's slog
// output is written to both stderr and a size-rotated file under that
// directory.
package logging

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxSize is the default maximum log file size before rotation.
	DefaultMaxSize = 10 * 1024 * 1024 // 10 MB

	// DefaultMaxFiles is the default number of rotated log files to keep.
	DefaultMaxFiles = 5
)

// RotatingWriter is an io.Writer that rotates log files when they exceed a
// size limit, retaining up to maxFiles rotated generations, optionally
// gzip-compressed.
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	mu       sync.Mutex
	file     *os.File
	size     int64
}

// Option configures a RotatingWriter.
type Option func(*RotatingWriter)

// WithMaxSize sets the maximum log file size before rotation.
func WithMaxSize(size int64) Option {
	return func(w *RotatingWriter) { w.maxSize = size }
}

// WithMaxFiles sets the maximum number of rotated files to keep.
func WithMaxFiles(count int) Option {
	return func(w *RotatingWriter) { w.maxFiles = count }
}

// WithCompression enables gzip compression of rotated logs.
func WithCompression(compress bool) Option {
	return func(w *RotatingWriter) { w.compress = compress }
}

// New creates a RotatingWriter at path, creating its parent directory and
// opening (or appending to) the log file.
func New(path string, opts ...Option) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:     path,
		maxSize:  DefaultMaxSize,
		maxFiles: DefaultMaxFiles,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("logging: create log directory: %w", err)
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// ComponentPath builds the process log file path for a given component
// (record, encoder, poller) under logsDir.
func ComponentPath(logsDir, component string) string {
	return filepath.Join(logsDir, component+".log")
}

// Write implements io.Writer, rotating first if the write would exceed
// maxSize.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		_ = w.rotate()
	}

	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the underlying log file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// Rotate forces a log rotation.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotate()
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("logging: close log file: %w", err)
		}
		w.file = nil
	}

	if err := w.shiftFiles(); err != nil {
		return err
	}

	rotated := w.rotatedPath(1)
	if err := os.Rename(w.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("logging: rotate log file: %w", err)
	}
	if w.compress {
		go w.compressFile(rotated)
	}
	w.cleanup()

	return w.openFile()
}

func (w *RotatingWriter) openFile() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("logging: open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("logging: stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) shiftFiles() error {
	for i := w.maxFiles - 1; i >= 1; i-- {
		oldPath := w.rotatedPath(i)
		newPath := w.rotatedPath(i + 1)
		for _, ext := range []string{"", ".gz"} {
			old := oldPath + ext
			next := newPath + ext
			if _, err := os.Stat(old); err == nil {
				if err := os.Rename(old, next); err != nil {
					return fmt.Errorf("logging: shift %s -> %s: %w", old, next, err)
				}
			}
		}
	}
	return nil
}

func (w *RotatingWriter) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

func (w *RotatingWriter) compressFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	gzPath := path + ".gz"
	gzFile, err := os.Create(gzPath)
	if err != nil {
		return
	}
	defer gzFile.Close()

	gzWriter := gzip.NewWriter(gzFile)
	if _, err := gzWriter.Write(data); err != nil {
		_ = gzWriter.Close()
		os.Remove(gzPath)
		return
	}
	if err := gzWriter.Close(); err != nil {
		os.Remove(gzPath)
		return
	}
	os.Remove(path)
}

func (w *RotatingWriter) cleanup() {
	for i := w.maxFiles + 1; i <= w.maxFiles+10; i++ {
		path := w.rotatedPath(i)
		os.Remove(path)
		os.Remove(path + ".gz")
	}
}

// Size returns the current log file size.
func (w *RotatingWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the log file path.
func (w *RotatingWriter) Path() string { return w.path }

// RotatedFile describes one rotated generation of a log file.
type RotatedFile struct {
	Path       string
	Name       string
	Size       int64
	ModTime    time.Time
	Compressed bool
}

// ListRotatedFiles returns every rotated generation of basePath, newest first.
func ListRotatedFiles(basePath string) ([]RotatedFile, error) {
	dir := filepath.Dir(basePath)
	base := filepath.Base(basePath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []RotatedFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, base+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, RotatedFile{
			Path:       filepath.Join(dir, name),
			Name:       name,
			Size:       info.Size(),
			ModTime:    info.ModTime(),
			Compressed: strings.HasSuffix(name, ".gz"),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ModTime.After(files[j].ModTime) })
	return files, nil
}
