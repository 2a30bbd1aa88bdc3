// Package childlog provides rotating per-child log files that the
// launcher's stdout/stderr pumps write into.
package childlog

import (
	"fmt"
	"os"
	"sync"
)

const (
	// MaxBytes is the size cap before a log file rotates.
	MaxBytes = 5 * 1024 * 1024
	// MaxBackups is the number of numbered backups kept (.1 .. .5).
	MaxBackups = 5
)

// Writer is an io.Writer that rotates the underlying file once it
// crosses MaxBytes, keeping MaxBackups numbered backups, generalizing
// the teacher's single-backup rotate() to N backups.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	backups  int
}

// Open creates (or appends to) the log file at path.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	info, err := f.Stat()
	var size int64
	if err == nil {
		size = info.Size()
	}
	return &Writer{
		path:     path,
		file:     f,
		size:     size,
		maxBytes: MaxBytes,
		backups:  MaxBackups,
	}, nil
}

// Write appends p, rotating first if the write would cross the cap.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// WriteLine appends line plus a trailing newline.
func (w *Writer) WriteLine(line string) error {
	_, err := w.Write([]byte(line + "\n"))
	return err
}

// rotate renames path -> path.1 -> path.2 ... up to MaxBackups,
// discarding the oldest, then reopens a fresh file at path.
func (w *Writer) rotate() error {
	if w.file != nil {
		w.file.Close()
	}

	oldest := fmt.Sprintf("%s.%d", w.path, w.backups)
	os.Remove(oldest)
	for i := w.backups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", w.path, i)
		dst := fmt.Sprintf("%s.%d", w.path, i+1)
		os.Rename(src, dst)
	}
	os.Rename(w.path, w.path+".1")

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("reopen log file %s: %w", w.path, err)
	}
	w.file = f
	w.size = 0
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
