// Package logging builds the process logger and the size-rotating file
// writer used when logs go to a file instead of a standard stream.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// rotatedLayout keeps millisecond precision so two rotations inside one
// second do not overwrite each other.
const rotatedLayout = "20060102-150405.000"

// RotatingWriter is an io.WriteCloser that rotates log files by size.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	size       int64
	maxBytes   int64
	maxBackups int
	maxAgeDays int
	now        func() time.Time
	cleaning   sync.WaitGroup
}

// NewRotatingWriter opens the log file (creating it and its directory if
// needed) and returns a writer that rotates once the file would exceed
// maxSizeMB. Rotated files are named <base>-<timestamp><ext>. At most
// maxBackups rotated files are kept, and files older than maxAgeDays are
// removed.
func NewRotatingWriter(filePath string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		filePath:   filePath,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAgeDays: maxAgeDays,
		now:        time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.openFile(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) openFile() error {
	f, err := os.OpenFile(rw.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write implements io.Writer. A single write larger than the limit still
// lands whole in a fresh file.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close waits for pending cleanup and closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.cleaning.Wait()
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

func (rw *RotatingWriter) split() (dir, base, ext string) {
	ext = filepath.Ext(rw.filePath)
	base = strings.TrimSuffix(filepath.Base(rw.filePath), ext)
	if ext == "" {
		ext = ".log"
	}
	return filepath.Dir(rw.filePath), base, ext
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}

	dir, base, ext := rw.split()
	stamp := rw.now().Format(rotatedLayout)
	rotated := filepath.Join(dir, fmt.Sprintf("%s-%s%s", base, stamp, ext))
	for n := 1; fileExists(rotated); n++ {
		rotated = filepath.Join(dir, fmt.Sprintf("%s-%s.%d%s", base, stamp, n, ext))
	}
	if err := os.Rename(rw.filePath, rotated); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}

	if err := rw.openFile(); err != nil {
		return err
	}

	rw.cleaning.Add(1)
	go func() {
		defer rw.cleaning.Done()
		rw.cleanup()
	}()
	return nil
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// cleanup enforces maxBackups and maxAgeDays on rotated files.
func (rw *RotatingWriter) cleanup() {
	dir, base, ext := rw.split()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	prefix := base + "-"
	current := filepath.Base(rw.filePath)
	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) && name != current {
			rotated = append(rotated, name)
		}
	}

	// Timestamps sort lexically, oldest first.
	sort.Strings(rotated)

	for len(rotated) > rw.maxBackups {
		os.Remove(filepath.Join(dir, rotated[0])) //nolint:errcheck
		rotated = rotated[1:]
	}

	if rw.maxAgeDays <= 0 {
		return
	}
	cutoff := rw.now().AddDate(0, 0, -rw.maxAgeDays)
	for _, name := range rotated {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path) //nolint:errcheck
		}
	}
}
