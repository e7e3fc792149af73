package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is a capture read back from disk.
type Entry struct {
	Name   string `json:"name"`
	Record Record `json:"record"`
}

// IsCaptureName reports whether name follows the capture file naming
// scheme. It rejects anything containing a path separator.
func IsCaptureName(name string) bool {
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return false
	}
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExt)
}

// Names returns capture file names, newest first.
func (r *Recorder) Names() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reading capture directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !IsCaptureName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Load reads a single capture by file name.
func (r *Recorder) Load(name string) (Record, error) {
	if !IsCaptureName(name) {
		return Record{}, ErrInvalidName
	}
	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading capture file: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parsing capture file %s: %w", name, err)
	}
	if string(rec.Body) == "null" {
		rec.Body = nil
	}
	return rec, nil
}

// List returns up to limit of the newest captures. Files that cannot be
// parsed are skipped and logged. A limit <= 0 returns all captures.
func (r *Recorder) List(limit int) ([]Entry, error) {
	names, err := r.Names()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	out := make([]Entry, 0, len(names))
	for _, name := range names {
		rec, err := r.Load(name)
		if err != nil {
			r.logger.Warn("skipping unreadable capture", "file", name, "error", err)
			continue
		}
		out = append(out, Entry{Name: name, Record: rec})
	}
	return out, nil
}
