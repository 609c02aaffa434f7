// Package inbox tracks PDFs dropped into the vault's inbox directory so
// the surfaces can list what is waiting to be ingested.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Entry is one PDF waiting in the inbox.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Scan lists the PDFs currently in dir, sorted by name.
func Scan(dir string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading inbox: %w", err)
	}

	var entries []Entry
	for _, d := range dirents {
		if d.IsDir() || !isPDF(d.Name()) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:    d.Name(),
			Path:    filepath.Join(dir, d.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
	}
	return entries, nil
}

// Watcher keeps a live view of the inbox directory.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu    sync.Mutex
	files map[string]Entry
}

// NewWatcher starts watching dir and seeds the view with an initial scan.
func NewWatcher(dir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	w := &Watcher{
		dir:     dir,
		watcher: fsw,
		logger:  logger,
		files:   make(map[string]Entry),
	}

	entries, err := Scan(dir)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	for _, e := range entries {
		w.files[e.Path] = e
	}
	return w, nil
}

// Run consumes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !isPDF(ev.Name) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil || info.IsDir() {
			return
		}
		w.mu.Lock()
		w.files[ev.Name] = Entry{
			Name:    filepath.Base(ev.Name),
			Path:    ev.Name,
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		}
		w.mu.Unlock()
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.files, ev.Name)
		w.mu.Unlock()
	}
}

// List returns a snapshot of the tracked PDFs, sorted by name.
func (w *Watcher) List() []Entry {
	w.mu.Lock()
	entries := make([]Entry, 0, len(w.files))
	for _, e := range w.files {
		entries = append(entries, e)
	}
	w.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}
