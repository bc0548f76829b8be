// Package watch monitors an inbox directory for dropped ingestion file
// pairs: a data file (<name>.csv or <name>.xlsx) and its metadata file
// (<name>.meta.csv). A pair is reported once both files exist and have
// been quiet for the settle delay, so half-copied files are never picked
// up.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const metaSuffix = ".meta.csv"

// Pair is one complete ingestion input found in the inbox.
type Pair struct {
	// Name is the shared base name of the pair, used as the data set title.
	Name     string
	DataPath string
	MetaPath string
}

// Watcher monitors the inbox directory.
type Watcher struct {
	watcher     *fsnotify.Watcher
	dir         string
	settleDelay time.Duration
	log         logrus.FieldLogger

	mu   sync.Mutex
	seen map[string]time.Time // path -> last write event

	// OnPair is invoked for every settled pair. Errors are reported, not
	// fatal: a bad drop must not stop the watcher.
	OnPair func(ctx context.Context, p Pair) error
}

// NewWatcher creates a watcher over one inbox directory.
func NewWatcher(dir string, settleDelay time.Duration, log logrus.FieldLogger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return &Watcher{
		watcher:     fsWatcher,
		dir:         dir,
		settleDelay: settleDelay,
		log:         log,
		seen:        make(map[string]time.Time),
	}, nil
}

// Close releases the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Run blocks until the context is cancelled, dispatching settled pairs.
// Files already present at startup are picked up too.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.scanExisting(); err != nil {
		return err
	}

	ticker := time.NewTicker(w.settleDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.mark(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("inbox watch error")

		case <-ticker.C:
			w.dispatchSettled(ctx)
		}
	}
}

func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading inbox %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.mark(filepath.Join(w.dir, entry.Name()))
		}
	}
	return nil
}

func (w *Watcher) mark(path string) {
	if !isInboxFile(path) {
		return
	}
	w.mu.Lock()
	w.seen[path] = time.Now()
	w.mu.Unlock()
}

func isInboxFile(path string) bool {
	switch {
	case strings.HasSuffix(path, metaSuffix):
		return true
	case strings.HasSuffix(path, ".csv"), strings.HasSuffix(path, ".xlsx"):
		return true
	}
	return false
}

// dispatchSettled finds pairs whose files have all been quiet for the
// settle delay and hands them to OnPair. Dispatched files are forgotten;
// a re-drop of the same name is a new pair.
func (w *Watcher) dispatchSettled(ctx context.Context) {
	cutoff := time.Now().Add(-w.settleDelay)

	w.mu.Lock()
	var pairs []Pair
	for path, last := range w.seen {
		if !strings.HasSuffix(path, metaSuffix) || last.After(cutoff) {
			continue
		}
		base := strings.TrimSuffix(path, metaSuffix)
		dataPath, ok := w.settledData(base, cutoff)
		if !ok {
			continue
		}
		pairs = append(pairs, Pair{
			Name:     filepath.Base(base),
			DataPath: dataPath,
			MetaPath: path,
		})
		delete(w.seen, path)
		delete(w.seen, dataPath)
	}
	w.mu.Unlock()

	for _, p := range pairs {
		w.log.WithFields(logrus.Fields{
			"name": p.Name,
			"data": p.DataPath,
		}).Info("inbox pair settled")
		if err := w.OnPair(ctx, p); err != nil {
			w.log.WithError(err).WithField("name", p.Name).Error("inbox pair failed")
		}
	}
}

// settledData returns the settled data file for a base name, preferring
// csv over xlsx when both exist.
func (w *Watcher) settledData(base string, cutoff time.Time) (string, bool) {
	for _, ext := range []string{".csv", ".xlsx"} {
		path := base + ext
		last, ok := w.seen[path]
		if ok && !last.After(cutoff) {
			return path, true
		}
	}
	return "", false
}
