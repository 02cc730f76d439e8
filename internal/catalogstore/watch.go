package catalogstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/zonewatch/zonewatch/internal/zones"
	"go.uber.org/zap"
)

// Watcher watches the catalog file's directory for external edits and, on a
// create or write event for the catalog file itself, reloads and hands the
// parsed document to onReload. A malformed external edit is logged and
// ignored, keeping the last good in-memory catalog, per the persistence
// reload rule.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	log      *zap.Logger
	onReload func(zones.CatalogDocument)
	done     chan struct{}
}

// NewWatcher starts watching path's parent directory. Reload callbacks fire
// from an internal goroutine until Close is called.
func NewWatcher(path string, log *zap.Logger, onReload func(zones.CatalogDocument)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  fw,
		log:      log,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("catalog file watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("failed to read externally modified catalog file", zap.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}
	var doc zones.CatalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		w.log.Warn("externally modified catalog file is not valid JSON, ignoring", zap.Error(err))
		return
	}
	w.log.Info("reloaded catalog after external modification")
	w.onReload(doc)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
