package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 2 * time.Second

// Watcher observes compose manifests in the workspace and requests an
// immediate reconcile when one changes on disk outside the control plane.
type Watcher struct {
	root         string
	manifestName string
	logger       *slog.Logger
	trigger      func()
}

// New constructs a workspace watcher. trigger is invoked, debounced,
// after manifest changes.
func New(root, manifestName string, logger *slog.Logger, trigger func()) *Watcher {
	if logger != nil {
		logger = logger.With("component", "watcher")
	}
	return &Watcher{root: root, manifestName: manifestName, logger: logger, trigger: trigger}
}

// Run watches until the context is cancelled. Directories are added as
// they appear; failures degrade to the periodic reconcile timer.
func (w *Watcher) Run(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("filesystem watcher unavailable", "error", err)
		return
	}
	defer fsw.Close()

	w.addRecursive(fsw, w.root)

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				// new directories need their own watch
				w.addRecursive(fsw, event.Name)
			}
			if filepath.Base(event.Name) != w.manifestName {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, func() {
				w.logger.Debug("manifest changed on disk, reconcile requested", "file", event.Name)
				w.trigger()
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, path string) {
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		switch d.Name() {
		case "node_modules", ".git", ".hg", ".svn":
			return fs.SkipDir
		}
		if addErr := fsw.Add(p); addErr != nil {
			w.logger.Debug("watch add failed", "dir", p, "error", addErr)
		}
		return nil
	})
}
