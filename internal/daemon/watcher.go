package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcher turns file system events on org files into debounced triggers.
// Directories are watched rather than files because editors usually save by
// renaming a temporary file over the original.
type watcher struct {
	fs       *fsnotify.Watcher
	files    map[string]bool // watched single files
	dirs     map[string]bool // watched directories, any *.org inside counts
	debounce time.Duration
	logger   *slog.Logger
	trigger  func(reason string)
}

func newWatcher(paths []string, debounce time.Duration, logger *slog.Logger, trigger func(string)) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &watcher{
		fs:       fsw,
		files:    make(map[string]bool),
		dirs:     make(map[string]bool),
		debounce: debounce,
		logger:   logger,
		trigger:  trigger,
	}

	added := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		dir := abs
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			w.dirs[abs] = true
		} else {
			w.files[abs] = true
			dir = filepath.Dir(abs)
		}
		if added[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		added[dir] = true
	}
	return w, nil
}

func (w *watcher) Close() error {
	return w.fs.Close()
}

// relevant reports whether an event on name concerns a watched org file.
func (w *watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	if w.files[name] {
		return true
	}
	return w.dirs[filepath.Dir(name)] && strings.HasSuffix(name, ".org")
}

func (w *watcher) loop(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	changed := ""

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debug("Org file changed", "file", ev.Name, "op", ev.Op.String())
			changed = ev.Name
			timer.Reset(w.debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", "error", err)
		case <-timer.C:
			w.trigger("changed " + filepath.Base(changed))
		}
	}
}
