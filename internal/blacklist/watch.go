package blacklist

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/breeze-rmm/gpuhost/internal/logging"
)

var log = logging.L("blacklist")

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the rule files in paths whenever one changes and calls
// onReload with the path and the freshly compiled list. A file that fails
// to compile is logged and the previous list stays in effect. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, paths []string, onReload func(path string, l *List)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("blacklist: watcher: %w", err)
	}
	defer w.Close()

	// Watch directories so editors that replace files by rename are seen.
	wanted := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("blacklist: %s: %w", p, err)
		}
		wanted[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			return fmt.Errorf("blacklist: watch %s: %w", d, err)
		}
	}

	pending := make(map[string]bool)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name, _ := filepath.Abs(ev.Name)
			if !wanted[name] || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			pending[name] = true
			timer.Reset(reloadDebounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("rule watcher error", logging.KeyError, err)

		case <-timer.C:
			for p := range pending {
				l, err := LoadFile(p)
				if err != nil {
					log.Error("rule list reload failed, keeping previous list", "path", p, logging.KeyError, err)
					continue
				}
				log.Info("rule list reloaded", "path", p, "name", l.Name(), "version", l.Version(), "entries", l.Len())
				onReload(p, l)
			}
			clear(pending)
		}
	}
}
