package manager

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// defaultIgnore mirrors pm2: hidden entries and dependency folders never
// trigger a restart.
var defaultIgnore = []string{".*", "node_modules", "__pycache__"}

// watcher restarts an app when files under its cwd change.
type watcher struct {
	fw       *fsnotify.Watcher
	root     string
	ignore   []string
	skip     map[string]struct{}
	debounce time.Duration
	onChange func(path string)
	log      *slog.Logger
}

// newWatcher watches root recursively. Paths in skip (the app's own log
// files) and entries matching ignore globs are excluded.
func newWatcher(root string, ignore, skip []string, onChange func(string), log *slog.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fw:       fw,
		root:     filepath.Clean(root),
		ignore:   append(append([]string(nil), defaultIgnore...), ignore...),
		skip:     make(map[string]struct{}, len(skip)),
		debounce: watchDebounce,
		onChange: onChange,
		log:      log,
	}
	for _, p := range skip {
		if p != "" {
			w.skip[filepath.Clean(p)] = struct{}{}
		}
	}
	if err := w.addTree(w.root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignored(p) {
			return filepath.SkipDir
		}
		return w.fw.Add(p)
	})
}

// ignored matches each glob against the path relative to root, its base
// name, and every path component.
func (w *watcher) ignored(p string) bool {
	if _, ok := w.skip[filepath.Clean(p)]; ok {
		return true
	}
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	parts := strings.Split(rel, "/")
	for _, pat := range w.ignore {
		pat = strings.TrimSuffix(filepath.ToSlash(pat), "/")
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
		if strings.HasPrefix(rel, pat+"/") {
			return true
		}
		for _, part := range parts {
			if ok, _ := filepath.Match(pat, part); ok {
				return true
			}
		}
	}
	return false
}

// run delivers debounced change notifications until ctx is done.
func (w *watcher) run(ctx context.Context) {
	defer func() { _ = w.fw.Close() }()
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending string
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.log.Debug("watch add failed", "path", ev.Name, "error", err)
					}
				}
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			pending = ev.Name
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "root", w.root, "error", err)
		case <-timerC:
			timerC = nil
			w.onChange(pending)
		}
	}
}
