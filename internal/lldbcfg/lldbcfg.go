// Package lldbcfg handles lldb_config.json: the one file the workspace
// wipe preserves. It carries the user's remote-debug device overrides and
// may be edited while a session runs, so a watcher picks up live changes.
package lldbcfg

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/reswarm/internal/config"
)

// Overrides is the device-override document.
type Overrides struct {
	Devices []config.LLDBDevice `json:"devices"`
}

// Load reads overrides from path. A missing file yields an empty set.
func Load(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Overrides{}, nil
		}
		return Overrides{}, fmt.Errorf("lldbcfg: read %s: %w", path, err)
	}
	var o Overrides
	if err := json.Unmarshal(data, &o); err != nil {
		return Overrides{}, fmt.Errorf("lldbcfg: parse %s: %w", path, err)
	}
	return o, nil
}

// Merge overlays file overrides onto configured devices; overrides with a
// matching name replace, new names append.
func Merge(base []config.LLDBDevice, overrides Overrides) []config.LLDBDevice {
	out := append([]config.LLDBDevice{}, base...)
	for _, dev := range overrides.Devices {
		replaced := false
		for i, existing := range out {
			if existing.Name == dev.Name {
				out[i] = dev
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, dev)
		}
	}
	return out
}

// Watcher reloads overrides when the file changes.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current Overrides

	onChange func(Overrides)
	done     chan struct{}
}

// Watch starts watching path. onChange fires after every successful
// reload; it may be nil.
func Watch(path string, onChange func(Overrides)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("lldbcfg: watcher: %w", err)
	}
	// Watch the directory: editors replace the file, breaking file-level
	// watches.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("lldbcfg: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, watcher: fsw, onChange: onChange, done: make(chan struct{})}
	if initial, err := Load(path); err == nil {
		w.current = initial
	}

	go w.loop()
	return w, nil
}

// Current returns the last successfully loaded overrides.
func (w *Watcher) Current() Overrides {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			overrides, err := Load(w.path)
			if err != nil {
				slog.Warn("lldbcfg: reload failed", "error", err)
				continue
			}
			w.mu.Lock()
			w.current = overrides
			w.mu.Unlock()
			slog.Info("lldbcfg: device overrides reloaded", "devices", len(overrides.Devices))
			if w.onChange != nil {
				w.onChange(overrides)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("lldbcfg: watch error", "error", err)
		}
	}
}
