// Package configwatch watches the config file for changes and invokes a
// reload callback, generalizing the teacher's Proxy.Reload: there
// in-process config swap was only ever invoked manually; here fsnotify
// drives it from the filesystem.
package configwatch

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/socks5balancer/gobalancer/internal/config"
	"github.com/socks5balancer/gobalancer/pkg/logger"
)

// debounce absorbs the burst of events a single atomic save produces
// (most editors write a temp file then rename it over the original,
// which fsnotify reports as CREATE+WRITE+... in quick succession).
const debounce = 200 * time.Millisecond

// Watcher reloads cfg from path whenever the file changes and calls
// onReload with the newly parsed config. onReload should apply the new
// config to every dependent component; a parse error is logged and the
// previous config is left in place.
type Watcher struct {
	path     string
	onReload func(*config.Config)
	log      *logger.Logger

	watcher *fsnotify.Watcher
}

// New builds a Watcher for path. It does not start watching until Run
// is called.
func New(path string, onReload func(*config.Config), log *logger.Logger) (*Watcher, error) {
	if log == nil {
		log = logger.Default
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, onReload: onReload, log: log, watcher: fw}, nil
}

// Run blocks, watching until stop is closed or the underlying
// fsnotify.Watcher closes its event or error channel.
func (w *Watcher) Run(stop <-chan struct{}) {
	defer w.watcher.Close()

	target := filepath.Clean(w.path)
	var pending *time.Timer

	for {
		select {
		case <-stop:
			if pending != nil {
				pending.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("configwatch: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		w.log.Error("configwatch: reload of %s failed, keeping previous config: %v", w.path, err)
		return
	}
	w.log.Info("configwatch: reloaded %s", w.path)
	w.onReload(cfg)
}
