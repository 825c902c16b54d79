// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/flytrap/internal/logging"
)

// Watcher reloads an engine's definition when its rule file changes on
// disk. The parent directory is watched rather than the file itself, so
// editors that replace the file (write-temp-then-rename) keep being
// seen. Bursts of events collapse into one reload per debounce window.
type Watcher struct {
	log      *logging.Logger
	engine   *Engine
	debounce time.Duration

	fsw      *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Watch starts watching the engine's rule file. debounce <= 0 reloads
// on every event.
func Watch(engine *Engine, debounce time.Duration, log *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(engine.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		log:      log.WithComponent("filterwatch"),
		engine:   engine,
		debounce: debounce,
		fsw:      fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	w.log.Debug("watching filter definition", "path", engine.Path(), "debounce", debounce)
	return w, nil
}

// Stop halts the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.fsw.Close()
	})
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)

	base := filepath.Base(w.engine.Path())

	// The timer starts drained; relevant events arm it and the reload
	// fires once the window closes.
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			// Reload logs and reports its own failures; last-good stays.
			_ = w.engine.Reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("filter watch error", "path", w.engine.Path())
		case <-w.stop:
			return
		}
	}
}
