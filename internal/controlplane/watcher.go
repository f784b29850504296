// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package controlplane

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Watcher reconciles a PID list file on every change. The parent directory is
// watched so editors and atomic renames are seen.
type Watcher struct {
	path    string
	rec     *Reconciler
	watcher *fsnotify.Watcher
	logger  logr.Logger
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewWatcher(path string, rec *Reconciler, logger logr.Logger) (*Watcher, error) {
	wLogger := logger.WithName("controlplane.watcher")

	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve PID file path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		if cerr := watcher.Close(); cerr != nil {
			wLogger.Error(cerr, "failed to close fs watcher")
		}
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:    path,
		rec:     rec,
		watcher: watcher,
		logger:  wLogger,
		done:    make(chan struct{}),
	}

	// Initial state. A bad or missing file is not fatal; the next write fixes it.
	w.reload()

	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

func (w *Watcher) Close() error {
	close(w.done)
	w.wg.Wait()
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.logger.V(1).Info("received file event", "file", event.Name, "op", event.Op)
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "filesystem watcher error")
		}
	}
}

func (w *Watcher) reload() {
	pids, err := w.load()
	if err != nil {
		w.logger.Error(err, "failed to load PID file, keeping current set", "path", w.path)
		return
	}
	if err := w.rec.Apply(pids); err != nil {
		w.logger.Error(err, "monitored set partially applied", "path", w.path)
	}
}

// load treats a missing file as an empty list.
func (w *Watcher) load() ([]uint32, error) {
	data, err := os.ReadFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read PID file: %w", err)
	}
	return ParsePIDs(data)
}
