// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package ports

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DeviceDir is where device nodes appear on unix hosts.
const DeviceDir = "/dev"

// Watcher signals when entries are added to or removed from a directory.
// Several changes in a row collapse into a single pending signal.
type Watcher struct {
	watcher *fsnotify.Watcher
	log     *zap.SugaredLogger
	wake    chan struct{}
	done    chan struct{}
}

func NewWatcher(dir string, log *zap.SugaredLogger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	dir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	res := &Watcher{
		watcher: w,
		log:     log,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go res.run()
	return res, nil
}

// Wake delivers a value after the directory changed.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.log.Debugw("Device node changed", "name", event.Name, "op", event.Op.String())
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("Watch error", "error", err)
		}
	}
}
