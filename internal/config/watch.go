// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadHandler is called with the freshly reloaded Config after each
// debounced write to the watched file, or with a non-nil err if the
// reload failed to parse (the previous Config stays in effect).
type ReloadHandler func(Config, error)

// Watcher hot-reloads a single YAML config file, debouncing the editor
// save-as-multiple-events pattern so one logical save triggers exactly one
// reload.
type Watcher struct {
	path     string
	debounce time.Duration
	handler  ReloadHandler
	watcher  *fsnotify.Watcher

	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher constructs a Watcher for path. Call Start to begin watching.
func NewWatcher(path string, handler ReloadHandler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		debounce: 200 * time.Millisecond,
		handler:  handler,
		watcher:  fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timerC = nil
			w.reload()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload() {
	f, err := os.Open(w.path)
	if err != nil {
		w.handler(Config{}, err)
		return
	}
	defer f.Close()

	cfg, err := LoadReader(f)
	w.handler(cfg, err)
}
