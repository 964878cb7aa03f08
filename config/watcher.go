// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher re-parses a directive file whenever it changes and hands the fresh
// Config to the apply callback. The fresh Config starts from the defaults;
// when the file has invalid directives, the valid ones are still applied.
type Watcher struct {
	watcher *fsnotify.Watcher

	stopSyn chan struct{}
	stopAck chan struct{}
}

// Watch starts watching a directive file.
func Watch(path string, apply func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(path); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: fsWatcher,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go w.handle(path, apply)

	return w, nil
}

func (w *Watcher) handle(path string, apply func(*Config)) {
	defer close(w.stopAck)

	for {
		select {
		case <-w.stopSyn:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cfg := Default()
			if err := cfg.ParseFile(path); err != nil {
				log.WithFields(log.Fields{
					"file":  path,
					"error": err,
				}).Error("Reloaded directive file has errors; partial policy applies")
			}

			log.WithFields(log.Fields{
				"file": path,
			}).Info("Applying reloaded configuration directives")

			apply(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithFields(log.Fields{
				"error": err,
			}).Warn("Configuration watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	close(w.stopSyn)
	<-w.stopAck

	return err
}
