package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchDebounce coalesces editor write bursts into a single reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the config file on change and invokes onChange with each
// successfully parsed version. Parse failures keep the previous config and
// are logged. The watcher runs until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files on save, which drops the
	// watch on the file itself.
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		var timer *time.Timer
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					cfg, errLoad := Load(path)
					if errLoad != nil {
						log.Warnf("config: reload failed, keeping previous: %v", errLoad)
						return
					}
					log.Infof("config: reloaded %s", path)
					onChange(cfg)
				})
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config: watch error: %v", errWatch)
			}
		}
	}()
	return nil
}
