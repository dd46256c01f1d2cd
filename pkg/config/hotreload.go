package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher re-publishes the configuration snapshot whenever the
// environment file changes on disk. Writes are debounced because most
// editors fire several events per save.
type Watcher struct {
	provider     *Provider
	logger       *logrus.Logger
	watcher      *fsnotify.Watcher
	debounceTime time.Duration
}

// NewWatcher creates a hot-reload watcher for the provider's env file.
func NewWatcher(provider *Provider, logger *logrus.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files by
	// rename and the inode-level watch would go stale.
	dir := filepath.Dir(provider.EnvFile())
	if dir == "" {
		dir = "."
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		provider:     provider,
		logger:       logger,
		watcher:      fw,
		debounceTime: 500 * time.Millisecond,
	}, nil
}

// Run blocks until ctx is cancelled, reloading on relevant changes.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.provider.EnvFile())
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	w.logger.WithField("file", target).Info("Configuration hot-reload watcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
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
			timer = time.AfterFunc(w.debounceTime, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			if err := w.provider.Reload(); err != nil {
				w.logger.WithError(err).Error("Configuration reload failed, keeping previous snapshot")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warning("Configuration watcher error")
		}
	}
}
