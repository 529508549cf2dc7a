package credentials

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher refreshes file-backed credentials when their backing files change,
// so rotated secrets take effect without a process restart.
type Watcher struct {
	resolver *Resolver
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
}

// NewWatcher starts watching every file path the resolver has cached so far.
// Files resolved after the watcher starts can be added with Add.
func NewWatcher(resolver *Resolver) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential watcher: %w", err)
	}

	w := &Watcher{
		resolver: resolver,
		watcher:  fsw,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	for _, path := range resolver.watchedPaths() {
		if err := fsw.Add(path); err != nil {
			slog.Warn("failed to watch credential file", "path", path, "error", err)
		}
	}

	go w.run()
	return w, nil
}

// Add registers an additional credential file with the watcher.
func (w *Watcher) Add(path string) error {
	return w.watcher.Add(path)
}

func (w *Watcher) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Writes and atomic renames both invalidate the cached secret.
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				w.resolver.refreshFile(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("credential watcher error", "error", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}
