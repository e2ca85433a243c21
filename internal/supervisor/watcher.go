package supervisor

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// teardownWatcher watches the rendezvous socket file and the worker
// executable. Either disappearing means the host peer was torn down
// uncleanly, and the fleet should stop rather than restart forever.
type teardownWatcher struct {
	fw      *fsnotify.Watcher
	targets map[string]bool
	done    chan struct{}
}

func newTeardownWatcher(socketPath, workerCmd string, events chan<- event, logger *slog.Logger) (*teardownWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &teardownWatcher{
		fw:      fw,
		targets: map[string]bool{filepath.Clean(socketPath): true},
		done:    make(chan struct{}),
	}

	dirs := map[string]bool{filepath.Dir(socketPath): true}
	if filepath.IsAbs(workerCmd) {
		w.targets[filepath.Clean(workerCmd)] = true
		dirs[filepath.Dir(workerCmd)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if w.targets[filepath.Clean(ev.Name)] {
					select {
					case events <- event{kind: evFileGone, path: ev.Name}:
					case <-w.done:
						return
					}
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Debug("teardown watcher error", "error", err)
			case <-w.done:
				return
			}
		}
	}()

	return w, nil
}

func (w *teardownWatcher) Close() {
	close(w.done)
	w.fw.Close()
}
