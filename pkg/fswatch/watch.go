// Package fswatch notifies callers when files change on disk.
package fswatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/zynk/pkg/errors"
)

var fs = afero.NewOsFs()

// Watcher sends on Events whenever one of the watched files changes.
type Watcher struct {
	Events chan struct{}

	watcher *fsnotify.Watcher
}

// Watch watches the given files. Their parent directories are watched rather
// than the files themselves, so that files replaced by renaming a new
// version over them are still tracked. Bursts of changes are combined into a
// single event.
func Watch(paths ...string) (*Watcher, error) {
	dirs, err := getDirsToWatch(paths)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", dir))
		}
	}

	go logErrors(watcher.Errors)

	watched := map[string]struct{}{}
	for _, path := range paths {
		watched[filepath.Clean(path)] = struct{}{}
	}
	return &Watcher{
		Events:  combineUpdates(watcher.Events, watched),
		watcher: watcher,
	}, nil
}

// Close stops watching. Events is closed once pending events are drained.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func combineUpdates(updates <-chan fsnotify.Event,
	watched map[string]struct{}) chan struct{} {

	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for event := range updates {
			if _, ok := watched[filepath.Clean(event.Name)]; !ok {
				continue
			}
			if event.Op == fsnotify.Chmod {
				continue
			}

			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

func logErrors(errs <-chan error) {
	for err := range errs {
		log.WithError(err).Warn("File watcher error")
	}
}

func getDirsToWatch(paths []string) ([]string, error) {
	var dirs []string
	seen := map[string]struct{}{}
	for _, path := range paths {
		dir := filepath.Dir(path)
		if _, ok := seen[dir]; ok {
			continue
		}

		fi, err := fs.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.FileNotFound{Path: dir}
			}
			return nil, errors.WithContext(err, "stat")
		}
		if !fi.IsDir() {
			return nil, errors.New("%s is not a directory", dir)
		}

		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}
