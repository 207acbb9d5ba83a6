package file

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/relaycache/relay/contrib/config"
)

var _ config.Source = (*fileSource)(nil)

type fileSource struct {
	path string
}

// NewSource returns a Source that loads a single local YAML/JSON file and
// watches it with fsnotify so SIGHUP-free live reload can be triggered.
func NewSource(path string) config.Source {
	return &fileSource{path: path}
}

func (f *fileSource) Load() ([]*config.KeyValue, error) {
	buf, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	return []*config.KeyValue{
		{
			Key:    filepath.Base(f.path),
			Value:  buf,
			Format: format(f.path),
		},
	}, nil
}

func (f *fileSource) Watch() (config.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	return &fileWatcher{source: f, watcher: watcher}, nil
}

func format(path string) string {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

type fileWatcher struct {
	source  *fileSource
	watcher *fsnotify.Watcher
}

func (w *fileWatcher) Next() ([]*config.KeyValue, error) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil, nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.source.path) {
				continue
			}
			if !(event.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				continue
			}
			return w.source.Load()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil, nil
			}
			return nil, err
		}
	}
}

func (w *fileWatcher) Stop() error {
	return w.watcher.Close()
}
