package selection

import (
	"context"
	"os"
	"path/filepath"

	"calsync/pkg/exception"

	"github.com/fsnotify/fsnotify"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Calendars []Calendar `yaml:"calendars"`
}

// LoadFile reads a YAML selection file:
//
//	calendars:
//	  - id: alice/work
//	    name: Work
//	  - id: holidays
//	    temporary: true
func LoadFile(path string) ([]Calendar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read selection file %s", path)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse selection file %s", path)
	}
	return doc.Calendars, nil
}

// FileSource keeps a Store in line with a YAML file.
type FileSource struct {
	path  string
	store *Store
}

func NewFileSource(path string, store *Store) (*FileSource, error) {
	if path == "" {
		return nil, exception.ErrSelectionEmptyPath
	}
	if store == nil {
		return nil, exception.ErrSelectionNilStore
	}
	return &FileSource{path: filepath.Clean(path), store: store}, nil
}

// Load reads the file once into the store.
func (s *FileSource) Load() error {
	cals, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	changed, err := s.store.ReplaceLayer(LayerFile, cals)
	if err != nil {
		return err
	}
	if changed {
		logs.Infof("selection: loaded %d calendars from %s", len(cals), s.path)
	}
	return nil
}

// Watch loads the file and reloads it on every change until ctx is done.
// The directory is watched so editors that replace the file by rename are seen too.
// A broken file keeps the previous selection.
func (s *FileSource) Watch(ctx context.Context) error {
	if err := s.Load(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return errors.Wrapf(err, "watch %s", filepath.Dir(s.path))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Load(); err != nil {
				logs.Warnf("selection: reload %s failed, keeping previous selection, err: %+v", s.path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logs.Errorf("selection: watcher error, err: %+v", err)
		}
	}
}
