// Package sink persists filtered records as JSON lines, one append-only file
// per category.
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/heidpi/internal/event"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("sink: closed")

// Sink accepts one record at a time.
type Sink interface {
	Write(rec event.Record) error
}

// File appends records to a file. When the file is renamed or removed by an
// external rotation tool it is reopened at the same path.
type File struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	f       *os.File
	closed  bool
	reopens int

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// OpenFile opens (creating if needed) the file at path for appending and
// starts watching it for rotation.
func OpenFile(path string, log zerolog.Logger) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: create directory for %s: %w", path, err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	s := &File{
		path: path,
		log:  log.With().Str("component", "sink").Str("path", path).Logger(),
		f:    f,
		done: make(chan struct{}),
	}
	if err := s.watch(); err != nil {
		s.log.Warn().Err(err).Msg("rotation watcher unavailable, file will not be reopened")
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	return f, nil
}

// Path returns the file path written to.
func (s *File) Path() string {
	return s.path
}

// Write appends rec as one JSON line. The line is written with a single
// write call so concurrent readers never see half a record.
func (s *File) Write(rec event.Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sink: encode record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("sink: write %s: %w", s.path, err)
	}
	return nil
}

// Close stops the watcher and closes the file.
func (s *File) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.f.Close()
	s.mu.Unlock()

	if s.watcher != nil {
		close(s.done)
		s.wg.Wait()
		_ = s.watcher.Close()
	}
	return err
}

// watch observes the parent directory; watching the file itself would lose
// track of it after the first rename.
func (s *File) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sink watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("sink watcher add %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = w

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
					s.ensureCurrent()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("rotation watcher error")
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// ensureCurrent reopens the path when the open descriptor no longer refers
// to the file found there.
func (s *File) ensureCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	cur, err := s.f.Stat()
	if err == nil {
		if onDisk, err := os.Stat(s.path); err == nil && os.SameFile(cur, onDisk) {
			return
		}
	}

	f, err := openAppend(s.path)
	if err != nil {
		s.log.Error().Err(err).Msg("reopen after rotation failed, keeping old descriptor")
		return
	}
	_ = s.f.Close()
	s.f = f
	s.reopens++
	s.log.Info().Msg("log file rotated, reopened")
}

// Set hands out one File per path so categories sharing a filename share a
// descriptor.
type Set struct {
	log   zerolog.Logger
	files map[string]*File
}

// NewSet returns an empty Set.
func NewSet(log zerolog.Logger) *Set {
	return &Set{log: log, files: make(map[string]*File)}
}

// Open returns the File for path, opening it on first use.
func (s *Set) Open(path string) (*File, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		key = filepath.Clean(path)
	}
	if f, ok := s.files[key]; ok {
		return f, nil
	}
	f, err := OpenFile(key, s.log)
	if err != nil {
		return nil, err
	}
	s.files[key] = f
	return f, nil
}

// Close closes every file of the set.
func (s *Set) Close() error {
	var errs []error
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
