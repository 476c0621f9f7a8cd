package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// ErrUnknownKey is returned by Set for keys the store does not hold.
var ErrUnknownKey = errors.New("unknown settings key")

// Store is a JSON-file key/value store that other processes may edit.
// It is safe for concurrent use.
type Store struct {
	path     string
	validate *validator.Validate

	mu     sync.RWMutex
	values map[string]string // last successfully read contents

	subsMu sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

// New creates a store backed by the file at path. The file need not exist.
func New(path string) *Store {
	return &Store{
		path:     path,
		validate: validator.New(),
		values:   make(map[string]string),
		subs:     make(map[int]chan struct{}),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load re-reads the store and returns validated settings. When the file cannot
// be read the last known values are used.
func (s *Store) Load() Settings {
	if err := s.reload(); err != nil {
		slog.Warn("settings store unreadable, using last known values", "path", s.path, "error", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Parse(s.values, s.validate)
}

// Raw returns a copy of the stored values as written.
func (s *Store) Raw() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// reload reads the backing file. A missing file is an empty store.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.values = make(map[string]string)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return util.WrapError("read settings", err)
	}

	values, err := decodeValues(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// decodeValues accepts a JSON object whose values are strings, numbers or booleans.
func decodeValues(data []byte) (map[string]string, error) {
	values := make(map[string]string)
	if len(bytes.TrimSpace(data)) == 0 {
		return values, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, util.WrapError("parse settings", err)
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			values[k] = val
		case json.Number:
			values[k] = val.String()
		case nil:
		default:
			values[k] = fmt.Sprint(val)
		}
	}
	return values, nil
}

// Set merges updates into the store and writes it atomically. An empty value
// removes the key so its default applies.
func (s *Store) Set(updates map[string]string) error {
	for k := range updates {
		if !slices.Contains(Keys, k) {
			return fmt.Errorf("%w: %q", ErrUnknownKey, k)
		}
	}

	if err := s.reload(); err != nil {
		slog.Warn("settings store unreadable before write", "path", s.path, "error", err)
	}

	s.mu.Lock()
	next := maps.Clone(s.values)
	for k, v := range updates {
		if v == "" {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	if err := s.writeLocked(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.values = next
	s.mu.Unlock()

	slog.Info("settings updated", "keys", slices.Sorted(maps.Keys(updates)))
	s.notify()
	return nil
}

func (s *Store) writeLocked(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return util.WrapError("marshal settings", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create settings directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return util.WrapError("create temp settings file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return util.WrapError("write settings", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return util.WrapError("close settings", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return util.WrapError("replace settings", err)
	}
	return nil
}

// Subscribe returns a channel that receives a value after every change.
// Notifications coalesce while the receiver is busy. The returned function
// unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch notifies subscribers when another process changes the backing file.
// It blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return util.WrapError("create settings watcher", err)
	}
	defer util.SafeCloseFunc(watcher, "settings watcher")()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create settings directory", err)
	}
	if err := watcher.Add(dir); err != nil {
		return util.WrapError("watch settings directory", err)
	}

	target := filepath.Clean(s.path)
	slog.Info("watching settings store", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				slog.Warn("settings store changed but could not be read", "path", target, "error", err)
				continue
			}
			slog.Debug("settings store changed", "path", target, "op", ev.Op.String())
			s.notify()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("settings watcher error", "error", err)
		}
	}
}
