// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Store is a durable mapping from a key to a whole serialized object.
// Load returns (nil, nil) for a key that was never saved.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// FileStore keeps one JSON file per key inside a state directory
type FileStore struct {
	dir string
}

// DefaultStateDir returns ~/.config/evodnik
func DefaultStateDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "evodnik"), nil
}

// NewFileStore creates the directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		var err error
		if dir, err = DefaultStateDir(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid store key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

func (s *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return data, nil
}

// Save writes through a temporary file so a crash never leaves a truncated record
func (s *FileStore) Save(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (s *FileStore) Remove(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// loadJSON decodes the object under key into v. found is false for a missing key.
func loadJSON(ctx context.Context, s Store, key string, v any) (found bool, err error) {
	data, err := s.Load(ctx, key)
	if err != nil {
		return false, &PersistenceError{Key: key, Operation: "load", Err: err}
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &PersistenceError{Key: key, Operation: "load", Err: fmt.Errorf("%w: %v", ErrCorruptData, err)}
	}
	return true, nil
}

// loadMap decodes the map stored under key. A value that cannot be decoded is
// copied to key+CorruptKeySuffix and the map starts empty; load failures of
// the store itself are returned.
func loadMap[V any](ctx context.Context, s Store, key string, logger *Logger) (map[string]V, error) {
	m := make(map[string]V)
	_, err := loadJSON(ctx, s, key, &m)
	switch {
	case err == nil:
		if m == nil {
			m = make(map[string]V)
		}
		return m, nil
	case !errors.Is(err, ErrCorruptData):
		return nil, err
	}

	logger.Warn("Stored data is corrupt, starting empty", "key", key, "error", err.Error())
	if data, lerr := s.Load(ctx, key); lerr == nil {
		if serr := s.Save(ctx, key+CorruptKeySuffix, data); serr != nil {
			logger.Warn("Failed to set corrupt data aside", "key", key, "error", serr.Error())
		}
	}
	return make(map[string]V), nil
}

func saveJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &PersistenceError{Key: key, Operation: "save", Err: fmt.Errorf("failed to marshal: %w", err)}
	}
	if err := s.Save(ctx, key, data); err != nil {
		return &PersistenceError{Key: key, Operation: "save", Err: err}
	}
	return nil
}

// OpenStore builds the backend selected in the storage config
func OpenStore(ctx context.Context, cfg StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", StorageBackendFile:
		return NewFileStore(cfg.Path)
	case StorageBackendSQLite:
		return NewSQLiteStore(ctx, cfg.Path)
	case StorageBackendPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, &ValidationError{Field: "storage.backend", Value: cfg.Backend, Message: "unknown storage backend"}
	}
}
