package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore persists documents as a JSON file tree rooted at a
// directory: <root>/<kind>/<scope...>/<id>.json.
type FileStore struct {
	root string
}

// NewFileStore creates a file-tree store. The root is created lazily
// on first write.
func NewFileStore(root string) *FileStore {
	if root == "" {
		root = "results"
	}
	return &FileStore{root: root}
}

// Root returns the storage root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Write upserts a document, skipping the write when content is unchanged.
func (s *FileStore) Write(_ context.Context, kind Kind, scope Scope, id string, value any) (bool, error) {
	data, err := encode(value)
	if err != nil {
		return false, err
	}

	path := s.path(kind, scope, id)
	existing, readErr := os.ReadFile(path)
	if readErr == nil && bytes.Equal(existing, data) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create %s directory: %w", kind, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s document %s: %w", kind, id, err)
	}
	return true, nil
}

// Read loads a document into out, reporting absence without error.
func (s *FileStore) Read(_ context.Context, kind Kind, scope Scope, id string, out any) (bool, error) {
	data, err := os.ReadFile(s.path(kind, scope, id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s document %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s document %s: %w", kind, id, err)
	}
	return true, nil
}

// ReadAll returns every document at or below the scope, ordered by path.
func (s *FileStore) ReadAll(_ context.Context, kind Kind, scope Scope) ([]json.RawMessage, error) {
	paths, err := s.list(kind, scope)
	if err != nil {
		return nil, err
	}

	results := make([]json.RawMessage, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s document %s: %w", kind, path, err)
		}
		results = append(results, json.RawMessage(data))
	}
	return results, nil
}

// Exists reports whether a non-empty document file is present.
func (s *FileStore) Exists(_ context.Context, kind Kind, scope Scope, id string) (bool, error) {
	info, err := os.Stat(s.path(kind, scope, id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s document %s: %w", kind, id, err)
	}
	return !info.IsDir() && info.Size() > 0, nil
}

// Count returns the number of documents at or below the scope.
func (s *FileStore) Count(_ context.Context, kind Kind, scope Scope) (int, error) {
	paths, err := s.list(kind, scope)
	if err != nil {
		return 0, err
	}
	return len(paths), nil
}

// Delete removes one document. Absent documents are ignored.
func (s *FileStore) Delete(_ context.Context, kind Kind, scope Scope, id string) error {
	err := os.Remove(s.path(kind, scope, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s document %s: %w", kind, id, err)
	}
	return nil
}

// DeleteAll removes every document at or below the scope.
func (s *FileStore) DeleteAll(_ context.Context, kind Kind, scope Scope) error {
	dir := filepath.Join(s.root, string(kind), filepath.Join(scope...))
	err := os.RemoveAll(dir)
	if err != nil {
		return fmt.Errorf("delete %s scope %s: %w", kind, scopePrefix(scope), err)
	}
	return nil
}

// List enumerates every document of one kind.
func (s *FileStore) List(_ context.Context, kind Kind) ([]Entry, error) {
	paths, err := s.list(kind, nil)
	if err != nil {
		return nil, err
	}

	base := filepath.Join(s.root, string(kind))
	entries := make([]Entry, 0, len(paths))
	for _, path := range paths {
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s document %s: %w", kind, path, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s document %s: %w", kind, path, err)
		}
		scope, id := splitDocPath(strings.TrimSuffix(filepath.ToSlash(rel), ".json"))
		entries = append(entries, Entry{Kind: kind, Scope: scope, ID: id, Data: json.RawMessage(data)})
	}
	return entries, nil
}

// Ping verifies the root is usable.
func (s *FileStore) Ping(_ context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}
	return nil
}

// Close is a no-op for file storage.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(kind Kind, scope Scope, id string) string {
	return filepath.Join(s.root, string(kind), filepath.Join(scope...), id+".json")
}

// list walks the scope directory recursively so that a strict scope
// prefix still finds deeper documents (e.g. all laps in a league).
func (s *FileStore) list(kind Kind, scope Scope) ([]string, error) {
	dir := filepath.Join(s.root, string(kind), filepath.Join(scope...))

	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s scope %s: %w", kind, scopePrefix(scope), err)
	}

	sort.Strings(paths)
	return paths, nil
}
