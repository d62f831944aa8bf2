package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileExt = ".json"

// FileBackend stores one indented JSON document per session under a
// directory. Writes go to a temporary file that is synced and renamed over
// the target, so a reader never sees a half-written record.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the directory if needed and returns a backend
// rooted at it.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create history dir: %v", ErrStorage, err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the directory holding the session files.
func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) path(id string) (string, error) {
	if id == "" || filepath.Base(id) != id || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: unusable session id %q", ErrStorage, id)
	}
	return filepath.Join(b.dir, id+fileExt), nil
}

// Load reads the record for id.
func (b *FileBackend) Load(_ context.Context, id string) (*Session, error) {
	path, err := b.path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, id, err)
	}

	s := New(id)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStorage, id, err)
	}
	s.ID = id
	if s.History == nil {
		s.History = []Turn{}
	}
	return s, nil
}

// Save atomically replaces the record for s.ID.
func (b *FileBackend) Save(_ context.Context, s *Session) error {
	path, err := b.path(s.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrStorage, s.ID, err)
	}

	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStorage, s.ID, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrStorage, s.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrStorage, s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrStorage, s.ID, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrStorage, s.ID, err)
	}

	return b.syncDir()
}

// Remove deletes the record for id. A missing record is not an error.
func (b *FileBackend) Remove(_ context.Context, id string) error {
	path, err := b.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: remove %s: %v", ErrStorage, id, err)
	}
	return b.syncDir()
}

// List returns the ids of all stored sessions in lexical order.
func (b *FileBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStorage, b.dir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		id, ok := idFromFileName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op.
func (b *FileBackend) Close() error {
	return nil
}

// syncDir flushes the directory entry so a rename or removal survives a
// crash.
func (b *FileBackend) syncDir() error {
	d, err := os.Open(b.dir)
	if err != nil {
		return fmt.Errorf("%w: open dir: %v", ErrStorage, err)
	}
	defer d.Close()
	// Some platforms refuse to fsync a directory. The rename itself is
	// already atomic, so that is not fatal.
	_ = d.Sync()
	return nil
}

// idFromFileName maps "<id>.json" back to id, skipping temp and hidden files.
func idFromFileName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	id := strings.TrimSuffix(name, fileExt)
	return id, id != ""
}

var _ Backend = (*FileBackend)(nil)
