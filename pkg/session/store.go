package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Backend is the durable representation behind a Store. Save must replace
// a record atomically: after a crash either the old or the new record is
// readable, never a mix.
type Backend interface {
	// Load returns ErrNotFound when no record exists for id.
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	// Remove is a no-op for a missing record.
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Store maps session ids to conversation state. It owns the backend, an
// in-memory table of loaded sessions, and one lock per id. All methods are
// safe for concurrent use; operations on different ids never wait on each
// other's locks.
type Store struct {
	backend Backend
	locks   *lockTable

	mu    sync.RWMutex
	cache map[string]*Session

	now func() time.Time
}

// NewStore creates a Store over backend.
func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		locks:   newLockTable(),
		cache:   make(map[string]*Session),
		now:     time.Now,
	}
}

// Get returns the state of id, or a fresh empty session if none exists.
// The empty session is not persisted.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	if cached, ok := s.cached(id); ok {
		return cached, nil
	}

	sess, err := s.backend.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return New(id), nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Exists reports whether durable state exists for id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if _, ok := s.cached(id); ok {
		return true, nil
	}
	_, err := s.backend.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the ids of all persisted sessions. A session being created
// concurrently may or may not appear.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx)
}

// Count returns the number of persisted sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	ids, err := s.backend.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// WithLock holds the lock for id while fn runs against a copy of the current
// state. The session returned by fn is persisted only if fn returns a nil
// error; returning ErrNoChange releases the lock without writing. The lock is
// released on every path, including a panic in fn.
func (s *Store) WithLock(ctx context.Context, id string, fn func(*Session) (*Session, error)) error {
	return s.locked(ctx, id, func() error {
		current, err := s.loadLocked(ctx, id)
		if err != nil {
			return err
		}

		next, err := fn(current.Clone())
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		return s.saveLocked(ctx, id, next)
	})
}

// SetSystemPrompt replaces the system prompt of id, creating the session if
// needed. A nil prompt clears it.
func (s *Store) SetSystemPrompt(ctx context.Context, id string, prompt *string) error {
	return s.WithLock(ctx, id, func(sess *Session) (*Session, error) {
		if prompt == nil {
			sess.SystemPrompt = nil
		} else {
			p := *prompt
			sess.SystemPrompt = &p
		}
		return sess, nil
	})
}

// Delete removes all durable state for id. Deleting an unknown id succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.locked(ctx, id, func() error {
		if err := s.backend.Remove(context.WithoutCancel(ctx), id); err != nil {
			return err
		}
		s.evict(id)
		slog.Debug("session deleted", "chat_id", id)
		return nil
	})
}

// Invalidate drops the cached copy of id so the next read goes to the
// backend.
func (s *Store) Invalidate(id string) {
	s.evict(id)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) locked(ctx context.Context, id string, fn func() error) error {
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("acquire lock for %s: %w", id, err)
	}
	defer release()
	return fn()
}

// loadLocked must be called with the lock for id held. Only lock holders
// populate the cache, so a cached entry is never older than the last write.
func (s *Store) loadLocked(ctx context.Context, id string) (*Session, error) {
	if cached, ok := s.cached(id); ok {
		return cached, nil
	}

	sess, err := s.backend.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return New(id), nil
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[id] = sess.Clone()
	s.mu.Unlock()
	return sess, nil
}

func (s *Store) saveLocked(ctx context.Context, id string, next *Session) error {
	next = next.Clone()
	next.ID = id
	now := s.now().UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now

	// A started write is finished even if the caller goes away.
	if err := s.backend.Save(context.WithoutCancel(ctx), next); err != nil {
		s.evict(id)
		return err
	}

	s.mu.Lock()
	s.cache[id] = next
	s.mu.Unlock()
	return nil
}

func (s *Store) cached(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.cache[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

func (s *Store) evict(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}
