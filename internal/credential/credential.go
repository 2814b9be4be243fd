// Package credential provides the API-key collaborator used by a voice
// session. The session reads the key when it opens and asks the store to
// forget it when the remote service rejects it; re-collecting a new key is
// the caller's job.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrMissing is returned when no credential is available.
var ErrMissing = errors.New("credential: missing")

// Store yields the current credential and accepts invalidation.
type Store interface {
	// Get returns the credential or ErrMissing.
	Get(ctx context.Context) (string, error)

	// Invalidate drops the current credential. Later Get calls return
	// ErrMissing until a new credential is supplied.
	Invalidate(ctx context.Context) error
}

// Static holds an in-memory credential. Safe for concurrent use.
type Static struct {
	mu  sync.Mutex
	key string
}

// NewStatic returns a Static store holding key.
func NewStatic(key string) *Static { return &Static{key: key} }

// Get implements Store.
func (s *Static) Get(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == "" {
		return "", ErrMissing
	}
	return s.key, nil
}

// Set replaces the credential, e.g. after the user re-entered it.
func (s *Static) Set(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = strings.TrimSpace(key)
}

// Invalidate implements Store.
func (s *Static) Invalidate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = ""
	return nil
}

// EnvStore reads the credential from an environment variable. Invalidation is
// process-local: the variable is left untouched but no longer consulted.
type EnvStore struct {
	Var string

	mu          sync.Mutex
	invalidated bool
}

// Get implements Store.
func (e *EnvStore) Get(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.invalidated {
		return "", fmt.Errorf("%w: %s was rejected", ErrMissing, e.Var)
	}
	v := strings.TrimSpace(os.Getenv(e.Var))
	if v == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrMissing, e.Var)
	}
	return v, nil
}

// Invalidate implements Store.
func (e *EnvStore) Invalidate(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalidated = true
	return nil
}

// FileStore reads the credential from a file on every Get, so a key written
// by another process is picked up without a restart. Invalidate removes the
// file.
type FileStore struct {
	Path string
}

// Get implements Store.
func (f FileStore) Get(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s does not exist", ErrMissing, f.Path)
	}
	if err != nil {
		return "", fmt.Errorf("credential: read %s: %w", f.Path, err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrMissing, f.Path)
	}
	return v, nil
}

// Invalidate implements Store.
func (f FileStore) Invalidate(context.Context) error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credential: remove %s: %w", f.Path, err)
	}
	return nil
}

// Compile-time interface assertions.
var (
	_ Store = (*Static)(nil)
	_ Store = (*EnvStore)(nil)
	_ Store = FileStore{}
)
