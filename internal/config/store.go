package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/atomic"
	"gopkg.in/yaml.v3"

	"github.com/blockandfocus/baf/internal/filesys"
	"github.com/blockandfocus/baf/internal/log"
)

// Store owns the policy document: it loads it on startup, exposes a
// lock-free snapshot to readers, and persists every mutation atomically
// before the in-memory view is swapped.
type Store struct {
	fs   filesys.FS
	path string

	// mu serializes writers. Readers never take it; they load the
	// snapshot pointer.
	mu   sync.Mutex
	snap atomic.Pointer[Policy]
}

// Open loads the policy from path, or writes and returns the default
// policy when no file exists yet. A file that exists but cannot be
// parsed or validated is an error; the daemon must not silently replace
// a document the user may have hand-edited.
func Open(fsys filesys.FS, path string, dev bool) (*Store, error) {
	s := &Store{fs: fsys, path: path}

	p, err := s.loadAndParse()
	switch {
	case errors.Is(err, ErrNoConfig):
		p = Default(dev)
		if err := s.persist(p); err != nil {
			return nil, fmt.Errorf("writing default configuration: %w", err)
		}
		log.Info("wrote default configuration", "path", path)
	case err != nil:
		return nil, err
	default:
		p.Normalize()
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	s.snap.Store(p)
	return s, nil
}

// Snapshot returns the current policy. The returned document must be
// treated as read-only; it is shared with every other reader.
func (s *Store) Snapshot() *Policy {
	return s.snap.Load()
}

// Mutate applies f to a copy of the current policy, validates the
// result, and persists it atomically. Only after the write succeeds is
// the in-memory snapshot swapped, so a failure leaves both the file and
// the live policy unchanged.
func (s *Store) Mutate(f func(*Policy) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.Load().Clone()
	if err := f(next); err != nil {
		return err
	}
	next.Normalize()
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.snap.Store(next)
	return nil
}

func (s *Store) loadAndParse() (*Policy, error) {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &p, nil
}

func (s *Store) persist(p *Policy) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	dir := filepath.Dir(s.path)
	if _, err := s.fs.Stat(dir); os.IsNotExist(err) {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := filesys.AtomicWrite(s.fs, s.path, data, 0o644); err != nil {
		return fmt.Errorf("persisting config: %w", err)
	}
	return nil
}
