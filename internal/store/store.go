// Package store provides locked, atomic access to markdown files in a
// workspace.
//
// Reads take a shared lock and writes an exclusive one, scoped strictly to
// the single call. Writes stage content in a temp file in the target
// directory, force it durable, and rename it over the target, so a reader
// never observes a partially written file and a crash mid-write leaves the
// original intact. Every successful write is recorded in a self-write
// registry that the change watcher consults for echo suppression.
package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mdsync/mdsync/internal/workspace"
)

// DefaultLockTimeout bounds how long a writer waits on a contended lock
// before failing with ErrLockTimeout.
const DefaultLockTimeout = 5 * time.Second

const tempSuffix = ".tmp"

// Metadata describes a tracked file for API responses.
type Metadata struct {
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Options configures a Store.
type Options struct {
	// LockTimeout bounds exclusive lock acquisition (default 5s).
	LockTimeout time.Duration
	// SuppressionTTL bounds self-write registry entries (default 500ms).
	SuppressionTTL time.Duration
	// Logger for store activity (default stderr).
	Logger *log.Logger
}

// Store coordinates safe file access for one workspace.
type Store struct {
	ws          *workspace.Workspace
	lockTimeout time.Duration
	logger      *log.Logger
	selfWrites  *SelfWriteRegistry

	mu    sync.Mutex
	locks map[string]*fileLock // absolute target path -> lock handle
}

// New creates a store over the given workspace.
func New(ws *workspace.Workspace, opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Store{
		ws:          ws,
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger,
		selfWrites:  NewSelfWriteRegistry(opts.SuppressionTTL),
		locks:       make(map[string]*fileLock),
	}
}

// SelfWrites exposes the registry consulted by the change watcher.
func (s *Store) SelfWrites() *SelfWriteRegistry {
	return s.selfWrites
}

// Read returns the current content of a workspace file under a shared lock.
func (s *Store) Read(rel string) (string, error) {
	abs, err := s.ws.Resolve(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, abs)
	}

	lock := s.lockFor(abs)
	if err := lock.acquire(false, s.lockTimeout); err != nil {
		return "", err
	}
	defer func() {
		if err := lock.release(false); err != nil {
			s.logger.Printf("releasing read lock: %v", err)
		}
	}()

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, abs)
		}
		return "", fmt.Errorf("reading %s: %w", abs, err)
	}
	return string(data), nil
}

// Write atomically replaces the content of a workspace file under an
// exclusive lock and records the write for echo suppression.
//
// Protocol: acquire exclusive lock, stage to a temp file in the same
// directory, flush and fsync the temp file, rename over the target, fsync
// the containing directory.
func (s *Store) Write(rel, content string) error {
	abs, err := s.ws.Resolve(rel)
	if err != nil {
		return err
	}

	lock := s.lockFor(abs)
	if err := lock.acquire(true, s.lockTimeout); err != nil {
		return err
	}
	defer func() {
		if err := lock.release(true); err != nil {
			s.logger.Printf("releasing write lock: %v", err)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", abs, err)
	}
	tmp, err := s.stageTemp(abs, content)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", abs, err)
	}
	if err := syncDir(filepath.Dir(abs)); err != nil {
		s.logger.Printf("syncing directory after write: %v", err)
	}

	canonRel, err := s.ws.Rel(abs)
	if err != nil {
		canonRel = rel
	}
	s.selfWrites.Record(canonRel, content)
	return nil
}

// Stat returns size and timestamp metadata for a workspace file, under the
// same shared lock Read takes so metadata never races a mid-flight write.
func (s *Store) Stat(rel string) (Metadata, error) {
	abs, err := s.ws.Resolve(rel)
	if err != nil {
		return Metadata{}, err
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, abs)
	}

	lock := s.lockFor(abs)
	if err := lock.acquire(false, s.lockTimeout); err != nil {
		return Metadata{}, err
	}
	defer func() {
		if err := lock.release(false); err != nil {
			s.logger.Printf("releasing stat lock: %v", err)
		}
	}()

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, abs)
		}
		return Metadata{}, fmt.Errorf("inspecting %s: %w", abs, err)
	}
	canonRel, err := s.ws.Rel(abs)
	if err != nil {
		canonRel = rel
	}
	return Metadata{
		Path:       canonRel,
		SizeBytes:  info.Size(),
		ModifiedAt: info.ModTime(),
	}, nil
}

// Close removes all lock artifacts and releases cached handles. Called on
// graceful shutdown; after Close the store must not be used.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for abs, lock := range s.locks {
		lock.close()
		delete(s.locks, abs)
	}
}

func (s *Store) lockFor(abs string) *fileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[abs]
	if !ok {
		lock = newFileLock(abs)
		s.locks[abs] = lock
	}
	return lock
}

// stageTemp writes content to a durable temp file next to the target and
// returns its path. The temp name is process-unique so concurrent stores on
// the same directory never collide, and the rename stays on one filesystem.
func (s *Store) stageTemp(target, content string) (string, error) {
	dir := filepath.Dir(target)
	base := filepath.Base(target)
	f, err := os.CreateTemp(dir, "."+base+".*"+tempSuffix)
	if err != nil {
		return "", fmt.Errorf("creating temp file for %s: %w", target, err)
	}
	tmp := f.Name()
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("writing temp file for %s: %w", target, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("syncing temp file for %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("closing temp file for %s: %w", target, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("setting mode on temp file for %s: %w", target, err)
	}
	return tmp, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// IsTempArtifact reports whether name looks like one of our staging files.
func IsTempArtifact(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, tempSuffix)
}
