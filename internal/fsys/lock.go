package fsys

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrFileLockConflict is returned when a path is already held in an
// incompatible mode.
var ErrFileLockConflict = errors.New("file lock conflict")

// LockMode selects shared (download) or exclusive (upload) access.
type LockMode uint8

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

type lockEntry struct {
	readers int
	writer  bool
}

// LockTable is an in-process readers/writer table keyed by absolute path.
// Acquisition never blocks: a conflicting request fails immediately.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// NewLockTable creates an empty table.
func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[string]*lockEntry)}
}

// TryLock acquires path in mode or fails with ErrFileLockConflict. The
// returned release function is idempotent.
func (t *LockTable) TryLock(path string, mode LockMode) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[path]
	if e == nil {
		e = &lockEntry{}
		t.entries[path] = e
	}

	switch mode {
	case Exclusive:
		if e.writer || e.readers > 0 {
			return nil, fmt.Errorf("%w: %s", ErrFileLockConflict, path)
		}
		e.writer = true
	default:
		if e.writer {
			return nil, fmt.Errorf("%w: %s", ErrFileLockConflict, path)
		}
		e.readers++
	}

	var once sync.Once
	return func() {
		once.Do(func() { t.release(path, mode) })
	}, nil
}

func (t *LockTable) release(path string, mode LockMode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[path]
	if e == nil {
		return
	}
	if mode == Exclusive {
		e.writer = false
	} else if e.readers > 0 {
		e.readers--
	}
	if !e.writer && e.readers == 0 {
		delete(t.entries, path)
	}
}

// Held reports how many paths currently carry a lock.
func (t *LockTable) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ---------------------------------------------------------------------------
// Locked files
// ---------------------------------------------------------------------------

// File is an open file holding both a table lock and, where supported, an
// OS advisory lock. Close releases both.
type File struct {
	*os.File
	release func()
	once    sync.Once
}

func (f *File) Close() error {
	var err error
	f.once.Do(func() {
		unlockOS(f.File)
		err = f.File.Close()
		f.release()
	})
	return err
}

// OpenRead opens a regular file for download under a shared lock and
// returns it with its size.
func (r *Root) OpenRead(cwd, name string) (*File, int64, error) {
	abs, size, err := r.StatFile(cwd, name)
	if err != nil {
		return nil, 0, err
	}
	release, err := r.locks.TryLock(abs, Shared)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(abs)
	if err != nil {
		release()
		return nil, 0, err
	}
	if err := lockOS(f, Shared); err != nil {
		f.Close()
		release()
		return nil, 0, err
	}
	return &File{File: f, release: release}, size, nil
}

// Create opens name for upload under an exclusive lock, truncating it only
// once the lock is held. Existing directories are rejected.
func (r *Root) Create(cwd, name string) (*File, error) {
	abs, _, err := r.Resolve(cwd, name)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err == nil && !info.Mode().IsRegular() {
		return nil, ErrNotFile
	}
	release, err := r.locks.TryLock(abs, Exclusive)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		release()
		return nil, err
	}
	if err := lockOS(f, Exclusive); err != nil {
		f.Close()
		release()
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		unlockOS(f)
		f.Close()
		release()
		return nil, err
	}
	return &File{File: f, release: release}, nil
}
