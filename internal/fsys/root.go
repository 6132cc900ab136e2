// Package fsys is the server's view of the file tree: every path a client
// names is resolved inside a single root directory, and open files are
// guarded by an advisory lock table.
package fsys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrOutsideRoot is returned for paths that would leave the root.
	ErrOutsideRoot = errors.New("path escapes root")
	// ErrNotDirectory is returned by ChangeDir for missing or non-directory targets.
	ErrNotDirectory = errors.New("not a directory")
	// ErrNotFile is returned when a regular file was expected.
	ErrNotFile = errors.New("not a regular file")
)

// Root is a jailed directory tree. Working directories are tracked by the
// caller as slash-separated paths relative to the root ("" is the root).
type Root struct {
	dir   string
	locks *LockTable
}

// NewRoot canonicalizes dir and checks that it is a directory.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", dir, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q: %w", dir, ErrNotDirectory)
	}
	return &Root{dir: resolved, locks: NewLockTable()}, nil
}

// Dir returns the canonical absolute root directory.
func (r *Root) Dir() string { return r.dir }

// Locks exposes the root's lock table.
func (r *Root) Locks() *LockTable { return r.locks }

// Resolve maps a client-supplied name, interpreted against cwd, to an
// absolute host path and its root-relative form. A leading "/" is
// relative to the root. Symlinks that lead outside the root are rejected.
func (r *Root) Resolve(cwd, name string) (abs, rel string, err error) {
	if strings.HasPrefix(name, "/") {
		rel = strings.TrimPrefix(path.Clean(name), "/")
	} else {
		rel = path.Clean(path.Join(cwd, name))
		if rel == ".." || strings.HasPrefix(rel, "../") {
			return "", "", ErrOutsideRoot
		}
		if rel == "." {
			rel = ""
		}
	}

	abs = filepath.Join(r.dir, filepath.FromSlash(rel))
	if !r.contains(abs) {
		return "", "", ErrOutsideRoot
	}

	// Follow symlinks on the deepest existing ancestor.
	probe := abs
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if !r.contains(resolved) {
				return "", "", ErrOutsideRoot
			}
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	return abs, rel, nil
}

func (r *Root) contains(p string) bool {
	rel, err := filepath.Rel(r.dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ChangeDir resolves arg against cwd and returns the new root-relative
// working directory.
func (r *Root) ChangeDir(cwd, arg string) (string, error) {
	abs, rel, err := r.Resolve(cwd, arg)
	if err != nil {
		return cwd, err
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return cwd, ErrNotDirectory
	}
	return rel, nil
}

// StatFile returns the size of a regular file.
func (r *Root) StatFile(cwd, name string) (string, int64, error) {
	abs, _, err := r.Resolve(cwd, name)
	if err != nil {
		return "", 0, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", 0, err
	}
	if !info.Mode().IsRegular() {
		return "", 0, ErrNotFile
	}
	return abs, info.Size(), nil
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

const listFormat = "  %-50s %-30s"

// List renders the LS response body for cwd (without the trailing EOF
// line): a header, "." and "..", directories as "/name/", then files with
// their sizes. Names sort case-insensitively.
func (r *Root) List(cwd string) ([]string, error) {
	abs, rel, err := r.Resolve(cwd, ".")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	lines := []string{
		"Directory: /" + rel,
		fmt.Sprintf(listFormat, "Name", "Size"),
		fmt.Sprintf(listFormat, ".", "<DIR>"),
		fmt.Sprintf(listFormat, "..", "<DIR>"),
	}
	for _, e := range entries {
		if e.IsDir() {
			lines = append(lines, fmt.Sprintf(listFormat, "/"+e.Name()+"/", "<DIR>"))
		}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf(listFormat, e.Name(), fmt.Sprintf("%d bytes", info.Size())))
	}
	return lines, nil
}
