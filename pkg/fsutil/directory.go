// Package fsutil provides race-free, openat-based directory and file
// primitives used throughout nibackup. It is a generalization of the
// teacher's pkg/filesystem.Directory abstraction, trimmed to POSIX-only (the
// daemon has no Windows target) and extended with the operations the shadow
// engine needs: tolerant-exists directory creation, unlink-at, rename-at,
// and existence checks that never follow symlinks.
package fsutil

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ensureValidName verifies that name does not reference the current or
// parent directory and does not contain a path separator.
func ensureValidName(name string) error {
	if name == "." {
		return errors.New("name is directory reference")
	} else if name == ".." {
		return errors.New("name is parent directory reference")
	} else if strings.IndexByte(name, '/') != -1 {
		return errors.New("path separator appears in name")
	}
	return nil
}

// Directory represents an open directory on disk and provides race-free
// operations on its contents via the *at family of syscalls, so that no
// component of the path can be swapped out from underneath the caller
// between checks.
type Directory struct {
	descriptor int
	file       *os.File
}

// NewDirectory wraps an already-open directory file descriptor.
func NewDirectory(descriptor int, name string) *Directory {
	return &Directory{descriptor: descriptor, file: os.NewFile(uintptr(descriptor), name)}
}

// OpenDirectoryAt opens path (which may be absolute or relative to the
// process's working directory) as a root Directory handle.
func OpenDirectoryAt(path string) (*Directory, error) {
	descriptor, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open directory %q", path)
	}
	return NewDirectory(descriptor, path), nil
}

// Descriptor exposes the raw file descriptor for use with *at syscalls
// elsewhere (e.g. patch invocation via /proc/self/fd tricks). It must not be
// closed by the caller.
func (d *Directory) Descriptor() int {
	return d.descriptor
}

// Close closes the directory.
func (d *Directory) Close() error {
	return d.file.Close()
}

// Dup duplicates the directory handle, returning an independent Directory
// with its own seek position. Callers recursing into subdirectories
// duplicate root handles first so that concurrent recursions don't
// interfere with each other's Readdirnames offsets.
func (d *Directory) Dup() (*Directory, error) {
	// Reopen "." rather than dup(2): a dup'd descriptor shares the original's
	// file offset, while a fresh open gets its own.
	descriptor, err := unix.Openat(d.descriptor, ".", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "unable to duplicate directory descriptor")
	}
	return NewDirectory(descriptor, d.file.Name()), nil
}

// Mkdirat creates a subdirectory with the given name and permissions,
// tolerating the case where it already exists (per spec §4.5 step 2 and the
// concurrency note that directory creation in a descent path races
// harmlessly).
func (d *Directory) Mkdirat(name string, perm os.FileMode) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	if err := unix.Mkdirat(d.descriptor, name, uint32(perm)); err != nil && err != unix.EEXIST {
		return errors.Wrapf(err, "unable to create directory %q", name)
	}
	return nil
}

// OpenDirectory opens the subdirectory called name.
func (d *Directory) OpenDirectory(name string) (*Directory, error) {
	if err := ensureValidName(name); err != nil {
		return nil, err
	}
	descriptor, err := unix.Openat(d.descriptor, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return NewDirectory(descriptor, name), nil
}

// OpenFile opens the regular file called name for reading, without
// following symlinks at the leaf.
func (d *Directory) OpenFile(name string) (*os.File, error) {
	if err := ensureValidName(name); err != nil {
		return nil, err
	}
	descriptor, err := unix.Openat(d.descriptor, name, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(descriptor), name), nil
}

// CreateFile creates (or truncates) a regular file called name with the
// given permissions, opened for read/write.
func (d *Directory) CreateFile(name string, perm os.FileMode) (*os.File, error) {
	if err := ensureValidName(name); err != nil {
		return nil, err
	}
	descriptor, err := unix.Openat(d.descriptor, name, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, uint32(perm))
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(descriptor), name), nil
}

// OpenOrCreateFile opens name for read/write, creating it empty with the
// given permissions if it does not already exist. It never truncates an
// existing file. This is used for marker files, whose existing content must
// survive repeated opens.
func (d *Directory) OpenOrCreateFile(name string, perm os.FileMode) (*os.File, error) {
	if err := ensureValidName(name); err != nil {
		return nil, err
	}
	descriptor, err := unix.Openat(d.descriptor, name, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, uint32(perm))
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(descriptor), name), nil
}

// Unlinkat removes the file called name, tolerating its absence.
func (d *Directory) Unlinkat(name string) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	if err := unix.Unlinkat(d.descriptor, name, 0); err != nil && err != unix.ENOENT {
		return errors.Wrapf(err, "unable to remove %q", name)
	}
	return nil
}

// Rmdirat removes the empty subdirectory called name, tolerating its
// absence.
func (d *Directory) Rmdirat(name string) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	if err := unix.Unlinkat(d.descriptor, name, unix.AT_REMOVEDIR); err != nil && err != unix.ENOENT {
		return errors.Wrapf(err, "unable to remove directory %q", name)
	}
	return nil
}

// Renameat atomically renames oldName to newName within the same directory
// (used for the write-then-rename commit pattern in spec §4.5 step 6).
func (d *Directory) Renameat(oldName, newName string) error {
	if err := ensureValidName(oldName); err != nil {
		return err
	} else if err := ensureValidName(newName); err != nil {
		return err
	}
	return unix.Renameat(d.descriptor, oldName, d.descriptor, newName)
}

// ExistsNoFollow reports whether name exists within the directory, without
// following a trailing symlink and without resolving the target at all
// (used to test for tombstoning via faccessat as specified in spec §4.6).
func (d *Directory) ExistsNoFollow(name string) bool {
	if ensureValidName(name) != nil {
		return false
	}
	err := unix.Faccessat(d.descriptor, name, unix.F_OK, unix.AT_SYMLINK_NOFOLLOW)
	return err == nil
}

// Device returns the directory's st_dev, used by the traversal driver's
// mount-boundary guard (a child is only descended into if its device
// matches its parent's).
func (d *Directory) Device() (uint64, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(d.descriptor, &stat); err != nil {
		return 0, errors.Wrap(err, "unable to stat directory")
	}
	return uint64(stat.Dev), nil
}

// ReadContentNames lists the directory's entries, excluding "." and "..".
func (d *Directory) ReadContentNames() ([]string, error) {
	names, err := d.file.Readdirnames(0)
	if err != nil {
		return nil, err
	}
	if _, err := unix.Seek(d.descriptor, 0, 0); err != nil {
		return nil, errors.Wrap(err, "unable to reset directory read pointer")
	}
	results := names[:0]
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		results = append(results, name)
	}
	return results, nil
}

// CreateSymbolicLink creates a symbolic link called name pointing at target.
func (d *Directory) CreateSymbolicLink(name, target string) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	return unix.Symlinkat(target, d.descriptor, name)
}

// ReadSymbolicLink reads the target of the symbolic link called name.
func (d *Directory) ReadSymbolicLink(name string) (string, error) {
	if err := ensureValidName(name); err != nil {
		return "", err
	}
	for size := 128; ; size *= 2 {
		buffer := make([]byte, size)
		n, err := unix.Readlinkat(d.descriptor, name, buffer)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buffer[:n]), nil
		}
	}
}
