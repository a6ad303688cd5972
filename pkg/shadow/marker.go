package shadow

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/GregorR/nibackup/pkg/fsutil"
)

// MarkerLock holds the marker file's current revision and serializes access
// to a ShadowEntry via a whole-file advisory lock (spec invariant I4).
// Writers (the engine and purge) take an exclusive lock; list/restore
// readers take a shared lock. This generalizes the teacher's Locker (pkg/filesystem/locking),
// which only ever needs an exclusive lock, to the reader/writer split this
// spec requires.
type MarkerLock struct {
	file *os.File
}

// OpenMarker opens (creating empty if absent) the marker file for
// sourceName inside dir, in an unlocked state.
func OpenMarker(dir *fsutil.Directory, names Names) (*MarkerLock, error) {
	file, err := dir.OpenOrCreateFile(names.Marker, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open marker file %q", names.Marker)
	}
	return &MarkerLock{file: file}, nil
}

// Lock acquires the lock, blocking until available. exclusive selects a
// writer lock (spec §4.5 step 1, and purge); otherwise a shared reader lock
// is taken (used by list/restore in spec §6).
func (m *MarkerLock) Lock(exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	return unix.Flock(int(m.file.Fd()), how)
}

// Unlock releases the lock. It must be called exactly once per successful
// Lock, on every exit path including error paths — this is the central
// correctness mechanism of the on-disk format (spec invariant I4).
func (m *MarkerLock) Unlock() error {
	return unix.Flock(int(m.file.Fd()), unix.LOCK_UN)
}

// Close closes the underlying file descriptor. It does not implicitly
// unlock on Linux flock semantics beyond what closing does naturally, but
// callers should still call Unlock explicitly for clarity and portability.
func (m *MarkerLock) Close() error {
	return m.file.Close()
}

// Read returns the current revision number stored in the marker, or 0 if
// the marker is empty (spec §3: "r = 0 denotes no history").
func (m *MarkerLock) Read() (uint64, error) {
	if _, err := m.file.Seek(0, 0); err != nil {
		return 0, errors.Wrap(err, "unable to seek marker file")
	}
	data, err := io.ReadAll(io.LimitReader(m.file, 32))
	if err != nil {
		return 0, errors.Wrap(err, "unable to read marker file")
	}
	return ParseRevision(data)
}

// Write sets the marker to revision r, atomically from a reader's
// perspective (single write, then truncate any leftover trailing bytes).
func (m *MarkerLock) Write(r uint64) error {
	if _, err := m.file.Seek(0, 0); err != nil {
		return errors.Wrap(err, "unable to seek marker file")
	}
	text := FormatRevision(r)
	n, err := m.file.Write([]byte(text))
	if err != nil {
		return errors.Wrap(err, "unable to write marker file")
	}
	if err := m.file.Truncate(int64(n)); err != nil {
		return errors.Wrap(err, "unable to truncate marker file")
	}
	return nil
}
