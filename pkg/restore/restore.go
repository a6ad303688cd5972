// Package restore implements the restore reader (spec §6, grounded on
// original_source/nirestore.c): given a wall-clock time and an optional
// source-relative sub-path, it reconstructs files under a target directory
// as they existed at that time. It shares the marker-lock discipline with
// list and purge (shared lock while reading) and reuses the patch adapter
// to forward-apply reverse patches back to the requested revision.
package restore

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/logging"
	"github.com/GregorR/nibackup/pkg/metadata"
	"github.com/GregorR/nibackup/pkg/must"
	"github.com/GregorR/nibackup/pkg/patch"
	"github.com/GregorR/nibackup/pkg/shadow"
)

// Reader restores entries from a destination tree.
type Reader struct {
	Helpers patch.Helpers
	Logger  *logging.Logger
}

// Restore reconstructs the subtree rooted at subpath (source-relative;
// empty for the whole tree) as it existed at at. With an empty subpath each
// shadowed child is written under targetDir; otherwise the entry named by
// subpath is written at targetDir itself.
func (r *Reader) Restore(destRoot *fsutil.Directory, subpath string, at time.Time, targetDir string) error {
	destDir := destRoot
	owned := false
	name := ""
	components := splitNonEmpty(subpath)

	for i, component := range components {
		if i == len(components)-1 {
			name = component
			break
		}
		names := shadow.ComputeNames(component)
		next, err := destDir.OpenDirectory(names.DescentDir)
		if owned {
			must.Close(destDir, r.Logger)
		}
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrapf(err, "unable to descend into %q", component)
		}
		destDir = next
		owned = true
	}
	defer func() {
		if owned {
			must.Close(destDir, r.Logger)
		}
	}()

	if name == "" {
		// Restoring the whole tree rooted here: synthesize a directory
		// restore over every shadowed child.
		return r.restoreChildren(destDir, at, targetDir)
	}
	return r.restoreEntry(destDir, name, at, targetDir)
}

func splitNonEmpty(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (r *Reader) restoreChildren(parentDir *fsutil.Directory, at time.Time, targetDir string) error {
	entries, err := parentDir.ReadContentNames()
	if err != nil {
		return errors.Wrap(err, "unable to enumerate destination directory")
	}
	seen := make(map[string]bool)
	for _, entry := range entries {
		name, ok := shadow.SourceNameFromMarker(entry)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		if err := r.restoreEntry(parentDir, name, at, filepath.Join(targetDir, name)); err != nil {
			r.Logger.Warn(errors.Wrapf(err, "restore %q", name))
		}
	}
	return nil
}

// restoreEntry restores a single shadowed name into targetPath.
func (r *Reader) restoreEntry(parentDir *fsutil.Directory, name string, at time.Time, targetPath string) error {
	names := shadow.ComputeNames(name)

	marker, err := shadow.OpenMarker(parentDir, names)
	if err != nil {
		return errors.Wrapf(err, "unable to open marker for %q", name)
	}
	defer must.Close(marker, r.Logger)
	if err := marker.Lock(false); err != nil {
		return errors.Wrapf(err, "unable to lock marker for %q", name)
	}
	defer must.Unlock(marker, r.Logger)

	rCur, err := marker.Read()
	if err != nil {
		return err
	}
	if rCur == 0 {
		return nil
	}

	metaDir, err := parentDir.OpenDirectory(names.MetaDir)
	if err != nil {
		return errors.Wrapf(err, "unable to open metadata directory for %q", name)
	}
	defer must.Close(metaDir, r.Logger)

	rev, err := shadow.LocateRevision(metaDir, at)
	if err != nil {
		return err
	}
	if rev == 0 {
		return nil
	}

	m, err := metadata.ParseFileOrTombstone(metaDir, shadow.MetadataFileName(rev), true)
	if err != nil {
		return err
	}
	if m.Type == metadata.TypeNonexistent {
		return nil
	}

	switch m.Type {
	case metadata.TypeDirectory:
		if err := os.MkdirAll(targetPath, os.FileMode(m.Mode&0o777)|0o700); err != nil {
			return errors.Wrapf(err, "unable to create directory %q", targetPath)
		}
		descentDir, err := parentDir.OpenDirectory(names.DescentDir)
		if err != nil {
			if os.IsNotExist(err) {
				return restoreOwnershipAndTime(targetPath, m)
			}
			return errors.Wrapf(err, "unable to open descent directory for %q", name)
		}
		defer must.Close(descentDir, r.Logger)
		if err := r.restoreChildren(descentDir, at, targetPath); err != nil {
			return err
		}
		return restoreOwnershipAndTime(targetPath, m)

	case metadata.TypeRegular:
		contentDir, err := parentDir.OpenDirectory(names.ContentDir)
		if err != nil {
			return errors.Wrapf(err, "unable to open content directory for %q", name)
		}
		defer must.Close(contentDir, r.Logger)

		content, err := reconstructContent(contentDir, rev, rCur, r.Helpers)
		if err != nil {
			return err
		}
		defer content.Close()

		out, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(m.Mode&0o777)|0o600)
		if err != nil {
			return errors.Wrapf(err, "unable to create %q", targetPath)
		}
		if _, err := io.Copy(out, content); err != nil {
			out.Close()
			return errors.Wrapf(err, "unable to write %q", targetPath)
		}
		out.Close()
		return restoreOwnershipAndTime(targetPath, m)

	case metadata.TypeSymlink:
		contentDir, err := parentDir.OpenDirectory(names.ContentDir)
		if err != nil {
			return errors.Wrapf(err, "unable to open content directory for %q", name)
		}
		defer must.Close(contentDir, r.Logger)

		content, err := reconstructContent(contentDir, rev, rCur, r.Helpers)
		if err != nil {
			return err
		}
		target, err := io.ReadAll(content)
		content.Close()
		if err != nil {
			return errors.Wrapf(err, "unable to read symlink payload for %q", name)
		}

		os.Remove(targetPath)
		if err := os.Symlink(string(target), targetPath); err != nil {
			return errors.Wrapf(err, "unable to create symlink %q", targetPath)
		}
		return restoreOwnershipAndTime(targetPath, m)

	default:
		// FIFO and other: metadata-only stub, nothing to materialize.
		return nil
	}
}

// restoreOwnershipAndTime applies the uid/gid and modification time recorded
// in m to targetPath, matching nirestore.c's fchownat/utimensat pair with
// AT_SYMLINK_NOFOLLOW so a symlink's own attributes are set rather than its
// target's.
func restoreOwnershipAndTime(targetPath string, m metadata.Metadata) error {
	if err := unix.Fchownat(unix.AT_FDCWD, targetPath, int(m.UID), int(m.GID), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return errors.Wrapf(err, "unable to set ownership of %q", targetPath)
	}
	mtime := unix.NsecToTimespec(m.Mtime * int64(time.Second))
	times := []unix.Timespec{mtime, mtime}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, targetPath, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return errors.Wrapf(err, "unable to set modification time of %q", targetPath)
	}
	return nil
}
