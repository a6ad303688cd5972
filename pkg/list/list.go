// Package list implements the list reader (spec §6, grounded on
// original_source/nils.c): for a given wall-clock time and optional path,
// it reports the names that existed at that time, optionally with a
// long/history format. It shares the shared-lock discipline with restore.
package list

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/logging"
	"github.com/GregorR/nibackup/pkg/metadata"
	"github.com/GregorR/nibackup/pkg/must"
	"github.com/GregorR/nibackup/pkg/shadow"
)

// Entry is one reported name.
type Entry struct {
	// Path is the source-relative path.
	Path string
	// Metadata is the tuple active at the requested time.
	Metadata metadata.Metadata
	// Revision is the revision number active at the requested time.
	Revision uint64
}

// Reader lists entries from a destination tree.
type Reader struct {
	Logger *logging.Logger
	// History, if true, reports every revision instead of only the one
	// active at the requested time.
	History bool
}

// List reports every shadowed entry at or under subpath (source-relative;
// empty for the whole tree) as it existed at at, writing one Entry per name
// to out. Entries whose active revision is a tombstone are skipped.
func (r *Reader) List(destRoot *fsutil.Directory, subpath string, at time.Time, out io.Writer) error {
	destDir := destRoot
	owned := false
	relPrefix := ""

	for _, component := range splitNonEmpty(subpath) {
		names := shadow.ComputeNames(component)
		next, err := destDir.OpenDirectory(names.DescentDir)
		if owned {
			must.Close(destDir, r.Logger)
		}
		if err != nil {
			return nil
		}
		destDir = next
		owned = true
		relPrefix = joinPath(relPrefix, component)
	}
	defer func() {
		if owned {
			must.Close(destDir, r.Logger)
		}
	}()

	return r.walk(destDir, relPrefix, at, out)
}

func splitNonEmpty(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (r *Reader) walk(parentDir *fsutil.Directory, relPrefix string, at time.Time, out io.Writer) error {
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

		if err := r.reportEntry(parentDir, name, joinPath(relPrefix, name), at, out); err != nil {
			r.Logger.Warn(errors.Wrapf(err, "list %q", name))
		}
	}
	return nil
}

func (r *Reader) reportEntry(parentDir *fsutil.Directory, name, relpath string, at time.Time, out io.Writer) error {
	names := shadow.ComputeNames(name)

	marker, err := shadow.OpenMarker(parentDir, names)
	if err != nil {
		return err
	}
	defer must.Close(marker, r.Logger)
	if err := marker.Lock(false); err != nil {
		return err
	}
	defer must.Unlock(marker, r.Logger)

	metaDir, err := parentDir.OpenDirectory(names.MetaDir)
	if err != nil {
		return err
	}
	defer must.Close(metaDir, r.Logger)

	if r.History {
		if err := r.reportHistory(metaDir, relpath, out); err != nil {
			return err
		}
		descentDir, err := parentDir.OpenDirectory(names.DescentDir)
		if err != nil {
			return nil
		}
		defer must.Close(descentDir, r.Logger)
		return r.walk(descentDir, relpath, at, out)
	}

	rev, err := shadow.LocateRevision(metaDir, at)
	if err != nil || rev == 0 {
		return err
	}
	m, err := metadata.ParseFileOrTombstone(metaDir, shadow.MetadataFileName(rev), true)
	if err != nil {
		return err
	}
	if m.Type == metadata.TypeNonexistent {
		return nil
	}
	fmt.Fprintf(out, "%c %6o %5d %5d %10d %s %s\n", byte(m.Type), m.Mode&0o7777, m.UID, m.GID, m.Size, time.Unix(m.Mtime, 0).Format(time.RFC3339), relpath)

	if m.Type == metadata.TypeDirectory {
		descentDir, err := parentDir.OpenDirectory(names.DescentDir)
		if err != nil {
			return nil
		}
		defer must.Close(descentDir, r.Logger)
		return r.walk(descentDir, relpath, at, out)
	}
	return nil
}

func (r *Reader) reportHistory(metaDir *fsutil.Directory, relpath string, out io.Writer) error {
	entries, err := metaDir.ReadContentNames()
	if err != nil {
		return err
	}
	revisions := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		if rev, ok := shadow.RevisionFromMetadataName(entry); ok {
			revisions = append(revisions, rev)
		}
	}
	for i := 1; i < len(revisions); i++ {
		for j := i; j > 0 && revisions[j-1] > revisions[j]; j-- {
			revisions[j-1], revisions[j] = revisions[j], revisions[j-1]
		}
	}
	for _, rev := range revisions {
		m, err := metadata.ParseFileOrTombstone(metaDir, shadow.MetadataFileName(rev), true)
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "r%d %c %6o %10d %s %s\n", rev, byte(m.Type), m.Mode&0o7777, m.Size, time.Unix(m.Mtime, 0).Format(time.RFC3339), relpath)
	}
	return nil
}
