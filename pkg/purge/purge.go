// Package purge implements the purge reader (spec §4.1/§6, grounded on
// original_source/nipurge.c): it deletes history older than a threshold
// time, renumbering the surviving revisions down to close the gap (spec
// invariant I1: revisions must remain contiguous from 1), and removes a
// ShadowEntry entirely once it has zero surviving revisions. It takes the
// exclusive marker lock, unlike list and restore, since it mutates the
// entry.
package purge

import (
	"time"

	"github.com/pkg/errors"

	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/logging"
	"github.com/GregorR/nibackup/pkg/metadata"
	"github.com/GregorR/nibackup/pkg/must"
	"github.com/GregorR/nibackup/pkg/patch"
	"github.com/GregorR/nibackup/pkg/shadow"
)

// Reader purges history from a destination tree.
type Reader struct {
	Logger *logging.Logger
}

// Purge recursively purges every ShadowEntry at or under parentDir whose
// eligible revisions end before threshold.
func (r *Reader) Purge(parentDir *fsutil.Directory, threshold time.Time) error {
	entries, err := parentDir.ReadContentNames()
	if err != nil {
		return errors.Wrap(err, "unable to enumerate directory")
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		name, ok := shadow.SourceNameFromMarker(entry)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true

		if err := r.purgeEntry(parentDir, name, threshold); err != nil {
			r.Logger.Warn(errors.Wrapf(err, "purge %q", name))
		}
	}
	return nil
}

func (r *Reader) purgeEntry(parentDir *fsutil.Directory, name string, threshold time.Time) error {
	names := shadow.ComputeNames(name)

	marker, err := shadow.OpenMarker(parentDir, names)
	if err != nil {
		return err
	}
	defer must.Close(marker, r.Logger)
	if err := marker.Lock(true); err != nil {
		return err
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
		return err
	}
	defer must.Close(metaDir, r.Logger)
	contentDir, err := parentDir.OpenDirectory(names.ContentDir)
	if err != nil {
		return err
	}
	defer must.Close(contentDir, r.Logger)

	// Recurse into children first: a directory's own purge eligibility
	// doesn't gate its children's, and removing the whole entry below
	// requires its descent subtree to already be empty of history worth
	// keeping.
	if descentDir, err := parentDir.OpenDirectory(names.DescentDir); err == nil {
		func() {
			defer must.Close(descentDir, r.Logger)
			if err := r.Purge(descentDir, threshold); err != nil {
				r.Logger.Warn(errors.Wrapf(err, "purge children of %q", name))
			}
		}()
	}

	k, err := purgePoint(metaDir, rCur, threshold)
	if err != nil {
		return err
	}
	if k == 0 {
		return nil
	}

	if k >= rCur {
		return removeEntry(parentDir, names, metaDir, contentDir, rCur, r.Logger)
	}

	for rev := uint64(1); rev <= k; rev++ {
		must.Succeed(metaDir.Unlinkat(shadow.MetadataFileName(rev)), "purge metadata", r.Logger)
		removeContent(contentDir, rev, r.Logger)
	}

	newCur := uint64(0)
	for rev := k + 1; rev <= rCur; rev++ {
		newRev := rev - k
		if err := metaDir.Renameat(shadow.MetadataFileName(rev), shadow.MetadataFileName(newRev)); err != nil {
			return errors.Wrapf(err, "unable to renumber metadata revision %d", rev)
		}
		renameContent(contentDir, rev, newRev, r.Logger)
		newCur = newRev
	}

	return marker.Write(newCur)
}

// purgePoint computes k, the size of the contiguous purgeable prefix
// [1..k]: every revision in it has a metadata-file mtime before threshold,
// and the prefix is extended over any immediately-following tombstone
// revisions that are themselves old enough (spec §4.1's "trailing tombstone
// revisions may be collapsed into the purge range").
func purgePoint(metaDir *fsutil.Directory, rCur uint64, threshold time.Time) (uint64, error) {
	var k uint64
	for rev := uint64(1); rev <= rCur; rev++ {
		before, err := metadataBefore(metaDir, rev, threshold)
		if err != nil {
			break
		}
		if !before {
			break
		}
		k = rev
	}

	for k < rCur {
		next := k + 1
		m, err := metadata.ParseFileOrTombstone(metaDir, shadow.MetadataFileName(next), true)
		if err != nil || m.Type != metadata.TypeNonexistent {
			break
		}
		before, err := metadataBefore(metaDir, next, threshold)
		if err != nil || !before {
			break
		}
		k = next
	}

	return k, nil
}

func metadataBefore(metaDir *fsutil.Directory, rev uint64, threshold time.Time) (bool, error) {
	file, err := metaDir.OpenFile(shadow.MetadataFileName(rev))
	if err != nil {
		return false, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return false, err
	}
	return info.ModTime().Before(threshold), nil
}

// removeContent deletes whichever content form exists for rev.
func removeContent(contentDir *fsutil.Directory, rev uint64, logger *logging.Logger) {
	must.Succeed(contentDir.Unlinkat(shadow.ContentFileName(rev)), "purge content", logger)
	must.Succeed(contentDir.Unlinkat(shadow.PatchFileName(rev, patch.CodecA.Extension())), "purge patch", logger)
	must.Succeed(contentDir.Unlinkat(shadow.PatchFileName(rev, patch.CodecB.Extension())), "purge patch", logger)
}

// renameContent moves whichever content form exists for oldRev to newRev.
func renameContent(contentDir *fsutil.Directory, oldRev, newRev uint64, logger *logging.Logger) {
	tryRename(contentDir, shadow.ContentFileName(oldRev), shadow.ContentFileName(newRev), logger)
	tryRename(contentDir, shadow.PatchFileName(oldRev, patch.CodecA.Extension()), shadow.PatchFileName(newRev, patch.CodecA.Extension()), logger)
	tryRename(contentDir, shadow.PatchFileName(oldRev, patch.CodecB.Extension()), shadow.PatchFileName(newRev, patch.CodecB.Extension()), logger)
}

func tryRename(dir *fsutil.Directory, oldName, newName string, logger *logging.Logger) {
	if !dir.ExistsNoFollow(oldName) {
		return
	}
	must.Succeed(dir.Renameat(oldName, newName), "renumber content", logger)
}

// removeEntry deletes a ShadowEntry entirely: every revision's metadata and
// content, the now-empty metadata/content/descent subdirectories, and
// finally the marker file itself.
func removeEntry(parentDir *fsutil.Directory, names shadow.Names, metaDir, contentDir *fsutil.Directory, rCur uint64, logger *logging.Logger) error {
	for rev := uint64(1); rev <= rCur; rev++ {
		must.Succeed(metaDir.Unlinkat(shadow.MetadataFileName(rev)), "remove metadata", logger)
		removeContent(contentDir, rev, logger)
	}

	must.Succeed(parentDir.Rmdirat(names.MetaDir), "remove metadata directory", logger)
	must.Succeed(parentDir.Rmdirat(names.ContentDir), "remove content directory", logger)
	must.Succeed(parentDir.Rmdirat(names.DescentDir), "remove descent directory", logger)

	// The marker itself is unlinked while purgeEntry still holds it locked
	// and open; purgeEntry's deferred Unlock/Close handle cleanup once the
	// unlink returns.
	return parentDir.Unlinkat(names.Marker)
}
