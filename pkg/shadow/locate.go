package shadow

import (
	"time"

	"github.com/pkg/errors"

	"github.com/GregorR/nibackup/pkg/fsutil"
)

// LocateRevision finds the largest revision whose metadata file's own
// filesystem mtime is at or before at — i.e. the revision that was current
// at that wall-clock time. This is shared by the list and restore readers;
// it reads the metadata file's own mtime rather than the captured
// Mtime field, since the latter describes the source object, not when
// nibackup captured it. A result of 0 means the entry did not yet exist at
// at.
func LocateRevision(metaDir *fsutil.Directory, at time.Time) (uint64, error) {
	names, err := metaDir.ReadContentNames()
	if err != nil {
		return 0, errors.Wrap(err, "unable to enumerate metadata directory")
	}

	var best uint64
	for _, name := range names {
		rev, ok := RevisionFromMetadataName(name)
		if !ok {
			continue
		}
		file, err := metaDir.OpenFile(name)
		if err != nil {
			continue
		}
		info, err := file.Stat()
		file.Close()
		if err != nil {
			continue
		}
		if !info.ModTime().After(at) && rev > best {
			best = rev
		}
	}
	return best, nil
}
