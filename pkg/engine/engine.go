// Package engine implements the backup engine (spec §4.5), the core
// per-path operation that the whole system is built around: given one
// (source directory, destination directory, name) triple, it decides
// whether a new increment is needed, commits it, and regresses the
// previous revision into a reverse patch. It is grounded on the teacher's
// pkg/synchronization/core diff/apply pair (diff.go computes what changed,
// apply.go commits it against a staged, content-addressed store), adapted
// from mutagen's "diff against a cache, stage content, apply atomically"
// three-phase model to this spec's "diff against the previous revision,
// write content now, regress the old revision afterward" two-phase model.
package engine

import (
	"os"

	"github.com/pkg/errors"

	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/logging"
	"github.com/GregorR/nibackup/pkg/metadata"
	"github.com/GregorR/nibackup/pkg/must"
	"github.com/GregorR/nibackup/pkg/nberrors"
	"github.com/GregorR/nibackup/pkg/patch"
	"github.com/GregorR/nibackup/pkg/shadow"
	"github.com/GregorR/nibackup/pkg/sparsecopy"
)

// Options carries the knobs the engine needs that are shared across every
// invocation within a single daemon run (spec §6's maxbsdiff and the patch
// helper binaries).
type Options struct {
	// MaxBsdiff is the byte threshold from spec §4.3: codec A is used when
	// both the older and newer payload sizes are below this value.
	MaxBsdiff int64
	// Helpers names the external diff/patch binaries.
	Helpers patch.Helpers
	// Logger receives warnings for tolerated failures (patch failure,
	// regression skipped). It may be nil.
	Logger *logging.Logger
}

// hasPayload reports whether a metadata type carries binary content that
// participates in reverse patching (regular files and symlinks; spec
// invariant I2 restricts patching to "revisions that originally carried
// payload data").
func hasPayload(t metadata.Type) bool {
	return t == metadata.TypeRegular || t == metadata.TypeSymlink
}

// Process implements spec §4.5's process(parent_source_fd, parent_dest_fd,
// name) operation. It returns a handle to the destination descent
// directory iff the current revision's type is directory; otherwise it
// returns nil. The caller owns the returned handle and must close it.
func Process(parentSource, parentDest *fsutil.Directory, name string, opts Options) (descent *fsutil.Directory, err error) {
	logger := opts.Logger
	names := shadow.ComputeNames(name)

	marker, err := shadow.OpenMarker(parentDest, names)
	if err != nil {
		return nil, nberrors.New(nberrors.IoError, "open marker", name, err)
	}
	defer must.Close(marker, logger)

	// Step 1: acquire the exclusive marker lock. This is the single
	// correctness mechanism that serializes all writers (and readers) on
	// this ShadowEntry (spec invariant I4); it must be released on every
	// exit path below.
	if err := marker.Lock(true); err != nil {
		return nil, nberrors.New(nberrors.IoError, "lock marker", name, err)
	}
	defer must.Unlock(marker, logger)

	// Step 2: ensure metadata and content directories exist. The descent
	// directory is created lazily, only when a revision actually needs it.
	if err := parentDest.Mkdirat(names.MetaDir, 0700); err != nil {
		return nil, nberrors.New(nberrors.IoError, "create metadata directory", name, err)
	}
	if err := parentDest.Mkdirat(names.ContentDir, 0700); err != nil {
		return nil, nberrors.New(nberrors.IoError, "create content directory", name, err)
	}
	metaDir, err := parentDest.OpenDirectory(names.MetaDir)
	if err != nil {
		return nil, nberrors.New(nberrors.IoError, "open metadata directory", name, err)
	}
	defer must.Close(metaDir, logger)
	contentDir, err := parentDest.OpenDirectory(names.ContentDir)
	if err != nil {
		return nil, nberrors.New(nberrors.IoError, "open content directory", name, err)
	}
	defer must.Close(contentDir, logger)

	// Step 3: read the previous revision number.
	rPrev, err := marker.Read()
	if err != nil {
		return nil, nberrors.New(nberrors.IoError, "read marker", name, err)
	}

	// Step 4: capture the new metadata tuple and read the previous one.
	captured, err := metadata.Capture(parentSource, name)
	if err != nil {
		return nil, err
	}
	if captured.Handle != nil {
		defer must.Close(captured.Handle, logger)
	}
	mNew := captured.Metadata

	mPrev, err := metadata.ParseFileOrTombstone(metaDir, shadow.MetadataFileName(rPrev), rPrev > 0)
	if err != nil {
		return nil, err
	}

	// Step 5: no-op fast path.
	if mNew.Equal(mPrev) {
		if mNew.Type == metadata.TypeDirectory {
			return ensureDescent(parentDest, names, logger)
		}
		return nil, nil
	}

	// Step 6: commit a new revision.
	rCur := rPrev + 1
	if err := writeMetadata(metaDir, shadow.MetadataFileName(rCur), mNew); err != nil {
		return nil, nberrors.New(nberrors.IoError, "write metadata", name, err)
	}

	if payloadErr := writePayload(parentSource, contentDir, parentDest, names, name, rCur, captured); payloadErr != nil {
		// Roll back the partial revision: unlink the metadata we just wrote
		// (and any partial content) before re-raising, per spec §4.5's
		// failure semantics for a failed step 6.
		must.Succeed(metaDir.Unlinkat(shadow.MetadataFileName(rCur)), "roll back metadata after failed payload write", logger)
		must.Succeed(contentDir.Unlinkat(shadow.ContentFileName(rCur)), "roll back content after failed payload write", logger)
		return nil, payloadErr
	}

	// Step 7: publish the new revision.
	if err := marker.Write(rCur); err != nil {
		return nil, nberrors.New(nberrors.IoError, "update marker", name, err)
	}

	// Step 8: regress the previous revision into a reverse patch, if both
	// revisions carried payload data. Failure here is tolerated: the older
	// full payload is retained and a warning is surfaced (spec §4.5
	// failure semantics; PatchFailed is demoted to a warning at this
	// layer).
	if rPrev >= 1 && hasPayload(mPrev.Type) && hasPayload(mNew.Type) {
		if err := regress(contentDir, rPrev, rCur, opts, logger); err != nil {
			logger.Warn(errors.Wrapf(err, "regress revision %d of %q", rPrev, name))
		}
	}

	if mNew.Type == metadata.TypeDirectory {
		return ensureDescent(parentDest, names, logger)
	}
	return nil, nil
}

// ensureDescent makes sure the descent directory exists and returns an open
// handle to it.
func ensureDescent(parentDest *fsutil.Directory, names shadow.Names, logger *logging.Logger) (*fsutil.Directory, error) {
	if err := parentDest.Mkdirat(names.DescentDir, 0700); err != nil {
		return nil, nberrors.New(nberrors.IoError, "create descent directory", names.DescentDir, err)
	}
	dir, err := parentDest.OpenDirectory(names.DescentDir)
	if err != nil {
		return nil, nberrors.New(nberrors.IoError, "open descent directory", names.DescentDir, err)
	}
	return dir, nil
}

// writeMetadata writes a revision's metadata file using a write-then-rename
// pattern so that a crash mid-write never leaves a partially-written
// metadata file visible under its final name.
func writeMetadata(metaDir *fsutil.Directory, finalName string, m metadata.Metadata) (err error) {
	tempName := finalName + ".tmp"
	file, err := metaDir.CreateFile(tempName, 0600)
	if err != nil {
		return errors.Wrap(err, "unable to create temporary metadata file")
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "unable to close temporary metadata file")
		}
	}()

	if _, err = file.Write(m.Serialize()); err != nil {
		return errors.Wrap(err, "unable to write metadata")
	}
	if err = file.Sync(); err != nil {
		return errors.Wrap(err, "unable to sync metadata file")
	}
	if err = metaDir.Renameat(tempName, finalName); err != nil {
		return errors.Wrap(err, "unable to commit metadata file")
	}
	return nil
}

// writePayload writes revision rCur's payload according to mNew's type
// (spec §4.5 step 6).
func writePayload(parentSource, contentDir, parentDest *fsutil.Directory, names shadow.Names, name string, rCur uint64, captured metadata.Captured) error {
	switch captured.Metadata.Type {
	case metadata.TypeNonexistent:
		return nil
	case metadata.TypeSymlink:
		target, err := parentSource.ReadSymbolicLink(name)
		if err != nil {
			return nberrors.New(nberrors.IoError, "read symlink target", name, err)
		}
		file, err := contentDir.CreateFile(shadow.ContentFileName(rCur), 0600)
		if err != nil {
			return nberrors.New(nberrors.IoError, "create symlink payload", name, err)
		}
		defer file.Close()
		if _, err := file.WriteString(target); err != nil {
			return nberrors.New(nberrors.IoError, "write symlink payload", name, err)
		}
		return nil
	case metadata.TypeRegular:
		if captured.Handle == nil {
			return nberrors.New(nberrors.IoError, "copy content", name, errors.New("no open handle for regular file"))
		}
		if err := sparsecopy.Copy(captured.Handle, contentDir, shadow.ContentFileName(rCur), captured.Metadata.Size); err != nil {
			return nberrors.New(nberrors.IoError, "copy content", name, err)
		}
		return nil
	case metadata.TypeDirectory:
		if err := parentDest.Mkdirat(names.DescentDir, 0700); err != nil {
			return nberrors.New(nberrors.IoError, "create descent directory", name, err)
		}
		return nil
	default:
		// FIFO and other: no payload.
		return nil
	}
}

// regress implements spec §4.5 step 8: produce a reverse patch from
// revision rCur's content back to revision rPrev's content, then keep
// whichever of {full rPrev payload, patch} is smaller (the Design Notes'
// resolution of the "keep full vs. patch" open question).
func regress(contentDir *fsutil.Directory, rPrev, rCur uint64, opts Options, logger *logging.Logger) error {
	olderName := shadow.ContentFileName(rPrev)
	newerName := shadow.ContentFileName(rCur)

	older, err := contentDir.OpenFile(olderName)
	if err != nil {
		// The older revision might legitimately have no payload (e.g. it
		// was already a patch target once before, or a symlink with a
		// preceding fifo) — nothing to regress in that case.
		return nil
	}
	defer older.Close()
	newer, err := contentDir.OpenFile(newerName)
	if err != nil {
		return errors.Wrap(err, "unable to open newer payload for regression")
	}
	defer newer.Close()

	olderStat, err := older.Stat()
	if err != nil {
		return errors.Wrap(err, "unable to stat older payload")
	}
	newerStat, err := newer.Stat()
	if err != nil {
		return errors.Wrap(err, "unable to stat newer payload")
	}

	codec := patch.ChooseCodec(newerStat.Size(), olderStat.Size(), opts.MaxBsdiff)
	patchName := shadow.PatchFileName(rPrev, codec.Extension())
	tempPatchName := patchName + ".tmp"

	patchFile, err := contentDir.CreateFile(tempPatchName, 0600)
	if err != nil {
		return errors.Wrap(err, "unable to create temporary patch file")
	}

	diffErr := patch.ReversePatch(codec, opts.Helpers, older, newer, patchFile)
	patchFile.Close()
	if diffErr != nil {
		must.Succeed(contentDir.Unlinkat(tempPatchName), "remove failed patch attempt", logger)
		return nberrors.New(nberrors.PatchFailed, "reverse patch", olderName, diffErr)
	}

	patchStat, err := statInDir(contentDir, tempPatchName)
	if err != nil {
		must.Succeed(contentDir.Unlinkat(tempPatchName), "remove unreadable patch attempt", logger)
		return errors.Wrap(err, "unable to stat produced patch")
	}

	// Keep whichever of {full older payload, patch} is smaller.
	if patchStat.Size() < olderStat.Size() {
		if err := contentDir.Renameat(tempPatchName, patchName); err != nil {
			return errors.Wrap(err, "unable to commit patch file")
		}
		if err := contentDir.Unlinkat(olderName); err != nil {
			return errors.Wrap(err, "unable to remove superseded full payload")
		}
	} else {
		must.Succeed(contentDir.Unlinkat(tempPatchName), "remove superseded patch attempt", logger)
	}

	return nil
}

func statInDir(dir *fsutil.Directory, name string) (os.FileInfo, error) {
	file, err := dir.OpenFile(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return file.Stat()
}
