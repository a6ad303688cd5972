package restore

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/nberrors"
	"github.com/GregorR/nibackup/pkg/patch"
	"github.com/GregorR/nibackup/pkg/shadow"
)

// reconstructContent rebuilds revision target's payload: it finds the
// nearest revision at or above target that still holds a full payload
// (c/<r>.dat — always true at r_cur per invariant I1), then forward-applies
// the chain of reverse patches back down to target. The returned file is a
// private temporary handle the caller owns and must close; it has no name
// in contentDir.
func reconstructContent(contentDir *fsutil.Directory, target, rCur uint64, helpers patch.Helpers) (*os.File, error) {
	base := target
	for {
		if f, err := contentDir.OpenFile(shadow.ContentFileName(base)); err == nil {
			return applyChain(contentDir, f, base, target, helpers)
		}
		if base >= rCur {
			return nil, nberrors.New(nberrors.MissingRevision, "reconstruct content", shadow.ContentFileName(target),
				errors.Errorf("no full payload found at or above revision %d", target))
		}
		base++
	}
}

// applyChain walks down from base (whose full content is already open as
// current) to target, applying each intervening reverse patch in turn.
func applyChain(contentDir *fsutil.Directory, current *os.File, base, target uint64, helpers patch.Helpers) (_ *os.File, retErr error) {
	defer func() {
		if retErr != nil {
			current.Close()
		}
	}()

	for r := base; r > target; r-- {
		codec, patchFile, err := openPatch(contentDir, r-1)
		if err != nil {
			return nil, err
		}

		out, err := tempFile(contentDir)
		if err != nil {
			patchFile.Close()
			return nil, err
		}

		err = patch.ApplyPatch(codec, helpers, current, out, patchFile)
		patchFile.Close()
		current.Close()
		if err != nil {
			out.Close()
			return nil, err
		}

		if _, err := out.Seek(0, io.SeekStart); err != nil {
			out.Close()
			return nil, errors.Wrap(err, "unable to rewind reconstructed content")
		}
		current = out
	}

	return current, nil
}

// openPatch opens whichever reverse-patch file exists for revision r,
// returning the codec it was produced with.
func openPatch(contentDir *fsutil.Directory, r uint64) (patch.Codec, *os.File, error) {
	if f, err := contentDir.OpenFile(shadow.PatchFileName(r, patch.CodecA.Extension())); err == nil {
		return patch.CodecA, f, nil
	}
	if f, err := contentDir.OpenFile(shadow.PatchFileName(r, patch.CodecB.Extension())); err == nil {
		return patch.CodecB, f, nil
	}
	return 0, nil, nberrors.New(nberrors.MissingRevision, "open reverse patch", shadow.PatchFileName(r, "?"),
		errors.Errorf("no reverse patch for revision %d", r))
}

// tempFile creates a scratch file inside contentDir, immediately unlinked
// so it disappears on close regardless of outcome.
func tempFile(contentDir *fsutil.Directory) (*os.File, error) {
	name := ".restore.tmp"
	f, err := contentDir.CreateFile(name, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create scratch file")
	}
	if err := contentDir.Unlinkat(name); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "unable to unlink scratch file")
	}
	return f, nil
}
