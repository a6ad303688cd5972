// Package patch implements the patch adapter (spec §4.3). It does not
// implement a binary diff algorithm itself; it shells out to one of two
// external helpers chosen by a configured size threshold, following the
// same os/exec invocation style the teacher uses for child processes
// (pkg/process.Stream wraps *exec.Cmd around pipes; here we wrap it around
// file descriptors instead, since bsdiff/bspatch and xdelta3 take file
// paths, not streams).
package patch

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/GregorR/nibackup/pkg/nberrors"
)

// Codec identifies which external helper produced or should apply a patch.
type Codec int

const (
	// CodecA is bsdiff/bspatch, used when both the older and newer payloads
	// are smaller than the configured maxbsdiff threshold.
	CodecA Codec = iota
	// CodecB is xdelta3, used otherwise.
	CodecB
)

// Extension returns the on-disk content-directory extension for the codec
// (spec §6: ".bsp" for codec A, ".x3p" for codec B).
func (c Codec) Extension() string {
	if c == CodecA {
		return "bsp"
	}
	return "x3p"
}

// Helpers names the external diff/patch binaries. They are configurable so
// that tests can substitute fakes without touching $PATH.
type Helpers struct {
	// DiffA/PatchA are the codec A (bsdiff/bspatch) helper binaries.
	DiffA, PatchA string
	// DiffB/PatchB are the codec B (xdelta3) helper binaries; xdelta3 uses
	// subcommands rather than distinct binaries, but the field split keeps
	// the adapter's call sites codec-agnostic.
	DiffB, PatchB string
}

// DefaultHelpers resolves the helper binaries from $PATH using the
// conventional names.
var DefaultHelpers = Helpers{
	DiffA:  "bsdiff",
	PatchA: "bspatch",
	DiffB:  "xdelta3",
	PatchB: "xdelta3",
}

// ChooseCodec implements the threshold rule from spec §4.3: codec A if both
// sizes are below maxbsdiff, codec B otherwise.
func ChooseCodec(newerSize, olderSize, maxbsdiff int64) Codec {
	if newerSize < maxbsdiff && olderSize < maxbsdiff {
		return CodecA
	}
	return CodecB
}

// run invokes an external helper with the given arguments, using the
// /proc/self/fd/<n> trick to hand it open descriptors without ever
// constructing (or exposing) its path on disk — the three files involved
// are already open by the caller, so we pass descriptor paths instead of
// names, which also sidesteps races if the destination layout changes
// concurrently. Success iff the child exits with status 0.
func run(name string, args []string, extraFiles []*os.File) error {
	cmd := exec.Command(name, args...)
	cmd.ExtraFiles = extraFiles
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nberrors.New(nberrors.PatchFailed, fmt.Sprintf("run %s", name), "", errors.Wrapf(err, "output: %s", output))
	}
	return nil
}

// procSelfFd returns the /proc/self/fd path an ExtraFiles descriptor will
// have inside the child, given its position in the ExtraFiles slice (file
// descriptor 3 is the first ExtraFiles entry).
func procSelfFd(index int) string {
	return fmt.Sprintf("/proc/self/fd/%d", 3+index)
}

// ReversePatch produces a patch file (opened at patchOut, already created
// and truncated by the caller) that transforms newer's content back into
// older's content, using the helper selected by codec. older and newer must
// already be open for reading.
func ReversePatch(codec Codec, helpers Helpers, older, newer, patchOut *os.File) error {
	extra := []*os.File{older, newer, patchOut}
	oldPath, newPath, outPath := procSelfFd(0), procSelfFd(1), procSelfFd(2)

	switch codec {
	case CodecA:
		// bsdiff <newer> <older> <patch> produces a patch that reconstructs
		// <older> from <newer>, matching the spec's
		// reverse_patch(newer_path, older_path) contract.
		return run(helpers.DiffA, []string{newPath, oldPath, outPath}, extra)
	case CodecB:
		// xdelta3 -e -s <source> <input> <output> encodes input relative to
		// source; source is the newer (current) content so that applying the
		// delta to it (at restore time) reconstructs the older content.
		return run(helpers.DiffB, []string{"-e", "-f", "-s", newPath, oldPath, outPath}, extra)
	default:
		return errors.Errorf("unknown codec %d", codec)
	}
}

// ApplyPatch reconstructs an older revision by applying patch to base,
// writing the result to out. base and patch must already be open for
// reading; out must already be open for writing.
func ApplyPatch(codec Codec, helpers Helpers, base, out, patchFile *os.File) error {
	extra := []*os.File{base, out, patchFile}
	basePath, outPath, patchPath := procSelfFd(0), procSelfFd(1), procSelfFd(2)

	switch codec {
	case CodecA:
		return run(helpers.PatchA, []string{basePath, outPath, patchPath}, extra)
	case CodecB:
		return run(helpers.PatchB, []string{"-d", "-f", "-s", basePath, patchPath, outPath}, extra)
	default:
		return errors.Errorf("unknown codec %d", codec)
	}
}
