// Package sparsecopy implements the sparse copier (spec §4.2): it copies a
// regular file's content from an open source handle into a freshly created
// destination file, preserving hole structure so that a file with large
// runs of zero bytes doesn't cost disk space twice. It is grounded on the
// teacher's pkg/filesystem use of golang.org/x/sys/unix for low-level
// syscalls (directory_posix.go, open_posix.go), generalized here to the
// SEEK_DATA/SEEK_HOLE primitives the teacher doesn't need (mutagen always
// stages whole files and doesn't try to preserve holes).
package sparsecopy

import (
	stderrors "errors"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/GregorR/nibackup/pkg/fsutil"
)

// These whence values are not exposed as portable constants by x/sys/unix
// on every platform, so they're defined directly; they match the Linux and
// FreeBSD values (macOS swaps them).
const (
	seekData = 3
	seekHole = 4
)

// copyBufferSize is the fixed buffer used to stream each data range. The
// spec requires at least 4 KiB; 64 KiB amortizes syscall overhead better on
// typical backup workloads.
const copyBufferSize = 64 * 1024

// dataRange is a half-open [start, end) byte range known to hold data
// (i.e. not a hole).
type dataRange struct {
	start, end int64
}

// dataRanges locates the data ranges of an open file of the given size using
// SEEK_DATA/SEEK_HOLE. If the underlying filesystem doesn't advertise holes
// (ENXIO is never returned and the first SEEK_DATA fails with EINVAL, or the
// whole file is reported as one run), the single range [0, size) is
// returned, which degrades gracefully to a plain sequential copy.
func dataRanges(fd int, size int64) ([]dataRange, error) {
	if size == 0 {
		return nil, nil
	}

	var ranges []dataRange
	offset := int64(0)
	for offset < size {
		dataStart, err := unix.Seek(fd, offset, seekData)
		if err != nil {
			if stderrors.Is(err, unix.ENXIO) {
				// No more data after offset: remainder is a hole.
				break
			}
			if stderrors.Is(err, unix.EINVAL) {
				// SEEK_DATA unsupported by this filesystem.
				return []dataRange{{0, size}}, nil
			}
			return nil, errors.Wrap(err, "unable to seek to data")
		}

		dataEnd, err := unix.Seek(fd, dataStart, seekHole)
		if err != nil {
			if stderrors.Is(err, unix.EINVAL) {
				return []dataRange{{0, size}}, nil
			}
			return nil, errors.Wrap(err, "unable to seek to hole")
		}
		if dataEnd > size {
			dataEnd = size
		}

		ranges = append(ranges, dataRange{dataStart, dataEnd})
		offset = dataEnd
	}

	if _, err := unix.Seek(fd, 0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "unable to rewind source after probing holes")
	}

	return ranges, nil
}

// Copy copies the contents of source (an already-open, O_RDONLY handle of
// size bytes) into a newly created file called name inside destDir, with
// permissions 0600, preserving hole structure per spec §4.2. The
// destination is left untouched (and therefore sparse) between data ranges.
func Copy(source *os.File, destDir *fsutil.Directory, name string, size int64) (retErr error) {
	dest, err := destDir.CreateFile(name, 0600)
	if err != nil {
		return errors.Wrapf(err, "unable to create destination file %q", name)
	}
	defer func() {
		if cerr := dest.Close(); cerr != nil && retErr == nil {
			retErr = errors.Wrap(cerr, "unable to close destination file")
		}
	}()

	ranges, err := dataRanges(int(source.Fd()), size)
	if err != nil {
		// Hole detection isn't universally supported; fall back to a single
		// full-file range rather than failing the backup.
		ranges = []dataRange{{0, size}}
	}

	buffer := make([]byte, copyBufferSize)
	for _, r := range ranges {
		if err := copyRange(source, dest, r, buffer); err != nil {
			return err
		}
	}

	if size > 0 {
		if err := dest.Truncate(size); err != nil {
			return errors.Wrap(err, "unable to set final destination size")
		}
	}

	return nil
}

// copyRange streams bytes [r.start, r.end) from src to dst, positioning
// both handles at r.start first.
func copyRange(src, dst *os.File, r dataRange, buffer []byte) error {
	if r.start >= r.end {
		return nil
	}
	if _, err := src.Seek(r.start, io.SeekStart); err != nil {
		return errors.Wrap(err, "unable to position source for range copy")
	}
	if _, err := dst.Seek(r.start, io.SeekStart); err != nil {
		return errors.Wrap(err, "unable to position destination for range copy")
	}

	remaining := r.end - r.start
	for remaining > 0 {
		chunk := buffer
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := src.Read(chunk)
		if n > 0 {
			if _, werr := dst.Write(chunk[:n]); werr != nil {
				return errors.Wrap(werr, "unable to write destination range")
			}
			remaining -= int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap(err, "unable to read source range")
		}
	}
	return nil
}
