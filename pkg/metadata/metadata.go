// Package metadata implements the metadata codec (spec §4.1): capturing,
// serializing, comparing, and parsing the seven-field attribute tuple that
// nibackup stores per revision. It is grounded on the teacher's
// pkg/filesystem metadata/stat handling (directory_posix.go's use of
// unix.Stat_t and Fstatat/Lstat), generalized to the tombstone/race-check
// semantics this spec requires that the teacher's synchronization core
// doesn't need (mutagen never needs to prove a captured handle still refers
// to the path it was looked up by, because it re-verifies via content
// hashing during staging instead).
package metadata

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/nberrors"
)

// Type identifies the kind of filesystem object a Metadata tuple describes.
// The byte values are exactly the on-disk encoding used in the type field
// (spec §6).
type Type byte

const (
	// TypeNonexistent is the tombstone type: the object does not exist.
	TypeNonexistent Type = 'n'
	// TypeRegular is a regular file.
	TypeRegular Type = 'f'
	// TypeDirectory is a directory.
	TypeDirectory Type = 'd'
	// TypeSymlink is a symbolic link.
	TypeSymlink Type = 'l'
	// TypeFIFO is a named pipe.
	TypeFIFO Type = 'p'
	// TypeOther covers block/character devices and sockets — tracked only as
	// a metadata stub per the Non-goals in spec §1.
	TypeOther Type = 'x'
)

// Metadata is the seven-field attribute tuple M from spec §3. Equality is
// bitwise on all seven fields (implemented by Equal).
type Metadata struct {
	Type  Type
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
	Mtime int64
	Ctime int64
}

// Tombstone is the metadata tuple for a nonexistent object (used for
// revision 0 and for deletion revisions).
var Tombstone = Metadata{Type: TypeNonexistent}

// Equal performs the componentwise comparison specified in spec §3/§4.1.
func (m Metadata) Equal(other Metadata) bool {
	return m == other
}

// Serialize renders the canonical newline-delimited text form:
// "type\nmode\nuid\ngid\nsize\nmtime\nctime\n".
func (m Metadata) Serialize() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%c\n%d\n%d\n%d\n%d\n%d\n%d\n", byte(m.Type), m.Mode, m.UID, m.GID, m.Size, m.Mtime, m.Ctime)
	return []byte(b.String())
}

// Parse decodes the canonical (or whitespace-tolerant) newline-delimited
// form produced by Serialize.
func Parse(data []byte) (Metadata, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	fields := make([]string, 0, 7)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields = append(fields, line)
	}
	if err := scanner.Err(); err != nil {
		return Metadata{}, err
	}
	if len(fields) != 7 {
		return Metadata{}, errors.Errorf("expected 7 metadata fields, found %d", len(fields))
	}

	typ := Type(fields[0][0])
	mode, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Metadata{}, errors.Wrap(err, "invalid mode field")
	}
	uid, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Metadata{}, errors.Wrap(err, "invalid uid field")
	}
	gid, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Metadata{}, errors.Wrap(err, "invalid gid field")
	}
	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Metadata{}, errors.Wrap(err, "invalid size field")
	}
	mtime, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return Metadata{}, errors.Wrap(err, "invalid mtime field")
	}
	ctime, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return Metadata{}, errors.Wrap(err, "invalid ctime field")
	}

	return Metadata{
		Type:  typ,
		Mode:  uint32(mode),
		UID:   uint32(uid),
		GID:   uint32(gid),
		Size:  size,
		Mtime: mtime,
		Ctime: ctime,
	}, nil
}

// ParseFileOrTombstone reads and parses a revision's metadata file. If the
// file is absent, it is parsed as the nonexistent tuple only when required
// is false (i.e. when revision 0 or an optional probe); otherwise it fails
// with MissingRevision, per spec §4.1.
func ParseFileOrTombstone(dir *fsutil.Directory, name string, required bool) (Metadata, error) {
	file, err := dir.OpenFile(name)
	if err != nil {
		if os.IsNotExist(err) {
			if required {
				return Metadata{}, nberrors.New(nberrors.MissingRevision, "read metadata", name, err)
			}
			return Tombstone, nil
		}
		return Metadata{}, nberrors.New(nberrors.IoError, "open metadata file", name, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return Metadata{}, nberrors.New(nberrors.IoError, "read metadata file", name, err)
	}

	m, err := Parse(data)
	if err != nil {
		return Metadata{}, nberrors.New(nberrors.IoError, "parse metadata file", name, err)
	}
	return m, nil
}

// Captured pairs a captured Metadata with the open file obtained while
// capturing it (regular files only; for every other type Handle is nil,
// and a directory's verification handle is closed before return), so the backup
// engine can reuse the same handle for sparse-copying content without a
// second, racy lookup.
type Captured struct {
	Metadata Metadata
	Handle   *os.File
}

// Capture implements spec §4.1's capture(dir, name) operation: it lstats
// the entry without following symlinks, and for regular files and
// directories also opens the target and verifies that the open handle
// refers to the same inode (device + inode + type) as the lstat, to defeat
// the race where the entry is replaced between the two syscalls. A mismatch
// fails with RaceDetected. A missing entry yields the tombstone tuple with
// no error.
func Capture(dir *fsutil.Directory, name string) (Captured, error) {
	var lstat unix.Stat_t
	if err := unix.Fstatat(dir.Descriptor(), name, &lstat, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		if err == unix.ENOENT {
			return Captured{Metadata: Tombstone}, nil
		}
		return Captured{}, nberrors.New(nberrors.IoError, "stat", name, err)
	}

	m := Metadata{
		Mode:  lstat.Mode,
		UID:   lstat.Uid,
		GID:   lstat.Gid,
		Size:  lstat.Size,
		Mtime: lstat.Mtim.Sec,
		Ctime: lstat.Ctim.Sec,
	}

	switch lstat.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		m.Type = TypeRegular
	case unix.S_IFDIR:
		m.Type = TypeDirectory
	case unix.S_IFLNK:
		m.Type = TypeSymlink
	case unix.S_IFIFO:
		m.Type = TypeFIFO
	default:
		m.Type = TypeOther
	}

	if m.Type != TypeRegular && m.Type != TypeDirectory {
		return Captured{Metadata: m}, nil
	}

	// Open the target and cross-check dev+ino+type to defeat a
	// replace-between-stat-and-open race.
	if m.Type == TypeDirectory {
		subdir, err := dir.OpenDirectory(name)
		if err != nil {
			return Captured{}, nberrors.New(nberrors.IoError, "open directory", name, err)
		}
		defer subdir.Close()

		var openStat unix.Stat_t
		if err := unix.Fstat(subdir.Descriptor(), &openStat); err != nil {
			return Captured{}, nberrors.New(nberrors.IoError, "fstat", name, err)
		}
		if openStat.Dev != lstat.Dev || openStat.Ino != lstat.Ino || (openStat.Mode&unix.S_IFMT) != (lstat.Mode&unix.S_IFMT) {
			return Captured{}, nberrors.New(nberrors.RaceDetected, "capture", name, errors.New("inode mismatch between lstat and open"))
		}
		return Captured{Metadata: m}, nil
	}

	handle, err := dir.OpenFile(name)
	if err != nil {
		return Captured{}, nberrors.New(nberrors.IoError, "open", name, err)
	}

	var openStat unix.Stat_t
	if err := unix.Fstat(int(handle.Fd()), &openStat); err != nil {
		handle.Close()
		return Captured{}, nberrors.New(nberrors.IoError, "fstat", name, err)
	}
	if openStat.Dev != lstat.Dev || openStat.Ino != lstat.Ino || (openStat.Mode&unix.S_IFMT) != (lstat.Mode&unix.S_IFMT) {
		handle.Close()
		return Captured{}, nberrors.New(nberrors.RaceDetected, "capture", name, errors.New("inode mismatch between lstat and open"))
	}

	// Size may have changed between the lstat and the open (e.g. concurrent
	// write); re-read it from the open handle so the payload we're about to
	// copy matches the metadata we record.
	m.Size = openStat.Size

	return Captured{Metadata: m, Handle: handle}, nil
}
