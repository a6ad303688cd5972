//go:build linux

package watch

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FanotifySource is the default MountSource implementation, backed by a
// mount-wide fanotify mark in content mode (the same configuration as the
// original daemon's fanotify_init(FAN_CLASS_CONTENT, ...) plus
// fanotify_mark(FAN_MARK_ADD|FAN_MARK_MOUNT, FAN_CLOSE_WRITE|FAN_ONDIR|
// FAN_EVENT_ON_CHILD, ...)).
type FanotifySource struct {
	fd  int
	buf [4096]byte
}

// NewFanotifySource establishes a mount-wide fanotify mark rooted at
// mountPath. It requires CAP_SYS_ADMIN.
func NewFanotifySource(mountPath string) (*FanotifySource, error) {
	fd, err := unix.FanotifyInit(unix.FAN_CLASS_CONTENT, uint(unix.O_RDONLY|unix.O_LARGEFILE))
	if err != nil {
		return nil, errors.Wrap(err, "fanotify_init")
	}

	mask := uint64(unix.FAN_CLOSE_WRITE | unix.FAN_ONDIR | unix.FAN_EVENT_ON_CHILD)
	if err := unix.FanotifyMark(fd, unix.FAN_MARK_ADD|unix.FAN_MARK_MOUNT, mask, unix.AT_FDCWD, mountPath); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "fanotify_mark")
	}

	return &FanotifySource{fd: fd}, nil
}

// Next implements MountSource.Next, returning the next changed-file
// descriptor. Events carrying no descriptor (FAN_NOFD, e.g. queue overflow
// notices) are skipped.
func (s *FanotifySource) Next() (*os.File, error) {
	for {
		// Read a single event per call so that no event already taken from
		// the kernel is dropped when Next returns; without info records each
		// event is exactly one metadata record long.
		n, err := unix.Read(s.fd, s.buf[:unsafe.Sizeof(unix.FanotifyEventMetadata{})])
		if err != nil {
			return nil, err
		}

		offset := 0
		for offset+int(unsafe.Sizeof(unix.FanotifyEventMetadata{})) <= n {
			meta := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&s.buf[offset]))
			eventLen := int(meta.Event_len)
			if eventLen <= 0 {
				break
			}
			offset += eventLen

			if meta.Fd < 0 {
				continue
			}
			return os.NewFile(uintptr(meta.Fd), "fanotify"), nil
		}
	}
}

// Close releases the fanotify file descriptor.
func (s *FanotifySource) Close() error {
	return unix.Close(s.fd)
}
