//go:build linux

// The split between a mount-wide fanotify source and a per-directory
// inotify source mirrors the original nibackup daemon's notify.c, which
// pairs fanotify_init/fanotify_mark (FAN_CLASS_CONTENT, mount-wide,
// FAN_CLOSE_WRITE) with inotify_init/inotify_add_watch for directory-level
// tuples.
package watch

import (
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const inotifyMask = unix.IN_MODIFY | unix.IN_ATTRIB | unix.IN_CLOSE_WRITE |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_CREATE | unix.IN_DELETE |
	unix.IN_DELETE_SELF | unix.IN_MOVE_SELF

// InotifySource is the default DirSource implementation, backed by Linux
// inotify.
type InotifySource struct {
	fd int

	mu      sync.Mutex
	buf     []byte
	pending []byte
}

// NewInotifySource opens a new inotify instance.
func NewInotifySource() (*InotifySource, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "inotify_init1")
	}
	return &InotifySource{fd: fd, buf: make([]byte, 64*1024)}, nil
}

// Watch implements DirSource.Watch.
func (s *InotifySource) Watch(path string) (ID, error) {
	wd, err := unix.InotifyAddWatch(s.fd, path, inotifyMask)
	if err != nil {
		return 0, err
	}
	return ID(wd), nil
}

// Unwatch implements DirSource.Unwatch, tolerating a watch descriptor the
// kernel has already discarded (EINVAL) — which is expected after a
// self-event.
func (s *InotifySource) Unwatch(id ID) error {
	if _, err := unix.InotifyRmWatch(s.fd, uint32(id)); err != nil && err != unix.EINVAL {
		return err
	}
	return nil
}

// Next implements DirSource.Next, parsing raw inotify_event records out of
// the read buffer one at a time.
func (s *InotifySource) Next() (DirEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.pending) < unix.SizeofInotifyEvent {
			n, err := unix.Read(s.fd, s.buf)
			if err != nil {
				return DirEvent{}, err
			}
			s.pending = s.buf[:n]
			if len(s.pending) < unix.SizeofInotifyEvent {
				continue
			}
		}

		raw := s.pending
		event := (*unix.InotifyEvent)(unsafe.Pointer(&raw[0]))
		nameEnd := unix.SizeofInotifyEvent + int(event.Len)
		if nameEnd > len(raw) {
			// Truncated record; drop the rest of this read and wait for more.
			s.pending = nil
			continue
		}

		name := ""
		if event.Len > 0 {
			name = strings.TrimRight(string(raw[unix.SizeofInotifyEvent:nameEnd]), "\x00")
		}
		s.pending = raw[nameEnd:]

		mask := uint32(event.Mask)
		if mask&unix.IN_IGNORED != 0 {
			// Watch already removed (explicitly or by the kernel); nothing
			// to report.
			continue
		}
		if mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0 {
			return DirEvent{ID: ID(event.Wd), SelfRemoved: true}, nil
		}
		return DirEvent{ID: ID(event.Wd), Child: name}, nil
	}
}

// Close releases the inotify file descriptor.
func (s *InotifySource) Close() error {
	return unix.Close(s.fd)
}
