package watch_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GregorR/nibackup/pkg/exclude"
	"github.com/GregorR/nibackup/pkg/watch"
)

type blockingMountSource struct {
	files chan *os.File
	stop  chan struct{}
}

func (m *blockingMountSource) Next() (*os.File, error) {
	select {
	case f := <-m.files:
		return f, nil
	case <-m.stop:
		return nil, os.ErrClosed
	}
}

type blockingDirSource struct {
	events chan watch.DirEvent
	stop   chan struct{}
}

func (d *blockingDirSource) Watch(path string) (watch.ID, error) { return watch.ID(1), nil }
func (d *blockingDirSource) Unwatch(id watch.ID) error            { return nil }
func (d *blockingDirSource) Next() (watch.DirEvent, error) {
	select {
	case e := <-d.events:
		return e, nil
	case <-d.stop:
		return watch.DirEvent{}, os.ErrClosed
	}
}

func TestAdapterEmitsRelativizedPathFromMountSource(t *testing.T) {
	sourceRoot := t.TempDir()
	filePath := sourceRoot + "/changed.txt"
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0644))
	file, err := os.Open(filePath)
	require.NoError(t, err)
	defer file.Close()

	mount := &blockingMountSource{files: make(chan *os.File, 1), stop: make(chan struct{})}
	dir := &blockingDirSource{events: make(chan watch.DirEvent, 1), stop: make(chan struct{})}
	adapter := watch.NewAdapter(sourceRoot, exclude.New(nil, false), mount, dir, 8)
	// Terminate waits for both readers, which only return once their
	// source's Next fails, so the fake sources are stopped first.
	defer func() {
		close(mount.stop)
		close(dir.stop)
		adapter.Terminate()
	}()

	mount.files <- file

	select {
	case relative := <-adapter.Events():
		assert.Equal(t, "changed.txt", relative)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestAdapterDropsPathsOutsideRoot(t *testing.T) {
	sourceRoot := t.TempDir()
	other := t.TempDir()
	filePath := other + "/outside.txt"
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0644))
	file, err := os.Open(filePath)
	require.NoError(t, err)
	defer file.Close()

	mount := &blockingMountSource{files: make(chan *os.File, 1), stop: make(chan struct{})}
	dir := &blockingDirSource{events: make(chan watch.DirEvent, 1), stop: make(chan struct{})}
	adapter := watch.NewAdapter(sourceRoot, exclude.New(nil, false), mount, dir, 8)
	// Terminate waits for both readers, which only return once their
	// source's Next fails, so the fake sources are stopped first.
	defer func() {
		close(mount.stop)
		close(dir.stop)
		adapter.Terminate()
	}()

	mount.files <- file

	select {
	case relative := <-adapter.Events():
		t.Fatalf("unexpected event for path outside root: %q", relative)
	case <-time.After(100 * time.Millisecond):
	}
}
