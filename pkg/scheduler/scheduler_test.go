package scheduler_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GregorR/nibackup/pkg/engine"
	"github.com/GregorR/nibackup/pkg/exclude"
	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/scheduler"
	"github.com/GregorR/nibackup/pkg/shadow"
	"github.com/GregorR/nibackup/pkg/traversal"
)

func TestSchedulerFullSyncOnStartup(t *testing.T) {
	sourceRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "file.txt"), []byte("hi"), 0644))

	source, err := fsutil.OpenDirectoryAt(sourceRoot)
	require.NoError(t, err)
	defer source.Close()
	dest, err := fsutil.OpenDirectoryAt(destRoot)
	require.NoError(t, err)
	defer dest.Close()

	driver := &traversal.Driver{Exclude: exclude.New(nil, false), Engine: engine.Options{}}
	sched := scheduler.New(sourceRoot, source, dest, driver, engine.Options{}, scheduler.Options{
		WaitAfterNotif: 10 * time.Millisecond,
		FullSyncCycle:  time.Hour,
		Threads:        1,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sched.EnqueueFullSync()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	// Give the main loop time to drain the enqueued full sync before asking
	// it to shut down.
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not shut down after context cancellation")
	}

	names := shadow.ComputeNames("file.txt")
	assert.True(t, dest.ExistsNoFollow(names.Marker))
}

func TestSchedulerDispatchesPathChange(t *testing.T) {
	sourceRoot := t.TempDir()
	destRoot := t.TempDir()
	path := filepath.Join(sourceRoot, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0644))

	source, err := fsutil.OpenDirectoryAt(sourceRoot)
	require.NoError(t, err)
	defer source.Close()
	dest, err := fsutil.OpenDirectoryAt(destRoot)
	require.NoError(t, err)
	defer dest.Close()

	driver := &traversal.Driver{Exclude: exclude.New(nil, false), Engine: engine.Options{}}
	sched := scheduler.New(sourceRoot, source, dest, driver, engine.Options{}, scheduler.Options{
		WaitAfterNotif: 10 * time.Millisecond,
		FullSyncCycle:  time.Hour,
		Threads:        2,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sched.EnqueuePath(path)

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not shut down after context cancellation")
	}

	names := shadow.ComputeNames("file.txt")
	assert.True(t, dest.ExistsNoFollow(names.Marker))
}
