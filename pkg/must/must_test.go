package must_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GregorR/nibackup/pkg/must"
)

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("close failed") }

func TestCloseWarnsWithoutPanicking(t *testing.T) {
	assert.NotPanics(t, func() { must.Close(failingCloser{}, nil) })
}

type failingUnlocker struct{}

func (failingUnlocker) Unlock() error { return errors.New("unlock failed") }

func TestUnlockWarnsWithoutPanicking(t *testing.T) {
	assert.NotPanics(t, func() { must.Unlock(failingUnlocker{}, nil) })
}

func TestOSRemoveToleratesMissingFile(t *testing.T) {
	assert.NotPanics(t, func() { must.OSRemove(filepath.Join(t.TempDir(), "missing"), nil) })
}

func TestOSRemoveRemovesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	must.OSRemove(path, nil)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSucceedWarnsOnError(t *testing.T) {
	assert.NotPanics(t, func() { must.Succeed(errors.New("failed"), "do something", nil) })
	assert.NotPanics(t, func() { must.Succeed(nil, "do something", nil) })
}
