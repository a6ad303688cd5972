package sparsecopy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/sparsecopy"
)

func TestCopyPreservesContent(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	srcPath := filepath.Join(srcDir, "file.bin")
	content := []byte("hello sparse copy world")
	require.NoError(t, os.WriteFile(srcPath, content, 0644))

	src, err := os.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	dest, err := fsutil.OpenDirectoryAt(dstDir)
	require.NoError(t, err)
	defer dest.Close()

	require.NoError(t, sparsecopy.Copy(src, dest, "copy.bin", int64(len(content))))

	got, err := os.ReadFile(filepath.Join(dstDir, "copy.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestCopyEmptyFile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	srcPath := filepath.Join(srcDir, "empty.bin")
	require.NoError(t, os.WriteFile(srcPath, nil, 0644))

	src, err := os.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	dest, err := fsutil.OpenDirectoryAt(dstDir)
	require.NoError(t, err)
	defer dest.Close()

	require.NoError(t, sparsecopy.Copy(src, dest, "copy.bin", 0))

	info, err := os.Stat(filepath.Join(dstDir, "copy.bin"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, info.Size())
}
