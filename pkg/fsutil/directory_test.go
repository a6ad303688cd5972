package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GregorR/nibackup/pkg/fsutil"
)

func TestMkdiratTolerantOfExisting(t *testing.T) {
	dir := t.TempDir()
	d, err := fsutil.OpenDirectoryAt(dir)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Mkdirat("sub", 0700))
	require.NoError(t, d.Mkdirat("sub", 0700))
}

func TestCreateFileAndOpenFile(t *testing.T) {
	dir := t.TempDir()
	d, err := fsutil.OpenDirectoryAt(dir)
	require.NoError(t, err)
	defer d.Close()

	f, err := d.CreateFile("file.txt", 0600)
	require.NoError(t, err)
	_, err = f.WriteString("content")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reader, err := d.OpenFile("file.txt")
	require.NoError(t, err)
	defer reader.Close()
	buf := make([]byte, 16)
	n, _ := reader.Read(buf)
	assert.Equal(t, "content", string(buf[:n]))
}

func TestOpenOrCreateFilePreservesExistingContent(t *testing.T) {
	dir := t.TempDir()
	d, err := fsutil.OpenDirectoryAt(dir)
	require.NoError(t, err)
	defer d.Close()

	f, err := d.CreateFile("marker", 0600)
	require.NoError(t, err)
	_, err = f.WriteString("existing")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := d.OpenOrCreateFile("marker", 0600)
	require.NoError(t, err)
	defer f2.Close()
	buf := make([]byte, 16)
	n, _ := f2.Read(buf)
	assert.Equal(t, "existing", string(buf[:n]))
}

func TestUnlinkatTolerantOfMissing(t *testing.T) {
	dir := t.TempDir()
	d, err := fsutil.OpenDirectoryAt(dir)
	require.NoError(t, err)
	defer d.Close()

	assert.NoError(t, d.Unlinkat("missing"))
}

func TestRenameatMovesFile(t *testing.T) {
	dir := t.TempDir()
	d, err := fsutil.OpenDirectoryAt(dir)
	require.NoError(t, err)
	defer d.Close()

	f, err := d.CreateFile("old", 0600)
	require.NoError(t, err)
	f.Close()

	require.NoError(t, d.Renameat("old", "new"))
	assert.False(t, d.ExistsNoFollow("old"))
	assert.True(t, d.ExistsNoFollow("new"))
}

func TestExistsNoFollowDoesNotFollowSymlink(t *testing.T) {
	dir := t.TempDir()
	d, err := fsutil.OpenDirectoryAt(dir)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.CreateSymbolicLink("link", filepath.Join(dir, "nonexistent-target")))
	assert.True(t, d.ExistsNoFollow("link"))
}

func TestReadWriteSymbolicLink(t *testing.T) {
	dir := t.TempDir()
	d, err := fsutil.OpenDirectoryAt(dir)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.CreateSymbolicLink("link", "target-value"))
	target, err := d.ReadSymbolicLink("link")
	require.NoError(t, err)
	assert.Equal(t, "target-value", target)
}

func TestReadContentNamesExcludesDotEntries(t *testing.T) {
	dir := t.TempDir()
	d, err := fsutil.OpenDirectoryAt(dir)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), nil, 0644))

	names, err := d.ReadContentNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestInvalidNameRejected(t *testing.T) {
	dir := t.TempDir()
	d, err := fsutil.OpenDirectoryAt(dir)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.CreateFile("..", 0600)
	assert.Error(t, err)
	_, err = d.CreateFile("a/b", 0600)
	assert.Error(t, err)
}

func TestDeviceMatchesForSameFilesystem(t *testing.T) {
	dir := t.TempDir()
	d, err := fsutil.OpenDirectoryAt(dir)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.Mkdirat("sub", 0700))
	sub, err := d.OpenDirectory("sub")
	require.NoError(t, err)
	defer sub.Close()

	parentDev, err := d.Device()
	require.NoError(t, err)
	childDev, err := sub.Device()
	require.NoError(t, err)
	assert.Equal(t, parentDev, childDev)
}
