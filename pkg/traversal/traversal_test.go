package traversal_test

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GregorR/nibackup/pkg/engine"
	"github.com/GregorR/nibackup/pkg/exclude"
	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/shadow"
	"github.com/GregorR/nibackup/pkg/traversal"
)

func openPair(t *testing.T) (*fsutil.Directory, *fsutil.Directory, string) {
	t.Helper()
	sourceRoot := t.TempDir()
	destRoot := t.TempDir()
	source, err := fsutil.OpenDirectoryAt(sourceRoot)
	require.NoError(t, err)
	dest, err := fsutil.OpenDirectoryAt(destRoot)
	require.NoError(t, err)
	t.Cleanup(func() {
		source.Close()
		dest.Close()
	})
	return source, dest, sourceRoot
}

func TestFullSyncCreatesNestedEntries(t *testing.T) {
	source, dest, sourceRoot := openPair(t)
	require.NoError(t, os.Mkdir(filepath.Join(sourceRoot, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "sub", "file.txt"), []byte("content"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "top.txt"), []byte("top"), 0644))

	driver := &traversal.Driver{Exclude: exclude.New(nil, false), Engine: engine.Options{}}
	require.NoError(t, driver.FullSync(source, dest))

	topNames := shadow.ComputeNames("top.txt")
	assert.True(t, dest.ExistsNoFollow(topNames.Marker))

	subNames := shadow.ComputeNames("sub")
	assert.True(t, dest.ExistsNoFollow(subNames.DescentDir))

	descent, err := dest.OpenDirectory(subNames.DescentDir)
	require.NoError(t, err)
	defer descent.Close()
	fileNames := shadow.ComputeNames("file.txt")
	assert.True(t, descent.ExistsNoFollow(fileNames.Marker))
}

func TestFullSyncDetectsDeletion(t *testing.T) {
	source, dest, sourceRoot := openPair(t)
	path := filepath.Join(sourceRoot, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0644))

	driver := &traversal.Driver{Exclude: exclude.New(nil, false), Engine: engine.Options{}}
	require.NoError(t, driver.FullSync(source, dest))

	require.NoError(t, os.Remove(path))
	require.NoError(t, driver.FullSync(source, dest))

	names := shadow.ComputeNames("gone.txt")
	metaDir, err := dest.OpenDirectory(names.MetaDir)
	require.NoError(t, err)
	defer metaDir.Close()
	assert.True(t, metaDir.ExistsNoFollow(shadow.MetadataFileName(2)))
}

func TestFullSyncRespectsExclusions(t *testing.T) {
	source, dest, sourceRoot := openPair(t)
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "skip.tmp"), []byte("x"), 0644))

	predicate := exclude.New([]*regexp.Regexp{regexp.MustCompile(`^(?:.*\.tmp)$`)}, false)
	driver := &traversal.Driver{Exclude: predicate, Engine: engine.Options{}}

	require.NoError(t, driver.FullSync(source, dest))

	names := shadow.ComputeNames("skip.tmp")
	assert.False(t, dest.ExistsNoFollow(names.Marker))
}

func TestPathSyncWalksToParentAndLeavesFinalComponent(t *testing.T) {
	source, dest, sourceRoot := openPair(t)
	require.NoError(t, os.Mkdir(filepath.Join(sourceRoot, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "sub", "file.txt"), []byte("content"), 0644))

	driver := &traversal.Driver{Exclude: exclude.New(nil, false), Engine: engine.Options{}}

	sourceDir, destDir, finalName, ok, err := driver.PathSync(source, dest, sourceRoot, filepath.Join(sourceRoot, "sub", "file.txt"))
	require.NoError(t, err)
	require.True(t, ok)
	defer sourceDir.Close()
	defer destDir.Close()
	assert.Equal(t, "file.txt", finalName)

	subNames := shadow.ComputeNames("sub")
	assert.True(t, dest.ExistsNoFollow(subNames.DescentDir))
}

func TestPathSyncFailsQuietlyOutsideRoot(t *testing.T) {
	source, dest, sourceRoot := openPair(t)
	driver := &traversal.Driver{Exclude: exclude.New(nil, false), Engine: engine.Options{}}

	_, _, _, ok, err := driver.PathSync(source, dest, sourceRoot, "/somewhere/else")
	require.NoError(t, err)
	assert.False(t, ok)
}
