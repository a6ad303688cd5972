package purge_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GregorR/nibackup/pkg/engine"
	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/purge"
	"github.com/GregorR/nibackup/pkg/shadow"
)

func TestPurgeRenumbersSurvivingRevisions(t *testing.T) {
	sourceRoot := t.TempDir()
	destRoot := t.TempDir()
	path := filepath.Join(sourceRoot, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	source, err := fsutil.OpenDirectoryAt(sourceRoot)
	require.NoError(t, err)
	defer source.Close()
	dest, err := fsutil.OpenDirectoryAt(destRoot)
	require.NoError(t, err)
	defer dest.Close()

	_, err = engine.Process(source, dest, "report.txt", engine.Options{})
	require.NoError(t, err)

	names := shadow.ComputeNames("report.txt")
	oldTime := time.Now().Add(-48 * time.Hour)
	metaPath := filepath.Join(destRoot, names.MetaDir, shadow.MetadataFileName(1))
	require.NoError(t, os.Chtimes(metaPath, oldTime, oldTime))

	require.NoError(t, os.WriteFile(path, []byte("v2 longer"), 0644))
	_, err = engine.Process(source, dest, "report.txt", engine.Options{})
	require.NoError(t, err)

	reader := &purge.Reader{}
	threshold := time.Now().Add(-24 * time.Hour)
	require.NoError(t, reader.Purge(dest, threshold))

	metaDir, err := dest.OpenDirectory(names.MetaDir)
	require.NoError(t, err)
	defer metaDir.Close()
	assert.False(t, metaDir.ExistsNoFollow(shadow.MetadataFileName(2)))
	assert.True(t, metaDir.ExistsNoFollow(shadow.MetadataFileName(1)))
}

func TestPurgeRemovesEntryWithNoSurvivingRevisions(t *testing.T) {
	sourceRoot := t.TempDir()
	destRoot := t.TempDir()
	path := filepath.Join(sourceRoot, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	source, err := fsutil.OpenDirectoryAt(sourceRoot)
	require.NoError(t, err)
	defer source.Close()
	dest, err := fsutil.OpenDirectoryAt(destRoot)
	require.NoError(t, err)
	defer dest.Close()

	_, err = engine.Process(source, dest, "report.txt", engine.Options{})
	require.NoError(t, err)

	names := shadow.ComputeNames("report.txt")
	oldTime := time.Now().Add(-48 * time.Hour)
	metaPath := filepath.Join(destRoot, names.MetaDir, shadow.MetadataFileName(1))
	require.NoError(t, os.Chtimes(metaPath, oldTime, oldTime))

	reader := &purge.Reader{}
	threshold := time.Now().Add(-24 * time.Hour)
	require.NoError(t, reader.Purge(dest, threshold))

	assert.False(t, dest.ExistsNoFollow(names.Marker))
	_, err = os.Stat(filepath.Join(destRoot, names.MetaDir))
	assert.True(t, os.IsNotExist(err))
}

func TestPurgeLeavesRecentHistoryIntact(t *testing.T) {
	sourceRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "report.txt"), []byte("v1"), 0644))

	source, err := fsutil.OpenDirectoryAt(sourceRoot)
	require.NoError(t, err)
	defer source.Close()
	dest, err := fsutil.OpenDirectoryAt(destRoot)
	require.NoError(t, err)
	defer dest.Close()

	_, err = engine.Process(source, dest, "report.txt", engine.Options{})
	require.NoError(t, err)

	reader := &purge.Reader{}
	require.NoError(t, reader.Purge(dest, time.Now().Add(-24*time.Hour)))

	names := shadow.ComputeNames("report.txt")
	assert.True(t, dest.ExistsNoFollow(names.Marker))
	metaDir, err := dest.OpenDirectory(names.MetaDir)
	require.NoError(t, err)
	defer metaDir.Close()
	assert.True(t, metaDir.ExistsNoFollow(shadow.MetadataFileName(1)))
}
