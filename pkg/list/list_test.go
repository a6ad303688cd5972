package list_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GregorR/nibackup/pkg/engine"
	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/list"
)

func TestListReportsCurrentEntries(t *testing.T) {
	sourceRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "report.txt"), []byte("hello"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(sourceRoot, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "sub", "nested.txt"), []byte("nested"), 0644))

	source, err := fsutil.OpenDirectoryAt(sourceRoot)
	require.NoError(t, err)
	defer source.Close()
	dest, err := fsutil.OpenDirectoryAt(destRoot)
	require.NoError(t, err)
	defer dest.Close()

	descent, err := engine.Process(source, dest, "sub", engine.Options{})
	require.NoError(t, err)
	require.NotNil(t, descent)
	sourceSub, err := source.OpenDirectory("sub")
	require.NoError(t, err)
	_, err = engine.Process(sourceSub, descent, "nested.txt", engine.Options{})
	require.NoError(t, err)
	descent.Close()
	sourceSub.Close()

	_, err = engine.Process(source, dest, "report.txt", engine.Options{})
	require.NoError(t, err)

	reader := &list.Reader{}
	var out bytes.Buffer
	require.NoError(t, reader.List(dest, "", time.Now().Add(time.Hour), &out))

	output := out.String()
	assert.Contains(t, output, "report.txt")
	assert.Contains(t, output, "sub")
	assert.Contains(t, output, "sub/nested.txt")
}

func TestListSubpathScopesToDescent(t *testing.T) {
	sourceRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(sourceRoot, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "sub", "nested.txt"), []byte("nested"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "top.txt"), []byte("top"), 0644))

	source, err := fsutil.OpenDirectoryAt(sourceRoot)
	require.NoError(t, err)
	defer source.Close()
	dest, err := fsutil.OpenDirectoryAt(destRoot)
	require.NoError(t, err)
	defer dest.Close()

	descent, err := engine.Process(source, dest, "sub", engine.Options{})
	require.NoError(t, err)
	sourceSub, err := source.OpenDirectory("sub")
	require.NoError(t, err)
	_, err = engine.Process(sourceSub, descent, "nested.txt", engine.Options{})
	require.NoError(t, err)
	descent.Close()
	sourceSub.Close()
	_, err = engine.Process(source, dest, "top.txt", engine.Options{})
	require.NoError(t, err)

	reader := &list.Reader{}
	var out bytes.Buffer
	require.NoError(t, reader.List(dest, "sub", time.Now().Add(time.Hour), &out))

	output := out.String()
	assert.Contains(t, output, "nested.txt")
	assert.NotContains(t, output, "top.txt")
}

func TestListHistoryReportsEveryRevision(t *testing.T) {
	sourceRoot := t.TempDir()
	destRoot := t.TempDir()
	path := filepath.Join(sourceRoot, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	source, err := fsutil.OpenDirectoryAt(sourceRoot)
	require.NoError(t, err)
	defer source.Close()
	dest, err := fsutil.OpenDirectoryAt(destRoot)
	require.NoError(t, err)
	defer dest.Close()

	_, err = engine.Process(source, dest, "report.txt", engine.Options{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	_, err = engine.Process(source, dest, "report.txt", engine.Options{})
	require.NoError(t, err)

	reader := &list.Reader{History: true}
	var out bytes.Buffer
	require.NoError(t, reader.List(dest, "", time.Now().Add(time.Hour), &out))

	output := out.String()
	assert.Contains(t, output, "r1")
	assert.Contains(t, output, "r2")
}
