package logging_test

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GregorR/nibackup/pkg/logging"
)

func TestNameToLevel(t *testing.T) {
	level, ok := logging.NameToLevel("debug")
	require.True(t, ok)
	assert.Equal(t, logging.LevelDebug, level)

	_, ok = logging.NameToLevel("bogus")
	assert.False(t, ok)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "warn", logging.LevelWarn.String())
	assert.Equal(t, "unknown", logging.Level(99).String())
}

func TestNilLoggerDoesNotPanic(t *testing.T) {
	var logger *logging.Logger
	assert.NotPanics(t, func() {
		logger.Info("hello")
		logger.Debugf("x=%d", 1)
		logger.Warn(nil)
		_ = logger.Sublogger("child")
	})
}

func TestSubloggerSharesLevelPointer(t *testing.T) {
	root := logging.NewRoot(logging.LevelWarn)
	child := root.Sublogger("child")

	var buf bytes.Buffer
	previous := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(previous)

	child.Info("should not appear yet")
	assert.Empty(t, buf.String())

	root.SetLevel(logging.LevelInfo)
	child.Info("should appear now")
	assert.Contains(t, buf.String(), "should appear now")
	assert.Contains(t, buf.String(), "[child]")
}

func TestWriterSplitsLines(t *testing.T) {
	root := logging.NewRoot(logging.LevelInfo)

	var buf bytes.Buffer
	previous := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(previous)

	w := root.Writer()
	_, err := w.Write([]byte("line one\nline two\n"))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "line one")
	assert.Contains(t, buf.String(), "line two")
}
