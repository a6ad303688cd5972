package nberrors_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GregorR/nibackup/pkg/nberrors"
)

func TestErrorMessageIncludesPathWhenPresent(t *testing.T) {
	err := nberrors.New(nberrors.IoError, "open marker", "report.txt", stderrors.New("boom"))
	assert.Contains(t, err.Error(), "report.txt")
	assert.Contains(t, err.Error(), "open marker")
	assert.Contains(t, err.Error(), "boom")
}

func TestErrorMessageOmitsPathWhenEmpty(t *testing.T) {
	err := nberrors.New(nberrors.ConfigError, "parse flags", "", stderrors.New("bad value"))
	assert.NotContains(t, err.Error(), `""`)
	assert.Contains(t, err.Error(), "parse flags")
}

func TestUnwrapExposesUnderlyingCause(t *testing.T) {
	cause := stderrors.New("underlying")
	err := nberrors.New(nberrors.PatchFailed, "reverse patch", "x", cause)
	assert.True(t, stderrors.Is(err, cause))
}

func TestIsMatchesKind(t *testing.T) {
	err := nberrors.New(nberrors.RaceDetected, "capture metadata", "f", stderrors.New("race"))
	assert.True(t, nberrors.Is(err, nberrors.RaceDetected))
	assert.False(t, nberrors.Is(err, nberrors.IoError))
	assert.False(t, nberrors.Is(stderrors.New("plain"), nberrors.RaceDetected))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "i/o error", nberrors.IoError.String())
	assert.Equal(t, "resource exhausted", nberrors.ResourceExhausted.String())
}
