package nibackup_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GregorR/nibackup/pkg/nibackup"
)

func TestVersionStringMatchesComponents(t *testing.T) {
	expected := fmt.Sprintf("%d.%d.%d", nibackup.VersionMajor, nibackup.VersionMinor, nibackup.VersionPatch)
	assert.Equal(t, expected, nibackup.Version)
}
